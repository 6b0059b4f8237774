// Package remotecontrol implements the desktop-side state machine gating
// whether a paired mobile device may drive local commands.
package remotecontrol

import (
	"sync"
	"time"
)

// State names the three states of the remote-control lock.
type State int

const (
	// Local means the desktop is operated locally; no mobile holds control.
	Local State = iota
	// Remote means a mobile device currently holds control.
	Remote
	// Unlocking means a mobile holds control but an unlock attempt with a
	// wrong secret was made; subsequent attempts stay in this state until
	// the correct secret is supplied or the controller disconnects.
	Unlocking
)

func (s State) String() string {
	switch s {
	case Local:
		return "local"
	case Remote:
		return "remote"
	case Unlocking:
		return "unlocking"
	default:
		return "unknown"
	}
}

// Policy configures what the FSM allows and how it behaves.
type Policy struct {
	AllowRemoteControl bool
	UnlockSecret       string // six-digit numeric string
	AutoLockTimeout    time.Duration
}

// FSM is the single-threaded remote-control state machine for one desktop.
// All exported methods lock internally and are safe to call from the
// router's goroutine.
type FSM struct {
	mu sync.Mutex

	policy Policy

	state      State
	controller string // deviceId of the mobile currently in control, "" if local
	graceTimer *time.Timer
	onRevoked  func(controller string)
}

// New creates an FSM in the Local state. onRevoked is called (on its own
// goroutine) with the controller's deviceId whenever a successful unlock
// ends a remote-control session, so the caller can send control-revoked.
func New(policy Policy, onRevoked func(controller string)) *FSM {
	return &FSM{
		policy:    policy,
		state:     Local,
		onRevoked: onRevoked,
	}
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsLocked reports whether the desktop is currently under remote control
// (state is Remote or Unlocking).
func (f *FSM) IsLocked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == Remote || f.state == Unlocking
}

// Controller returns the deviceId currently in control, or "" if local.
func (f *FSM) Controller() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.controller
}

// HandleControlRequest processes a control-request from from (a paired
// mobile). hasSession reports whether an E2EE session with from already
// exists — the request is refused without one. Returns whether the
// request was accepted; the caller sends the matching control-ack itself.
// If AutoLockTimeout is nonzero the move to Remote is scheduled after that
// delay; otherwise it happens before this method returns.
func (f *FSM) HandleControlRequest(from string, hasSession bool) (accepted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Local || !f.policy.AllowRemoteControl || !hasSession {
		return false
	}

	if f.policy.AutoLockTimeout > 0 {
		f.graceTimer = time.AfterFunc(f.policy.AutoLockTimeout, func() {
			f.commitTransition(from)
		})
	} else {
		f.state = Remote
		f.controller = from
	}

	return true
}

// commitTransition moves the FSM into Remote(from) once the grace delay
// has elapsed. It runs on the grace timer goroutine, so it takes the lock
// itself.
func (f *FSM) commitTransition(from string) {
	f.mu.Lock()
	if f.state != Local {
		f.mu.Unlock()
		return
	}
	f.state = Remote
	f.controller = from
	f.mu.Unlock()
}

// TryUnlock attempts to return to Local using secret. Returns the
// resulting state.
func (f *FSM) TryUnlock(secret string) State {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Remote && f.state != Unlocking {
		return f.state
	}

	if secret == f.policy.UnlockSecret {
		controller := f.controller
		f.cancelGraceLocked()
		f.state = Local
		f.controller = ""
		if f.onRevoked != nil {
			go f.onRevoked(controller)
		}
		return Local
	}

	f.state = Unlocking
	return Unlocking
}

// PeerDisconnected transitions back to Local when the controlling peer
// goes offline, the pair is revoked, or the relay connection drops. It is
// a no-op if deviceID does not match the current controller.
func (f *FSM) PeerDisconnected(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == Local || f.controller != deviceID {
		return
	}
	f.cancelGraceLocked()
	f.state = Local
	f.controller = ""
}

func (f *FSM) cancelGraceLocked() {
	if f.graceTimer != nil {
		f.graceTimer.Stop()
		f.graceTimer = nil
	}
}

// SetUnlockSecret changes the configured unlock secret, e.g. from a
// configuration port.
func (f *FSM) SetUnlockSecret(secret string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy.UnlockSecret = secret
}
