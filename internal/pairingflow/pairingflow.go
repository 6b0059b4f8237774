// Package pairingflow orchestrates the desktop/mobile pairing handshake on
// top of a relayclient.Client and cryptocore, turning a scanned QR payload
// or a freshly generated pairing code into a committed E2EE session.
package pairingflow

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/relaypair/pairrelay/internal/cryptocore"
)

// pairingCodeBytes is the width of the random pairing code a desktop draws
// for a new pairing offer: 128 bits, printed as 32 lowercase hex chars.
const pairingCodeBytes = 16

// QRPayload is the exact JSON shape encoded into the pairing QR code:
// {s,t,p,k,d} = server URL, token, pairing code, desktop public key hex,
// desktop device id.
type QRPayload struct {
	ServerURL        string `json:"s"`
	Token            string `json:"t"`
	PairingCode      string `json:"p"`
	DesktopPublicKey string `json:"k"`
	DesktopDeviceID  string `json:"d"`
}

// Encode serializes the payload for embedding in a QR surface. Rendering
// the QR image itself is out of scope; callers hand the JSON bytes to
// whatever QR renderer they use.
func (p QRPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeQRPayload parses a scanned QR payload.
func DecodeQRPayload(data []byte) (QRPayload, error) {
	var p QRPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return QRPayload{}, fmt.Errorf("decode qr payload: %w", err)
	}
	return p, nil
}

// SessionSink is the minimal surface pairingflow needs from a session
// store: put a derived session under a peer's deviceId, replacing any
// session already stored for that peer. Satisfied by relayclient.SessionStore.
type SessionSink interface {
	Put(peerDeviceID string, sess *cryptocore.Session)
}

// PairingSender is the minimal surface pairingflow needs from a relay
// connection to emit pairing frames. Satisfied by relayclient.Client.
type PairingSender interface {
	RegisterPairing(pairingCode, publicKeyHex, deviceName string)
	ClaimPairing(pairingCode, publicKeyHex string)
}

// DesktopFlow drives the desktop side of pairing: register an offer,
// publish it as a QR payload, and derive the session once the mobile's
// claim comes back as pairing-accepted.
type DesktopFlow struct {
	serverURL  string
	token      string
	deviceID   string
	deviceName string

	sender  PairingSender
	sink    SessionSink

	mu      sync.Mutex
	pending *desktopPending
}

type desktopPending struct {
	code string
	priv *ecdh.PrivateKey
}

// NewDesktopFlow creates a DesktopFlow for a desktop identified by
// deviceID/deviceName, talking to the relay server at serverURL with
// token, through sender, storing derived sessions into sink.
func NewDesktopFlow(serverURL, token, deviceID, deviceName string, sender PairingSender, sink SessionSink) *DesktopFlow {
	return &DesktopFlow{
		serverURL:  serverURL,
		token:      token,
		deviceID:   deviceID,
		deviceName: deviceName,
		sender:     sender,
		sink:       sink,
	}
}

// Begin draws a fresh pairing code and ephemeral keypair, registers the
// offer with the server, and returns the QR payload for the mobile to
// scan. A second call to Begin replaces any still-pending offer.
func (f *DesktopFlow) Begin() (QRPayload, error) {
	pub, priv, err := cryptocore.GenerateKeyPair()
	if err != nil {
		return QRPayload{}, fmt.Errorf("generate desktop keypair: %w", err)
	}
	code, err := generatePairingCode()
	if err != nil {
		return QRPayload{}, fmt.Errorf("generate pairing code: %w", err)
	}

	f.mu.Lock()
	f.pending = &desktopPending{code: code, priv: priv}
	f.mu.Unlock()

	f.sender.RegisterPairing(code, pub, f.deviceName)

	return QRPayload{
		ServerURL:        f.serverURL,
		Token:            f.token,
		PairingCode:      code,
		DesktopPublicKey: pub,
		DesktopDeviceID:  f.deviceID,
	}, nil
}

// HandlePairingAccepted completes the handshake once the server reports
// the mobile's claim: derive the shared session and store it against the
// mobile's deviceId, then clear the pending offer.
func (f *DesktopFlow) HandlePairingAccepted(mobileDeviceID, mobilePublicKeyHex, _ string) error {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	if pending == nil {
		return fmt.Errorf("pairing accepted with no pending offer")
	}

	sess, err := cryptocore.DeriveSession(pending.priv, mobilePublicKeyHex, pending.code)
	if err != nil {
		return fmt.Errorf("derive session: %w", err)
	}

	f.sink.Put(mobileDeviceID, sess)
	return nil
}

// MobileFlow drives the mobile side: claim a scanned offer and pre-derive
// the session so relay traffic can be decrypted even if it races ahead of
// the server's pairing-accepted acknowledgement.
type MobileFlow struct {
	deviceID string
	sender   PairingSender
	sink     SessionSink
}

// NewMobileFlow creates a MobileFlow for a mobile identified by deviceID.
func NewMobileFlow(deviceID string, sender PairingSender, sink SessionSink) *MobileFlow {
	return &MobileFlow{deviceID: deviceID, sender: sender, sink: sink}
}

// ClaimFromQR generates an ephemeral keypair, pre-derives the session
// against the scanned desktop key and code, commits it immediately under
// the desktop's deviceId (already known from the QR payload), and emits
// claim-pairing.
func (f *MobileFlow) ClaimFromQR(payload QRPayload) error {
	pub, priv, err := cryptocore.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate mobile keypair: %w", err)
	}

	sess, err := cryptocore.DeriveSession(priv, payload.DesktopPublicKey, payload.PairingCode)
	if err != nil {
		return fmt.Errorf("derive session: %w", err)
	}
	f.sink.Put(payload.DesktopDeviceID, sess)

	f.sender.ClaimPairing(payload.PairingCode, pub)
	return nil
}

// HandlePairingAccepted is called once the server confirms the claim.
// The session was already committed in ClaimFromQR, so it does nothing and
// always returns nil; the server's account of the desktop is not compared
// with the QR scan.
func (f *MobileFlow) HandlePairingAccepted(desktopDeviceID, desktopPublicKeyHex, _ string) error {
	return nil
}

func generatePairingCode() (string, error) {
	buf := make([]byte, pairingCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
