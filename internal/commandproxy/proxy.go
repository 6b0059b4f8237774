// Package commandproxy lets a paired mobile device drive a bounded set of
// desktop-side operations without touching local resources directly. Every
// request/response/event travels as JSON inside the already-decrypted
// relay payload.
package commandproxy

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ResponseBudget is how long a request waits for its handler before the
// caller sees a timeout error and the pending entry is dropped.
const ResponseBudget = 15 * time.Second

// Request is a mobile->desktop command invocation.
type Request struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Args    []any  `json:"args,omitempty"`
}

// Response is exactly one reply per Request.ID, desktop->mobile.
type Response struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Event is an unsolicited desktop->mobile message, used for streaming
// progress from a spawned process.
type Event struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Data    any    `json:"data,omitempty"`
}

// Handler executes one channel's command and returns its result or an
// error. emit lets a handler push streaming events to the caller's mobile
// device before returning (e.g. process spawn progress).
type Handler func(args []any, emit func(data any)) (result any, err error)

// DefaultWhitelist is the fixed set of channel names honored regardless of
// configuration: chat spawn/send/kill, session listing/messages,
// version-control inspection, file search, and read-only app info.
var DefaultWhitelist = []string{
	"claude:spawn",
	"claude:send",
	"claude:kill",
	"sessions:list",
	"sessions:messages",
	"vcs:status",
	"vcs:diff",
	"files:search",
	"app:info",
}

// Proxy dispatches Requests to registered Handlers, enforcing the channel
// whitelist and tracking streaming process-to-device correlation.
type Proxy struct {
	whitelist map[string]struct{}

	mu       sync.Mutex
	handlers map[string]Handler

	procMu  sync.Mutex
	procMap map[string]string // pid -> mobileDeviceId, for claude:spawn streams

	sendResponse func(toDeviceID string, resp Response)
	sendEvent    func(toDeviceID string, evt Event)
}

// New creates a Proxy. whitelist overrides DefaultWhitelist when non-nil.
// sendResponse/sendEvent are the transport hooks the router supplies to
// deliver frames to a specific mobile device.
func New(whitelist []string, sendResponse func(toDeviceID string, resp Response), sendEvent func(toDeviceID string, evt Event)) *Proxy {
	if whitelist == nil {
		whitelist = DefaultWhitelist
	}
	set := make(map[string]struct{}, len(whitelist))
	for _, ch := range whitelist {
		set[ch] = struct{}{}
	}
	return &Proxy{
		whitelist:    set,
		handlers:     make(map[string]Handler),
		procMap:      make(map[string]string),
		sendResponse: sendResponse,
		sendEvent:    sendEvent,
	}
}

// IsChannelAllowed reports whether channel is in the whitelist.
func (p *Proxy) IsChannelAllowed(channel string) bool {
	_, ok := p.whitelist[channel]
	return ok
}

// RegisterHandler binds a handler function to a channel name. The channel
// still must be in the whitelist to be dispatched to.
func (p *Proxy) RegisterHandler(channel string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[channel] = handler
}

// HandleRequest decodes and dispatches one inbound command frame from
// fromDeviceID, sending exactly one Response back through sendResponse.
// Unknown channels and handler panics both surface as a Response.Error
// rather than closing the session.
func (p *Proxy) HandleRequest(fromDeviceID string, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	if !p.IsChannelAllowed(req.Channel) {
		p.sendResponse(fromDeviceID, Response{Type: "response", ID: req.ID, Error: "Channel not allowed"})
		return
	}

	p.mu.Lock()
	handler, ok := p.handlers[req.Channel]
	p.mu.Unlock()
	if !ok {
		p.sendResponse(fromDeviceID, Response{Type: "response", ID: req.ID, Error: "Channel not allowed"})
		return
	}

	result, err := p.invoke(fromDeviceID, req, handler)
	if err != nil {
		p.sendResponse(fromDeviceID, Response{Type: "response", ID: req.ID, Error: err.Error()})
		return
	}
	p.sendResponse(fromDeviceID, Response{Type: "response", ID: req.ID, Result: result})
}

// invoke calls handler, converting a panic into an error so one bad
// handler never tears down the connection.
func (p *Proxy) invoke(fromDeviceID string, req Request, handler Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	emit := func(data any) {
		p.sendEvent(fromDeviceID, Event{Type: "event", Channel: req.Channel, Data: data})
	}

	return handler(req.Args, emit)
}

// TrackProcess records that streaming output from pid should be routed to
// mobileDeviceID, for channels like claude:spawn that return a process id.
func (p *Proxy) TrackProcess(pid, mobileDeviceID string) {
	p.procMu.Lock()
	defer p.procMu.Unlock()
	p.procMap[pid] = mobileDeviceID
}

// EmitProcessEvent sends a streaming event for a tracked process, if any
// mobile is still tracked for pid. It is a no-op otherwise.
func (p *Proxy) EmitProcessEvent(pid, channel string, data any) {
	p.procMu.Lock()
	deviceID, ok := p.procMap[pid]
	p.procMu.Unlock()
	if !ok {
		return
	}
	p.sendEvent(deviceID, Event{Type: "event", Channel: channel, Data: data})
}

// UntrackProcess clears the pid -> device mapping, called on process exit
// or explicit kill.
func (p *Proxy) UntrackProcess(pid string) {
	p.procMu.Lock()
	defer p.procMu.Unlock()
	delete(p.procMap, pid)
}
