package commandproxy

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a request's ResponseBudget elapses with no
// matching Response.
var ErrTimeout = errors.New("commandproxy: response timed out")

type pendingRequest struct {
	reply chan Response
	timer *time.Timer
}

// Caller is the mobile-side half of the protocol: it issues Requests with
// unique ids and correlates inbound Responses back to the waiting call,
// enforcing ResponseBudget per request.
type Caller struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	send func(req Request)
}

// NewCaller creates a Caller that delivers outgoing requests through send
// (typically SendEncrypted on a relayclient.Client).
func NewCaller(send func(req Request)) *Caller {
	return &Caller{
		pending: make(map[string]*pendingRequest),
		send:    send,
	}
}

// Call issues a request on channel with args and blocks until a Response
// arrives or ResponseBudget elapses.
func (c *Caller) Call(channel string, args []any) (any, error) {
	id, err := newRequestID()
	if err != nil {
		return nil, err
	}

	pr := &pendingRequest{reply: make(chan Response, 1)}

	c.mu.Lock()
	c.pending[id] = pr
	c.mu.Unlock()

	pr.timer = time.AfterFunc(ResponseBudget, func() {
		c.mu.Lock()
		if _, ok := c.pending[id]; ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	})

	c.send(Request{Type: "command", ID: id, Channel: channel, Args: args})

	select {
	case resp := <-pr.reply:
		pr.timer.Stop()
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Result, nil
	case <-time.After(ResponseBudget):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ErrTimeout
	}
}

// Deliver routes an inbound Response to its waiting Call, if still
// pending. A response for an unknown or already-timed-out id is dropped.
func (c *Caller) Deliver(resp Response) {
	c.mu.Lock()
	pr, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	pr.reply <- resp
}

func newRequestID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
