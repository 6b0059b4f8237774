package relayserver

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/relaypair/pairrelay/internal/registry"
)

// outboundBuffer is the size of a connection's outbound channel. A slow
// reader that never drains it causes Send to fall back to closing the
// connection rather than blocking the router goroutine indefinitely.
const outboundBuffer = 32

// wsTransport is the slice of *websocket.Conn deviceConn depends on,
// narrowed so tests can exercise dispatch logic against a fake transport
// instead of a live socket.
type wsTransport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// deviceConn owns one device's live WebSocket for the lifetime of the
// connection: a dedicated goroutine drains its outbound channel so frames
// are never interleaved on the wire.
type deviceConn struct {
	ws wsTransport

	UserID      string
	DeviceID    string
	Role        string
	DisplayName string

	out chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newDeviceConn(ws wsTransport, userID, deviceID, role, displayName string) *deviceConn {
	c := &deviceConn{
		ws:          ws,
		UserID:      userID,
		DeviceID:    deviceID,
		Role:        role,
		DisplayName: displayName,
		out:         make(chan []byte, outboundBuffer),
		closed:      make(chan struct{}),
	}
	return c
}

// writeLoop drains c.out and writes each frame as a single WebSocket text
// message. It returns when the connection is closed.
func (c *deviceConn) writeLoop() {
	for {
		select {
		case frame, ok := <-c.out:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.ws.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.Close("write_error")
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Send enqueues frame for delivery. It never blocks the caller: if the
// outbound buffer is full the connection is considered unhealthy and is
// closed instead of backing up the router.
func (c *deviceConn) Send(frame []byte) {
	select {
	case c.out <- frame:
	case <-c.closed:
	default:
		c.Close("outbound_overflow")
	}
}

// Close implements registry.Conn. Safe to call multiple times and from
// multiple goroutines.
func (c *deviceConn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		status := websocket.StatusNormalClosure
		if reason == "replaced" {
			status = websocket.StatusPolicyViolation
		}
		c.ws.Close(status, reason)
	})
}

var _ registry.Conn = (*deviceConn)(nil)
