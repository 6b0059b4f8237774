// Package relayclient implements the endpoint side of the paired-device
// relay: dialing the server, reconnecting with backoff, heartbeating, and
// exchanging encrypted relay frames with a paired peer.
package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/relaypair/pairrelay/internal/config"
	"github.com/relaypair/pairrelay/internal/cryptocore"
	"github.com/relaypair/pairrelay/internal/logging"
	"github.com/relaypair/pairrelay/internal/metrics"
)

const (
	connectTimeout   = 10 * time.Second
	heartbeatPeriod  = 30 * time.Second
	flushEveryFrames = 5
)

// ErrNoSession is returned by SendEncrypted when no session exists yet for
// the requested peer.
var ErrNoSession = fmt.Errorf("relayclient: no session for peer")

// DeviceStatus is one entry of a device-list frame, surfaced to callers.
type DeviceStatus struct {
	DeviceID    string
	DisplayName string
	Online      bool
}

// Handlers are the callbacks a caller supplies to react to inbound events.
// Any left nil are simply not invoked.
type Handlers struct {
	OnRelayMessage    func(fromDeviceID string, plaintext []byte)
	OnRePairRequired  func(peerDeviceID string)
	OnPairingAccepted func(peerDeviceID, peerPublicKeyHex, peerDeviceName string)
	OnPairingRevoked  func(deviceID string)
	OnDeviceOnline    func(deviceID string)
	OnDeviceOffline   func(deviceID string)
	OnDeviceList      func(devices []DeviceStatus)
	OnControlRequest  func(fromDeviceID, deviceName string)
	OnControlAck      func(fromDeviceID string, accepted bool)
	OnControlRevoked  func(fromDeviceID string)
	OnError           func(message string)
}

type wsTransport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc abstracts websocket.Dial so tests can substitute a fake
// transport without opening a real socket.
type dialFunc func(ctx context.Context, url string) (wsTransport, error)

func defaultDial(ctx context.Context, u string) (wsTransport, error) {
	conn, _, err := websocket.Dial(ctx, u, nil)
	return conn, err
}

// Client is one endpoint's connection to the relay server.
type Client struct {
	cfg      config.RelayConfig
	deviceID string
	role     string
	name     string

	sessions *SessionStore
	handlers Handlers
	log      *slog.Logger
	metrics  *metrics.Metrics
	recon    *reconnector
	dial     dialFunc

	mu        sync.Mutex
	ws        wsTransport
	connected bool
	closing   bool
	sentSince int
	writeMu   sync.Mutex
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithLogger(log *slog.Logger) Option    { return func(c *Client) { c.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// New creates a Client for one local device against relayCfg. role is
// "desktop" or "mobile"; sessions must already be loaded by the caller if
// resuming across restarts.
func New(relayCfg config.RelayConfig, reconnectCfg config.ReconnectConfig, deviceID, role, name string, sessions *SessionStore, handlers Handlers, opts ...Option) *Client {
	c := &Client{
		cfg:      relayCfg,
		deviceID: deviceID,
		role:     role,
		name:     name,
		sessions: sessions,
		handlers: handlers,
		log:      logging.NopLogger(),
		metrics:  metrics.Default(),
		recon:    newReconnector(reconnectCfg),
		dial:     defaultDial,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wsURL rewrites the configured http(s) server URL into a ws(s) URL with
// the admission query parameters attached.
func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/relay"

	q := u.Query()
	q.Set("token", c.cfg.Token)
	q.Set("deviceType", c.role)
	q.Set("deviceId", c.deviceID)
	q.Set("deviceName", c.name)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Run connects and reconnects until ctx is cancelled or Close is called.
// It blocks for the caller's lifetime of the client.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if c.isClosing() {
			return
		}

		if err := c.connectOnce(ctx); err != nil {
			c.log.Warn("relay connect failed", logging.KeyError, err.Error())
		}

		if c.isClosing() || ctx.Err() != nil {
			return
		}

		delay, exhausted := c.recon.next()
		if exhausted {
			c.log.Error("reconnect attempts exhausted")
			return
		}
		c.metrics.RecordReconnectAttempt()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	target, err := c.wsURL()
	if err != nil {
		return err
	}

	ws, err := c.dial(dialCtx, target)
	if err != nil {
		return fmt.Errorf("dial relay server: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()
	c.recon.reset()

	c.log.Info("connected to relay server", logging.KeyDeviceID, c.deviceID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go c.heartbeatLoop(heartbeatCtx)

	err = c.readLoop(ctx, ws)
	stopHeartbeat()

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	return err
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.send(mustMarshal(heartbeatFrame{Type: "heartbeat"}))
			c.metrics.RecordHeartbeatSent()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, ws wsTransport) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		c.handleInbound(data)
	}
}

func (c *Client) send(data []byte) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Warn("write to relay server failed", logging.KeyError, err.Error())
	}
}

// Close performs an intentional disconnect: reconnect is suppressed and
// session counters are flushed before the socket is closed.
func (c *Client) Close() {
	c.mu.Lock()
	c.closing = true
	ws := c.ws
	c.mu.Unlock()

	if err := c.sessions.Flush(); err != nil {
		c.log.Warn("flush sessions on close failed", logging.KeyError, err.Error())
	}
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "client closing")
	}
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// IsConnected reports whether the client currently has a live socket.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendEncrypted encrypts plaintext under the session for peerDeviceID and
// transmits it as a relay frame. Every flushEveryFrames sends, the session
// store is flushed to disk.
func (c *Client) SendEncrypted(peerDeviceID string, plaintext []byte) error {
	sess, ok := c.sessions.Get(peerDeviceID)
	if !ok {
		return ErrNoSession
	}

	payload, seq, err := sess.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt relay payload: %w", err)
	}

	c.send(mustMarshal(relayFrame{Type: "relay", To: peerDeviceID, Payload: payload, Seq: seq}))

	c.mu.Lock()
	c.sentSince++
	shouldFlush := c.sentSince >= flushEveryFrames
	if shouldFlush {
		c.sentSince = 0
	}
	c.mu.Unlock()

	if shouldFlush {
		if err := c.sessions.Flush(); err != nil {
			c.log.Warn("periodic session flush failed", logging.KeyError, err.Error())
		}
	}
	return nil
}

// RegisterPairing announces a desktop-side pairing offer.
func (c *Client) RegisterPairing(pairingCode, publicKeyHex, deviceName string) {
	c.send(mustMarshal(registerPairingFrame{
		Type:        "register-pairing",
		PairingCode: pairingCode,
		PublicKey:   publicKeyHex,
		DeviceName:  deviceName,
	}))
}

// ClaimPairing announces a mobile-side claim against a scanned code.
func (c *Client) ClaimPairing(pairingCode, publicKeyHex string) {
	c.send(mustMarshal(claimPairingFrame{Type: "claim-pairing", PairingCode: pairingCode, PublicKey: publicKeyHex}))
}

// RevokePairing tears down the pair relation with targetDeviceID.
func (c *Client) RevokePairing(targetDeviceID string) {
	c.send(mustMarshal(revokePairingFrame{Type: "revoke-pairing", TargetDeviceID: targetDeviceID}))
	c.sessions.Remove(targetDeviceID)
	if err := c.sessions.Flush(); err != nil {
		c.log.Warn("flush sessions on revoke failed", logging.KeyError, err.Error())
	}
}

// SendControlRequest asks a paired desktop to grant remote control.
func (c *Client) SendControlRequest(targetDesktopID string) {
	c.send(mustMarshal(controlRequestFrame{Type: "control-request", TargetDesktopID: targetDesktopID}))
}

// SendControlAck answers a control-request.
func (c *Client) SendControlAck(to string, accepted bool) {
	c.send(mustMarshal(controlAckFrame{Type: "control-ack", To: to, Accepted: accepted}))
}

// SendControlRevoked notifies the peer that remote control has ended.
func (c *Client) SendControlRevoked(to string) {
	c.send(mustMarshal(controlRevokedFrame{Type: "control-revoked", To: to}))
}

func (c *Client) handleInbound(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("dropping malformed inbound frame")
		return
	}

	switch env.Type {
	case "pong":
	case "pairing-accepted":
		var f pairingAcceptedFrame
		if json.Unmarshal(data, &f) == nil && c.handlers.OnPairingAccepted != nil {
			c.handlers.OnPairingAccepted(f.DeviceID, f.PublicKey, f.DeviceName)
		}
	case "pairing-revoked":
		var f pairingRevokedFrame
		if json.Unmarshal(data, &f) == nil {
			c.sessions.Remove(f.DeviceID)
			if c.handlers.OnPairingRevoked != nil {
				c.handlers.OnPairingRevoked(f.DeviceID)
			}
		}
	case "relay":
		c.handleRelayFrame(data)
	case "device-online":
		var f deviceOnlineFrame
		if json.Unmarshal(data, &f) == nil && c.handlers.OnDeviceOnline != nil {
			c.handlers.OnDeviceOnline(f.DeviceID)
		}
	case "device-offline":
		var f deviceOfflineFrame
		if json.Unmarshal(data, &f) == nil && c.handlers.OnDeviceOffline != nil {
			c.handlers.OnDeviceOffline(f.DeviceID)
		}
	case "device-list":
		var f deviceListFrame
		if json.Unmarshal(data, &f) == nil && c.handlers.OnDeviceList != nil {
			devices := make([]DeviceStatus, len(f.Devices))
			for i, d := range f.Devices {
				devices[i] = DeviceStatus{DeviceID: d.DeviceID, DisplayName: d.DisplayName, Online: d.Online}
			}
			c.handlers.OnDeviceList(devices)
		}
	case "control-request":
		var f controlRequestFrame
		if json.Unmarshal(data, &f) == nil && c.handlers.OnControlRequest != nil {
			c.handlers.OnControlRequest(f.From, f.DeviceName)
		}
	case "control-ack":
		var f controlAckFrame
		if json.Unmarshal(data, &f) == nil && c.handlers.OnControlAck != nil {
			c.handlers.OnControlAck(f.From, f.Accepted)
		}
	case "control-revoked":
		var f controlRevokedFrame
		if json.Unmarshal(data, &f) == nil && c.handlers.OnControlRevoked != nil {
			c.handlers.OnControlRevoked(f.From)
		}
	case "error":
		var f errorFrame
		if json.Unmarshal(data, &f) == nil && c.handlers.OnError != nil {
			c.handlers.OnError(f.Message)
		}
	}
}

func (c *Client) handleRelayFrame(data []byte) {
	var f relayFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}

	sess, ok := c.sessions.Get(f.From)
	if !ok {
		c.log.Warn("relay frame from unknown peer, dropping", logging.KeyDeviceID, f.From)
		return
	}

	plaintext, err := sess.Decrypt(f.Payload, f.Seq)
	if err != nil {
		if err == cryptocore.ErrAuthFailed || err == cryptocore.ErrReplayRejected {
			c.sessions.Remove(f.From)
			if c.handlers.OnRePairRequired != nil {
				c.handlers.OnRePairRequired(f.From)
			}
		}
		c.log.Warn("failed to decrypt relay frame", logging.KeyDeviceID, f.From, logging.KeyError, err.Error())
		return
	}

	if c.handlers.OnRelayMessage != nil {
		c.handlers.OnRelayMessage(f.From, plaintext)
	}
}
