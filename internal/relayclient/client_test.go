package relayclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/relaypair/pairrelay/internal/config"
	"github.com/relaypair/pairrelay/internal/cryptocore"
)

type fakeTransport struct {
	mu      sync.Mutex
	written [][]byte
	inbound chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 16)}
}

func (f *fakeTransport) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case b, ok := <-f.inbound:
		if !ok {
			return 0, nil, context.Canceled
		}
		return websocket.MessageText, b, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.inbound)
	return nil
}

func (f *fakeTransport) lastFrame(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		t.Fatal("no frames were written")
	}
	var m map[string]any
	if err := json.Unmarshal(f.written[len(f.written)-1], &m); err != nil {
		t.Fatalf("last written frame is not valid json: %v", err)
	}
	return m
}

// pairedSessions returns two cryptocore sessions derived from the same
// ephemeral keypairs and pairing code, so a.Encrypt can always be
// decrypted by b and vice versa.
func pairedSessions(t *testing.T) (a, b *cryptocore.Session) {
	t.Helper()
	aPub, aPriv, err := cryptocore.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	bPub, bPriv, err := cryptocore.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	a, err = cryptocore.DeriveSession(aPriv, bPub, "code")
	if err != nil {
		t.Fatalf("DeriveSession(a) error = %v", err)
	}
	b, err = cryptocore.DeriveSession(bPriv, aPub, "code")
	if err != nil {
		t.Fatalf("DeriveSession(b) error = %v", err)
	}
	return a, b
}

func testSession(t *testing.T) *cryptocore.Session {
	t.Helper()
	a, _ := pairedSessions(t)
	return a
}

func newTestClient(t *testing.T, handlers Handlers) (*Client, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	reconnectCfg := config.ReconnectConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	c := New(
		config.RelayConfig{ServerURL: "https://relay.example.com", Token: "tok"},
		reconnectCfg,
		"dev1", "desktop", "dev1-name",
		NewSessionStore(t.TempDir()),
		handlers,
	)
	c.mu.Lock()
	c.ws = tr
	c.mu.Unlock()
	return c, tr
}

func TestClientSendEncryptedFailsWithoutSession(t *testing.T) {
	c, _ := newTestClient(t, Handlers{})
	err := c.SendEncrypted("peer1", []byte("hi"))
	if err != ErrNoSession {
		t.Errorf("SendEncrypted() error = %v, want ErrNoSession", err)
	}
}

func TestClientSendEncryptedWritesRelayFrame(t *testing.T) {
	c, tr := newTestClient(t, Handlers{})
	sess := testSession(t)
	c.sessions.Put("peer1", sess)

	if err := c.SendEncrypted("peer1", []byte("hi")); err != nil {
		t.Fatalf("SendEncrypted() error = %v", err)
	}

	frame := tr.lastFrame(t)
	if frame["type"] != "relay" || frame["to"] != "peer1" {
		t.Errorf("got %v, want relay frame to peer1", frame)
	}
}

func TestClientHandleInboundDispatchesPairingAccepted(t *testing.T) {
	var gotPeer, gotKey, gotName string
	c, _ := newTestClient(t, Handlers{
		OnPairingAccepted: func(peer, key, name string) {
			gotPeer, gotKey, gotName = peer, key, name
		},
	})

	c.handleInbound([]byte(`{"type":"pairing-accepted","publicKey":"abc","deviceId":"peer1","deviceName":"Desk"}`))

	if gotPeer != "peer1" || gotKey != "abc" || gotName != "Desk" {
		t.Errorf("got (%s,%s,%s), want (peer1,abc,Desk)", gotPeer, gotKey, gotName)
	}
}

func TestClientHandleInboundRelayDecryptsAndDispatches(t *testing.T) {
	var gotFrom string
	var gotPlain []byte
	c, _ := newTestClient(t, Handlers{
		OnRelayMessage: func(from string, plaintext []byte) {
			gotFrom, gotPlain = from, plaintext
		},
	})

	localSess, remoteSess := pairedSessions(t)
	c.sessions.Put("peer1", localSess)

	payload, seq, err := remoteSess.Encrypt([]byte("hello peer"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	frame, _ := json.Marshal(map[string]any{
		"type": "relay", "from": "peer1", "payload": payload, "seq": seq,
	})
	c.handleInbound(frame)

	if gotFrom != "peer1" || string(gotPlain) != "hello peer" {
		t.Errorf("got (%s,%s), want (peer1,hello peer)", gotFrom, gotPlain)
	}
}

func TestClientHandleInboundAuthFailureTriggersRePair(t *testing.T) {
	localSess, _ := pairedSessions(t)
	_, unrelatedRemote := pairedSessions(t)

	rePaired := false
	c, _ := newTestClient(t, Handlers{
		OnRePairRequired: func(peer string) { rePaired = true },
	})
	c.sessions.Put("peer1", localSess)

	// Encrypted under an unrelated session's key: decryption must fail auth.
	payload, seq, err := unrelatedRemote.Encrypt([]byte("tampered"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	frame, _ := json.Marshal(map[string]any{
		"type": "relay", "from": "peer1", "payload": payload, "seq": seq,
	})
	c.handleInbound(frame)

	if !rePaired {
		t.Error("OnRePairRequired was not called on auth failure")
	}
	if _, ok := c.sessions.Get("peer1"); ok {
		t.Error("session for peer1 should have been removed after auth failure")
	}
}
