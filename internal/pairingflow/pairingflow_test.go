package pairingflow

import (
	"testing"

	"github.com/relaypair/pairrelay/internal/cryptocore"
)

type fakeSender struct {
	registeredCode, registeredKey, registeredName string
	claimedCode, claimedKey                       string
}

func (f *fakeSender) RegisterPairing(code, key, name string) {
	f.registeredCode, f.registeredKey, f.registeredName = code, key, name
}
func (f *fakeSender) ClaimPairing(code, key string) {
	f.claimedCode, f.claimedKey = code, key
}

type fakeSink struct {
	sessions map[string]*cryptocore.Session
}

func newFakeSink() *fakeSink { return &fakeSink{sessions: make(map[string]*cryptocore.Session)} }

func (f *fakeSink) Put(peerDeviceID string, sess *cryptocore.Session) {
	f.sessions[peerDeviceID] = sess
}

func TestDesktopFlowBeginProducesConsistentQRPayload(t *testing.T) {
	sender := &fakeSender{}
	sink := newFakeSink()
	flow := NewDesktopFlow("https://relay.example.com", "tok", "desk1", "My Desktop", sender, sink)

	payload, err := flow.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if payload.DesktopDeviceID != "desk1" || payload.ServerURL != "https://relay.example.com" || payload.Token != "tok" {
		t.Errorf("payload = %+v, missing expected fields", payload)
	}
	if len(payload.PairingCode) != 32 {
		t.Errorf("pairing code = %q, want 32 hex chars (128 bits)", payload.PairingCode)
	}
	if sender.registeredCode != payload.PairingCode || sender.registeredKey != payload.DesktopPublicKey {
		t.Error("Begin() did not register the pairing offer with matching code/key")
	}
}

func TestDesktopFlowHandlePairingAcceptedDerivesSession(t *testing.T) {
	sender := &fakeSender{}
	sink := newFakeSink()
	flow := NewDesktopFlow("https://relay.example.com", "tok", "desk1", "My Desktop", sender, sink)

	payload, err := flow.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	mobilePub, mobilePriv, err := cryptocore.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	mobileSess, err := cryptocore.DeriveSession(mobilePriv, payload.DesktopPublicKey, payload.PairingCode)
	if err != nil {
		t.Fatalf("DeriveSession() error = %v", err)
	}

	if err := flow.HandlePairingAccepted("mob1", mobilePub, "Mobile"); err != nil {
		t.Fatalf("HandlePairingAccepted() error = %v", err)
	}

	desktopSess, ok := sink.sessions["mob1"]
	if !ok {
		t.Fatal("HandlePairingAccepted() did not commit a session for mob1")
	}
	if desktopSess.DerivedKey != mobileSess.DerivedKey {
		t.Error("desktop and mobile derived keys do not match")
	}
}

func TestDesktopFlowHandlePairingAcceptedWithoutPendingOfferErrors(t *testing.T) {
	flow := NewDesktopFlow("https://relay.example.com", "tok", "desk1", "My Desktop", &fakeSender{}, newFakeSink())
	if err := flow.HandlePairingAccepted("mob1", "somekey", "Mobile"); err == nil {
		t.Error("HandlePairingAccepted() without Begin() should error")
	}
}

func TestMobileFlowClaimFromQRPreDerivesSessionBeforeAccept(t *testing.T) {
	desktopPub, desktopPriv, err := cryptocore.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	qr := QRPayload{
		ServerURL: "https://relay.example.com", Token: "tok",
		PairingCode: "654321", DesktopPublicKey: desktopPub, DesktopDeviceID: "desk1",
	}

	sender := &fakeSender{}
	sink := newFakeSink()
	flow := NewMobileFlow("mob1", sender, sink)

	if err := flow.ClaimFromQR(qr); err != nil {
		t.Fatalf("ClaimFromQR() error = %v", err)
	}

	mobileSess, ok := sink.sessions["desk1"]
	if !ok {
		t.Fatal("ClaimFromQR() did not commit a pre-derived session under the desktop's deviceId")
	}
	if sender.claimedCode != "654321" {
		t.Errorf("claimedCode = %q, want 654321", sender.claimedCode)
	}

	desktopSess, err := cryptocore.DeriveSession(desktopPriv, sender.claimedKey, qr.PairingCode)
	if err != nil {
		t.Fatalf("DeriveSession() error = %v", err)
	}
	if desktopSess.DerivedKey != mobileSess.DerivedKey {
		t.Error("pre-derived mobile session does not match what the desktop would derive")
	}
}

func TestQRPayloadEncodeDecodeRoundTrip(t *testing.T) {
	original := QRPayload{
		ServerURL: "https://relay.example.com", Token: "tok",
		PairingCode: "111111", DesktopPublicKey: "abc", DesktopDeviceID: "desk1",
	}
	data, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := DecodeQRPayload(data)
	if err != nil {
		t.Fatalf("DecodeQRPayload() error = %v", err)
	}
	if decoded != original {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}
}
