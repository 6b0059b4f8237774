package relayserver

import (
	"context"
	"net/http/httptest"
	"testing"
)

func TestHandleUpgradeRejectsMissingParams(t *testing.T) {
	s := NewServer(stubAuth{})
	req := httptest.NewRequest("GET", "/ws/relay?deviceType=desktop", nil)
	w := httptest.NewRecorder()

	s.handleUpgrade(w, req)

	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleUpgradeRejectsBadDeviceType(t *testing.T) {
	s := NewServer(stubAuth{})
	req := httptest.NewRequest("GET", "/ws/relay?token=tok&deviceId=d1&deviceType=toaster", nil)
	w := httptest.NewRecorder()

	s.handleUpgrade(w, req)

	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

type alwaysRejectAuth struct{}

func (alwaysRejectAuth) VerifyToken(ctx context.Context, token string) (string, bool, error) {
	return "", false, nil
}

func TestHandleUpgradeRejectsUnauthorizedToken(t *testing.T) {
	s := NewServer(alwaysRejectAuth{})
	req := httptest.NewRequest("GET", "/ws/relay?token=tok&deviceId=d1&deviceType=desktop", nil)
	w := httptest.NewRecorder()

	s.handleUpgrade(w, req)

	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestTokenLimiterThrottlesRepeatedAttempts(t *testing.T) {
	s := NewServer(alwaysRejectAuth{})

	var last int
	for i := 0; i < admissionBurst+3; i++ {
		req := httptest.NewRequest("GET", "/ws/relay?token=same-tok&deviceId=d1&deviceType=desktop", nil)
		w := httptest.NewRecorder()
		s.handleUpgrade(w, req)
		last = w.Code
	}

	if last != 429 {
		t.Errorf("final status after exceeding burst = %d, want 429", last)
	}
}
