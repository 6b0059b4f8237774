package relayclient

import (
	"testing"
	"time"

	"github.com/relaypair/pairrelay/internal/config"
)

func TestReconnectorBacksOffExponentially(t *testing.T) {
	cfg := config.ReconnectConfig{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0}
	r := newReconnector(cfg)

	first, exhausted := r.next()
	if exhausted || first != time.Second {
		t.Errorf("first delay = %v exhausted=%v, want 1s false", first, exhausted)
	}
	second, _ := r.next()
	if second != 2*time.Second {
		t.Errorf("second delay = %v, want 2s", second)
	}
	third, _ := r.next()
	if third != 4*time.Second {
		t.Errorf("third delay = %v, want 4s", third)
	}
}

func TestReconnectorCapsAtMaxDelay(t *testing.T) {
	cfg := config.ReconnectConfig{InitialDelay: 20 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0}
	r := newReconnector(cfg)
	r.next()
	second, _ := r.next()
	if second != 30*time.Second {
		t.Errorf("second delay = %v, want capped at 30s", second)
	}
}

func TestReconnectorRespectsMaxAttempts(t *testing.T) {
	cfg := config.ReconnectConfig{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 2}
	r := newReconnector(cfg)

	if _, exhausted := r.next(); exhausted {
		t.Fatal("attempt 1 reported exhausted")
	}
	if _, exhausted := r.next(); exhausted {
		t.Fatal("attempt 2 reported exhausted")
	}
	if _, exhausted := r.next(); !exhausted {
		t.Error("attempt 3 should report exhausted")
	}
}

func TestReconnectorResetRestoresInitialDelay(t *testing.T) {
	cfg := config.ReconnectConfig{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0}
	r := newReconnector(cfg)
	r.next()
	r.next()
	r.reset()

	delay, _ := r.next()
	if delay != time.Second {
		t.Errorf("delay after reset = %v, want back to 1s", delay)
	}
}
