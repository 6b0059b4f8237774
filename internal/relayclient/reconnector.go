package relayclient

import (
	"math/rand"
	"sync"
	"time"

	"github.com/relaypair/pairrelay/internal/config"
)

// reconnector schedules reconnect attempts with exponential backoff and
// jitter, tracking a single logical target (the relay server) rather than
// a map of peers, since an endpoint holds exactly one server connection.
type reconnector struct {
	cfg config.ReconnectConfig

	mu        sync.Mutex
	attempts  int
	nextDelay time.Duration
}

func newReconnector(cfg config.ReconnectConfig) *reconnector {
	return &reconnector{cfg: cfg, nextDelay: cfg.InitialDelay}
}

// next returns the delay to wait before the next attempt and whether the
// attempt budget is exhausted (MaxAttempts > 0 and reached).
func (r *reconnector) next() (delay time.Duration, exhausted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.MaxAttempts > 0 && r.attempts >= r.cfg.MaxAttempts {
		return 0, true
	}

	delay = r.addJitter(r.nextDelay)
	r.attempts++

	next := time.Duration(float64(r.nextDelay) * r.cfg.Multiplier)
	if next > r.cfg.MaxDelay {
		next = r.cfg.MaxDelay
	}
	r.nextDelay = next

	return delay, false
}

// reset clears the backoff state after a successful connection.
func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.nextDelay = r.cfg.InitialDelay
}

func (r *reconnector) addJitter(d time.Duration) time.Duration {
	if r.cfg.Jitter <= 0 {
		return d
	}
	jitterRange := float64(d) * r.cfg.Jitter
	jitter := (rand.Float64() - 0.5) * 2 * jitterRange
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return d
	}
	return result
}
