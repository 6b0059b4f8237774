// Package relayserver implements the server side of the paired-device
// relay: admission of WebSocket connections on /ws/relay and the message
// router that dispatches frames between paired desktop and mobile devices.
package relayserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaypair/pairrelay/internal/logging"
	"github.com/relaypair/pairrelay/internal/metrics"
	"github.com/relaypair/pairrelay/internal/pairing"
	"github.com/relaypair/pairrelay/internal/pairingstore"
	"github.com/relaypair/pairrelay/internal/registry"
)

// AuthService resolves a bearer token to the user it belongs to. The
// server ships no implementation; callers must supply one (a JWT
// validator, a call to an external session service, etc).
type AuthService interface {
	VerifyToken(ctx context.Context, token string) (userID string, ok bool, err error)
}

// Server holds the shared state one relay server instance needs: the
// registries MessageRouter and ConnectionAdmission operate against.
type Server struct {
	auth     AuthService
	registry *registry.Registry
	offers   *pairingstore.Store
	graph    *pairing.Graph

	allowOrigins []string

	log     *slog.Logger
	metrics *metrics.Metrics

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics overrides the default singleton metrics instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAllowOrigins restricts the WebSocket origins ConnectionAdmission
// accepts. An empty list allows any origin.
func WithAllowOrigins(origins []string) Option {
	return func(s *Server) { s.allowOrigins = origins }
}

// NewServer creates a Server backed by fresh, empty registries.
func NewServer(auth AuthService, opts ...Option) *Server {
	s := &Server{
		auth:     auth,
		registry: registry.New(),
		offers:   pairingstore.New(),
		graph:    pairing.New(),
		log:      logging.NopLogger(),
		metrics:  metrics.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps expired pairing offers on pairingstore.SweepInterval until ctx
// is cancelled. Callers start this alongside Handler's HTTP server.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(pairingstore.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n := s.offers.Sweep(time.Now())
			for i := 0; i < n; i++ {
				s.metrics.RecordPairingExpired()
			}
			if n > 0 {
				s.log.Info("swept expired pairing offers", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
