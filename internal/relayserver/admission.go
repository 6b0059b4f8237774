package relayserver

import (
	"net/http"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/relaypair/pairrelay/internal/logging"
)

const relayPath = "/ws/relay"

// admissionRateLimit bounds how often a single bearer token may attempt to
// open a new relay connection, independent of the one-connection-per-deviceId
// rule enforced by DeviceRegistry. It guards against a misbehaving or
// compromised endpoint hammering the upgrade handler.
const (
	admissionRateLimit = 1 // sustained connection attempts per second
	admissionBurst     = 5
)

// Handler returns an http.Handler serving ConnectionAdmission on
// /ws/relay. Any other path is answered with 404, matching spec's
// "rejected or forwarded to an out-of-scope REST surface" for non-relay
// traffic (this server forwards nothing; the caller can mux additional
// routes alongside it).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(relayPath, s.handleUpgrade)
	return mux
}

// tokenLimiter returns the rate.Limiter for token, creating one on first
// use. Limiters are never evicted; a relay server's token population is
// bounded by its user base, not by connection churn.
func (s *Server) tokenLimiter(token string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	if s.limiters == nil {
		s.limiters = make(map[string]*rate.Limiter)
	}
	lim, ok := s.limiters[token]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(admissionRateLimit), admissionBurst)
		s.limiters[token] = lim
	}
	return lim
}

// handleUpgrade validates the admission query parameters, authenticates
// the token, and completes the WebSocket upgrade. It blocks for the
// lifetime of the connection, matching nhooyr.io/websocket's requirement
// that the HTTP handler stay alive while the socket is in use.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	deviceType := q.Get("deviceType")
	deviceID := q.Get("deviceId")
	deviceName := q.Get("deviceName")

	if token == "" || deviceID == "" {
		http.Error(w, "missing required query parameter", http.StatusBadRequest)
		return
	}
	if deviceType != "desktop" && deviceType != "mobile" {
		http.Error(w, "deviceType must be desktop or mobile", http.StatusBadRequest)
		return
	}

	if !s.tokenLimiter(token).Allow() {
		s.metrics.RecordAdmissionRejected("rate_limited")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	userID, ok, err := s.auth.VerifyToken(r.Context(), token)
	if err != nil || !ok {
		s.metrics.RecordAdmissionRejected("unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.allowOrigins,
	})
	if err != nil {
		return
	}

	conn := newDeviceConn(ws, userID, deviceID, deviceType, deviceName)
	s.metrics.RecordConnect(deviceType)
	s.log.Info("device connected",
		logging.KeyUserID, userID,
		logging.KeyDeviceID, deviceID,
		logging.KeyDeviceRole, deviceType,
	)

	go conn.writeLoop()

	s.serveConnection(r.Context(), conn)
}
