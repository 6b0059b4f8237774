// Package metrics provides Prometheus metrics for the relay server and the
// endpoint daemon.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pairrelay"

// Metrics contains all Prometheus metrics for the relay server and the
// endpoint daemon.
type Metrics struct {
	// Connection admission metrics
	DevicesConnected  prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	Disconnects       *prometheus.CounterVec
	AdmissionRejected *prometheus.CounterVec

	// Pairing metrics
	PairingOffersRegistered prometheus.Counter
	PairingOffersConsumed   prometheus.Counter
	PairingOffersExpired    prometheus.Counter
	PairingsActive          prometheus.Gauge
	PairingsRevoked         prometheus.Counter

	// Relay/routing metrics
	FramesForwarded *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	RelayLatency    prometheus.Histogram

	// Remote control / command proxy metrics
	CommandRequestsTotal *prometheus.CounterVec
	CommandLatency       prometheus.Histogram
	CommandTimeouts      prometheus.Counter
	RemoteControlGrants  prometheus.Counter
	RemoteControlRevokes *prometheus.CounterVec

	// Endpoint-side connectivity metrics
	ReconnectAttempts prometheus.Counter
	HeartbeatsSent    prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered against
// reg, so tests can use their own registry instead of the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DevicesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_connected",
			Help:      "Number of currently connected device sockets",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total admitted connections by device role",
		}, []string{"role"}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total device disconnections by reason",
		}, []string{"reason"}),
		AdmissionRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Total admission attempts rejected by reason",
		}, []string{"reason"}),

		PairingOffersRegistered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_offers_registered_total",
			Help:      "Total pairing offers registered by desktops",
		}),
		PairingOffersConsumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_offers_consumed_total",
			Help:      "Total pairing offers successfully claimed by mobiles",
		}),
		PairingOffersExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_offers_expired_total",
			Help:      "Total pairing offers swept after TTL expiry",
		}),
		PairingsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pairings_active",
			Help:      "Number of currently active desktop-mobile pair relations",
		}),
		PairingsRevoked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_revoked_total",
			Help:      "Total pair relations revoked",
		}),

		FramesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Total relay frames forwarded between paired peers",
		}, []string{"frame_type"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total relay frames dropped, by reason",
		}, []string{"reason"}),
		RelayLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_forward_latency_seconds",
			Help:      "Histogram of time spent routing a frame to its peer",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}),

		CommandRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_requests_total",
			Help:      "Total command proxy requests by channel",
		}, []string{"channel"}),
		CommandLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_latency_seconds",
			Help:      "Histogram of command proxy round-trip latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		}),
		CommandTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_timeouts_total",
			Help:      "Total command proxy requests that exceeded their response budget",
		}),
		RemoteControlGrants: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_control_grants_total",
			Help:      "Total times remote control was granted to a mobile controller",
		}),
		RemoteControlRevokes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_control_revokes_total",
			Help:      "Total times remote control was revoked, by reason",
		}, []string{"reason"}),

		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnect attempts made by the endpoint relay client",
		}),
		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total heartbeat frames sent by the endpoint relay client",
		}),
	}
}

// RecordConnect records a newly admitted device connection.
func (m *Metrics) RecordConnect(role string) {
	m.DevicesConnected.Inc()
	m.ConnectionsTotal.WithLabelValues(role).Inc()
}

// RecordDisconnect records a device disconnection.
func (m *Metrics) RecordDisconnect(reason string) {
	m.DevicesConnected.Dec()
	m.Disconnects.WithLabelValues(reason).Inc()
}

// RecordAdmissionRejected records a rejected admission attempt.
func (m *Metrics) RecordAdmissionRejected(reason string) {
	m.AdmissionRejected.WithLabelValues(reason).Inc()
}

// RecordPairingRegistered records a new pairing offer being registered.
func (m *Metrics) RecordPairingRegistered() {
	m.PairingOffersRegistered.Inc()
}

// RecordPairingConsumed records a pairing offer successfully claimed, moving
// the pair relation into the active gauge.
func (m *Metrics) RecordPairingConsumed() {
	m.PairingOffersConsumed.Inc()
	m.PairingsActive.Inc()
}

// RecordPairingExpired records a pairing offer swept for TTL expiry.
func (m *Metrics) RecordPairingExpired() {
	m.PairingOffersExpired.Inc()
}

// RecordPairingRevoked records an active pair relation being torn down.
func (m *Metrics) RecordPairingRevoked() {
	m.PairingsRevoked.Inc()
	m.PairingsActive.Dec()
}

// RecordFrameForwarded records a relay frame successfully forwarded.
func (m *Metrics) RecordFrameForwarded(frameType string, latencySeconds float64) {
	m.FramesForwarded.WithLabelValues(frameType).Inc()
	m.RelayLatency.Observe(latencySeconds)
}

// RecordFrameDropped records a relay frame that could not be forwarded.
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordCommandRequest records a command proxy request and its latency.
func (m *Metrics) RecordCommandRequest(channel string, latencySeconds float64) {
	m.CommandRequestsTotal.WithLabelValues(channel).Inc()
	m.CommandLatency.Observe(latencySeconds)
}

// RecordCommandTimeout records a command proxy request that exceeded its
// response budget.
func (m *Metrics) RecordCommandTimeout() {
	m.CommandTimeouts.Inc()
}

// RecordRemoteControlGrant records the RemoteControlFSM granting control.
func (m *Metrics) RecordRemoteControlGrant() {
	m.RemoteControlGrants.Inc()
}

// RecordRemoteControlRevoke records the RemoteControlFSM revoking control.
func (m *Metrics) RecordRemoteControlRevoke(reason string) {
	m.RemoteControlRevokes.WithLabelValues(reason).Inc()
}

// RecordReconnectAttempt records the endpoint relay client attempting a
// reconnect.
func (m *Metrics) RecordReconnectAttempt() {
	m.ReconnectAttempts.Inc()
}

// RecordHeartbeatSent records the endpoint relay client sending a heartbeat.
func (m *Metrics) RecordHeartbeatSent() {
	m.HeartbeatsSent.Inc()
}
