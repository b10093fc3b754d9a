package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adradan/chatty/internal/envelope"
)

type relayMetrics struct {
	activeSessions    prometheus.Gauge
	sessionTotal      prometheus.Counter
	routed            *prometheus.CounterVec
	misses            *prometheus.CounterVec
	frameErrors       *prometheus.CounterVec
	commandLatency    *prometheus.HistogramVec
	heartbeatTimeouts prometheus.Counter
	evictions         prometheus.Counter
	httpRequests      *prometheus.CounterVec
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_sessions_active",
			Help: "Current number of registered sessions.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatty_sessions_total",
			Help: "Total number of sessions registered since start.",
		}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_envelopes_routed_total",
			Help: "Envelopes delivered to a live session, by kind.",
		}, []string{"kind"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_route_misses_total",
			Help: "Envelopes whose target was absent or refused delivery, by kind.",
		}, []string{"kind"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_frame_errors_total",
			Help: "Rejected or undecodable client frames and transport faults.",
		}, []string{"code"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatty_command_latency_seconds",
			Help:    "Latency for handling client commands.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatty_heartbeat_timeouts_total",
			Help: "Sessions closed because liveness lapsed.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatty_backpressure_evictions_total",
			Help: "Sessions closed because their outbox was full.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_http_requests_total",
			Help: "HTTP requests served by the public listener.",
		}, []string{"method", "path", "status"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.routed,
		m.misses,
		m.frameErrors,
		m.commandLatency,
		m.heartbeatTimeouts,
		m.evictions,
		m.httpRequests,
	)
	return m
}

func (m *relayMetrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *relayMetrics) decSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// Routed implements session.Observer.
func (m *relayMetrics) Routed(kind envelope.Kind) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(string(kind)).Inc()
}

// Missed implements session.Observer.
func (m *relayMetrics) Missed(kind envelope.Kind) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(string(kind)).Inc()
}

func (m *relayMetrics) recordError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *relayMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.commandLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *relayMetrics) recordHeartbeatTimeout() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

func (m *relayMetrics) recordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *relayMetrics) recordHTTPRequest(method, path string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
