package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the gateway. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	activeConnections  prometheus.Gauge
	connectionsOpened  prometheus.Counter
	sessionsSuperseded prometheus.Counter
	authAttempts       *prometheus.CounterVec // by result
	framesReceived     *prometheus.CounterVec // by event type
	handlerErrors      *prometheus.CounterVec // by event type and error kind
	rateLimited        prometheus.Counter
	broadcastFanout    *prometheus.HistogramVec
	deliveries         *prometheus.CounterVec // by event type
	droppedPushes      prometheus.Counter
	broadcastDuration  *prometheus.HistogramVec
}

// NewMetrics registers the gateway metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "syntaxy_active_connections",
			Help: "Authenticated identities with a live connection",
		}),
		connectionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "syntaxy_connections_opened_total",
			Help: "Websocket connections accepted",
		}),
		sessionsSuperseded: f.NewCounter(prometheus.CounterOpts{
			Name: "syntaxy_sessions_superseded_total",
			Help: "Sessions closed because the same identity connected again",
		}),
		authAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "syntaxy_auth_attempts_total",
			Help: "Authenticate frames by result",
		}, []string{"result"}),
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "syntaxy_frames_received_total",
			Help: "Inbound frames by event type",
		}, []string{"type"}),
		handlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "syntaxy_handler_errors_total",
			Help: "Handler failures by event type and kind",
		}, []string{"type", "kind"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "syntaxy_frames_rate_limited_total",
			Help: "Inbound frames rejected by the per-connection rate limit",
		}),
		broadcastFanout: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syntaxy_broadcast_fanout",
			Help:    "Sessions that received each routed event",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"scope"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "syntaxy_deliveries_total",
			Help: "Events queued on sessions by event type",
		}, []string{"type"}),
		droppedPushes: f.NewCounter(prometheus.CounterOpts{
			Name: "syntaxy_dropped_pushes_total",
			Help: "Events dropped because a session's send queue was full",
		}),
		broadcastDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syntaxy_broadcast_duration_seconds",
			Help:    "Time to resolve recipients and queue an event",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"scope"}),
	}
}

func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(n))
}

func (m *Metrics) RecordConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsOpened.Inc()
}

func (m *Metrics) RecordSuperseded() {
	if m == nil {
		return
	}
	m.sessionsSuperseded.Inc()
}

func (m *Metrics) RecordAuth(result string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordFrame(eventType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordHandlerError(eventType, kind string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(eventType, kind).Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.droppedPushes.Inc()
}

// RecordBroadcast records one routed event.
func (m *Metrics) RecordBroadcast(scope, eventType string, delivered int, d time.Duration) {
	if m == nil {
		return
	}
	m.broadcastFanout.WithLabelValues(scope).Observe(float64(delivered))
	m.deliveries.WithLabelValues(eventType).Add(float64(delivered))
	m.broadcastDuration.WithLabelValues(scope).Observe(d.Seconds())
}
