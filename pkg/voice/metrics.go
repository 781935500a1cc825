package voice

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics for conversation sessions.
type Metrics struct {
	ConnectionAttempts *prometheus.CounterVec
	ConnectDuration    prometheus.Histogram
	TokenFallbacks     prometheus.Counter
	EventsTotal        *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
}

// NewMetrics registers the conversation metrics on reg. A nil reg leaves them unregistered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "voxtalk"
	}

	m := &Metrics{
		ConnectionAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_attempts_total",
				Help:      "Realtime connection attempts by outcome",
			},
			[]string{"outcome"},
		),
		ConnectDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connect_duration_seconds",
				Help:      "Time from start to an open conversation",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 15},
			},
		),
		TokenFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_fallbacks_total",
				Help:      "Token requests served by the fallback endpoint",
			},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "realtime_events_total",
				Help:      "Realtime events received, by type and whether they changed the transcript",
			},
			[]string{"type", "changed"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors surfaced to the user, by kind",
			},
			[]string{"kind"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Conversations currently connected",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionAttempts,
			m.ConnectDuration,
			m.TokenFallbacks,
			m.EventsTotal,
			m.ErrorsTotal,
			m.SessionsActive,
		)
	}
	return m
}

func (m *Metrics) RecordAttempt(outcome string) {
	m.ConnectionAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordConnected(d time.Duration) {
	m.ConnectDuration.Observe(d.Seconds())
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordDisconnected() {
	m.SessionsActive.Dec()
}

func (m *Metrics) RecordEvent(eventType string, changed bool) {
	c := "false"
	if changed {
		c = "true"
	}
	m.EventsTotal.WithLabelValues(eventType, c).Inc()
}

func (m *Metrics) RecordError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}
