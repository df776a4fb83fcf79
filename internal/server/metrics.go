package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cans/internal/domain"
)

// Metrics are the relay's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	connections  prometheus.Gauge
	evictions    prometheus.Counter
	authFailures prometheus.Counter
	envelopes    *prometheus.CounterVec
	queued       prometheus.Gauge
	delivery     prometheus.Histogram
}

// NewMetrics registers the relay collectors with reg, or with the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cans_relay_connections",
			Help: "Authenticated connections currently registered.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cans_relay_evictions_total",
			Help: "Connections closed because the same identity reconnected.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cans_relay_auth_failures_total",
			Help: "Connections rejected during the challenge exchange.",
		}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cans_relay_envelopes_total",
			Help: "Envelopes handled by the router, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cans_relay_queued_envelopes",
			Help: "Envelopes waiting in mailboxes, counted from relay start.",
		}),
		delivery: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cans_relay_delivery_seconds",
			Help:    "Time from writing a queued envelope to receiving its ack.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
	}

	reg.MustRegister(
		m.connections,
		m.evictions,
		m.authFailures,
		m.envelopes,
		m.queued,
		m.delivery,
	)
	return m
}

// Envelope outcomes.
const (
	outcomeQueued    = "queued"
	outcomeDelivered = "delivered"
	outcomeDuplicate = "duplicate"
	outcomeDenied    = "denied"
	outcomeTimeout   = "timeout"
	outcomeDropped   = "dropped"
	outcomeHandled   = "handled"
)

func (m *Metrics) observeEvent(ev Event) {
	if m == nil {
		return
	}
	switch ev.Type {
	case EventRegistered:
		m.connections.Inc()
	case EventEvicted:
		m.connections.Dec()
		m.evictions.Inc()
	case EventUnregistered:
		m.connections.Dec()
	}
}

func (m *Metrics) authFailed() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Metrics) envelope(kind domain.Kind, outcome string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(kind.String(), outcome).Inc()
	switch outcome {
	case outcomeQueued:
		m.queued.Inc()
	case outcomeDelivered:
		m.queued.Dec()
	}
}

func (m *Metrics) delivered(d time.Duration) {
	if m == nil {
		return
	}
	m.delivery.Observe(d.Seconds())
}
