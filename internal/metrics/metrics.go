// Package metrics exposes Prometheus metrics for the live score pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns every pipeline metric. A nil *Manager is valid and records nothing.
type Manager struct {
	namespace string
	registry  *prometheus.Registry

	pollCycles        *prometheus.CounterVec
	providerErrors    prometheus.Counter
	providerLatency   *prometheus.HistogramVec
	budgetSkips       *prometheus.CounterVec
	liveFixtures      prometheus.Gauge
	streamClients     *prometheus.GaugeVec
	streamDrops       prometheus.Counter
	broadcasts        *prometheus.CounterVec
	predictionsScored prometheus.Counter
	scoringFailures   prometheus.Counter
	fixturesUpdated   prometheus.Counter
}

// Option configures a Manager
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithRegistry registers metrics on registry instead of a fresh one
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// NewManager creates and registers all metrics
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "livescore",
		registry:  prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.pollCycles = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "poller",
		Name:      "cycles_total",
		Help:      "Polling cycles by trigger and outcome",
	}, []string{"trigger", "outcome"})

	m.providerErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "provider",
		Name:      "errors_total",
		Help:      "Failed provider requests",
	})

	m.providerLatency = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "provider",
		Name:      "request_duration_seconds",
		Help:      "Provider request latency by endpoint",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	m.budgetSkips = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "ledger",
		Name:      "denied_total",
		Help:      "Provider calls denied by the daily budget, by source",
	}, []string{"source"})

	m.liveFixtures = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "poller",
		Name:      "live_fixtures",
		Help:      "Fixtures live after the last successful cycle",
	})

	m.streamClients = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "stream",
		Name:      "clients",
		Help:      "Connected stream clients by transport",
	}, []string{"transport"})

	m.streamDrops = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "stream",
		Name:      "dropped_clients_total",
		Help:      "Clients removed after a failed or blocked write",
	})

	m.broadcasts = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "stream",
		Name:      "broadcasts_total",
		Help:      "Messages broadcast by type",
	}, []string{"type"})

	m.predictionsScored = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scoring",
		Name:      "predictions_scored_total",
		Help:      "Predictions whose points were written",
	})

	m.scoringFailures = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scoring",
		Name:      "failures_total",
		Help:      "Predictions skipped after a write failure",
	})

	m.fixturesUpdated = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "ingest",
		Name:      "fixtures_updated_total",
		Help:      "Fixture state changes persisted",
	})
}

// Handler serves the registry in the Prometheus text format
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// RecordPollCycle counts one orchestrator cycle
func (m *Manager) RecordPollCycle(trigger, outcome string) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(trigger, outcome).Inc()
}

// RecordProviderRequest observes one provider request
func (m *Manager) RecordProviderRequest(endpoint string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(endpoint).Observe(took.Seconds())
	if err != nil {
		m.providerErrors.Inc()
	}
}

// RecordBudgetDenied counts a denied ledger request
func (m *Manager) RecordBudgetDenied(source string) {
	if m == nil {
		return
	}
	m.budgetSkips.WithLabelValues(source).Inc()
}

// SetLiveFixtures sets the live fixture gauge
func (m *Manager) SetLiveFixtures(n int) {
	if m == nil {
		return
	}
	m.liveFixtures.Set(float64(n))
}

// StreamClientConnected increments the client gauge for transport
func (m *Manager) StreamClientConnected(transport string) {
	if m == nil {
		return
	}
	m.streamClients.WithLabelValues(transport).Inc()
}

// StreamClientDisconnected decrements the client gauge for transport
func (m *Manager) StreamClientDisconnected(transport string, dropped bool) {
	if m == nil {
		return
	}
	m.streamClients.WithLabelValues(transport).Dec()
	if dropped {
		m.streamDrops.Inc()
	}
}

// RecordBroadcast counts one broadcast message
func (m *Manager) RecordBroadcast(messageType string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(messageType).Inc()
}

// RecordScoring counts written and failed predictions of one batch
func (m *Manager) RecordScoring(scored, failed int) {
	if m == nil {
		return
	}
	m.predictionsScored.Add(float64(scored))
	m.scoringFailures.Add(float64(failed))
}

// RecordFixturesUpdated counts persisted fixture changes
func (m *Manager) RecordFixturesUpdated(n int) {
	if m == nil {
		return
	}
	m.fixturesUpdated.Add(float64(n))
}
