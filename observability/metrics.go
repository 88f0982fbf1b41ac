package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records synchronization engine activity: refresh, decrypt
// and mutation outcomes plus stale-context discards.
type EngineMetrics struct {
	refreshes *prometheus.CounterVec
	decrypts  *prometheus.CounterVec
	mutations *prometheus.CounterVec
	discards  prometheus.Counter
	latency   *prometheus.HistogramVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised engine metrics registry. Metrics are
// registered against the default Prometheus registerer exactly once.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bloom",
				Subsystem: "engine",
				Name:      "refreshes_total",
				Help:      "Handle refresh operations segmented by outcome.",
			}, []string{"outcome"}),
			decrypts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bloom",
				Subsystem: "engine",
				Name:      "decrypts_total",
				Help:      "Decryption operations segmented by outcome.",
			}, []string{"outcome"}),
			mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bloom",
				Subsystem: "engine",
				Name:      "mutations_total",
				Help:      "Ledger mutations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			discards: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bloom",
				Subsystem: "engine",
				Name:      "stale_discards_total",
				Help:      "Async results discarded because the context changed mid-flight.",
			}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bloom",
				Subsystem: "engine",
				Name:      "operation_seconds",
				Help:      "Engine operation latency in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			}, []string{"op"}),
		}
		prometheus.MustRegister(
			engineRegistry.refreshes,
			engineRegistry.decrypts,
			engineRegistry.mutations,
			engineRegistry.discards,
			engineRegistry.latency,
		)
	})
	return engineRegistry
}

// ObserveRefresh records one refresh outcome.
func (m *EngineMetrics) ObserveRefresh(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
	m.latency.WithLabelValues("refresh").Observe(took.Seconds())
}

// ObserveDecrypt records one decrypt outcome.
func (m *EngineMetrics) ObserveDecrypt(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.decrypts.WithLabelValues(outcome).Inc()
	m.latency.WithLabelValues("decrypt").Observe(took.Seconds())
}

// ObserveMutation records one mutation outcome for the named operation.
func (m *EngineMetrics) ObserveMutation(op, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(took.Seconds())
}

// ObserveStaleDiscard counts one silently discarded async result.
func (m *EngineMetrics) ObserveStaleDiscard() {
	if m == nil {
		return
	}
	m.discards.Inc()
}
