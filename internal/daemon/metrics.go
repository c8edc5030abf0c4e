// Package daemon implements the HTTP control surface for detonatord: a
// small net/http mux directly analogous to the reference aegisvm
// daemon's internal/api/server.go, fronting the detonation pipeline
// instead of a multi-tenant VM fleet, plus a Prometheus metrics surface
// grounded on oriys-nova's internal/metrics/prometheus.go (a registry
// built with NewCounterVec/NewHistogramVec/NewGaugeVec and served
// through promhttp.HandlerFor) — the reference aegisvm daemon itself
// carries no Prometheus dependency, so this one concern is learned from
// elsewhere in the retrieved corpus.
package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus surface for one detonatord process: counters
// for detonations started/succeeded/failed, a duration histogram, and a
// gauge that observably enforces the "no concurrent detonations" rule
// (it is 0 or 1, never more).
type Metrics struct {
	registry *prometheus.Registry

	started  prometheus.Counter
	succeeded prometheus.Counter
	failed   *prometheus.CounterVec

	duration prometheus.Histogram

	inProgress prometheus.Gauge
	queueDepth prometheus.Gauge
}

// durationBuckets spans a plausible detonation run: seconds to tens of
// minutes of guest tracing.
var durationBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600}

// NewMetrics builds and registers the detonatord Prometheus collectors
// under the given namespace (conventionally "detonator").
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detonations_started_total",
			Help:      "Total number of detonations started.",
		}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detonations_succeeded_total",
			Help:      "Total number of detonations that completed successfully.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detonations_failed_total",
			Help:      "Total number of detonations that failed, by stage.",
		}, []string{"stage"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detonation_duration_seconds",
			Help:      "Wall-clock duration of a detonation run.",
			Buckets:   durationBuckets,
		}),
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detonation_in_progress",
			Help:      "1 while a detonation is running against the sandbox, 0 otherwise.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detonation_queue_depth",
			Help:      "Number of detonation requests waiting for the single in-flight slot.",
		}),
	}

	registry.MustRegister(m.started, m.succeeded, m.failed, m.duration, m.inProgress, m.queueDepth)
	return m
}

func (m *Metrics) recordStart()             { m.started.Inc(); m.inProgress.Set(1) }
func (m *Metrics) recordSuccess(d time.Duration) {
	m.succeeded.Inc()
	m.duration.Observe(d.Seconds())
	m.inProgress.Set(0)
}
func (m *Metrics) recordFailure(stage string, d time.Duration) {
	m.failed.WithLabelValues(stage).Inc()
	m.duration.Observe(d.Seconds())
	m.inProgress.Set(0)
}
func (m *Metrics) setQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// Handler returns the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
