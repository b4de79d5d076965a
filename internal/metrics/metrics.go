// Package metrics defines the Prometheus collectors exported at /metrics
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "path_worker"

// Outcome label values
const (
	OutcomeSucceeded          = "succeeded"
	OutcomeInsufficientPoints = "insufficient_points"
	OutcomeNoProcessableData  = "no_processable_data"
	OutcomeSubmissionFailed   = "submission_failed"
)

// Metrics holds every collector registered by the worker
type Metrics struct {
	registry *prometheus.Registry

	FixesReceived      prometheus.Counter
	FixesDropped       prometheus.Counter
	FixesPersisted     prometheus.Counter
	FixesDeduplicated  prometheus.Counter
	NormalizeFailures  prometheus.Counter
	SnapFallbacks      prometheus.Counter
	ClearFailures      prometheus.Counter
	Finalizations      *prometheus.CounterVec
	FinalizeDuration   prometheus.Histogram
	SubmittedPoints    prometheus.Histogram
	SubmittedDistanceM prometheus.Histogram
	BufferedPoints     prometheus.Gauge
}

// New registers the worker collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		FixesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fixes_received_total",
			Help:      "Location fixes accepted while collecting.",
		}),
		FixesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fixes_dropped_total",
			Help:      "Location fixes dropped because the fix queue was full.",
		}),
		FixesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fixes_persisted_total",
			Help:      "Normalized fixes written to the point store.",
		}),
		FixesDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fixes_deduplicated_total",
			Help:      "Normalized fixes skipped because they matched the last saved point.",
		}),
		NormalizeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalize_failures_total",
			Help:      "Per-fix normalizations that failed or found no match.",
		}),
		SnapFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snap_fallbacks_total",
			Help:      "Finalizations that fell back to raw points after snap-to-roads failed.",
		}),
		Finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Path finalizations by outcome.",
		}, []string{"outcome"}),
		FinalizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finalize_duration_seconds",
			Help:      "Time spent finalizing a path, including snapping and submission.",
			Buckets:   prometheus.DefBuckets,
		}),
		SubmittedPoints: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submitted_points",
			Help:      "Number of points in each submitted path.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		SubmittedDistanceM: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submitted_distance_meters",
			Help:      "Distance of each submitted path in meters.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 10),
		}),
		ClearFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clear_failures_total",
			Help:      "Accepted paths whose points could not be removed from the point store.",
		}),
		BufferedPoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_points",
			Help:      "Points currently held in the point store.",
		}),
	}

	reg.MustRegister(
		m.FixesReceived,
		m.FixesDropped,
		m.FixesPersisted,
		m.FixesDeduplicated,
		m.NormalizeFailures,
		m.SnapFallbacks,
		m.ClearFailures,
		m.Finalizations,
		m.FinalizeDuration,
		m.SubmittedPoints,
		m.SubmittedDistanceM,
		m.BufferedPoints,
	)

	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
