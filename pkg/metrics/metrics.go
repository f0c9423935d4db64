// Package metrics is the process's Prometheus registry: counters,
// histograms, and gauges for the request pipeline, executor, breakers,
// and queue depth, exposed via promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric the process emits, constructed once at
// bootstrap and threaded through the components that report to it.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	ExecutorAttemptsTotal *prometheus.CounterVec
	ExecutorDuration      prometheus.Histogram

	BreakerState *prometheus.GaugeVec

	QueueDepth prometheus.Gauge
}

// New constructs a Registry with every metric registered against a
// fresh prometheus.Registry (never the global DefaultRegisterer, so
// tests can construct isolated Registries freely).
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{reg: reg}

	r.RequestsTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobkit",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by route and status.",
	}, []string{"route", "status"})

	r.RequestDuration = promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "blobkit",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	r.ExecutorAttemptsTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobkit",
		Name:      "executor_attempts_total",
		Help:      "Blob executor attempts by outcome.",
	}, []string{"outcome"})

	r.ExecutorDuration = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
		Namespace: "blobkit",
		Name:      "executor_duration_seconds",
		Help:      "Time spent building, signing, and broadcasting a blob transaction.",
		Buckets:   prometheus.DefBuckets,
	})

	r.BreakerState = promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "blobkit",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open) by breaker name.",
	}, []string{"breaker"})

	r.QueueDepth = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Namespace: "blobkit",
		Name:      "completion_queue_depth",
		Help:      "Number of pending completions awaiting settlement retry.",
	})

	return r
}

// Registerer exposes the underlying *prometheus.Registry for
// promhttp.HandlerFor wiring in pkg/server.
func (r *Registry) Registerer() *prometheus.Registry {
	return r.reg
}

// BreakerStateValue maps a breaker.State string to the gauge value
// convention documented on BreakerState's Help text.
func BreakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}
