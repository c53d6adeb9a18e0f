// Package telemetry implements the Telemetry Hooks component (spec §4.G):
// counters and histograms for pool activity, a memory-in-use gauge, all
// backed by github.com/prometheus/client_golang. Emission never blocks and
// never affects correctness — a dropped sample under saturation is
// acceptable, per spec.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Hooks bundles the pool's metrics on their own registry, passed
// explicitly into components via their constructors rather than relying
// on the default global registry (spec §9: no ambient globals).
type Hooks struct {
	registry *prometheus.Registry

	Activations         *prometheus.CounterVec
	ColdStarts          prometheus.Counter
	ConcurrentLimitHits prometheus.Counter
	TimeLimitHits       prometheus.Counter

	WaitTime     prometheus.Histogram
	InitTime     prometheus.Histogram
	RunDuration  prometheus.Histogram
	ResponseSize prometheus.Histogram

	MemoryInUseMB prometheus.Gauge
}

// New creates a Hooks instance registered on a fresh registry.
func New() *Hooks {
	reg := prometheus.NewRegistry()

	h := &Hooks{
		registry: reg,
		Activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoker_pool_activations_total",
			Help: "Total activations by status.",
		}, []string{"status"}),
		ColdStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoker_pool_cold_starts_total",
			Help: "Total activations served by a freshly created or prewarmed-but-uninitialized container.",
		}),
		ConcurrentLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoker_pool_concurrent_limit_hits_total",
			Help: "Total times a Run was rejected because a container's concurrent_limit was saturated.",
		}),
		TimeLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoker_pool_time_limit_hits_total",
			Help: "Total activations that exceeded their time limit.",
		}),
		WaitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoker_pool_wait_time_seconds",
			Help:    "Time an invocation waited before a container was assigned.",
			Buckets: prometheus.DefBuckets,
		}),
		InitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoker_pool_init_time_seconds",
			Help:    "Time spent in /init.",
			Buckets: prometheus.DefBuckets,
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoker_pool_run_duration_seconds",
			Help:    "Time spent in /run.",
			Buckets: prometheus.DefBuckets,
		}),
		ResponseSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoker_pool_response_size_bytes",
			Help:    "Size of the /run response body.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		MemoryInUseMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "invoker_pool_memory_in_use_mb",
			Help: "Aggregate container memory currently accounted for.",
		}),
	}

	reg.MustRegister(
		h.Activations,
		h.ColdStarts,
		h.ConcurrentLimitHits,
		h.TimeLimitHits,
		h.WaitTime,
		h.InitTime,
		h.RunDuration,
		h.ResponseSize,
		h.MemoryInUseMB,
	)

	return h
}

// Handler exposes the registry over HTTP in the Prometheus exposition
// format, for internal/httpapi to mount at /metrics.
func (h *Hooks) Handler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}
