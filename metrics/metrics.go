// Package metrics registers the engine's Prometheus collectors:
// cache hit/miss counters per tier, process_edges round duration, and
// messaging volume. The registry lives on ProcessContext rather than
// as package-level collectors, per spec.md §9's instruction to carry
// would-be globals (cache hit/miss counters, in that spec's own
// words) in a process-scoped context value.
//
// Ground: pkg/metrics/metrics.go and pkg/resmgr/policy/metrics.go in
// the example pack register this same shape of per-subsystem
// counters/histograms using prometheus/client_golang, with one
// *prometheus.Registry built per process rather than relying on the
// global DefaultRegisterer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds the engine's collectors for one process.
type Registry struct {
	reg *prometheus.Registry

	CacheHits   *prometheus.CounterVec // labels: tier (bitmap|index|edge)
	CacheMisses *prometheus.CounterVec

	RoundDuration prometheus.Histogram
	MessagesSent  prometheus.Counter
	BytesSent     prometheus.Counter
	StealsTaken   prometheus.Counter
}

// New builds and registers a fresh Registry for one process.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "distgraph",
			Name:      "cache_hits_total",
			Help:      "Cache hits by tier (bitmap, index, edge).",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "distgraph",
			Name:      "cache_misses_total",
			Help:      "Cache misses by tier (bitmap, index, edge).",
		}, []string{"tier"}),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "distgraph",
			Name:      "process_edges_round_seconds",
			Help:      "Wall-clock duration of one process_edges round.",
			Buckets:   prometheus.DefBuckets,
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "distgraph",
			Name:      "messages_sent_total",
			Help:      "PassMessage payload units sent by this process.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "distgraph",
			Name:      "bytes_sent_total",
			Help:      "Bytes sent over the wire transport by this process.",
		}),
		StealsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "distgraph",
			Name:      "worker_steals_total",
			Help:      "Work-stealing batches taken by idle workers.",
		}),
	}
	reg.MustRegister(r.CacheHits, r.CacheMisses, r.RoundDuration, r.MessagesSent, r.BytesSent, r.StealsTaken)
	return r
}

// Gatherer exposes the registry for an HTTP /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Tier names for CacheHits/CacheMisses labels.
const (
	TierBitmap = "bitmap"
	TierIndex  = "index"
	TierEdge   = "edge"
)
