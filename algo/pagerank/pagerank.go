// Package pagerank implements the classic power-iteration PageRank
// over the process_edges sparse kernel with every vertex active every
// round: signal broadcasts a vertex's current rank divided by its
// out-degree once, keyed by the vertex itself; slot walks that
// vertex's real outgoing edges and accumulates the incoming mass into
// each neighbour; the driver folds in the damping factor and
// convergence check outside the kernel, between rounds.
//
// Ground: no teacher analogue carries PageRank directly; the
// source-to-destination sharded power-iteration shape follows
// Smerity/gopagerank's gorank.go (edges hashed and streamed to
// per-destination accumulators), adapted from a channel-sharded
// single-process walk to a process_edges round. Every vertex
// participates every round regardless of frontier size — exactly the
// all-active condition ShouldUseDense names — but this driver still
// runs the sparse kernel with a full active set rather than the dense
// kernel, since the dense kernel's signal is handed incoming adjacency
// (for pull-style sweeps) while this power iteration is push-style
// over outgoing edges, matching algo/bfs and algo/cc's shape.
package pagerank

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"distgraph/bitmap"
	"distgraph/engine"
	"distgraph/graph"
)

// Config tunes the power iteration.
type Config struct {
	Damping    float64 // default 0.85
	MaxRounds  int     // default 100
	Tolerance  float64 // max per-vertex absolute delta convergence threshold, default 1e-6
}

// DefaultConfig returns the conventional PageRank parameters.
func DefaultConfig() Config {
	return Config{Damping: 0.85, MaxRounds: 100, Tolerance: 1e-6}
}

type floatAtomic struct{ bits atomic.Uint64 }

func (f *floatAtomic) load() float64  { return math.Float64frombits(f.bits.Load()) }
func (f *floatAtomic) store(v float64) { f.bits.Store(math.Float64bits(v)) }

func (f *floatAtomic) add(delta float64) {
	for {
		cur := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(cur) + delta)
		if f.bits.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Run computes PageRank scores for every vertex, returning the final
// rank vector and the number of rounds actually run.
func Run[E any](ctx context.Context, e *engine.Engine[E], cfg Config) ([]float64, int, error) {
	v := e.Store.V
	if v == 0 {
		return nil, 0, nil
	}
	rank := make([]float64, v)
	init := 1.0 / float64(v)
	for i := range rank {
		rank[i] = init
	}

	active := bitmap.New(v)
	for i := 0; i < v; i++ {
		active.Set(i)
	}

	base := (1 - cfg.Damping) / float64(v)

	round := 0
	for ; round < cfg.MaxRounds; round++ {
		sum := make([]floatAtomic, v)

		signal := func(src int, _ []graph.AdjUnit[E], emit func(dst uint32, msg float64)) {
			deg := e.OutDegree[src]
			if deg == 0 {
				return
			}
			emit(uint32(src), rank[src]/float64(deg))
		}
		slot := func(v int, msg float64, adj []graph.AdjUnit[E]) int64 {
			for _, u := range adj {
				sum[u.Neighbour].add(msg)
			}
			return int64(len(adj))
		}

		if _, err := engine.ProcessEdgesSparse[E, float64](ctx, e, active, signal, slot); err != nil {
			return nil, round, fmt.Errorf("pagerank: round %d: %w", round, err)
		}

		maxDelta := 0.0
		next := make([]float64, v)
		for i := range next {
			next[i] = base + cfg.Damping*sum[i].load()
			if d := math.Abs(next[i] - rank[i]); d > maxDelta {
				maxDelta = d
			}
		}
		rank = next
		if maxDelta < cfg.Tolerance {
			round++
			break
		}
	}

	return rank, round, nil
}
