// Package sssp implements single-source shortest paths by
// Bellman-Ford-style relaxation over the process_edges sparse kernel:
// EdgeData is the edge weight, signal broadcasts a vertex's own best
// distance once, and slot walks that vertex's real outgoing edges,
// adding each edge's weight and keeping the minimum distance seen at
// the neighbour, re-activating it on improvement.
//
// Ground: no teacher analogue; a weighted variant of algo/bfs's
// signal/slot shape, grounded on spec.md §4.9's driver requirement and
// the EdgeData type parameter's purpose (spec.md §3) of carrying a
// per-edge payload other than unit weight.
package sssp

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"distgraph/bitmap"
	"distgraph/engine"
	"distgraph/graph"
)

// Inf marks a vertex not yet reached.
const Inf = math.MaxFloat64

// distAtomic packages a float64 distance behind an atomic uint64 bit
// pattern, the same way the teacher's package-level atomics operate
// on fixed-width words rather than floats directly.
type distAtomic struct{ bits atomic.Uint64 }

func (d *distAtomic) load() float64  { return math.Float64frombits(d.bits.Load()) }
func (d *distAtomic) store(v float64) { d.bits.Store(math.Float64bits(v)) }

// casLower atomically replaces the stored distance with v if v is
// strictly smaller than the current value, retrying on contention.
func (d *distAtomic) casLower(v float64) bool {
	for {
		cur := d.bits.Load()
		curF := math.Float64frombits(cur)
		if v >= curF {
			return false
		}
		if d.bits.CompareAndSwap(cur, math.Float64bits(v)) {
			return true
		}
	}
}

// Run computes shortest-path distances from source using edge weights
// of type E mapped to a float64 by weight.
func Run[E any](ctx context.Context, e *engine.Engine[E], source int, weight func(E) float64) ([]float64, error) {
	v := e.Store.V
	dist := make([]distAtomic, v)
	for i := range dist {
		dist[i].store(Inf)
	}
	dist[source].store(0)

	active := bitmap.New(v)
	active.Set(source)

	signal := func(src int, _ []graph.AdjUnit[E], emit func(dst uint32, msg float64)) {
		emit(uint32(src), dist[src].load())
	}

	round := 0
	for {
		nextActive := bitmap.New(v)

		slot := func(v int, base float64, adj []graph.AdjUnit[E]) int64 {
			var contrib int64
			for _, u := range adj {
				if dist[u.Neighbour].casLower(base + weight(u.Edge)) {
					nextActive.Set(int(u.Neighbour))
					contrib++
				}
			}
			return contrib
		}

		total, err := engine.ProcessEdgesSparse[E, float64](ctx, e, active, signal, slot)
		if err != nil {
			return nil, fmt.Errorf("sssp: round %d: %w", round, err)
		}
		round++
		if total == 0 {
			break
		}
		active = nextActive
		if round > v {
			return nil, fmt.Errorf("sssp: did not converge after %d rounds (negative cycle?)", round)
		}
	}

	out := make([]float64, v)
	for i := range out {
		out[i] = dist[i].load()
	}
	return out, nil
}
