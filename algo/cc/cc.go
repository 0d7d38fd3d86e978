// Package cc implements connected components by label propagation
// over the process_edges sparse kernel: every vertex starts labelled
// with its own id, signal broadcasts a vertex's current label once,
// and slot walks that vertex's real edges (both directions, since
// components are undirected) keeping the minimum label seen at each
// neighbour, re-activating it on improvement.
//
// Ground: no direct teacher analogue (ClusterBFS is single-purpose);
// grounded on spec.md §4.9's requirement for a components driver and
// built in the same signal/slot shape as algo/bfs, the standard
// Ligra-style label-propagation formulation.
package cc

import (
	"context"
	"fmt"
	"sync/atomic"

	"distgraph/bitmap"
	"distgraph/engine"
	"distgraph/graph"
)

// Run computes connected components over a symmetric store (the
// caller is responsible for loading the graph with Symmetric=true, so
// every edge appears in both directions and a single-direction signal
// suffices to propagate labels across a component).
func Run[E any](ctx context.Context, e *engine.Engine[E]) ([]uint64, error) {
	v := e.Store.V
	label := make([]uint64, v)
	for i := range label {
		label[i] = uint64(i)
	}

	active := bitmap.New(v)
	for i := 0; i < v; i++ {
		active.Set(i)
	}

	signal := func(src int, _ []graph.AdjUnit[E], emit func(dst uint32, msg uint64)) {
		emit(uint32(src), atomic.LoadUint64(&label[src]))
	}

	round := 0
	for {
		nextActive := bitmap.New(v)

		slot := func(v int, msg uint64, adj []graph.AdjUnit[E]) int64 {
			var contrib int64
			for _, u := range adj {
				w := u.Neighbour
				for {
					cur := atomic.LoadUint64(&label[w])
					if msg >= cur {
						break
					}
					if atomic.CompareAndSwapUint64(&label[w], cur, msg) {
						nextActive.Set(int(w))
						contrib++
						break
					}
				}
			}
			return contrib
		}

		total, err := engine.ProcessEdgesSparse[E, uint64](ctx, e, active, signal, slot)
		if err != nil {
			return nil, fmt.Errorf("cc: round %d: %w", round, err)
		}
		round++
		if total == 0 {
			break
		}
		active = nextActive
	}

	return label, nil
}
