package engine

import "distgraph/graph"

// SignalFunc runs at vertex v during either protocol's signal step,
// emitting zero or more (destination, payload) messages via emit.
// For the sparse protocol adj is nil — signal has no adjacency access,
// matching spec.md §4.6's sparse_signal(v) shape; for the dense
// protocol adj is v's incoming edge span.
type SignalFunc[E, M any] func(v int, adj []graph.AdjUnit[E], emit func(dst uint32, msg M))

// SlotFunc applies one incoming message at v, optionally consulting
// v's outgoing adjacency (sparse_slot per spec.md §4.6) or simply the
// payload (dense_slot). It returns the scalar contribution this
// message makes to the round's reduction.
type SlotFunc[E, M any] func(v int, msg M, adj []graph.AdjUnit[E]) int64

// ShouldUseDense implements the commented-out adaptive threshold the
// original source left in place (active_edges < total_edges/20 picks
// sparse, otherwise dense). No code in this module calls it, and
// config.ModeAdaptive does not route rounds through it.
func ShouldUseDense(activeEdges, totalEdges int64) bool {
	if totalEdges == 0 {
		return false
	}
	return activeEdges >= totalEdges/20
}
