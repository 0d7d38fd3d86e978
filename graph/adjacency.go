// Package graph implements the per-socket CSR adjacency store from
// spec.md §3/§4.2: for each NUMA socket on the owning process, a
// presence Bitmap over sources, a CSR index array, a packed edge
// list, and a compressed index listing only vertices with at least
// one edge. Both an outgoing (by source) and incoming (by
// destination) side are built for directed graphs; they alias for
// symmetric graphs.
//
// Ground: graphutils/build_graph.go's BuildAdjFromCSR/TransposeAdj
// show the teacher's CSR shape (offsets []uint64, edges []uint32);
// this generalizes that to per-socket storage with a typed edge
// payload and a compressed index, per spec.md §3/§4.2.
package graph

import (
	"fmt"

	"distgraph/bitmap"
)

// AdjUnit is the (neighbour, edge_data) pair packed without padding
// in the edge list, per spec.md §3.
type AdjUnit[E any] struct {
	Neighbour uint32
	Edge      E
}

// CompressedEntry marks the start of one vertex's edge range in the
// packed list; the trailing sentinel at position len(entries)-1
// carries the total edge count in Index, per spec.md §3.
type CompressedEntry struct {
	Vertex uint32
	Index  uint64
}

// SocketAdjacency is one socket's CSR structures for one side
// (outgoing or incoming) of the graph, satisfying invariants I1/I2 of
// spec.md §3.
type SocketAdjacency[E any] struct {
	Bitmap          *bitmap.Bitmap
	Index           []uint64 // length V+1; Index[v]..Index[v+1] is v's edge range
	EdgeList        []AdjUnit[E]
	CompressedIndex []CompressedEntry // non-empty vertices + trailing sentinel
}

// NewSocketAdjacency allocates the index/bitmap arrays for a socket
// serving V global vertex ids, with edgeCount edges already known
// (from Phase C's prefix sum in the loader).
func NewSocketAdjacency[E any](v, edgeCount int) *SocketAdjacency[E] {
	return &SocketAdjacency[E]{
		Bitmap:   bitmap.New(v),
		Index:    make([]uint64, v+1),
		EdgeList: make([]AdjUnit[E], edgeCount),
	}
}

// Edges returns the edge span for vertex v: invariant I1 guarantees
// its length equals the number of edges v emits into this socket and
// is zero exactly when the bitmap bit is clear.
func (s *SocketAdjacency[E]) Edges(v int) []AdjUnit[E] {
	return s.EdgeList[s.Index[v]:s.Index[v+1]]
}

// Degree is len(Edges(v)) without slicing.
func (s *SocketAdjacency[E]) Degree(v int) int {
	return int(s.Index[v+1] - s.Index[v])
}

// BuildCompressedIndex derives CompressedIndex from Index/Bitmap: the
// set {v : Index[v+1] > Index[v]} in ascending order, plus a trailing
// sentinel whose Index is the total edge count — property 4 of
// spec.md §8.
func (s *SocketAdjacency[E]) BuildCompressedIndex() {
	s.CompressedIndex = s.CompressedIndex[:0]
	v := len(s.Index) - 1
	for i := 0; i < v; i++ {
		if s.Index[i+1] > s.Index[i] {
			s.CompressedIndex = append(s.CompressedIndex, CompressedEntry{
				Vertex: uint32(i),
				Index:  s.Index[i],
			})
		}
	}
	s.CompressedIndex = append(s.CompressedIndex, CompressedEntry{
		Vertex: uint32(v),
		Index:  uint64(len(s.EdgeList)),
	})
}

// CheckInvariants validates I1 (bitmap/degree agreement) and the
// compressed-index equivalence property (property 4 of spec.md §8).
// Intended for tests and debug-build startup checks, not the hot
// path.
func (s *SocketAdjacency[E]) CheckInvariants() error {
	v := len(s.Index) - 1
	for i := 0; i < v; i++ {
		deg := s.Index[i+1] - s.Index[i]
		present := s.Bitmap.Test(i)
		if (deg == 0) == present {
			return fmt.Errorf("graph: I1 violated at vertex %d: degree=%d present=%v", i, deg, present)
		}
	}
	if len(s.CompressedIndex) == 0 {
		return nil
	}
	want := 0
	for i := 0; i < v; i++ {
		if s.Index[i+1] > s.Index[i] {
			if s.CompressedIndex[want].Vertex != uint32(i) || s.CompressedIndex[want].Index != s.Index[i] {
				return fmt.Errorf("graph: compressed index mismatch at entry %d", want)
			}
			want++
		}
	}
	sentinel := s.CompressedIndex[len(s.CompressedIndex)-1]
	if sentinel.Vertex != uint32(v) || sentinel.Index != uint64(len(s.EdgeList)) {
		return fmt.Errorf("graph: compressed index sentinel mismatch: got %+v", sentinel)
	}
	return nil
}

// Side is one direction (outgoing or incoming) of a process's
// adjacency, one SocketAdjacency per local NUMA socket.
type Side[E any] struct {
	Sockets []*SocketAdjacency[E]
}

// Store is the full per-process adjacency: outgoing and incoming
// sides, aliased for symmetric graphs per spec.md §4.2.
type Store[E any] struct {
	V         int
	Symmetric bool
	Outgoing  Side[E]
	Incoming  Side[E]
}

// TotalEdges sums edge-list lengths across every socket of a side,
// used by property 3 of spec.md §8 (CSR round-trip: sum of degrees
// equals edge_count).
func (s Side[E]) TotalEdges() int {
	n := 0
	for _, sock := range s.Sockets {
		n += len(sock.EdgeList)
	}
	return n
}
