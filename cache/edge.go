package cache

import (
	"runtime"
	"sync/atomic"

	"distgraph/graph"
	"distgraph/metrics"
)

// edgeSlot is one direct-mapped entry: tag == v+1 is the publication
// flag readers spin on (zero-value means empty), per spec.md §4.4's
// "vtx = v + 1" convention and §9's consistency note that a single
// flag is sufficient for an immutable graph. rank/socket are stored
// alongside the tag because the cache is shared across every
// (remote_partition, socket) a rank proxies — a bare v match is not
// enough to know the slot holds v's span from the intended peer.
type edgeSlot[E any] struct {
	tag    atomic.Uint32
	rank   int
	socket int
	edges  []graph.AdjUnit[E]
}

// EdgeCache is the direct-mapped, bounded third tier, warmed on
// demand by the prefetch pipeline. Keyed by (remote_partition, socket,
// v) per spec.md §4.4 — the same v can be requested against more than
// one (rank, socket) pair when P-C > C delegates several far
// partitions to one rank, or when a far partition itself spans
// multiple sockets, so rank/socket must be part of the match, not
// just an index into the direct-mapped table. There is no LRU and no
// refcount — a collision simply reinitialises the slot.
type EdgeCache[E any] struct {
	entries []edgeSlot[E]
	metrics *metrics.Registry
}

// NewEdgeCache allocates capacity direct-mapped slots.
func NewEdgeCache[E any](capacity int, m *metrics.Registry) *EdgeCache[E] {
	if capacity <= 0 {
		capacity = 1
	}
	return &EdgeCache[E]{entries: make([]edgeSlot[E], capacity), metrics: m}
}

func (c *EdgeCache[E]) index(rank, socket, v int) int {
	h := uint64(rank)*1000003 + uint64(socket)*31 + uint64(v)
	return int(h % uint64(len(c.entries)))
}

func (c *EdgeCache[E]) slot(rank, socket, v int) *edgeSlot[E] {
	return &c.entries[c.index(rank, socket, v)]
}

func (s *edgeSlot[E]) matches(rank, socket, v int) bool {
	return s.tag.Load() == uint32(v)+1 && s.rank == rank && s.socket == socket
}

// Lookup returns the cached edge span for (rank, socket, v) if the
// slot's publication tag and owning peer currently match, per
// spec.md §4.4.
func (c *EdgeCache[E]) Lookup(rank, socket, v int) ([]graph.AdjUnit[E], bool) {
	s := c.slot(rank, socket, v)
	if s.matches(rank, socket, v) {
		c.metrics.CacheHits.WithLabelValues(metrics.TierEdge).Inc()
		return s.edges, true
	}
	c.metrics.CacheMisses.WithLabelValues(metrics.TierEdge).Inc()
	return nil, false
}

// Reserve invalidates (rank, socket, v)'s slot and sizes its backing
// array to length, per spec.md §4.7's "initialise the slot with the
// required length" step, run by the prefetch thread before issuing
// the remote read.
func (c *EdgeCache[E]) Reserve(rank, socket, v, length int) {
	s := c.slot(rank, socket, v)
	s.tag.Store(0)
	s.rank, s.socket = rank, socket
	if cap(s.edges) < length {
		s.edges = make([]graph.AdjUnit[E], length)
	} else {
		s.edges = s.edges[:length]
	}
}

// Publish copies data into (rank, socket, v)'s already-reserved slot
// and then raises the publication tag, releasing any worker spinning
// on it.
func (c *EdgeCache[E]) Publish(rank, socket, v int, data []graph.AdjUnit[E]) {
	s := c.slot(rank, socket, v)
	copy(s.edges, data)
	s.rank, s.socket = rank, socket
	s.tag.Store(uint32(v) + 1)
}

// Peek reports whether the slot's current publication tag and owning
// peer already match (rank, socket, v), without counting a hit/miss —
// used by the prefetch loop to skip a request whose target is already
// populated.
func (c *EdgeCache[E]) Peek(rank, socket, v int) bool {
	return c.slot(rank, socket, v).matches(rank, socket, v)
}

// Spin blocks the calling worker until (rank, socket, v)'s slot is
// published by that exact peer, per spec.md §4.7's "spin until
// slot.vtx == v + 1" worker step and §5's "processor-hint pause"
// suspension point.
func (c *EdgeCache[E]) Spin(rank, socket, v int) []graph.AdjUnit[E] {
	s := c.slot(rank, socket, v)
	for !s.matches(rank, socket, v) {
		runtime.Gosched()
	}
	return s.edges
}
