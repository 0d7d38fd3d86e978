// Package cache implements the three-tier remote cache of spec.md
// §4.4: a bitmap cache and index cache (full, preloaded, lock-free
// reads forever after) and an edge cache (direct-mapped, bounded,
// warmed on demand by the prefetch pipeline in prefetch.go).
//
// Ground: new relative to the teacher (cluster_bfs_go has no remote
// partitions or caches at all, being single-process); grounded
// directly on spec.md §4.4/§4.7/§9, wired to metrics.Registry the way
// pkg/resmgr/policy/metrics.go in the example pack threads a counter
// through a lookup path.
package cache

import (
	"distgraph/bitmap"
	"distgraph/metrics"
)

// key identifies one (remote partition, socket) adjacency slice.
type key struct {
	rank   int
	socket int
}

// BitmapCache mirrors every far-memory peer's per-socket presence
// bitmap, preloaded once at load completion and never invalidated.
type BitmapCache struct {
	m       map[key]*bitmap.Bitmap
	metrics *metrics.Registry
}

func NewBitmapCache(m *metrics.Registry) *BitmapCache {
	return &BitmapCache{m: make(map[key]*bitmap.Bitmap), metrics: m}
}

// Preload installs rank/socket's bitmap, fetched once via rmem.
func (c *BitmapCache) Preload(rank, socket int, b *bitmap.Bitmap) {
	c.m[key{rank, socket}] = b
}

// Test reports whether v has at least one edge into rank/socket's
// adjacency, per the bitmap preloaded at load completion.
func (c *BitmapCache) Test(rank, socket, v int) bool {
	b, ok := c.m[key{rank, socket}]
	if !ok {
		c.metrics.CacheMisses.WithLabelValues(metrics.TierBitmap).Inc()
		return false
	}
	c.metrics.CacheHits.WithLabelValues(metrics.TierBitmap).Inc()
	return b.Test(v)
}

// IndexCache mirrors every far-memory peer's per-socket CSR index
// ([V+1]uint64), preloaded once at load completion.
type IndexCache struct {
	m       map[key][]uint64
	metrics *metrics.Registry
}

func NewIndexCache(m *metrics.Registry) *IndexCache {
	return &IndexCache{m: make(map[key][]uint64), metrics: m}
}

// Preload installs rank/socket's index array.
func (c *IndexCache) Preload(rank, socket int, idx []uint64) {
	c.m[key{rank, socket}] = idx
}

// Range returns v's [start,end) edge-list range within rank/socket's
// adjacency, and whether the index for that peer has been preloaded.
func (c *IndexCache) Range(rank, socket, v int) (start, end uint64, ok bool) {
	idx, present := c.m[key{rank, socket}]
	if !present || v+1 >= len(idx) {
		c.metrics.CacheMisses.WithLabelValues(metrics.TierIndex).Inc()
		return 0, 0, false
	}
	c.metrics.CacheHits.WithLabelValues(metrics.TierIndex).Inc()
	return idx[v], idx[v+1], true
}
