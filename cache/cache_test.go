package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"distgraph/bitmap"
	"distgraph/distlog"
	"distgraph/graph"
	"distgraph/metrics"
	"distgraph/rmem"
	"distgraph/wire/inproc"
)

type noEdgeData struct{}

func buildFarSide(t *testing.T) *graph.Side[noEdgeData] {
	t.Helper()
	// vertex 0 has two outgoing edges, vertex 1 has none, vertex 2 has one.
	idx := []uint64{0, 2, 2, 3}
	edgeList := []graph.AdjUnit[noEdgeData]{
		{Neighbour: 10}, {Neighbour: 11}, {Neighbour: 12},
	}
	bm := bitmap.New(3)
	bm.Set(0)
	bm.Set(2)
	sock := &graph.SocketAdjacency[noEdgeData]{Bitmap: bm, Index: idx, EdgeList: edgeList}
	sock.BuildCompressedIndex()
	return &graph.Side[noEdgeData]{Sockets: []*graph.SocketAdjacency[noEdgeData]{sock}}
}

func TestPrefetchPipelinePopulatesEdgeCache(t *testing.T) {
	ctx := context.Background()
	transports := inproc.NewLocalCluster(2) // rank 0: compute, rank 1: far-memory
	c := 1

	farSide := buildFarSide(t)
	emptySide := &graph.Side[noEdgeData]{Sockets: []*graph.SocketAdjacency[noEdgeData]{{
		Bitmap: bitmap.New(3), Index: []uint64{0, 0, 0, 0},
	}}}
	emptySide.Sockets[0].BuildCompressedIndex()

	socketCounts := []int{1, 1}

	farSession, err := rmem.Open[noEdgeData](ctx, transports[1], c, farSide, socketCounts)
	require.NoError(t, err)
	defer farSession.Close()

	computeSession, err := rmem.Open[noEdgeData](ctx, transports[0], c, emptySide, socketCounts)
	require.NoError(t, err)
	defer computeSession.Close()

	bitmapWords, err := computeSession.GetBitmapWords(1, 0, 1)
	require.NoError(t, err)
	farBitmap := bitmap.FromWords(3, bitmapWords)
	require.True(t, farBitmap.Test(0))
	require.False(t, farBitmap.Test(1))
	require.True(t, farBitmap.Test(2))

	index, err := computeSession.GetIndex(1, 0, 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 2, 2, 3}, index)

	reg := metrics.New()
	bitmapCache := NewBitmapCache(reg)
	bitmapCache.Preload(1, 0, farBitmap)
	require.True(t, bitmapCache.Test(1, 0, 0))
	require.False(t, bitmapCache.Test(1, 0, 1))

	indexCache := NewIndexCache(reg)
	indexCache.Preload(1, 0, index)
	start, end, ok := indexCache.Range(1, 0, 0)
	require.True(t, ok)
	require.Equal(t, uint64(0), start)
	require.Equal(t, uint64(2), end)

	edgeCache := NewEdgeCache[noEdgeData](16, reg)
	log := distlog.New(0, 2, "error")
	prefetcher := NewPrefetcher[noEdgeData](1, 8, edgeCache, computeSession, log, 0)

	prefetcher.Rings[0].Push(Request{V: 0, RemoteRank: 1, Socket: 0, Start: index[0], End: index[1]})
	prefetcher.Rings[0].Push(Request{V: 2, RemoteRank: 1, Socket: 0, Start: index[2], End: index[3]})
	prefetcher.Terminate()
	require.NoError(t, prefetcher.Run(ctx))

	edges0, ok := edgeCache.Lookup(1, 0, 0)
	require.True(t, ok)
	require.Len(t, edges0, 2)
	require.Equal(t, uint32(10), edges0[0].Neighbour)
	require.Equal(t, uint32(11), edges0[1].Neighbour)

	edges2, ok := edgeCache.Lookup(1, 0, 2)
	require.True(t, ok)
	require.Len(t, edges2, 1)
	require.Equal(t, uint32(12), edges2[0].Neighbour)
}

// TestEdgeCacheDistinguishesSameVertexAcrossPeers exercises the exact
// aliasing the review flagged: two different (remote_partition,
// socket) peers both publish an entry for the same vertex id, and
// each slot must resolve independently rather than one publication
// masking the other from Peek/Lookup.
func TestEdgeCacheDistinguishesSameVertexAcrossPeers(t *testing.T) {
	reg := metrics.New()
	c := NewEdgeCache[noEdgeData](16, reg)

	c.Reserve(1, 0, 5, 2)
	c.Publish(1, 0, 5, []graph.AdjUnit[noEdgeData]{{Neighbour: 100}, {Neighbour: 101}})

	require.False(t, c.Peek(2, 1, 5))
	c.Reserve(2, 1, 5, 1)
	c.Publish(2, 1, 5, []graph.AdjUnit[noEdgeData]{{Neighbour: 200}})

	edgesA, ok := c.Lookup(1, 0, 5)
	require.True(t, ok)
	require.Equal(t, []graph.AdjUnit[noEdgeData]{{Neighbour: 100}, {Neighbour: 101}}, edgesA)

	edgesB, ok := c.Lookup(2, 1, 5)
	require.True(t, ok)
	require.Equal(t, []graph.AdjUnit[noEdgeData]{{Neighbour: 200}}, edgesB)
}
