package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"distgraph/bitmap"
	"distgraph/cache"
	"distgraph/config"
	"distgraph/distlog"
	"distgraph/engine/workers"
	"distgraph/graph"
	"distgraph/metrics"
	"distgraph/numa"
	"distgraph/partition"
	"distgraph/rmem"
	"distgraph/wire/inproc"
)

type noPayload struct{}

func oneSocketTopo() *numa.Topology {
	return &numa.Topology{Sockets: []numa.Socket{{ID: 0, CPUs: []int{0}}}}
}

// buildRingDestStore returns the outgoing (destination-keyed) slice of
// a directed 4-cycle v -> (v+1)%4 that a partition owning [lo, lo+2)
// would actually store: only the edges whose destination falls in
// that range, keyed by source. For lo=0 that is "3->0" and "0->1"; for
// lo=2 that is "1->2" and "2->3" — two of the four edges cross the
// partition boundary, exactly what a broadcast-then-local-slot round
// must deliver correctly.
func buildRingDestStore(lo int) *graph.Store[noPayload] {
	type edge struct{ src, dst int }
	cycle := []edge{{0, 1}, {1, 2}, {2, 3}, {3, 0}}
	bySrc := map[int]uint32{}
	for _, e := range cycle {
		if e.dst >= lo && e.dst < lo+2 {
			bySrc[e.src] = uint32(e.dst)
		}
	}

	var edges []graph.AdjUnit[noPayload]
	bm := bitmap.New(4)
	index := make([]uint64, 5)
	cum := uint64(0)
	for v := 0; v < 4; v++ {
		index[v] = cum
		if dst, ok := bySrc[v]; ok {
			edges = append(edges, graph.AdjUnit[noPayload]{Neighbour: dst})
			bm.Set(v)
			cum++
		}
	}
	index[4] = cum
	sock := &graph.SocketAdjacency[noPayload]{Bitmap: bm, Index: index, EdgeList: edges}
	sock.BuildCompressedIndex()
	return &graph.Store[noPayload]{
		V:        4,
		Outgoing: graph.Side[noPayload]{Sockets: []*graph.SocketAdjacency[noPayload]{sock}},
	}
}

func buildTestEngine(rank int, transport Mesh, global partition.Boundaries, store *graph.Store[noPayload], reg *metrics.Registry) *Engine[noPayload] {
	topo := oneSocketTopo()
	pool := workers.New(topo, 1, reg)
	local := partition.Boundaries{Offsets: []int{0, 2}}
	localOffsets := []partition.Boundaries{local, local}
	return &Engine[noPayload]{
		Mesh:        transport,
		Global:      global,
		LocalNUMA:   local,
		Router:      Router{Global: global, Local: localOffsets},
		OutDegree:   []int{1, 1, 1, 1},
		Alpha:       config.Alpha(2),
		Store:       store,
		Pool:        pool,
		BitmapCache: cache.NewBitmapCache(reg),
		IndexCache:  cache.NewIndexCache(reg),
		EdgeCache:   cache.NewEdgeCache[noPayload](4, reg),
		Metrics:     reg,
		Log:         distlog.New(rank, 2, "error"),
	}
}

// TestProcessEdgesSparseCrossRankExchange runs a two-compute-rank
// sparse round (C == P, so no delegation) over a directed 4-cycle
// split so that two of its four edges cross the rank boundary,
// exercising the full broadcast-then-local-slot path: signal emits
// only the active vertex itself, exchange delivers that broadcast to
// both ranks, and slot fires only where a rank's own outgoing store
// actually holds the vertex's edges — the case the inverted protocol
// used to drop silently.
func TestProcessEdgesSparseCrossRankExchange(t *testing.T) {
	ctx := context.Background()
	transports := inproc.NewLocalCluster(2)
	global := partition.Boundaries{Offsets: []int{0, 2, 4}}
	reg0, reg1 := metrics.New(), metrics.New()

	e0 := buildTestEngine(0, Mesh{Transport: transports[0], Rank: 0, P: 2, C: 2, Sockets: 1}, global, buildRingDestStore(0), reg0)
	e1 := buildTestEngine(1, Mesh{Transport: transports[1], Rank: 1, P: 2, C: 2, Sockets: 1}, global, buildRingDestStore(2), reg1)

	active := bitmap.New(4)
	for v := 0; v < 4; v++ {
		active.Set(v)
	}

	// sparse_signal(v): broadcast v itself, no adjacency needed.
	signal := func(v int, adj []graph.AdjUnit[noPayload], emit func(dst uint32, msg noPayload)) {
		emit(uint32(v), noPayload{})
	}
	// sparse_slot(v, msg, adj): adj is only non-empty on the rank that
	// actually stores v's destination-facing edges, so counting its
	// length is exactly property 7's per-edge contribution.
	slot := func(v int, msg noPayload, adj []graph.AdjUnit[noPayload]) int64 {
		return int64(len(adj))
	}

	var g errgroup.Group
	var total0, total1 uint64
	g.Go(func() error {
		var err error
		total0, err = ProcessEdgesSparse(ctx, e0, active, signal, slot)
		return err
	})
	g.Go(func() error {
		var err error
		total1, err = ProcessEdgesSparse(ctx, e1, active, signal, slot)
		return err
	})
	require.NoError(t, g.Wait())
	require.Equal(t, uint64(4), total0)
	require.Equal(t, uint64(4), total1)
}

// buildSplitSourceStore returns a single rank's own store where vertex
// 0's two outgoing edges land in different local sockets: dst 1 falls
// in socket 0's half of [0,4), dst 3 in socket 1's — the destination-
// partitioned-per-NUMA-socket layout loader.go produces (loader.go
// assigns socket by localNUMA.PartitionOf(Dst-lo)) whenever a single
// source's destinations straddle a socket boundary.
func buildSplitSourceStore() *graph.Store[noPayload] {
	sock0 := &graph.SocketAdjacency[noPayload]{
		Bitmap:   bitmap.New(4),
		Index:    []uint64{0, 1, 1, 1, 1},
		EdgeList: []graph.AdjUnit[noPayload]{{Neighbour: 1}},
	}
	sock0.Bitmap.Set(0)
	sock0.BuildCompressedIndex()

	sock1 := &graph.SocketAdjacency[noPayload]{
		Bitmap:   bitmap.New(4),
		Index:    []uint64{0, 1, 1, 1, 1},
		EdgeList: []graph.AdjUnit[noPayload]{{Neighbour: 3}},
	}
	sock1.Bitmap.Set(0)
	sock1.BuildCompressedIndex()

	return &graph.Store[noPayload]{
		V:        4,
		Outgoing: graph.Side[noPayload]{Sockets: []*graph.SocketAdjacency[noPayload]{sock0, sock1}},
	}
}

// TestProcessEdgesSparseUnionsAcrossLocalSockets exercises Sockets>1 on
// a single rank: vertex 0's edges are split across two of the store's
// own local sockets, so the local slot loop must fire for every socket
// whose bitmap holds v, not stop at the first match.
func TestProcessEdgesSparseUnionsAcrossLocalSockets(t *testing.T) {
	ctx := context.Background()
	transports := inproc.NewLocalCluster(1)
	global := partition.Boundaries{Offsets: []int{0, 4}}
	reg := metrics.New()

	e := buildTestEngine(0, Mesh{Transport: transports[0], Rank: 0, P: 1, C: 1, Sockets: 1}, global, buildSplitSourceStore(), reg)

	active := bitmap.New(4)
	active.Set(0)

	signal := func(v int, adj []graph.AdjUnit[noPayload], emit func(dst uint32, msg noPayload)) {
		emit(uint32(v), noPayload{})
	}
	slot := func(v int, msg noPayload, adj []graph.AdjUnit[noPayload]) int64 {
		return int64(len(adj))
	}

	total, err := ProcessEdgesSparse(ctx, e, active, signal, slot)
	require.NoError(t, err)
	require.Equal(t, uint64(2), total)
}

// buildRingIncomingStore returns a 4-vertex store recording only the
// incoming edges of a directed 4-cycle v -> (v+1)%4: vertex v's sole
// incoming edge comes from (v+3)%4. ProcessEdgesDense pulls from this
// side, mirroring ligra_light_parallel.go's dense sweep reading each
// vertex's in-neighbours rather than pushing from an active frontier.
func buildRingIncomingStore() *graph.Store[noPayload] {
	edges := make([]graph.AdjUnit[noPayload], 4)
	index := make([]uint64, 5)
	bm := bitmap.New(4)
	for v := 0; v < 4; v++ {
		edges[v] = graph.AdjUnit[noPayload]{Neighbour: uint32((v + 3) % 4)}
		index[v] = uint64(v)
		bm.Set(v)
	}
	index[4] = 4
	sock := &graph.SocketAdjacency[noPayload]{Bitmap: bm, Index: index, EdgeList: edges}
	sock.BuildCompressedIndex()
	return &graph.Store[noPayload]{
		V:        4,
		Incoming: graph.Side[noPayload]{Sockets: []*graph.SocketAdjacency[noPayload]{sock}},
	}
}

// TestProcessEdgesDenseSingleRank exercises the dense pull-based
// protocol on a single compute rank (C == P == 1, so no delegation
// and no cross-rank exchange): only vertices whose sole in-neighbour
// is active receive a message.
func TestProcessEdgesDenseSingleRank(t *testing.T) {
	ctx := context.Background()
	transports := inproc.NewLocalCluster(1)
	global := partition.Boundaries{Offsets: []int{0, 4}}
	reg := metrics.New()

	e := buildTestEngine(0, Mesh{Transport: transports[0], Rank: 0, P: 1, C: 1, Sockets: 1}, global, buildRingIncomingStore(), reg)

	active := bitmap.New(4)
	active.Set(0)
	active.Set(2)

	signal := func(v int, adj []graph.AdjUnit[noPayload], emit func(dst uint32, msg noPayload)) {
		for _, u := range adj {
			if active.Test(int(u.Neighbour)) {
				emit(uint32(v), noPayload{})
			}
		}
	}
	slot := func(v int, msg noPayload, adj []graph.AdjUnit[noPayload]) int64 {
		return 1
	}

	total, err := ProcessEdgesDense[noPayload, noPayload](ctx, e, nil, signal, slot)
	require.NoError(t, err)
	require.Equal(t, uint64(2), total)
}

// buildFarMultiSocketSide returns the far-memory partition [2,4)'s
// outgoing store split across two NUMA sockets, both of which hold an
// edge for the SAME source vertex 0: dst 2 (owned by far socket 0) and
// dst 3 (owned by far socket 1). This is the delegated-path analogue
// of buildSplitSourceStore — a single delegated source split across
// more than one of a proxied far partition's sockets.
func buildFarMultiSocketSide() *graph.Side[noPayload] {
	sock0 := &graph.SocketAdjacency[noPayload]{
		Bitmap:   bitmap.New(4),
		Index:    []uint64{0, 1, 1, 1, 1},
		EdgeList: []graph.AdjUnit[noPayload]{{Neighbour: 2}},
	}
	sock0.Bitmap.Set(0)
	sock0.BuildCompressedIndex()

	sock1 := &graph.SocketAdjacency[noPayload]{
		Bitmap:   bitmap.New(4),
		Index:    []uint64{0, 1, 1, 1, 1},
		EdgeList: []graph.AdjUnit[noPayload]{{Neighbour: 3}},
	}
	sock1.Bitmap.Set(0)
	sock1.BuildCompressedIndex()

	return &graph.Side[noPayload]{Sockets: []*graph.SocketAdjacency[noPayload]{sock0, sock1}}
}

// TestProcessEdgesSparseDelegatedMultiSocket runs an S3-style P=2,
// C=1 round: rank 0 is the sole compute rank and proxies far-memory
// partition 1 in full, through the real rmem/cache/prefetch pipeline
// (not a synthetic BitmapCache.Preload). Partition 1's own store
// spans two sockets, and source vertex 0 (owned by rank 0) has one
// edge in each — the case that both silently dropped a socket's worth
// of edges (returning after the first bitmap match) and, absent the
// (remote_partition, socket, v) edge-cache key, could publish one
// socket's span into the slot meant for the other.
func TestProcessEdgesSparseDelegatedMultiSocket(t *testing.T) {
	ctx := context.Background()
	transports := inproc.NewLocalCluster(2) // rank 0: compute, rank 1: far-memory
	const c = 1

	farSide := buildFarMultiSocketSide()
	emptySide := &graph.Side[noPayload]{Sockets: []*graph.SocketAdjacency[noPayload]{{
		Bitmap: bitmap.New(4), Index: []uint64{0, 0, 0, 0, 0},
	}}}
	emptySide.Sockets[0].BuildCompressedIndex()

	localSocketCounts := []int{1, 2}

	farSession, err := rmem.Open[noPayload](ctx, transports[1], c, farSide, localSocketCounts)
	require.NoError(t, err)
	defer farSession.Close()

	computeSession, err := rmem.Open[noPayload](ctx, transports[0], c, emptySide, localSocketCounts)
	require.NoError(t, err)
	defer computeSession.Close()

	reg := metrics.New()
	bitmapCache := cache.NewBitmapCache(reg)
	indexCache := cache.NewIndexCache(reg)
	for s := 0; s < 2; s++ {
		words, err := computeSession.GetBitmapWords(1, s, 1)
		require.NoError(t, err)
		bitmapCache.Preload(1, s, bitmap.FromWords(4, words))

		idx, err := computeSession.GetIndex(1, s, 4)
		require.NoError(t, err)
		indexCache.Preload(1, s, idx)
	}

	edgeCache := cache.NewEdgeCache[noPayload](16, reg)
	log := distlog.New(0, 1, "error")
	prefetcher := cache.NewPrefetcher[noPayload](1, 8, edgeCache, computeSession, log, 0)
	prefetchCtx, cancelPrefetch := context.WithCancel(ctx)
	var helpers errgroup.Group
	helpers.Go(func() error { return prefetcher.Run(prefetchCtx) })

	global := partition.Boundaries{Offsets: []int{0, 2, 4}}
	local := partition.Boundaries{Offsets: []int{0, 1, 2}}
	topo := &numa.Topology{Sockets: []numa.Socket{{ID: 0, CPUs: []int{0}}, {ID: 1, CPUs: []int{1}}}}
	pool := workers.New(topo, 1, reg)

	computeTransport, err := transports[0].Split([]int{0})
	require.NoError(t, err)

	e := &Engine[noPayload]{
		Mesh:        Mesh{Transport: computeTransport, Rank: 0, P: 2, C: 1, Sockets: 2, Proxied: ProxiedPartitions(0, 1, 2)},
		Global:      global,
		LocalNUMA:   local,
		Router:      Router{Global: global, Local: []partition.Boundaries{local}},
		OutDegree:   []int{2, 0, 0, 0},
		Alpha:       config.Alpha(1),
		Store:       &graph.Store[noPayload]{V: 4},
		Pool:        pool,
		BitmapCache: bitmapCache,
		IndexCache:  indexCache,
		EdgeCache:   edgeCache,
		Session:     computeSession,
		Prefetcher:  prefetcher,
		Metrics:     reg,
		Log:         log,
	}

	active := bitmap.New(4)
	active.Set(0)

	signal := func(v int, adj []graph.AdjUnit[noPayload], emit func(dst uint32, msg noPayload)) {
		emit(uint32(v), noPayload{})
	}
	slot := func(v int, msg noPayload, adj []graph.AdjUnit[noPayload]) int64 {
		return int64(len(adj))
	}

	total, err := ProcessEdgesSparse(ctx, e, active, signal, slot)
	require.NoError(t, err)
	require.Equal(t, uint64(2), total)

	prefetcher.Terminate()
	cancelPrefetch()
	require.NoError(t, helpers.Wait())
}

func TestProxiedPartitions(t *testing.T) {
	require.Equal(t, []int{2, 4}, ProxiedPartitions(0, 2, 6))
	require.Equal(t, []int{3, 5}, ProxiedPartitions(1, 2, 6))
	require.Nil(t, ProxiedPartitions(0, 2, 2))
}
