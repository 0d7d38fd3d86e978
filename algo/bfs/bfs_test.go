package bfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"distgraph/bitmap"
	"distgraph/cache"
	"distgraph/config"
	"distgraph/distlog"
	"distgraph/engine"
	"distgraph/engine/workers"
	"distgraph/graph"
	"distgraph/metrics"
	"distgraph/numa"
	"distgraph/partition"
	"distgraph/wire/inproc"
)

// buildChainStore builds the directed chain 0->1->2->3 as a single
// process's full adjacency (C == P == 1, so no delegation).
func buildChainStore() *graph.Store[struct{}] {
	edges := []graph.AdjUnit[struct{}]{{Neighbour: 1}, {Neighbour: 2}, {Neighbour: 3}}
	bm := bitmap.New(4)
	bm.Set(0)
	bm.Set(1)
	bm.Set(2)
	index := []uint64{0, 1, 2, 3, 3}
	sock := &graph.SocketAdjacency[struct{}]{Bitmap: bm, Index: index, EdgeList: edges}
	sock.BuildCompressedIndex()
	return &graph.Store[struct{}]{
		V:        4,
		Outgoing: graph.Side[struct{}]{Sockets: []*graph.SocketAdjacency[struct{}]{sock}},
	}
}

func TestRunSingleSourceChain(t *testing.T) {
	ctx := context.Background()
	transports := inproc.NewLocalCluster(1)
	reg := metrics.New()
	global := partition.Boundaries{Offsets: []int{0, 4}}
	local := partition.Boundaries{Offsets: []int{0, 4}}

	topo := &numa.Topology{Sockets: []numa.Socket{{ID: 0, CPUs: []int{0}}}}
	pool := workers.New(topo, 2, reg)

	e := &engine.Engine[struct{}]{
		Mesh:        engine.Mesh{Transport: transports[0], Rank: 0, P: 1, C: 1, Sockets: 1},
		Global:      global,
		LocalNUMA:   local,
		Router:      engine.Router{Global: global, Local: []partition.Boundaries{local}},
		OutDegree:   []int{1, 1, 1, 0},
		Alpha:       config.Alpha(1),
		Store:       buildChainStore(),
		Pool:        pool,
		BitmapCache: cache.NewBitmapCache(reg),
		IndexCache:  cache.NewIndexCache(reg),
		EdgeCache:   cache.NewEdgeCache[struct{}](4, reg),
		Metrics:     reg,
		Log:         distlog.New(0, 1, "error"),
	}

	result, err := Run(ctx, e, []int{0})
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1, 2, 3}, result.Distance)
	require.Equal(t, uint64(1), result.Reached[0])
	require.Equal(t, uint64(1), result.Reached[3])
}

// buildCycleDestStore returns the outgoing (destination-keyed) slice
// of the directed 4-cycle v -> (v+1)%4 that a partition owning
// [lo, lo+2) actually stores: only the edges whose destination falls
// in that range, keyed by source — two of the four cycle edges cross
// the partition boundary.
func buildCycleDestStore(lo int) *graph.Store[struct{}] {
	type edge struct{ src, dst int }
	cycle := []edge{{0, 1}, {1, 2}, {2, 3}, {3, 0}}
	bySrc := map[int]uint32{}
	for _, e := range cycle {
		if e.dst >= lo && e.dst < lo+2 {
			bySrc[e.src] = uint32(e.dst)
		}
	}

	var edges []graph.AdjUnit[struct{}]
	bm := bitmap.New(4)
	index := make([]uint64, 5)
	cum := uint64(0)
	for v := 0; v < 4; v++ {
		index[v] = cum
		if dst, ok := bySrc[v]; ok {
			edges = append(edges, graph.AdjUnit[struct{}]{Neighbour: dst})
			bm.Set(v)
			cum++
		}
	}
	index[4] = cum
	sock := &graph.SocketAdjacency[struct{}]{Bitmap: bm, Index: index, EdgeList: edges}
	sock.BuildCompressedIndex()
	return &graph.Store[struct{}]{
		V:        4,
		Outgoing: graph.Side[struct{}]{Sockets: []*graph.SocketAdjacency[struct{}]{sock}},
	}
}

func buildCycleEngine(rank int, mesh engine.Mesh, global partition.Boundaries, reg *metrics.Registry, lo int) *engine.Engine[struct{}] {
	local := partition.Boundaries{Offsets: []int{0, 2}}
	topo := &numa.Topology{Sockets: []numa.Socket{{ID: 0, CPUs: []int{0}}}}
	pool := workers.New(topo, 2, reg)
	return &engine.Engine[struct{}]{
		Mesh:        mesh,
		Global:      global,
		LocalNUMA:   local,
		Router:      engine.Router{Global: global, Local: []partition.Boundaries{local, local}},
		OutDegree:   []int{1, 1, 1, 1},
		Alpha:       config.Alpha(1),
		Store:       buildCycleDestStore(lo),
		Pool:        pool,
		BitmapCache: cache.NewBitmapCache(reg),
		IndexCache:  cache.NewIndexCache(reg),
		EdgeCache:   cache.NewEdgeCache[struct{}](4, reg),
		Metrics:     reg,
		Log:         distlog.New(rank, 2, "error"),
	}
}

// TestRunTwoPartitionCycle drives BFS across two compute ranks over a
// 4-cycle split so the edges 1->2 and 3->0 cross the rank boundary.
// Each rank's Distance is only authoritative over the vertices it
// owns (the only ones whose slot updates it ever applies), but that
// range is enough to prove both cross-partition edges were traversed
// rather than silently dropped.
func TestRunTwoPartitionCycle(t *testing.T) {
	ctx := context.Background()
	transports := inproc.NewLocalCluster(2)
	global := partition.Boundaries{Offsets: []int{0, 2, 4}}
	reg0, reg1 := metrics.New(), metrics.New()

	e0 := buildCycleEngine(0, engine.Mesh{Transport: transports[0], Rank: 0, P: 2, C: 2, Sockets: 1}, global, reg0, 0)
	e1 := buildCycleEngine(1, engine.Mesh{Transport: transports[1], Rank: 1, P: 2, C: 2, Sockets: 1}, global, reg1, 2)

	var g errgroup.Group
	var r0, r1 *Result
	g.Go(func() error {
		var err error
		r0, err = Run(ctx, e0, []int{0})
		return err
	})
	g.Go(func() error {
		var err error
		r1, err = Run(ctx, e1, []int{0})
		return err
	})
	require.NoError(t, g.Wait())

	require.Equal(t, uint64(0), r0.Distance[0])
	require.Equal(t, uint64(1), r0.Distance[1])
	require.Equal(t, uint64(2), r1.Distance[2])
	require.Equal(t, uint64(3), r1.Distance[3])
}

func TestRunRejectsTooManySeeds(t *testing.T) {
	seeds := make([]int, 65)
	_, err := Run(context.Background(), &engine.Engine[struct{}]{}, seeds)
	require.Error(t, err)
}
