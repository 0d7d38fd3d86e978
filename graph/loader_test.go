package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"distgraph/config"
	"distgraph/partition"
	"distgraph/wire"
	"distgraph/wire/inproc"
)

type noEdgeData struct{}

func TestLoaderBuildDirectedRoundTrip(t *testing.T) {
	const v = 6
	edges := []RawEdge[noEdgeData]{
		{Src: 0, Dst: 1}, {Src: 0, Dst: 2}, {Src: 1, Dst: 2},
		{Src: 2, Dst: 3}, {Src: 3, Dst: 4}, {Src: 4, Dst: 5}, {Src: 5, Dst: 0},
	}
	path := filepath.Join(t.TempDir(), "edges.bin")
	require.NoError(t, WriteEdgeFile(path, edges))

	const p = 2
	transports := inproc.NewLocalCluster(p)

	type result struct {
		store *Store[noEdgeData]
	}
	results := make([]result, p)

	g, ctx := errgroup.WithContext(context.Background())
	for rank := 0; rank < p; rank++ {
		rank := rank
		g.Go(func() error {
			ef, err := OpenEdgeFile[noEdgeData](path)
			if err != nil {
				return err
			}
			defer ef.Close()

			loader := &Loader[noEdgeData]{Transport: transports[rank], V: v}

			outDeg, err := loader.DegreeHistogram(ctx, ef, func(r RawEdge[noEdgeData]) uint32 { return r.Src })
			if err != nil {
				return err
			}

			alpha := config.Alpha(p)
			global := partition.Compute(outDeg, p, alpha, 1)

			if err := partition.CrossCheck(global.Offsets,
				func(local []uint64) ([]uint64, error) { return transports[rank].AllReduce(ctx, local, wire.OpMax) },
				func(local []uint64) ([]uint64, error) { return transports[rank].AllReduce(ctx, local, wire.OpMin) },
			); err != nil {
				return err
			}

			lo, hi := global.Range(rank)
			localNUMA := partition.ComputeNUMA(outDeg, lo, hi, 1, alpha, 1)

			store, err := loader.BuildDirected(ctx, ef, global, localNUMA)
			if err != nil {
				return err
			}
			results[rank].store = store
			return nil
		})
	}
	require.NoError(t, g.Wait())

	totalOut, totalIn := 0, 0
	for rank := 0; rank < p; rank++ {
		st := results[rank].store
		require.NotNil(t, st)
		for _, sock := range st.Outgoing.Sockets {
			require.NoError(t, sock.CheckInvariants())
		}
		for _, sock := range st.Incoming.Sockets {
			require.NoError(t, sock.CheckInvariants())
		}
		totalOut += st.Outgoing.TotalEdges()
		totalIn += st.Incoming.TotalEdges()
	}
	require.Equal(t, len(edges), totalOut)
	require.Equal(t, len(edges), totalIn)
}

func TestLoaderBuildSymmetricDoublesEdges(t *testing.T) {
	const v = 4
	edges := []RawEdge[noEdgeData]{
		{Src: 0, Dst: 1}, {Src: 1, Dst: 2}, {Src: 2, Dst: 3},
	}
	path := filepath.Join(t.TempDir(), "sym.bin")
	require.NoError(t, WriteEdgeFile(path, edges))

	const p = 1
	transports := inproc.NewLocalCluster(p)
	ctx := context.Background()

	ef, err := OpenEdgeFile[noEdgeData](path)
	require.NoError(t, err)
	defer ef.Close()

	loader := &Loader[noEdgeData]{Transport: transports[0], V: v}
	outDeg, err := loader.DegreeHistogram(ctx, ef, func(r RawEdge[noEdgeData]) uint32 { return r.Src })
	require.NoError(t, err)

	alpha := config.Alpha(p)
	global := partition.Compute(outDeg, p, alpha, 1)
	lo, hi := global.Range(0)
	localNUMA := partition.ComputeNUMA(outDeg, lo, hi, 1, alpha, 1)

	store, err := loader.BuildSymmetric(ctx, ef, global, localNUMA)
	require.NoError(t, err)
	require.True(t, store.Symmetric)
	require.Equal(t, 2*len(edges), store.Outgoing.TotalEdges())
	require.Same(t, store.Outgoing.Sockets[0], store.Incoming.Sockets[0])
}
