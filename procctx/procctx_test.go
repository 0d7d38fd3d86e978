package procctx

import (
	"testing"

	"github.com/stretchr/testify/require"

	"distgraph/cache"
	"distgraph/config"
	"distgraph/wire/inproc"
)

func TestNewAndAttachCompute(t *testing.T) {
	transports := inproc.NewLocalCluster(1)
	cfg := config.RunConfig{P: 1, C: 1, Rank: 0, Sockets: 1, ThreadsPerSocket: 1}

	pc := New(transports[0], cfg)
	require.NotNil(t, pc.Topology)
	require.NotNil(t, pc.Log)
	require.NotNil(t, pc.Metrics)
	require.Nil(t, pc.Session)

	bitmapCache := cache.NewBitmapCache(pc.Metrics)
	indexCache := cache.NewIndexCache(pc.Metrics)
	pc.AttachCompute(nil, bitmapCache, indexCache)
	require.Same(t, bitmapCache, pc.BitmapCache)
	require.Same(t, indexCache, pc.IndexCache)

	require.NoError(t, pc.Close())
}
