package vertexarray

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"distgraph/wire/inproc"
)

func TestFillAndGather(t *testing.T) {
	ctx := context.Background()
	transports := inproc.NewLocalCluster(2)

	a0 := Alloc[int32](nil, 0, 4)
	Fill(a0, func(v int) int32 {
		if v < 2 {
			return int32(v + 1)
		}
		return 0
	})

	a1 := Alloc[int32](nil, 0, 4)
	Fill(a1, func(v int) int32 {
		if v >= 2 {
			return int32(v + 1)
		}
		return 0
	})

	combine := func(a, b int32) int32 {
		if a != 0 {
			return a
		}
		return b
	}

	done := make(chan error, 1)
	go func() {
		_, err := Gather(ctx, transports[1], a1, combine)
		done <- err
	}()

	gathered0, err := Gather(ctx, transports[0], a0, combine)
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.Equal(t, []int32{1, 2, 3, 4}, gathered0.Data)
}

func TestDumpRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "distances.bin")

	require.NoError(t, ExtendForDump[int64](path, 6))

	require.NoError(t, Dump(path, 6, 0, 3, []int64{10, 20, 30}))
	require.NoError(t, Dump(path, 6, 3, 6, []int64{40, 50, 60}))

	got, err := Restore[int64](path, 0, 6)
	require.NoError(t, err)
	require.Equal(t, []int64{10, 20, 30, 40, 50, 60}, got)

	_, err = os.Stat(path)
	require.NoError(t, err)
}
