package bitmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetClearTest(t *testing.T) {
	b := New(130)
	require.False(t, b.Test(5))
	b.Set(5)
	require.True(t, b.Test(5))
	b.Set(129)
	require.True(t, b.Test(129))
	b.Clear(5)
	require.False(t, b.Test(5))
}

func TestConcurrentSetIsLossless(t *testing.T) {
	b := New(64)
	var wg sync.WaitGroup
	for v := 0; v < 64; v++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			b.Set(v)
		}(v)
	}
	wg.Wait()
	require.Equal(t, 64, b.Count(4))
}

func TestToSeqMatchesSetBits(t *testing.T) {
	b := New(1000)
	want := []int{0, 3, 64, 65, 999}
	for _, v := range want {
		b.Set(v)
	}
	got := b.ToSeq(8)
	gotSet := map[int]bool{}
	for _, v := range got {
		gotSet[v] = true
	}
	require.Equal(t, len(want), len(got))
	for _, v := range want {
		require.True(t, gotSet[v])
	}
}

func TestWordCountRounding(t *testing.T) {
	require.Equal(t, 1, wordCount(1))
	require.Equal(t, 1, wordCount(64))
	require.Equal(t, 2, wordCount(65))
}
