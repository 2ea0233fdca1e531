package chain

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, path string, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithPageSize(int64(os.Getpagesize()))}, opts...)
	s, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func collect(t *testing.T, s *Store, pos int64) []int64 {
	t.Helper()
	var out []int64
	for v, err := range s.Values(pos) {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func blockSizes(t *testing.T, s *Store, pos int64) []int {
	t.Helper()
	var sizes []int
	for {
		h, err := s.readHeader(pos)
		require.NoError(t, err)
		sizes = append(sizes, h.values(s.valuesPerBlock))
		if h.kind != blockContinuation {
			return sizes
		}
		pos = h.next
	}
}

func TestStore_CapacityThree(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "blocks"), WithValuesPerBlock(3))

	root, err := s.Allocate()
	require.NoError(t, err)
	for v := int64(1); v <= 7; v++ {
		require.NoError(t, s.Append(root, v))
	}

	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, collect(t, s, root))
	assert.Equal(t, []int{3, 3, 1}, blockSizes(t, s, root))
	assert.Equal(t, int64(3), s.Stats().Allocs)

	last, ok, err := s.LastValue(root)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), last)
}

func TestStore_BlockCount(t *testing.T) {
	const capacity = 4
	s := openTestStore(t, filepath.Join(t.TempDir(), "blocks"), WithValuesPerBlock(capacity))

	for n := 1; n <= 21; n++ {
		before := s.Stats().Allocs
		root, err := s.Allocate()
		require.NoError(t, err)

		want := make([]int64, n)
		for i := range want {
			want[i] = int64(n*100 + i)
			require.NoError(t, s.Append(root, want[i]))
		}

		assert.Equal(t, want, collect(t, s, root), "n=%d", n)
		blocks := s.Stats().Allocs - before
		assert.Equal(t, int64((n+capacity-1)/capacity), blocks, "n=%d", n)
	}
}

func TestStore_EmptyChains(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "blocks"))

	assert.Empty(t, collect(t, s, Sentinel))
	_, ok, err := s.LastValue(Sentinel)
	require.NoError(t, err)
	assert.False(t, ok)

	root, err := s.Allocate()
	require.NoError(t, err)
	assert.Empty(t, collect(t, s, root))
	_, ok, err = s.LastValue(root)
	require.NoError(t, err)
	assert.False(t, ok)

	// Not yet allocated: treated as an unlinked chain.
	beyond := root + 10*s.blockSize
	assert.Empty(t, collect(t, s, beyond))
	_, ok, err = s.LastValue(beyond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ReadRepair(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "blocks"), WithValuesPerBlock(2))

	root, err := s.Allocate()
	require.NoError(t, err)
	require.NoError(t, s.Append(root, 1))
	require.NoError(t, s.Append(root, 2))

	// A continuation that was allocated and filled but never linked.
	orphan, err := s.Allocate()
	require.NoError(t, err)
	require.NoError(t, s.Append(orphan, 3))

	assert.Equal(t, []int64{1, 2}, collect(t, s, root))
	last, ok, err := s.LastValue(root)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), last)

	require.NoError(t, s.Append(root, 3))
	require.NoError(t, s.Append(root, 4))
	assert.Equal(t, []int64{1, 2, 3, 4}, collect(t, s, root))
	assert.Equal(t, []int64{3}, collect(t, s, orphan))
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks")

	s, err := Open(path, WithValuesPerBlock(5), WithPageSize(int64(os.Getpagesize())))
	require.NoError(t, err)
	roots := make([]int64, 10)
	for i := range roots {
		roots[i], err = s.Allocate()
		require.NoError(t, err)
	}
	for v := 0; v < 600; v++ {
		require.NoError(t, s.Append(roots[v%len(roots)], int64(v)))
	}
	stats := s.Stats()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	t.Run("ReadWrite", func(t *testing.T) {
		s := openTestStore(t, path, WithValuesPerBlock(5))
		assert.Equal(t, stats.Size, s.Stats().Size)
		assert.Equal(t, stats.Appends, s.Stats().Appends)
		assert.Equal(t, stats.Allocs, s.Stats().Allocs)

		for i, root := range roots {
			vals := collect(t, s, root)
			require.Len(t, vals, 60)
			assert.Equal(t, int64(i), vals[0])
			assert.Equal(t, int64(590+i), vals[59])
		}
		require.NoError(t, s.Close())
	})

	t.Run("ReadOnly", func(t *testing.T) {
		s := openTestStore(t, path, WithValuesPerBlock(5), WithReadOnly())
		assert.Len(t, collect(t, s, roots[3]), 60)

		_, err := s.Allocate()
		assert.ErrorIs(t, err, ErrReadOnly)
		assert.ErrorIs(t, s.Append(roots[0], 1), ErrReadOnly)
		assert.NoError(t, s.Flush())
	})

	t.Run("IncompatibleCapacity", func(t *testing.T) {
		_, err := Open(path, WithValuesPerBlock(6), WithPageSize(int64(os.Getpagesize())))
		assert.ErrorIs(t, err, ErrIncompatibleFormat)
	})
}

func TestStore_ReadOnlyMissingData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	s := openTestStore(t, path, WithReadOnly())
	assert.Empty(t, collect(t, s, headerSize))
}

func TestStore_Invariants(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "blocks"), WithValuesPerBlock(4))

	root, err := s.Allocate()
	require.NoError(t, err)

	t.Run("Misaligned", func(t *testing.T) {
		assert.ErrorIs(t, s.Append(root+8, 1), ErrCorrupt)
		assert.ErrorIs(t, s.Append(8, 1), ErrCorrupt)

		var gotErr error
		for _, err := range s.Values(root + 8) {
			gotErr = err
		}
		assert.ErrorIs(t, gotErr, ErrCorrupt)
	})

	t.Run("NegativePosition", func(t *testing.T) {
		_, _, err := s.LastValue(-42)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("PastEnd", func(t *testing.T) {
		assert.ErrorIs(t, s.Append(root+100*s.blockSize, 1), ErrCorrupt)
	})

	t.Run("CountAboveCapacity", func(t *testing.T) {
		require.NoError(t, s.storeWord(root, 9))
		var gotErr error
		for _, err := range s.Values(root) {
			gotErr = err
		}
		assert.ErrorIs(t, gotErr, ErrCorrupt)
		assert.ErrorIs(t, s.Append(root, 1), ErrCorrupt)
	})

	t.Run("BackwardContinuation", func(t *testing.T) {
		other, err := s.Allocate()
		require.NoError(t, err)
		require.NoError(t, s.storeWord(other, continuationHeader(root)))
		_, _, err = s.LastValue(other)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestStore_ConcurrentAppends(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "blocks"), WithValuesPerBlock(7))

	shared, err := s.Allocate()
	require.NoError(t, err)

	const (
		writers   = 8
		perWriter = 500
	)
	own := make([]int64, writers)
	for i := range own {
		own[i], err = s.Allocate()
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				v := int64(w*perWriter + i)
				assert.NoError(t, s.Append(shared, v))
				assert.NoError(t, s.Append(own[w], v))
			}
		}(w)
	}

	// Readers run alongside the writers and must only see whole values.
	var rg sync.WaitGroup
	for r := 0; r < 2; r++ {
		rg.Add(1)
		go func() {
			defer rg.Done()
			for i := 0; i < 50; i++ {
				for _, err := range s.Values(shared) {
					assert.NoError(t, err)
				}
			}
		}()
	}
	wg.Wait()
	rg.Wait()

	got := collect(t, s, shared)
	require.Len(t, got, writers*perWriter)
	slices.Sort(got)
	for i, v := range got {
		require.Equal(t, int64(i), v)
	}

	for w, root := range own {
		vals := collect(t, s, root)
		require.Len(t, vals, perWriter)
		assert.Equal(t, int64(w*perWriter), vals[0])
		assert.True(t, slices.IsSorted(vals))
	}
}

func TestStore_Clear(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "blocks"), WithValuesPerBlock(2))

	root, err := s.Allocate()
	require.NoError(t, err)
	for v := int64(0); v < 10; v++ {
		require.NoError(t, s.Append(root, v))
	}

	require.NoError(t, s.Clear())
	assert.Equal(t, int64(headerSize), s.Stats().Size)
	assert.Empty(t, collect(t, s, root))

	again, err := s.Allocate()
	require.NoError(t, err)
	assert.Equal(t, root, again)
	require.NoError(t, s.Append(again, 42))
	assert.Equal(t, []int64{42}, collect(t, s, again))
}

func TestStore_Closed(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "blocks"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Allocate()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Flush(), ErrClosed)
}
