package mmap

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openArena(t *testing.T, path string, writable bool) *Arena {
	t.Helper()
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	require.NoError(t, err)

	a, err := NewArena(f, ArenaOptions{
		PageSize: int64(os.Getpagesize()),
		MaxPages: 8,
		Writable: writable,
		Advice:   AccessRandom,
	})
	require.NoError(t, err)
	return a
}

func TestArena_WordsAcrossPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks")
	pageSize := int64(os.Getpagesize())

	a := openArena(t, path, true)
	offsets := []int64{0, 8, pageSize - 8, pageSize, 3*pageSize + 16}
	for i, off := range offsets {
		w, err := a.Word(off)
		require.NoError(t, err)
		atomic.StoreInt64(w, int64(i+1)*100)
	}

	assert.Equal(t, int64(3), a.Loaded())
	assert.Equal(t, 4*pageSize, a.FileSize())
	require.NoError(t, a.Sync())
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	ro := openArena(t, path, false)
	defer ro.Close()
	for i, off := range offsets {
		w, err := ro.Word(off)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1)*100, atomic.LoadInt64(w))
	}

	_, err := ro.Word(4 * pageSize)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.ErrorIs(t, ro.Truncate(0), ErrReadOnly)
}

func TestArena_Bounds(t *testing.T) {
	a := openArena(t, filepath.Join(t.TempDir(), "blocks"), true)
	defer a.Close()

	_, err := a.Word(-8)
	assert.ErrorIs(t, err, ErrInvalidOffset)

	_, err = a.Word(12)
	assert.ErrorIs(t, err, ErrInvalidOffset)

	_, err = a.Word(8 * a.PageSize())
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = a.Page(-1)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestArena_Truncate(t *testing.T) {
	a := openArena(t, filepath.Join(t.TempDir(), "blocks"), true)
	defer a.Close()

	w, err := a.Word(a.PageSize() + 8)
	require.NoError(t, err)
	atomic.StoreInt64(w, 7)

	require.NoError(t, a.Truncate(0))
	assert.Equal(t, int64(0), a.Loaded())
	assert.Equal(t, int64(0), a.FileSize())

	w, err = a.Word(a.PageSize() + 8)
	require.NoError(t, err)
	assert.Equal(t, int64(0), atomic.LoadInt64(w))
}

func TestArena_ConcurrentMaterialize(t *testing.T) {
	a := openArena(t, filepath.Join(t.TempDir(), "blocks"), true)
	defer a.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for p := 0; p < 4; p++ {
				w, err := a.Word(int64(p)*a.PageSize() + int64(g)*8)
				assert.NoError(t, err)
				atomic.StoreInt64(w, int64(g))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int64(4), a.Loaded())
}

func TestArena_Closed(t *testing.T) {
	a := openArena(t, filepath.Join(t.TempDir(), "blocks"), true)
	require.NoError(t, a.Close())

	_, err := a.Word(0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.Sync(), ErrClosed)
}
