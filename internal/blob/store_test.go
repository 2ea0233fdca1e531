package blob

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/uppend/internal/cache"
	"github.com/hupe1980/uppend/internal/fs"
)

func openTestStore(t *testing.T, path string, opts Options) *Store {
	t.Helper()
	s, err := Open(fs.Default, path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	compressible := bytes.Repeat([]byte("uppend "), 512)
	small := []byte("x")

	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			s := openTestStore(t, filepath.Join(t.TempDir(), "blobs"), Options{Compression: c})

			p1, err := s.Append(compressible)
			require.NoError(t, err)
			p2, err := s.Append(small)
			require.NoError(t, err)
			p3, err := s.Append(nil)
			require.NoError(t, err)
			assert.Equal(t, int64(0), p1)
			assert.Greater(t, p2, p1)

			got, err := s.Read(ctx, p1)
			require.NoError(t, err)
			assert.Equal(t, compressible, got)
			got, err = s.Read(ctx, p2)
			require.NoError(t, err)
			assert.Equal(t, small, got)
			got, err = s.Read(ctx, p3)
			require.NoError(t, err)
			assert.Empty(t, got)

			st := s.Stats()
			assert.Equal(t, int64(3), st.Appends)
			if c != CompressionNone {
				assert.Less(t, st.BytesStored, st.BytesRaw)
			}
		})
	}
}

func TestStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "blobs")

	s, err := Open(fs.Default, path, Options{Compression: CompressionZstd})
	require.NoError(t, err)
	pos, err := s.Append([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	// Records carry their own codec.
	ro := openTestStore(t, path, Options{ReadOnly: true})
	got, err := ro.Read(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))

	_, err = ro.Append([]byte("nope"))
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, ro.Clear(), ErrReadOnly)
}

func TestStore_ReadOnlyMissingFile(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "absent"), Options{ReadOnly: true})
	_, err := s.Read(context.Background(), 0)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.NoError(t, s.Flush())
}

func TestStore_Corruption(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "blobs")
	s := openTestStore(t, path, Options{})

	pos, err := s.Append([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	t.Run("OutOfRange", func(t *testing.T) {
		_, err := s.Read(ctx, -1)
		assert.ErrorIs(t, err, ErrCorrupt)
		_, err = s.Read(ctx, s.Stats().Size)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("Checksum", func(t *testing.T) {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte("J"), pos+recordHeaderSize)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		_, err = s.Read(ctx, pos)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestStore_Cache(t *testing.T) {
	ctx := context.Background()
	c := cache.NewLRUBlockCache(1<<20, nil)
	s := openTestStore(t, filepath.Join(t.TempDir(), "blobs"), Options{Cache: c, Partition: "p"})

	pos, err := s.Append([]byte("cached"))
	require.NoError(t, err)

	for range 3 {
		got, err := s.Read(ctx, pos)
		require.NoError(t, err)
		assert.Equal(t, "cached", string(got))
	}
	assert.Equal(t, int64(2), c.Stats().Hits)

	require.NoError(t, s.Clear())
	_, ok := c.Get(ctx, cache.Key{Partition: "p", Offset: pos})
	assert.False(t, ok)
	assert.Equal(t, int64(0), s.Stats().Size)
}

func TestStore_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "blobs"), Options{Compression: CompressionLZ4})

	const n = 200
	positions := make([]int64, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pos, err := s.Append(bytes.Repeat([]byte{byte(i)}, i+1))
			assert.NoError(t, err)
			positions[i] = pos
		}(i)
	}
	wg.Wait()

	for i, pos := range positions {
		got, err := s.Read(ctx, pos)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, i+1), got)
	}
}

func TestStore_WriteFailure(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("blobs", fs.Fault{FailAfterBytes: 32})

	s, err := Open(ffs, filepath.Join(t.TempDir(), "blobs"), Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append(make([]byte, 8))
	require.NoError(t, err)
	_, err = s.Append(make([]byte, 64))
	assert.ErrorIs(t, err, fs.ErrInjected)
}

func TestStore_Closed(t *testing.T) {
	s, err := Open(fs.Default, filepath.Join(t.TempDir(), "blobs"), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Append([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Read(context.Background(), 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Flush(), ErrClosed)
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCompression("brotli")
	assert.Error(t, err)
}
