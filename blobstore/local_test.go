package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBlobStore(t *testing.T, store BlobStore) {
	ctx := context.Background()
	data := []byte("hello world, this is a test blob for uppend")

	t.Run("CreateAndRead", func(t *testing.T) {
		w, err := store.Create(ctx, "backup/one/data-001.bin")
		require.NoError(t, err)
		n, err := w.Write(data)
		require.NoError(t, err)
		require.Equal(t, len(data), n)
		require.NoError(t, w.Sync())
		require.NoError(t, w.Close())

		blob, err := store.Open(ctx, "backup/one/data-001.bin")
		require.NoError(t, err)
		defer blob.Close()
		require.Equal(t, int64(len(data)), blob.Size())

		buf := make([]byte, 5)
		n, err = blob.ReadAt(ctx, buf, 6)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, "world", string(buf))

		rc, err := blob.ReadRange(ctx, 13, 4)
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, "this", string(got))

		_, err = blob.ReadAt(ctx, buf, int64(len(data)))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("PutAndList", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "backup/one/index.json", []byte("{}")))
		require.NoError(t, store.Put(ctx, "backup/two/index.json", nil))

		names, err := store.List(ctx, "backup/one/")
		require.NoError(t, err)
		assert.Equal(t, []string{"backup/one/data-001.bin", "backup/one/index.json"}, names)

		got, err := ReadAll(ctx, store, "backup/two/index.json")
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = ReadAll(ctx, store, "backup/one/index.json")
		require.NoError(t, err)
		assert.Equal(t, "{}", string(got))
	})

	t.Run("Abort", func(t *testing.T) {
		w, err := store.Create(ctx, "backup/torn/data-001.bin")
		require.NoError(t, err)
		_, err = w.Write(data[:7])
		require.NoError(t, err)
		require.NoError(t, Abort(w))
		require.NoError(t, w.Close())

		_, err = store.Open(ctx, "backup/torn/data-001.bin")
		assert.ErrorIs(t, err, ErrNotFound)
		names, err := store.List(ctx, "backup/torn/")
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "backup/one/index.json"))
		require.NoError(t, store.Delete(ctx, "backup/one/index.json"))

		_, err := store.Open(ctx, "backup/one/index.json")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	testBlobStore(t, NewLocalStore(dir))

	_, err := os.Stat(filepath.Join(dir, "backup", "one", "data-001.bin"))
	assert.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "backup", "torn"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalStore_ListMissingRoot(t *testing.T) {
	store := NewLocalStore(filepath.Join(t.TempDir(), "missing"))
	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMemoryStore(t *testing.T) {
	testBlobStore(t, NewMemoryStore())
}

func TestMemoryStore_PutIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.PutIfAbsent(ctx, "a", []byte("1")))
	assert.ErrorIs(t, store.PutIfAbsent(ctx, "a", []byte("2")), ErrExists)

	got, err := ReadAll(ctx, store, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
}

func TestMemoryStore_FailWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	boom := errors.New("boom")
	store.FailWrites("b1/", boom)

	assert.ErrorIs(t, store.Put(ctx, "b1/index.json", []byte("{}")), boom)
	require.NoError(t, store.Put(ctx, "b2/index.json", []byte("{}")))

	w, err := store.Create(ctx, "b1/files/MANIFEST")
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)
	assert.ErrorIs(t, w.Close(), boom)

	store.FailWrites("b1/", nil)
	require.NoError(t, store.Put(ctx, "b1/index.json", []byte("{}")))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1/index.json", "b2/index.json"}, names)
	assert.Equal(t, int64(4), store.Size())
}
