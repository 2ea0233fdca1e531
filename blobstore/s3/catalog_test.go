package s3

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/uppend/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(ddb *mockDDBClient, baseURI string) *CatalogStore {
	c := NewCatalogStore(blobstore.NewMemoryStore(), ddb, "uppend-backups", baseURI)
	c.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return c
}

func TestCatalogStore_FirstCommit(t *testing.T) {
	ctx := context.Background()
	store := newTestCatalog(newMockDDBClient(), "s3://bucket/backups")

	_, err := store.Open(ctx, blobstore.LatestName)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	require.NoError(t, store.Put(ctx, blobstore.LatestName, []byte("backup-1")))

	got, err := blobstore.ReadAll(ctx, store, blobstore.LatestName)
	require.NoError(t, err)
	assert.Equal(t, "backup-1", string(got))

	e, ok, err := store.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.Version)
	assert.Equal(t, 2026, e.CreatedAt.Year())
}

func TestCatalogStore_VersionsIncrease(t *testing.T) {
	ctx := context.Background()
	store := newTestCatalog(newMockDDBClient(), "s3://bucket/backups")

	for i, id := range []string{"a", "b", "c"} {
		v, err := store.Commit(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), v)
	}

	e, ok, err := store.Get(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", e.BackupID)

	_, ok, err = store.Get(ctx, 9)
	require.NoError(t, err)
	assert.False(t, ok)

	latest, _, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", latest.BackupID)
}

func TestCatalogStore_ConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestCatalog(ddb, "s3://bucket/backups")

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Commit(ctx, "x")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrConcurrentModification)
		}()
	}
	wg.Wait()

	e, ok, err := store.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	// Each version is taken by exactly one writer.
	assert.Equal(t, uint64(succeeded), e.Version)
	assert.Len(t, ddb.items, succeeded)
}

func TestCatalogStore_IsolatedByBaseURI(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	a := newTestCatalog(ddb, "s3://bucket/a")
	b := newTestCatalog(ddb, "s3://bucket/b")

	_, err := a.Commit(ctx, "only-a")
	require.NoError(t, err)

	_, ok, err := b.Latest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalogStore_DelegatesOtherNames(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestCatalog(ddb, "s3://bucket/backups")

	require.NoError(t, store.Put(ctx, "b1/index.json", []byte("{}")))
	got, err := blobstore.ReadAll(ctx, store, "b1/index.json")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))
	assert.Zero(t, ddb.puts)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1/index.json"}, names)
}
