package lookup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/uppend/internal/fs"
)

func newTestRouter(t *testing.T, dir string, opts RouterOptions) *Router {
	t.Helper()
	r, err := NewRouter(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRouter_HashPath(t *testing.T) {
	for depth := 1; depth <= 3; depth++ {
		r := newTestRouter(t, "/data/lookups", RouterOptions{HashDepth: depth, ReadOnly: true})
		p := r.HashPath("events", StringKey("user-42"))

		rel, err := filepath.Rel("/data/lookups/events", p)
		require.NoError(t, err)
		parts := strings.Split(rel, string(filepath.Separator))
		require.Len(t, parts, depth+1)
		for _, h := range parts[:depth] {
			assert.Len(t, h, 2)
		}
		assert.Equal(t, "7", parts[depth])
		assert.Equal(t, p, r.HashPath("events", StringKey("user-42")))
	}

	_, err := NewRouter(t.TempDir(), RouterOptions{HashDepth: 4})
	assert.Error(t, err)
}

func TestRouter_PutGetAcrossShards(t *testing.T) {
	dir := t.TempDir()
	r := newTestRouter(t, dir, RouterOptions{HashDepth: 2})

	want := make(map[string]int64)
	for i := range 300 {
		k := fmt.Sprintf("k%d", i) // mixed key lengths
		_, _, err := r.Put("p", StringKey(k), int64(i))
		require.NoError(t, err)
		want[k] = int64(i)
	}
	v, err := r.Increment("p", StringKey("k7"), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)
	want["k7"] = 10

	got := make(map[string]int64)
	for e, err := range r.Scan("p") {
		require.NoError(t, err)
		got[string(e.Key)] = e.Value
	}
	assert.Equal(t, want, got)

	n := 0
	for _, err := range r.Keys("p") {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 300, n)

	_, ok, err := r.Get("other", StringKey("k1"))
	require.NoError(t, err)
	assert.False(t, ok)
	for _, err := range r.Keys("missing") {
		require.NoError(t, err)
		t.Fatal("unexpected key")
	}

	require.NoError(t, r.Flush(context.Background()))
	require.NoError(t, r.Close())

	ro := newTestRouter(t, dir, RouterOptions{HashDepth: 2, ReadOnly: true})
	v, ok, err = ro.Get("p", StringKey("k7"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), v)

	_, ok, err = ro.Get("p", StringKey("absent-key-with-new-length"))
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, err = ro.Put("p", StringKey("k1"), 1)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestRouter_SingleOpenUnderRace(t *testing.T) {
	r := newTestRouter(t, t.TempDir(), RouterOptions{})

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		calls int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.PutIfAbsent("p", StringKey("same"), func() (int64, error) {
				mu.Lock()
				calls++
				mu.Unlock()
				return 1, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, r.OpenShards())
}

func TestRouter_FlushFailureKeepsShardDirty(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	dir := t.TempDir()
	r := newTestRouter(t, dir, RouterOptions{FS: ffs})

	_, _, err := r.Put("p", StringKey("good"), 1)
	require.NoError(t, err)
	require.NoError(t, r.Flush(context.Background()))

	// Files opened from now on fail to sync.
	ffs.AddRule("keys", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	_, _, err = r.Put("p", StringKey("doomed-key"), 2)
	require.NoError(t, err)

	err = r.Flush(context.Background())
	assert.ErrorIs(t, err, fs.ErrInjected)
	err = r.Flush(context.Background())
	assert.ErrorIs(t, err, fs.ErrInjected, "failed shard must be retried")

	ffs.ClearRules()
}

func TestRouter_ClearAndPartitions(t *testing.T) {
	dir := t.TempDir()
	r := newTestRouter(t, dir, RouterOptions{})

	for _, p := range []string{"a", "b"} {
		for i := range 20 {
			_, _, err := r.Put(p, StringKey(fmt.Sprintf("key%d", i)), int64(i))
			require.NoError(t, err)
		}
	}
	parts, err := r.Partitions()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, parts)

	require.NoError(t, r.Clear("a"))
	parts, err = r.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, parts)

	_, ok, err := r.Get("a", StringKey("key1"))
	require.NoError(t, err)
	assert.False(t, ok)
	v, ok, err := r.Get("b", StringKey("key1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), v)

	require.NoError(t, r.Clear("never-written"))
	require.NoError(t, r.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), defunctPrefix), "leftover %s", e.Name())
	}
}

func TestRouter_Closed(t *testing.T) {
	r, err := NewRouter(t.TempDir(), RouterOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, _, err = r.Get("p", StringKey("k"))
	assert.ErrorIs(t, err, ErrClosed)
}
