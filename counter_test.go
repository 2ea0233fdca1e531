package uppend

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c, err := OpenCounterStore(dir, WithHashDepth(2))
	require.NoError(t, err)

	n, err := c.Increment("views", "/index", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.Increment("views", "/index", 41)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	prev, existed, err := c.Set("views", "/about", 7)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Zero(t, prev)
	prev, existed, err = c.Set("views", "/about", 8)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, int64(7), prev)

	_, ok, err := c.Get("views", "/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Increment("1bad", "k", 1)
	assert.ErrorIs(t, err, ErrInvalidPartition)
	_, err = c.Increment("views", "", 1)
	assert.ErrorIs(t, err, ErrInvalidKey)

	require.NoError(t, c.Flush(ctx))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	c, err = OpenCounterStore(dir, WithReadOnly())
	require.NoError(t, err)
	defer c.Close()

	v, ok, err := c.Get("views", "/index")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), v)

	got := make(map[string]int64)
	for e, err := range c.Scan("views") {
		require.NoError(t, err)
		got[e.Key] = e.Value
	}
	assert.Equal(t, map[string]int64{"/index": 42, "/about": 8}, got)

	var keys []string
	for k, err := range c.Keys("views") {
		require.NoError(t, err)
		keys = append(keys, k)
	}
	slices.Sort(keys)
	assert.Equal(t, []string{"/about", "/index"}, keys)

	parts, err := c.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"views"}, parts)

	_, err = c.Increment("views", "/index", 1)
	assert.ErrorIs(t, err, ErrReadOnly)

	t.Run("IncompatibleHashDepth", func(t *testing.T) {
		_, err := OpenCounterStore(dir, WithHashDepth(1), WithReadOnly())
		assert.ErrorIs(t, err, ErrIncompatibleFormat)
	})
}

func TestCounterStore_ConcurrentIncrements(t *testing.T) {
	c, err := OpenCounterStore(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	const (
		workers = 8
		perKey  = 250
		keys    = 5
	)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perKey * keys {
				_, err := c.Increment("p", "k"+strconv.Itoa(i%keys), 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for k := range keys {
		v, ok, err := c.Get("p", "k"+strconv.Itoa(k))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(workers*perKey), v)
	}
}

func TestCounterStore_Clear(t *testing.T) {
	ctx := context.Background()
	c, err := OpenCounterStore(t.TempDir())
	require.NoError(t, err)

	_, err = c.Increment("a", "k", 3)
	require.NoError(t, err)
	require.NoError(t, c.Clear(ctx))

	_, ok, err := c.Get("a", "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Close())
	_, err = c.Increment("a", "k", 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Flush(ctx), ErrClosed)
}
