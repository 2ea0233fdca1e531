package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/uppend/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUBlockCache(t *testing.T) {
	ctx := context.Background()
	c := NewLRUBlockCache(10, nil)

	k1 := Key{Partition: "p", Offset: 1}
	k2 := Key{Partition: "p", Offset: 2}
	k3 := Key{Partition: "q", Offset: 3}

	c.Set(ctx, k1, []byte("aaaa"))
	c.Set(ctx, k2, []byte("bbbb"))

	v, ok := c.Get(ctx, k1)
	require.True(t, ok)
	assert.Equal(t, "aaaa", string(v))

	// k2 is least recently used and gets evicted.
	c.Set(ctx, k3, []byte("cccc"))
	_, ok = c.Get(ctx, k2)
	assert.False(t, ok)
	_, ok = c.Get(ctx, k3)
	assert.True(t, ok)

	// Too large to ever fit.
	c.Set(ctx, Key{Partition: "p", Offset: 9}, make([]byte, 11))
	_, ok = c.Get(ctx, Key{Partition: "p", Offset: 9})
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, int64(2), st.Hits)
	assert.Equal(t, int64(2), st.Misses)
	assert.Equal(t, int64(8), st.Size)
	assert.Equal(t, 2, st.Entries)

	c.Invalidate(ForPartition("q"))
	_, ok = c.Get(ctx, k3)
	assert.False(t, ok)
	assert.Equal(t, int64(4), c.Stats().Size)
}

func TestLRUBlockCache_ResourceController(t *testing.T) {
	ctx := context.Background()
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 6})
	c := NewLRUBlockCache(100, rc)

	c.Set(ctx, Key{Offset: 1}, []byte("abcd"))
	assert.Equal(t, int64(4), rc.MemoryUsage())

	// Refused by the controller, not by the cache capacity.
	c.Set(ctx, Key{Offset: 2}, []byte("efgh"))
	_, ok := c.Get(ctx, Key{Offset: 2})
	assert.False(t, ok)

	require.NoError(t, c.Close())
	assert.Zero(t, rc.MemoryUsage())
}

func TestShardedLRUBlockCache(t *testing.T) {
	ctx := context.Background()
	c := NewShardedLRUBlockCache(64*1024, nil)
	defer c.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			part := fmt.Sprintf("p%d", g%2)
			for i := 0; i < 200; i++ {
				k := Key{Partition: part, Offset: int64(i)}
				c.Set(ctx, k, []byte{byte(i)})
				v, ok := c.Get(ctx, k)
				if assert.True(t, ok) {
					assert.Equal(t, byte(i), v[0])
				}
			}
		}(g)
	}
	wg.Wait()

	st := c.Stats()
	assert.Equal(t, 400, st.Entries)
	assert.Equal(t, int64(8*200), st.Hits)

	c.Invalidate(ForPartition("p0"))
	assert.Equal(t, 200, c.Stats().Entries)
	_, ok := c.Get(ctx, Key{Partition: "p1", Offset: 7})
	assert.True(t, ok)
}
