package uppend

import (
	"github.com/hupe1980/uppend/internal/cache"
)

// BlockCache caches decoded payloads by partition and position. Payloads
// are immutable until their partition is cleared, which invalidates them.
type BlockCache = cache.BlockCache

// CacheStats reports cache effectiveness.
type CacheStats = cache.Stats

// NewBlockCache creates a sharded LRU payload cache of capacity bytes for
// sharing between stores with WithBlockCache.
func NewBlockCache(capacity int64) BlockCache {
	return cache.NewShardedLRUBlockCache(capacity, nil)
}
