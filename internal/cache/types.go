package cache

import "context"

// Key identifies one payload record: the partition it lives in and its
// position in the partition's payload file. Payload records are immutable
// until the partition is cleared.
type Key struct {
	Partition string
	Offset    int64
}

// BlockCache is a byte-oriented cache for immutable payloads.
// Returned slices must be treated as read-only.
type BlockCache interface {
	// Get returns a cached payload. ok=false if missing.
	Get(ctx context.Context, key Key) (b []byte, ok bool)
	// Set caches a payload. The caller must treat b as immutable afterwards.
	Set(ctx context.Context, key Key, b []byte)
	// Invalidate removes entries matching the predicate.
	Invalidate(predicate func(key Key) bool)
	// Close releases any resources.
	Close() error
	// Stats returns cache statistics.
	Stats() Stats
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits    int64
	Misses  int64
	Size    int64
	Entries int
}

// ForPartition returns a predicate matching every key of one partition.
func ForPartition(name string) func(Key) bool {
	return func(k Key) bool { return k.Partition == name }
}
