// Package cache provides the payload read cache.
//
// Payload records never change once written, so a cache keyed by
// (partition, offset) needs no coherence protocol; clearing a partition
// invalidates its keys. One cache instance is shared by every partition of
// a store, or by several stores when injected.
//
// ShardedLRUBlockCache spreads keys over 64 LRU shards. Cached bytes are
// charged against the resource controller's memory budget when one is set.
package cache
