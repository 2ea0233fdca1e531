// Package lookup maps keys to int64 values per partition: the chain head
// of every key in a store, or a counter.
//
// A partition is split into shards by the Murmur3 hash of the key and the
// key length. Each shard is a [Data]: an in-memory map backed by an
// append-only log of fixed-width records plus an immutable [Snapshot] that
// orders the log by key for bisection. The [Router] opens shards on demand
// and fans out scans and flushes; the [AppendBuffer] batches appends per
// shard in front of the router and the value-chain store.
//
// On-disk layout of one shard:
//
//	<dir>/<partition>/<hh>[/<hh>[/<hh>]]/<keyLen>/keys   fixed-width records
//	<dir>/<partition>/<hh>[/<hh>[/<hh>]]/<keyLen>/meta   latest snapshot
package lookup
