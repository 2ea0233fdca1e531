// Package hash provides the checksums and hashes used on disk.
//
// CRC32-Castagnoli guards index snapshots and payload records:
//
//	checksum := hash.CRC32C(data)
//
// Murmur3 (32-bit) routes keys to shard directories. Its output is part of
// the on-disk layout, so it must never change for an existing store.
package hash
