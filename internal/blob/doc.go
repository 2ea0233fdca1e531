// Package blob stores variable-length payloads for a partition.
//
// Each record is a checksummed header followed by the payload, optionally
// compressed with LZ4 or Zstandard. A record's byte offset is the int64
// that the block chains hold in place of the payload itself.
package blob
