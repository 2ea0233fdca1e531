package hash

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// Murmur32 returns the 32-bit Murmur3 hash of data with seed 0.
func Murmur32(data []byte) uint32 {
	return murmur3.Sum32(data)
}

// ShardBytes returns the big-endian bytes of the Murmur3 hash of data,
// most significant first. Shard directories are named after a prefix of it.
func ShardBytes(data []byte) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], murmur3.Sum32(data))
	return b
}
