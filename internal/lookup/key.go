package lookup

import "bytes"

// noGeneration marks a key without a usable insertion hint.
const noGeneration = -1

// Key is an immutable byte string ordered lexicographically.
//
// A key also carries scratch state from its last snapshot lookup: on a miss,
// the snapshot index it sorts after and that snapshot's generation. Flush
// uses the hint to splice the key into the next snapshot without searching
// again. The hint is not safe for concurrent use; a Key is owned by one
// caller at a time.
type Key struct {
	b           []byte
	insertAfter int64
	generation  int64
}

// NewKey returns a Key holding a copy of b.
func NewKey(b []byte) *Key {
	return &Key{b: bytes.Clone(b), generation: noGeneration}
}

// StringKey returns a Key for s.
func StringKey(s string) *Key {
	return &Key{b: []byte(s), generation: noGeneration}
}

// Bytes returns the key bytes. The slice must not be modified.
func (k *Key) Bytes() []byte { return k.b }

func (k *Key) String() string { return string(k.b) }

// Len returns the key length in bytes.
func (k *Key) Len() int { return len(k.b) }

// Compare orders keys byte-lexicographically.
func (k *Key) Compare(o *Key) int { return bytes.Compare(k.b, o.b) }

func (k *Key) hint() (insertAfter, generation int64) {
	return k.insertAfter, k.generation
}

func (k *Key) setHint(insertAfter, generation int64) {
	k.insertAfter, k.generation = insertAfter, generation
}

func (k *Key) clone() *Key {
	c := *k
	return &c
}
