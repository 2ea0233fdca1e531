package lookup

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/uppend/internal/hash"
)

const (
	snapshotMagic   uint32 = 0x55504c4d // "UPLM"
	snapshotVersion uint32 = 1

	// cachedLevels is the number of bisection levels whose midpoint keys
	// are kept in memory. Every lookup visits the same top midpoints.
	cachedLevels = 9
)

// Snapshot is an immutable sorted view of a shard's keys. positions[i] is
// the log order of the i-th smallest key; key bytes are read from the log.
type Snapshot struct {
	generation int64
	minKey     []byte
	maxKey     []byte
	positions  []int64
	log        *recordLog

	mids sync.Map // log order -> key bytes
}

func emptySnapshot(generation int64, log *recordLog) *Snapshot {
	return &Snapshot{generation: generation, log: log}
}

// Generation returns the snapshot generation.
func (s *Snapshot) Generation() int64 { return s.generation }

// Len returns the number of keys in the snapshot.
func (s *Snapshot) Len() int { return len(s.positions) }

// MinKey returns the smallest key, nil when empty.
func (s *Snapshot) MinKey() []byte { return s.minKey }

// MaxKey returns the largest key, nil when empty.
func (s *Snapshot) MaxKey() []byte { return s.maxKey }

func (s *Snapshot) midKey(i, level int) ([]byte, error) {
	order := s.positions[i]
	if level < cachedLevels {
		if k, ok := s.mids.Load(order); ok {
			return k.([]byte), nil
		}
	}
	k, err := s.log.readKey(order)
	if err != nil {
		return nil, err
	}
	if level < cachedLevels {
		s.mids.Store(order, k)
	}
	return k, nil
}

// FindPosition returns the log order of key. On a miss it records on key
// the index it sorts after (-1 for before the first key) and the snapshot
// generation.
func (s *Snapshot) FindPosition(key *Key) (int64, bool, error) {
	n := len(s.positions)
	if n == 0 {
		key.setHint(-1, s.generation)
		return 0, false, nil
	}

	switch c := bytes.Compare(key.b, s.minKey); {
	case c < 0:
		key.setHint(-1, s.generation)
		return 0, false, nil
	case c == 0:
		return s.positions[0], true, nil
	}
	if n == 1 {
		key.setHint(0, s.generation)
		return 0, false, nil
	}

	switch c := bytes.Compare(key.b, s.maxKey); {
	case c > 0:
		key.setHint(int64(n-1), s.generation)
		return 0, false, nil
	case c == 0:
		return s.positions[n-1], true, nil
	}
	if n == 2 {
		key.setHint(0, s.generation)
		return 0, false, nil
	}

	// keys[lo] < key < keys[hi]
	lo, hi := 0, n-1
	for level := 0; hi-lo > 1; level++ {
		mid := int(uint(lo+hi) >> 1)
		mk, err := s.midKey(mid, level)
		if err != nil {
			return 0, false, err
		}
		switch c := bytes.Compare(key.b, mk); {
		case c == 0:
			return s.positions[mid], true, nil
		case c < 0:
			hi = mid
		default:
			lo = mid
		}
	}
	key.setHint(int64(lo), s.generation)
	return 0, false, nil
}

// merge returns the next-generation snapshot with added spliced in. Hints
// from an older generation are recomputed. A key already present is
// ErrCorrupt.
func (s *Snapshot) merge(added []*entry) (*Snapshot, error) {
	groups := make(map[int64][]*entry)
	for _, e := range added {
		if _, gen := e.key.hint(); gen != s.generation {
			if _, found, err := s.FindPosition(e.key); err != nil {
				return nil, err
			} else if found {
				return nil, fmt.Errorf("%w: key %q already in snapshot", ErrCorrupt, e.key.b)
			}
		}
		after, _ := e.key.hint()
		groups[after] = append(groups[after], e)
	}
	for _, g := range groups {
		slices.SortFunc(g, func(a, b *entry) int { return a.key.Compare(b.key) })
	}

	n := len(s.positions)
	next := &Snapshot{
		generation: s.generation + 1,
		minKey:     s.minKey,
		maxKey:     s.maxKey,
		positions:  make([]int64, 0, n+len(added)),
		log:        s.log,
	}
	appendGroup := func(after int64) {
		for _, e := range groups[after] {
			next.positions = append(next.positions, int64(e.order))
		}
	}

	appendGroup(-1)
	for i, p := range s.positions {
		next.positions = append(next.positions, p)
		appendGroup(int64(i))
	}

	if g := groups[-1]; len(g) > 0 {
		next.minKey = g[0].key.b
	}
	if n == 0 {
		g := groups[-1]
		if len(g) > 0 {
			next.maxKey = g[len(g)-1].key.b
		}
	} else if g := groups[int64(n-1)]; len(g) > 0 {
		next.maxKey = g[len(g)-1].key.b
	}
	return next, nil
}

// buildSnapshot sorts every record of the log into a fresh snapshot.
func buildSnapshot(generation int64, log *recordLog, keys [][]byte) *Snapshot {
	orders := make([]int64, len(keys))
	for i := range orders {
		orders[i] = int64(i)
	}
	slices.SortFunc(orders, func(a, b int64) int { return bytes.Compare(keys[a], keys[b]) })

	s := &Snapshot{generation: generation, positions: orders, log: log}
	if len(orders) > 0 {
		s.minKey = keys[orders[0]]
		s.maxKey = keys[orders[len(orders)-1]]
	}
	return s
}

func (s *Snapshot) encode() []byte {
	n := len(s.positions)
	buf := make([]byte, 0, 32+len(s.minKey)+len(s.maxKey)+8*n)
	buf = binary.LittleEndian.AppendUint32(buf, snapshotMagic)
	buf = binary.LittleEndian.AppendUint32(buf, snapshotVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.generation))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.minKey)))
	buf = append(buf, s.minKey...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.maxKey)))
	buf = append(buf, s.maxKey...)
	for _, p := range s.positions {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(p))
	}
	return binary.LittleEndian.AppendUint32(buf, hash.CRC32C(buf))
}

type snapshotDecoder struct {
	buf []byte
	err error
}

func (d *snapshotDecoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.buf) {
		d.err = fmt.Errorf("%w: snapshot truncated", ErrCorrupt)
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *snapshotDecoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *snapshotDecoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// decodeSnapshot parses a meta file and checks it against a log holding
// records entries: positions must be a permutation of [0, numKeys) with
// numKeys <= records, and min/max must match their log records.
func decodeSnapshot(data []byte, log *recordLog, records int64) (*Snapshot, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: snapshot too short", ErrCorrupt)
	}
	body := data[:len(data)-4]
	if hash.CRC32C(body) != binary.LittleEndian.Uint32(data[len(data)-4:]) {
		return nil, fmt.Errorf("%w: snapshot checksum mismatch", ErrCorrupt)
	}

	d := &snapshotDecoder{buf: body}
	if m := d.u32(); d.err == nil && m != snapshotMagic {
		return nil, fmt.Errorf("%w: bad snapshot magic %#x", ErrCorrupt, m)
	}
	if v := d.u32(); d.err == nil && v != snapshotVersion {
		return nil, fmt.Errorf("%w: snapshot version %d", ErrCorrupt, v)
	}
	gen := int64(d.u64())
	n := int64(d.u32())
	minKey := bytes.Clone(d.take(int(d.u32())))
	maxKey := bytes.Clone(d.take(int(d.u32())))
	if d.err != nil {
		return nil, d.err
	}
	if gen < 0 || n > records || int64(len(d.buf)) != 8*n {
		return nil, fmt.Errorf("%w: snapshot of %d keys (generation %d) against %d records", ErrCorrupt, n, gen, records)
	}

	s := &Snapshot{generation: gen, log: log, positions: make([]int64, n)}
	seen := bitset.New(uint(n))
	for i := range s.positions {
		p := int64(d.u64())
		if p < 0 || p >= n || seen.Test(uint(p)) {
			return nil, fmt.Errorf("%w: snapshot position %d invalid", ErrCorrupt, p)
		}
		seen.Set(uint(p))
		s.positions[i] = p
	}
	if n == 0 {
		return s, nil
	}

	if len(minKey) != log.keyLen || len(maxKey) != log.keyLen {
		return nil, fmt.Errorf("%w: snapshot bounds have wrong length", ErrCorrupt)
	}
	for _, bound := range []struct {
		key   []byte
		order int64
	}{{minKey, s.positions[0]}, {maxKey, s.positions[n-1]}} {
		k, err := log.readKey(bound.order)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(k, bound.key) {
			return nil, fmt.Errorf("%w: snapshot bound %q does not match log", ErrCorrupt, bound.key)
		}
	}
	s.minKey, s.maxKey = minKey, maxKey
	return s, nil
}
