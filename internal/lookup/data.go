package lookup

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/uppend/internal/fs"
)

// Entry is a key and its value as produced by Scan.
type Entry struct {
	Key   []byte
	Value int64
}

type entry struct {
	key   *Key
	value int64
	order int32
}

// DataOptions configures a shard index.
type DataOptions struct {
	FS       fs.FileSystem
	ReadOnly bool
	Logger   *slog.Logger
}

// Data is the index of one shard: a map from fixed-length keys to int64
// values, mirrored by an append-only log and periodically condensed into
// an immutable Snapshot.
//
// In read-write mode the whole shard is held in memory and every mutation
// is serialized by one mutex. In read-only mode lookups bisect the snapshot
// and read values from the log.
type Data struct {
	fsys     fs.FileSystem
	dir      string
	keyLen   int
	readOnly bool
	logger   *slog.Logger

	mu      sync.Mutex
	log     *recordLog
	live    map[string]*entry
	byOrder []*entry
	dirty   *bitset.BitSet // orders changed since the current snapshot
	closed  atomic.Bool

	snapshot atomic.Pointer[Snapshot]
}

// OpenData opens the shard stored in dir for keys of keyLen bytes.
//
// The log is replayed; a torn trailing record is cut off (read-write) or
// ignored (read-only). A missing or inconsistent snapshot is rebuilt from
// the log.
func OpenData(dir string, keyLen int, opts DataOptions) (*Data, error) {
	if keyLen <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrKeyLength, keyLen)
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	d := &Data{
		fsys:     opts.FS,
		dir:      dir,
		keyLen:   keyLen,
		readOnly: opts.ReadOnly,
		logger:   opts.Logger.With("shard", dir),
		dirty:    bitset.New(0),
	}

	flag := os.O_RDWR | os.O_CREATE
	if d.readOnly {
		flag = os.O_RDONLY
	} else if err := d.fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	f, err := d.fsys.OpenFile(filepath.Join(dir, logFileName), flag, 0o644)
	switch {
	case err == nil:
	case d.readOnly && errors.Is(err, os.ErrNotExist):
		d.log = newRecordLog(nil, keyLen)
		d.snapshot.Store(emptySnapshot(0, d.log))
		return d, nil
	default:
		return nil, err
	}
	d.log = newRecordLog(f, keyLen)

	if err := d.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	d.logger.Debug("shard opened", "keys", d.Len(), "generation", d.snapshot.Load().Generation())
	return d, nil
}

func (d *Data) load() error {
	info, err := d.log.f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	records := size / d.log.width
	if torn := size % d.log.width; torn != 0 {
		d.logger.Warn("discarding torn log record", "bytes", torn, "records", records)
		if !d.readOnly {
			if err := d.log.f.Truncate(records * d.log.width); err != nil {
				return err
			}
		}
	}

	if !d.readOnly {
		d.live = make(map[string]*entry, records)
		d.byOrder = make([]*entry, 0, records)
		err := d.log.replay(0, records, func(order int64, key []byte, value int64) error {
			if _, dup := d.live[string(key)]; dup {
				return fmt.Errorf("%w: duplicate key %q at record %d", ErrCorrupt, key, order)
			}
			e := &entry{key: NewKey(key), value: value, order: int32(order)}
			d.live[string(key)] = e
			d.byOrder = append(d.byOrder, e)
			return nil
		})
		if err != nil {
			return err
		}
	}

	snap, err := d.loadSnapshot(records)
	if err != nil {
		return err
	}
	d.snapshot.Store(snap)

	// Records written after the last snapshot.
	for order := int64(snap.Len()); order < records; order++ {
		d.dirty.Set(uint(order))
	}
	if d.readOnly && int64(snap.Len()) < records {
		added, err := d.readEntries(int64(snap.Len()), records)
		if err != nil {
			return err
		}
		merged, err := snap.merge(added)
		if err != nil {
			return err
		}
		d.snapshot.Store(merged)
	}
	return nil
}

func (d *Data) loadSnapshot(records int64) (*Snapshot, error) {
	data, err := fs.ReadFile(d.fsys, filepath.Join(d.dir, metaFileName))
	if err == nil {
		snap, err := decodeSnapshot(data, d.log, records)
		if err == nil {
			return snap, nil
		}
		d.logger.Warn("rebuilding snapshot", "error", err)
	} else if !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("rebuilding snapshot", "error", err)
	}
	if records == 0 {
		return emptySnapshot(0, d.log), nil
	}
	return d.rebuildSnapshot(records)
}

func (d *Data) rebuildSnapshot(records int64) (*Snapshot, error) {
	keys := make([][]byte, records)
	if d.readOnly {
		seen := make(map[string]struct{}, records)
		err := d.log.replay(0, records, func(order int64, key []byte, _ int64) error {
			if _, dup := seen[string(key)]; dup {
				return fmt.Errorf("%w: duplicate key %q at record %d", ErrCorrupt, key, order)
			}
			seen[string(key)] = struct{}{}
			keys[order] = append([]byte(nil), key...)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return buildSnapshot(0, d.log, keys), nil
	}

	for i, e := range d.byOrder {
		keys[i] = e.key.b
	}
	snap := buildSnapshot(0, d.log, keys)
	if err := d.writeSnapshot(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (d *Data) readEntries(from, to int64) ([]*entry, error) {
	out := make([]*entry, 0, to-from)
	err := d.log.replay(from, to, func(order int64, key []byte, value int64) error {
		out = append(out, &entry{key: NewKey(key), value: value, order: int32(order)})
		return nil
	})
	return out, err
}

func (d *Data) writeSnapshot(s *Snapshot) error {
	if err := fs.WriteFileAtomic(d.fsys, filepath.Join(d.dir, metaFileName), s.encode()); err != nil {
		return err
	}
	return fs.SyncDir(d.fsys, d.dir)
}

func (d *Data) check(key *Key) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if key.Len() != d.keyLen {
		return fmt.Errorf("%w: got %d bytes, shard holds %d", ErrKeyLength, key.Len(), d.keyLen)
	}
	return nil
}

// Snapshot returns the current snapshot.
func (d *Data) Snapshot() *Snapshot { return d.snapshot.Load() }

// Len returns the number of keys.
func (d *Data) Len() int {
	if d.readOnly {
		return d.snapshot.Load().Len()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Get returns the value stored for key.
func (d *Data) Get(key *Key) (int64, bool, error) {
	if d.readOnly {
		if err := d.check(key); err != nil {
			return 0, false, err
		}
		order, ok, err := d.snapshot.Load().FindPosition(key)
		if err != nil || !ok {
			return 0, false, err
		}
		v, err := d.log.readValue(order)
		if err != nil {
			return 0, false, err
		}
		return v, true, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(key); err != nil {
		return 0, false, err
	}
	if e, ok := d.live[string(key.b)]; ok {
		return e.value, true, nil
	}
	return 0, false, nil
}

// Put stores value for key and returns the previous value, if any.
func (d *Data) Put(key *Key, value int64) (int64, bool, error) {
	if d.readOnly {
		return 0, false, ErrReadOnly
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(key); err != nil {
		return 0, false, err
	}

	if e, ok := d.live[string(key.b)]; ok {
		prev := e.value
		if err := d.update(e, value); err != nil {
			return 0, false, err
		}
		return prev, true, nil
	}
	if err := d.insert(key, value); err != nil {
		return 0, false, err
	}
	return 0, false, nil
}

// PutIfAbsent returns the value of key, calling supplier to create it on a
// miss. Concurrent callers for one key observe the same value and supplier
// runs at most once.
func (d *Data) PutIfAbsent(key *Key, supplier func() (int64, error)) (int64, error) {
	if d.readOnly {
		return 0, ErrReadOnly
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(key); err != nil {
		return 0, err
	}

	if e, ok := d.live[string(key.b)]; ok {
		return e.value, nil
	}
	v, err := supplier()
	if err != nil {
		return 0, err
	}
	if err := d.insert(key, v); err != nil {
		return 0, err
	}
	return v, nil
}

// Increment adds delta to the value of key, treating a missing key as 0.
func (d *Data) Increment(key *Key, delta int64) (int64, error) {
	if d.readOnly {
		return 0, ErrReadOnly
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(key); err != nil {
		return 0, err
	}

	if e, ok := d.live[string(key.b)]; ok {
		v := e.value + delta
		if err := d.update(e, v); err != nil {
			return 0, err
		}
		return v, nil
	}
	if err := d.insert(key, delta); err != nil {
		return 0, err
	}
	return delta, nil
}

func (d *Data) update(e *entry, value int64) error {
	if err := d.log.writeValue(int64(e.order), value); err != nil {
		return err
	}
	e.value = value
	d.dirty.Set(uint(e.order))
	return nil
}

func (d *Data) insert(key *Key, value int64) error {
	order := int64(len(d.byOrder))
	if order >= math.MaxInt32 {
		return fmt.Errorf("lookup: shard %s is full", d.dir)
	}

	k := key.clone()
	if _, found, err := d.snapshot.Load().FindPosition(k); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: key %q in snapshot but not in memory", ErrCorrupt, key.b)
	}

	// A failed write leaves the cursor in place; the next insert overwrites it.
	if err := d.log.writeRecord(order, k.b, value); err != nil {
		return err
	}
	e := &entry{key: k, value: value, order: int32(order)}
	d.live[string(k.b)] = e
	d.byOrder = append(d.byOrder, e)
	d.dirty.Set(uint(order))
	return nil
}

// Flush syncs the log and, if keys were added, persists the next snapshot.
func (d *Data) Flush() error {
	if d.readOnly {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return ErrClosed
	}

	if err := d.log.f.Sync(); err != nil {
		return err
	}
	snap := d.snapshot.Load()
	if len(d.byOrder) > snap.Len() {
		next, err := snap.merge(d.byOrder[snap.Len():])
		if err != nil {
			return err
		}
		if err := d.writeSnapshot(next); err != nil {
			return err
		}
		d.snapshot.Store(next)
		d.logger.Debug("snapshot written", "generation", next.Generation(), "keys", next.Len())
	}
	d.dirty.ClearAll()
	return nil
}

// Keys yields every key once.
func (d *Data) Keys() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for e, err := range d.entries(false) {
			if !yield(e.Key, err) {
				return
			}
		}
	}
}

// Scan yields every key with its current value once. Entries changed
// since the last flush come first, then the snapshot in key order.
func (d *Data) Scan() iter.Seq2[Entry, error] {
	return d.entries(true)
}

func (d *Data) entries(withValues bool) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var (
			fresh []Entry
			seen  *bitset.BitSet
		)

		d.mu.Lock()
		if d.closed.Load() {
			d.mu.Unlock()
			yield(Entry{}, ErrClosed)
			return
		}
		snap := d.snapshot.Load()
		if !d.readOnly {
			for i, ok := d.dirty.NextSet(0); ok; i, ok = d.dirty.NextSet(i + 1) {
				e := d.byOrder[i]
				fresh = append(fresh, Entry{Key: e.key.b, Value: e.value})
			}
			seen = d.dirty.Clone()
		}
		d.mu.Unlock()

		for _, e := range fresh {
			if !yield(e, nil) {
				return
			}
		}
		for _, order := range snap.positions {
			if seen != nil && seen.Test(uint(order)) {
				continue
			}
			var (
				e   Entry
				err error
			)
			if withValues {
				e.Key, e.Value, err = d.log.readRecord(order)
			} else {
				e.Key, err = d.log.readKey(order)
			}
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// Clear drops every key, truncates the log and removes the snapshot.
func (d *Data) Clear() error {
	if d.readOnly {
		return ErrReadOnly
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return ErrClosed
	}

	if err := d.log.f.Truncate(0); err != nil {
		return err
	}
	if err := d.fsys.Remove(filepath.Join(d.dir, metaFileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	clear(d.live)
	d.byOrder = d.byOrder[:0]
	d.dirty.ClearAll()
	d.snapshot.Store(emptySnapshot(d.snapshot.Load().Generation()+1, d.log))
	return nil
}

// Close syncs and closes the log. It does not write a snapshot.
func (d *Data) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.log.f == nil {
		return nil
	}

	var err error
	if !d.readOnly {
		err = d.log.f.Sync()
	}
	return errors.Join(err, d.log.f.Close())
}
