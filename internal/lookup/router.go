package lookup

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/uppend/internal/fs"
	"github.com/hupe1980/uppend/internal/hash"
)

const (
	// DefaultHashDepth is the number of hash-byte directory levels per partition.
	DefaultHashDepth = 1

	defunctPrefix = ".defunct-"
)

// RouterOptions configures a Router.
type RouterOptions struct {
	FS        fs.FileSystem
	HashDepth int // 1..3
	ReadOnly  bool
	// FlushConcurrency bounds the number of shards flushed in parallel.
	FlushConcurrency int
	Logger           *slog.Logger
}

type shardSlot struct {
	ready     chan struct{}
	id        uint32
	partition string
	data      *Data // nil: read-only and absent
	err       error
}

// Router maps keys of every partition onto hash-addressed shards and owns
// the shards' Data instances, opening them on first use.
type Router struct {
	fsys      fs.FileSystem
	dir       string
	hashDepth int
	readOnly  bool
	flushN    int
	logger    *slog.Logger

	mu     sync.Mutex
	shards map[string]*shardSlot
	byID   map[uint32]*shardSlot
	nextID uint32
	closed bool

	dirtyMu sync.Mutex
	dirty   *roaring.Bitmap

	deletes sync.WaitGroup
}

// NewRouter creates a router over dir. Leftovers of interrupted clears are
// removed in the background.
func NewRouter(dir string, opts RouterOptions) (*Router, error) {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.HashDepth == 0 {
		opts.HashDepth = DefaultHashDepth
	}
	if opts.HashDepth < 1 || opts.HashDepth > 3 {
		return nil, fmt.Errorf("lookup: hash depth must be 1, 2 or 3, got %d", opts.HashDepth)
	}
	if opts.FlushConcurrency <= 0 {
		opts.FlushConcurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	r := &Router{
		fsys:      opts.FS,
		dir:       dir,
		hashDepth: opts.HashDepth,
		readOnly:  opts.ReadOnly,
		flushN:    opts.FlushConcurrency,
		logger:    opts.Logger,
		shards:    make(map[string]*shardSlot),
		byID:      make(map[uint32]*shardSlot),
		dirty:     roaring.New(),
	}
	if r.readOnly {
		return r, nil
	}

	if err := r.fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	entries, err := r.fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), defunctPrefix) {
			r.removeAsync(filepath.Join(dir, e.Name()))
		}
	}
	return r, nil
}

// HashDepth returns the number of hash directory levels.
func (r *Router) HashDepth() int { return r.hashDepth }

// HashPath returns the shard directory of key within partition:
// <dir>/<partition>/<hh>[/<hh>[/<hh>]]/<key length>.
func (r *Router) HashPath(partition string, key *Key) string {
	sum := hash.ShardBytes(key.b)
	elems := make([]string, 0, r.hashDepth+3)
	elems = append(elems, r.dir, partition)
	for i := range r.hashDepth {
		elems = append(elems, fmt.Sprintf("%02x", sum[i]))
	}
	elems = append(elems, strconv.Itoa(key.Len()))
	return filepath.Join(elems...)
}

// shard returns the slot for path, opening the shard on first use. Without
// create, a shard missing on disk yields a nil slot.
func (r *Router) shard(partition, path string, keyLen int, create bool) (*shardSlot, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if slot, ok := r.shards[path]; ok {
			r.mu.Unlock()
			<-slot.ready
			return slot, slot.err
		}
		if create || r.readOnly {
			break
		}
		r.mu.Unlock()

		if _, err := r.fsys.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
		create = true
	}

	slot := &shardSlot{ready: make(chan struct{}), id: r.nextID, partition: partition}
	r.nextID++
	r.shards[path] = slot
	r.byID[slot.id] = slot
	r.mu.Unlock()

	slot.data, slot.err = r.open(path, keyLen)
	if slot.err != nil {
		r.mu.Lock()
		if r.shards[path] == slot {
			delete(r.shards, path)
			delete(r.byID, slot.id)
		}
		r.mu.Unlock()
	}
	close(slot.ready)
	return slot, slot.err
}

func (r *Router) open(path string, keyLen int) (*Data, error) {
	if r.readOnly {
		if _, err := r.fsys.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
	}
	d, err := OpenData(path, keyLen, DataOptions{FS: r.fsys, ReadOnly: r.readOnly, Logger: r.logger})
	if err != nil {
		return nil, fmt.Errorf("open shard %s: %w", path, err)
	}
	return d, nil
}

func (r *Router) shardFor(partition string, key *Key, create bool) (*shardSlot, error) {
	return r.shard(partition, r.HashPath(partition, key), key.Len(), create)
}

func (r *Router) markDirty(id uint32) {
	r.dirtyMu.Lock()
	r.dirty.Add(id)
	r.dirtyMu.Unlock()
}

// Get returns the value of key in partition.
func (r *Router) Get(partition string, key *Key) (int64, bool, error) {
	slot, err := r.shardFor(partition, key, false)
	if err != nil || slot == nil || slot.data == nil {
		return 0, false, err
	}
	return slot.data.Get(key)
}

// Put stores value for key and returns the previous value, if any.
func (r *Router) Put(partition string, key *Key, value int64) (int64, bool, error) {
	if r.readOnly {
		return 0, false, ErrReadOnly
	}
	slot, err := r.shardFor(partition, key, true)
	if err != nil {
		return 0, false, err
	}
	defer r.markDirty(slot.id)
	return slot.data.Put(key, value)
}

// PutIfAbsent returns the value of key, creating it with supplier on a miss.
func (r *Router) PutIfAbsent(partition string, key *Key, supplier func() (int64, error)) (int64, error) {
	if r.readOnly {
		return 0, ErrReadOnly
	}
	slot, err := r.shardFor(partition, key, true)
	if err != nil {
		return 0, err
	}
	defer r.markDirty(slot.id)
	return slot.data.PutIfAbsent(key, supplier)
}

// Increment adds delta to key's value, treating a missing key as 0.
func (r *Router) Increment(partition string, key *Key, delta int64) (int64, error) {
	if r.readOnly {
		return 0, ErrReadOnly
	}
	slot, err := r.shardFor(partition, key, true)
	if err != nil {
		return 0, err
	}
	defer r.markDirty(slot.id)
	return slot.data.Increment(key, delta)
}

// partitionShards yields the Data of every shard of partition that exists on disk.
func (r *Router) partitionShards(partition string) iter.Seq2[*Data, error] {
	return func(yield func(*Data, error) bool) {
		root := filepath.Join(r.dir, partition)
		var walk func(dir string, level int) bool
		walk = func(dir string, level int) bool {
			entries, err := r.fsys.ReadDir(dir)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return true
				}
				return yield(nil, err)
			}
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				path := filepath.Join(dir, e.Name())
				if level < r.hashDepth {
					if !walk(path, level+1) {
						return false
					}
					continue
				}
				keyLen, err := strconv.Atoi(e.Name())
				if err != nil || keyLen <= 0 {
					continue
				}
				slot, err := r.shard(partition, path, keyLen, false)
				if err != nil {
					return yield(nil, err)
				}
				if slot != nil && slot.data != nil && !yield(slot.data, nil) {
					return false
				}
			}
			return true
		}
		walk(root, 0)
	}
}

// Keys yields every key of partition once.
func (r *Router) Keys(partition string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for d, err := range r.partitionShards(partition) {
			if err != nil {
				yield(nil, err)
				return
			}
			for k, err := range d.Keys() {
				if !yield(k, err) || err != nil {
					return
				}
			}
		}
	}
}

// Scan yields every key of partition with its value once.
func (r *Router) Scan(partition string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for d, err := range r.partitionShards(partition) {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for e, err := range d.Scan() {
				if !yield(e, err) || err != nil {
					return
				}
			}
		}
	}
}

// Flush flushes every shard changed since the previous flush. Shards that
// fail stay dirty; their errors are joined.
func (r *Router) Flush(ctx context.Context) error {
	if r.readOnly {
		return nil
	}

	r.dirtyMu.Lock()
	ids := r.dirty.ToArray()
	r.dirty.Clear()
	r.dirtyMu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	r.mu.Lock()
	slots := make([]*shardSlot, 0, len(ids))
	for _, id := range ids {
		if slot, ok := r.byID[id]; ok {
			slots = append(slots, slot)
		}
	}
	r.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	fail := func(slot *shardSlot, err error) {
		r.markDirty(slot.id)
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(r.flushN)
	for _, slot := range slots {
		g.Go(func() error {
			<-slot.ready
			if slot.data == nil {
				return nil
			}
			if err := ctx.Err(); err != nil {
				fail(slot, err)
				return nil
			}
			if err := slot.data.Flush(); err != nil {
				r.logger.Error("shard flush failed", "partition", slot.partition, "error", err)
				fail(slot, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Clear drops every shard of partition. The directory is renamed aside
// and deleted in the background. Callers must not use the partition
// concurrently.
func (r *Router) Clear(partition string) error {
	if r.readOnly {
		return ErrReadOnly
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	var slots []*shardSlot
	for path, slot := range r.shards {
		if slot.partition == partition {
			slots = append(slots, slot)
			delete(r.shards, path)
			delete(r.byID, slot.id)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, slot := range slots {
		<-slot.ready
		r.dirtyMu.Lock()
		r.dirty.Remove(slot.id)
		r.dirtyMu.Unlock()
		if slot.data != nil {
			errs = append(errs, slot.data.Close())
		}
	}

	src := filepath.Join(r.dir, partition)
	aside := filepath.Join(r.dir, defunctPrefix+uuid.NewString())
	if err := r.fsys.Rename(src, aside); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	r.removeAsync(aside)
	return errors.Join(errs...)
}

func (r *Router) removeAsync(path string) {
	r.deletes.Add(1)
	go func() {
		defer r.deletes.Done()
		if err := r.fsys.RemoveAll(path); err != nil {
			r.logger.Error("removing cleared partition failed", "path", path, "error", err)
		}
	}()
}

// Partitions lists the partitions that have at least one shard directory.
func (r *Router) Partitions() ([]string, error) {
	entries, err := r.fsys.ReadDir(r.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// OpenShards returns the number of open shard instances.
func (r *Router) OpenShards() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shards)
}

// Close flushes and closes every shard and waits for background deletes.
func (r *Router) Close() error {
	flushErr := r.Flush(context.Background())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	slots := make([]*shardSlot, 0, len(r.shards))
	for _, slot := range r.shards {
		slots = append(slots, slot)
	}
	clear(r.shards)
	clear(r.byID)
	r.mu.Unlock()

	errs := []error{flushErr}
	for _, slot := range slots {
		<-slot.ready
		if slot.data != nil {
			errs = append(errs, slot.data.Close())
		}
	}
	r.deletes.Wait()
	return errors.Join(errs...)
}
