package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/uppend/internal/resource"
	"github.com/hupe1980/uppend/internal/workpool"
)

// Buffer defaults.
const (
	DefaultBufferMinSize      = 200
	DefaultBufferMaxSize      = 400
	DefaultBufferFlushTimeout = 30 * time.Second
	defaultRetryDelay         = time.Millisecond

	// entryOverhead approximates the per-entry memory beyond the key bytes.
	entryOverhead = 48
)

// BlockAppender is the part of a value-chain store the buffer writes to.
type BlockAppender interface {
	Allocate() (int64, error)
	Append(pos, value int64) error
}

// BufferOptions configures an AppendBuffer.
type BufferOptions struct {
	// MinSize and MaxSize bound the randomized per-shard batch threshold.
	MinSize int
	MaxSize int
	// Pool runs flush tasks. When nil the buffer owns a pool of Workers goroutines.
	Pool    *workpool.Pool
	Workers int
	// FlushTimeout bounds how long Flush waits for outstanding tasks.
	FlushTimeout time.Duration
	// RetryDelay is the pause before a batch that found its shard busy is resubmitted.
	RetryDelay time.Duration
	Resources  *resource.Controller
	Logger     *slog.Logger
}

// BufferStats reports buffer activity.
type BufferStats struct {
	Pending   int64
	Batches   int64
	Resubmits int64
	Failures  int64
}

type bufferedEntry struct {
	key   *Key
	value int64
}

type bufferSlot struct {
	mu        sync.Mutex
	partition string
	entries   []bufferedEntry
	threshold int
}

// AppendBuffer coalesces appends per shard and applies them in batches:
// each entry gets its chain head from the router (allocated on first use)
// and its value appended to that chain.
//
// Buffered values are neither durable nor visible to readers until Flush
// or Close returns successfully.
type AppendBuffer struct {
	router  *Router
	blocks  func(partition string) (BlockAppender, error)
	pool    *workpool.Pool
	ownPool bool
	opts    BufferOptions
	rc      *resource.Controller
	logger  *slog.Logger

	slots sync.Map // shard path -> *bufferSlot
	locks sync.Map // shard path -> *atomic.Bool

	closeMu sync.RWMutex
	closed  bool

	tasks taskTracker

	pending   atomic.Int64
	batches   atomic.Int64
	resubmits atomic.Int64
	failures  atomic.Int64
}

// NewAppendBuffer creates a buffer writing through router into the chain
// stores returned by blocks.
func NewAppendBuffer(router *Router, blocks func(partition string) (BlockAppender, error), opts BufferOptions) (*AppendBuffer, error) {
	if opts.MinSize <= 0 {
		opts.MinSize = DefaultBufferMinSize
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = max(DefaultBufferMaxSize, opts.MinSize)
	}
	if opts.MaxSize < opts.MinSize {
		return nil, fmt.Errorf("lookup: buffer max size %d below min size %d", opts.MaxSize, opts.MinSize)
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultBufferFlushTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	b := &AppendBuffer{
		router: router,
		blocks: blocks,
		pool:   opts.Pool,
		opts:   opts,
		rc:     opts.Resources,
		logger: opts.Logger,
	}
	if b.pool == nil {
		b.pool = workpool.New(opts.Workers)
		b.ownPool = true
	}
	return b, nil
}

func (b *AppendBuffer) nextThreshold() int {
	if b.opts.MaxSize == b.opts.MinSize {
		return b.opts.MinSize
	}
	return rand.IntN(b.opts.MaxSize-b.opts.MinSize) + b.opts.MinSize
}

func entryCost(key *Key) int64 { return int64(key.Len()) + entryOverhead }

// BufferedAppend queues value for key. Once the shard's list reaches its
// threshold the batch is handed to the worker pool.
func (b *AppendBuffer) BufferedAppend(partition string, key *Key, value int64) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	if !b.rc.TryAcquireMemory(entryCost(key)) {
		return ErrBackpressure
	}

	path := b.router.HashPath(partition, key)
	v, ok := b.slots.Load(path)
	if !ok {
		v, _ = b.slots.LoadOrStore(path, &bufferSlot{partition: partition, threshold: b.nextThreshold()})
	}
	s := v.(*bufferSlot)

	s.mu.Lock()
	s.entries = append(s.entries, bufferedEntry{key: key, value: value})
	var batch []bufferedEntry
	if len(s.entries) >= s.threshold {
		batch = s.entries
		s.entries = nil
		s.threshold = b.nextThreshold()
	}
	s.mu.Unlock()
	b.pending.Add(1)

	if batch != nil {
		b.submit(path, s, batch)
	}
	return nil
}

func (b *AppendBuffer) submit(path string, s *bufferSlot, batch []bufferedEntry) {
	b.tasks.add()
	b.enqueue(path, s, batch)
}

// enqueue hands an already counted task to the pool.
func (b *AppendBuffer) enqueue(path string, s *bufferSlot, batch []bufferedEntry) {
	err := b.pool.Submit(context.Background(), func() { b.flushBatch(path, s, batch) })
	if err != nil {
		b.requeue(s, batch)
		b.tasks.done(path, nil, fmt.Errorf("submit batch for %s: %w", path, err))
	}
}

func (s *bufferSlot) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) == 0
}

func (b *AppendBuffer) requeue(s *bufferSlot, batch []bufferedEntry) {
	s.mu.Lock()
	s.entries = append(batch[:len(batch):len(batch)], s.entries...)
	s.mu.Unlock()
}

func (b *AppendBuffer) shardLock(path string) *atomic.Bool {
	if v, ok := b.locks.Load(path); ok {
		return v.(*atomic.Bool)
	}
	v, _ := b.locks.LoadOrStore(path, new(atomic.Bool))
	return v.(*atomic.Bool)
}

func (b *AppendBuffer) flushBatch(path string, s *bufferSlot, batch []bufferedEntry) {
	flag := b.shardLock(path)
	if !flag.CompareAndSwap(false, true) {
		// Another worker holds the shard. Retry later instead of blocking
		// this worker; the task stays counted until it runs.
		b.resubmits.Add(1)
		time.AfterFunc(b.opts.RetryDelay, func() { b.enqueue(path, s, batch) })
		return
	}

	applied, err := b.apply(s.partition, batch)
	flag.Store(false)

	var freed int64
	for _, e := range batch[:applied] {
		freed += entryCost(e.key)
	}
	b.rc.ReleaseMemory(freed)
	b.pending.Add(-int64(applied))

	if err != nil {
		b.failures.Add(1)
		b.requeue(s, batch[applied:])
		b.logger.Error("append batch failed", "shard", path, "applied", applied, "remaining", len(batch)-applied, "error", err)
		b.tasks.done(path, nil, fmt.Errorf("shard %s: %w", path, err))
		return
	}
	b.batches.Add(1)
	b.tasks.done(path, s, nil)
}

func (b *AppendBuffer) apply(partition string, batch []bufferedEntry) (int, error) {
	blocks, err := b.blocks(partition)
	if err != nil {
		return 0, err
	}
	for i, e := range batch {
		pos, err := b.router.PutIfAbsent(partition, e.key, blocks.Allocate)
		if err != nil {
			return i, err
		}
		if err := blocks.Append(pos, e.value); err != nil {
			return i, err
		}
	}
	return len(batch), nil
}

// Flush submits every buffered entry and waits for all outstanding
// batches, bounded by ctx and the configured timeout. Failed entries stay
// buffered; the returned error wraps ErrFlushIncomplete.
func (b *AppendBuffer) Flush(ctx context.Context) error {
	b.slots.Range(func(k, v any) bool {
		s := v.(*bufferSlot)
		s.mu.Lock()
		batch := s.entries
		s.entries = nil
		s.mu.Unlock()
		if len(batch) > 0 {
			b.submit(k.(string), s, batch)
		}
		return true
	})

	ctx, cancel := context.WithTimeout(ctx, b.opts.FlushTimeout)
	defer cancel()
	if err := b.tasks.wait(ctx); err != nil {
		err = fmt.Errorf("%w: %w", ErrFlushIncomplete, err)
		b.logger.Error("append buffer flush incomplete", "pending", b.pending.Load(), "error", err)
		return err
	}
	return nil
}

// Discard drops every buffered entry without applying it and waits for
// outstanding batches, dropping whatever they leave unapplied along with
// their errors. It fails only when the wait is cut short by ctx or the
// flush timeout; batches may then still be running.
//
// Callers must keep appends out while Discard runs.
func (b *AppendBuffer) Discard(ctx context.Context) error {
	dropped := b.drop()

	ctx, cancel := context.WithTimeout(ctx, b.opts.FlushTimeout)
	defer cancel()
	if _, err := b.tasks.drain(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrFlushIncomplete, err)
	}
	dropped += b.drop()
	if dropped > 0 {
		b.logger.Debug("append buffer discarded", "entries", dropped)
	}
	return nil
}

func (b *AppendBuffer) drop() int {
	n := 0
	b.slots.Range(func(_, v any) bool {
		s := v.(*bufferSlot)
		s.mu.Lock()
		batch := s.entries
		s.entries = nil
		s.mu.Unlock()

		var freed int64
		for _, e := range batch {
			freed += entryCost(e.key)
		}
		b.rc.ReleaseMemory(freed)
		b.pending.Add(-int64(len(batch)))
		n += len(batch)
		return true
	})
	return n
}

// Close rejects further appends, flushes and stops an owned pool.
func (b *AppendBuffer) Close(ctx context.Context) error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	b.closeMu.Unlock()

	err := b.Flush(ctx)
	if b.ownPool {
		b.pool.Close()
	}
	return err
}

// Stats returns buffer counters.
func (b *AppendBuffer) Stats() BufferStats {
	return BufferStats{
		Pending:   b.pending.Load(),
		Batches:   b.batches.Load(),
		Resubmits: b.resubmits.Load(),
		Failures:  b.failures.Load(),
	}
}

// taskTracker counts outstanding flush tasks and keeps, per shard path,
// the latest failure whose entries have not been applied since.
type taskTracker struct {
	mu      sync.Mutex
	n       int
	errs    map[string]error
	waiters []chan struct{}
}

func (t *taskTracker) add() {
	t.mu.Lock()
	t.n++
	t.mu.Unlock()
}

// done finishes a task for path. A failure is recorded after its entries
// were requeued. A success clears the path's failure once slot holds no
// requeued entries, since every earlier tail then went into a batch that
// either succeeded or records its own failure.
func (t *taskTracker) done(path string, slot *bufferSlot, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	switch {
	case err != nil:
		if t.errs == nil {
			t.errs = make(map[string]error)
		}
		t.errs[path] = err
	case slot != nil && slot.empty():
		delete(t.errs, path)
	}
	if t.n == 0 {
		for _, w := range t.waiters {
			close(w)
		}
		t.waiters = nil
	}
}

// wait blocks until no task is outstanding and returns the unresolved
// failures.
func (t *taskTracker) wait(ctx context.Context) error {
	errs, err := t.drain(ctx)
	if err != nil {
		return err
	}
	return errors.Join(errs...)
}

// drain blocks until no task is outstanding, then takes and resets the
// unresolved failures, ordered by shard path.
func (t *taskTracker) drain(ctx context.Context) ([]error, error) {
	t.mu.Lock()
	if t.n > 0 {
		ch := make(chan struct{})
		t.waiters = append(t.waiters, ch)
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for outstanding batches: %w", ctx.Err())
		}
		t.mu.Lock()
	}
	defer t.mu.Unlock()

	errs := make([]error, 0, len(t.errs))
	for _, path := range slices.Sorted(maps.Keys(t.errs)) {
		errs = append(errs, t.errs[path])
	}
	clear(t.errs)
	return errs, nil
}
