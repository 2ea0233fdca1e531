package uppend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/uppend/internal/cache"
	"github.com/hupe1980/uppend/internal/chain"
	"github.com/hupe1980/uppend/internal/lock"
	"github.com/hupe1980/uppend/internal/lookup"
	"github.com/hupe1980/uppend/internal/manifest"
	"github.com/hupe1980/uppend/internal/resource"
)

// Store is an append-only multimap from string keys to ordered lists of
// byte payloads, grouped into partitions.
//
// All methods are safe for concurrent use. Iterators returned by Read, Keys
// and Scan are lazy: every step takes the store's read lock, so a Clear or
// Close waits for the step in progress and ends the iteration afterwards.
type Store struct {
	dir            string
	opts           options
	logger         *Logger
	metrics        MetricsCollector
	lock           *lock.Lock
	manifest       *manifest.Manifest
	compression    Compression
	rc             *resource.Controller
	cache          BlockCache
	ownCache       bool
	cacheNamespace string
	router         *lookup.Router
	buffer         *lookup.AppendBuffer // nil when unbuffered or read-only
	flusher        *Flusher
	ownFlusher     bool

	lifecycle

	partsMu sync.Mutex
	parts   map[string]*partition
}

// Open opens the store in dir, creating it unless WithReadOnly is given.
//
// Format parameters left unset adopt the values the store was created
// with. Explicit values that conflict fail with ErrIncompatibleFormat.
func Open(dir string, optFns ...Option) (_ *Store, err error) {
	o := applyOptions(optFns)

	ctx := context.Background()
	valuesPerBlock := o.valuesPerBlock
	defer func() {
		o.logger.LogOpen(ctx, dir, o.readOnly, valuesPerBlock, err)
	}()

	if o.readOnly {
		if _, err := o.fs.Stat(dir); err != nil {
			return nil, fmt.Errorf("open %s: %w", dir, err)
		}
	} else if err := o.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	lk, err := lock.Acquire(dir, o.readOnly)
	if err != nil {
		return nil, translateError(err)
	}

	s := &Store{
		dir:            dir,
		opts:           o,
		logger:         o.logger,
		metrics:        o.metricsCollector,
		lock:           lk,
		cacheNamespace: uuid.NewString() + "/",
		parts:          make(map[string]*partition),
	}
	defer func() {
		if err != nil {
			_ = s.release()
		}
	}()

	want := manifest.New(o.valuesPerBlock, o.hashDepth, "")
	if o.compressionSet {
		want.Compression = o.compression.String()
	}
	defaults := manifest.New(chain.DefaultValuesPerBlock, lookup.DefaultHashDepth, CompressionNone.String())
	s.manifest, err = manifest.LoadOrCreate(o.fs, dir, want, defaults, o.readOnly)
	if err != nil {
		return nil, translateError(err)
	}
	valuesPerBlock = s.manifest.ValuesPerBlock
	if s.compression, err = ParseCompression(s.manifest.Compression); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIncompatibleFormat, err)
	}

	s.rc = resource.NewController(resource.Config{
		MemoryLimitBytes:     o.memoryLimit,
		MaxBackgroundWorkers: int64(max(o.backgroundWorkers, 1)),
		IOLimitBytesPerSec:   o.ioLimit,
	})

	switch {
	case o.cache != nil:
		s.cache = o.cache
	case o.cacheSize > 0:
		s.cache = cache.NewShardedLRUBlockCache(o.cacheSize, s.rc)
		s.ownCache = true
	}

	s.router, err = lookup.NewRouter(filepath.Join(dir, lookupsDir), lookup.RouterOptions{
		FS:               o.fs,
		HashDepth:        s.manifest.HashDepth,
		ReadOnly:         o.readOnly,
		FlushConcurrency: s.rc.BackgroundLimit(),
		Logger:           s.logger.WithComponent("router").Logger,
	})
	if err != nil {
		return nil, translateError(err)
	}

	if !o.readOnly && !o.unbuffered {
		s.buffer, err = lookup.NewAppendBuffer(s.router, s.blockAppender, lookup.BufferOptions{
			MinSize:      o.bufferMinSize,
			MaxSize:      o.bufferMaxSize,
			Workers:      o.workers,
			FlushTimeout: o.flushTimeout,
			Resources:    s.rc,
			Logger:       s.logger.WithComponent("buffer").Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	switch {
	case o.readOnly:
	case o.flusher != nil:
		s.flusher = o.flusher
		s.flusher.Register(s)
	case o.flushInterval > 0:
		s.flusher = NewFlusher(o.flushInterval, WithFlusherLogger(s.logger))
		s.ownFlusher = true
		s.flusher.Register(s)
	}
	return s, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// ReadOnly reports whether the store was opened read-only.
func (s *Store) ReadOnly() bool { return s.opts.readOnly }

// ValuesPerBlock returns the value-chain block capacity of the store.
func (s *Store) ValuesPerBlock() int { return s.manifest.ValuesPerBlock }

// Partitions lists the partitions holding data, sorted by name.
func (s *Store) Partitions() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.partitionNames()
}

func (s *Store) partitionNames() ([]string, error) {
	entries, err := s.opts.fs.ReadDir(filepath.Join(s.dir, partitionsDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && validPartition(e.Name()) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// Flush applies buffered appends and makes everything appended so far
// durable. On failure the error wraps ErrFlushIncomplete and unapplied
// appends stay buffered for the next flush.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if s.opts.readOnly {
		return nil
	}

	start := time.Now()
	err := s.flushLocked(ctx)
	duration := time.Since(start)

	s.metrics.RecordFlush(duration, err)
	if s.buffer != nil {
		s.metrics.RecordBufferFlush(s.buffer.Stats().Pending, duration, err)
	}
	s.logger.LogFlush(ctx, duration, err)
	return err
}

// flushLocked writes buffered index entries first, then payloads, then
// value chains, then the key index, so that nothing durable refers to
// data that is not.
func (s *Store) flushLocked(ctx context.Context) error {
	var errs []error
	if s.buffer != nil {
		errs = append(errs, s.buffer.Flush(ctx))
	}
	for _, p := range s.openPartitions() {
		if err := p.flush(); err != nil {
			errs = append(errs, fmt.Errorf("partition %s: %w", p.name, err))
		}
	}
	errs = append(errs, s.router.Flush(ctx))

	err := errors.Join(errs...)
	if err == nil {
		return nil
	}
	err = translateError(err)
	if !errors.Is(err, ErrFlushIncomplete) {
		err = fmt.Errorf("%w: %w", ErrFlushIncomplete, err)
	}
	return err
}

// Clear removes every partition. Buffered appends are discarded. If
// batches already handed to workers do not finish in time, nothing is
// removed and the error wraps ErrFlushIncomplete. Running iterators end
// after their current step.
func (s *Store) Clear(ctx context.Context) (err error) {
	if s.opts.readOnly {
		return ErrReadOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var names []string
	defer func() {
		s.logger.LogClear(ctx, len(names), err)
	}()
	if s.buffer != nil {
		if err := s.buffer.Discard(ctx); err != nil {
			return translateError(err)
		}
	}
	if names, err = s.partitionNames(); err != nil {
		return err
	}
	s.epoch++

	var errs []error

	s.partsMu.Lock()
	parts := s.parts
	s.parts = make(map[string]*partition)
	s.partsMu.Unlock()
	for _, p := range parts {
		errs = append(errs, p.close())
		if s.cache != nil {
			s.cache.Invalidate(cache.ForPartition(s.cacheNamespace + p.name))
		}
	}

	for _, name := range names {
		errs = append(errs, s.router.Clear(name))
		if err := s.opts.fs.RemoveAll(filepath.Join(s.dir, partitionsDir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return translateError(errors.Join(errs...))
}

// Close flushes and closes the store. Closing twice is a no-op.
func (s *Store) Close() error {
	if s.flusher != nil {
		s.flusher.Deregister(s)
		if s.ownFlusher {
			// The flusher may be waiting on the read lock.
			_ = s.flusher.Close()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	ctx := context.Background()
	var errs []error
	if s.buffer != nil {
		errs = append(errs, s.buffer.Close(ctx))
	}
	errs = append(errs, s.release())
	return translateError(errors.Join(errs...))
}

// release closes everything Open acquired.
func (s *Store) release() error {
	var errs []error
	s.partsMu.Lock()
	for _, p := range s.parts {
		errs = append(errs, p.close())
	}
	clear(s.parts)
	s.partsMu.Unlock()

	if s.router != nil {
		errs = append(errs, s.router.Close())
	}
	if s.ownCache {
		errs = append(errs, s.cache.Close())
	} else if s.cache != nil {
		s.cache.Invalidate(func(k cache.Key) bool {
			return strings.HasPrefix(k.Partition, s.cacheNamespace)
		})
	}
	errs = append(errs, s.lock.Release())
	return errors.Join(errs...)
}

// Stats describes store activity.
type Stats struct {
	Partitions int
	OpenShards int

	// Value chains.
	Values      int64
	Blocks      int64
	BlockBytes  int64
	ValuesRead  int64
	PagesLoaded int64

	// Payloads.
	PayloadBytes       int64
	PayloadRawBytes    int64
	PayloadStoredBytes int64
	PayloadReads       int64

	// Append buffer.
	PendingAppends  int64
	BufferBatches   int64
	BufferResubmits int64
	BufferFailures  int64

	MemoryUsed int64
	Cache      CacheStats
}

// Stats returns counters aggregated over the open partitions.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	if s.closed {
		return st
	}
	for _, p := range s.openPartitions() {
		st.Partitions++
		if p.empty() {
			continue
		}
		cs := p.blocks.Stats()
		st.Values += cs.Appends
		st.Blocks += cs.Allocs
		st.BlockBytes += cs.Size
		st.ValuesRead += cs.ValuesRead
		st.PagesLoaded += cs.PagesLoaded

		bs := p.blobs.Stats()
		st.PayloadBytes += bs.Size
		st.PayloadRawBytes += bs.BytesRaw
		st.PayloadStoredBytes += bs.BytesStored
		st.PayloadReads += bs.Reads
	}
	st.OpenShards = s.router.OpenShards()
	if s.buffer != nil {
		bs := s.buffer.Stats()
		st.PendingAppends = bs.Pending
		st.BufferBatches = bs.Batches
		st.BufferResubmits = bs.Resubmits
		st.BufferFailures = bs.Failures
	}
	st.MemoryUsed = s.rc.MemoryUsage()
	if s.cache != nil {
		st.Cache = s.cache.Stats()
	}
	return st
}
