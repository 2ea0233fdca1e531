package uppend

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"slices"
	"time"

	"github.com/hupe1980/uppend/internal/chain"
	"github.com/hupe1980/uppend/internal/lock"
	"github.com/hupe1980/uppend/internal/lookup"
	"github.com/hupe1980/uppend/internal/manifest"
)

// Counter is one key of a CounterStore partition with its value.
type Counter struct {
	Key   string
	Value int64
}

// CounterStore maps keys to int64 counters, grouped into partitions. It
// shares the key index of Store without value chains or payloads.
//
// Counter updates are visible immediately and durable after Flush or Close.
type CounterStore struct {
	dir    string
	opts   options
	logger *Logger
	lock   *lock.Lock
	router *lookup.Router

	flusher    *Flusher
	ownFlusher bool

	lifecycle
}

// OpenCounterStore opens the counter store in dir. It honours WithReadOnly,
// WithHashDepth, WithBackgroundWorkers, WithFlushInterval, WithFlusher and
// WithLogger.
func OpenCounterStore(dir string, optFns ...Option) (c *CounterStore, err error) {
	o := applyOptions(optFns)

	ctx := context.Background()
	defer func() {
		o.logger.LogOpen(ctx, dir, o.readOnly, 0, err)
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
	defer func() {
		if err != nil {
			_ = lk.Release()
		}
	}()

	defaults := manifest.New(chain.DefaultValuesPerBlock, lookup.DefaultHashDepth, CompressionNone.String())
	m, err := manifest.LoadOrCreate(o.fs, dir, manifest.New(0, o.hashDepth, ""), defaults, o.readOnly)
	if err != nil {
		return nil, translateError(err)
	}

	router, err := lookup.NewRouter(filepath.Join(dir, lookupsDir), lookup.RouterOptions{
		FS:               o.fs,
		HashDepth:        m.HashDepth,
		ReadOnly:         o.readOnly,
		FlushConcurrency: max(o.backgroundWorkers, 1),
		Logger:           o.logger.WithComponent("router").Logger,
	})
	if err != nil {
		return nil, translateError(err)
	}

	c = &CounterStore{
		dir:    dir,
		opts:   o,
		logger: o.logger,
		lock:   lk,
		router: router,
	}
	switch {
	case o.readOnly:
	case o.flusher != nil:
		c.flusher = o.flusher
		c.flusher.Register(c)
	case o.flushInterval > 0:
		c.flusher = NewFlusher(o.flushInterval, WithFlusherLogger(c.logger))
		c.ownFlusher = true
		c.flusher.Register(c)
	}
	return c, nil
}

func (c *CounterStore) check(partitionName, key string) error {
	if err := checkArgs(partitionName, key); err != nil {
		return err
	}
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Increment adds delta to the counter, treating a missing counter as 0, and
// returns the new value.
func (c *CounterStore) Increment(partitionName, key string, delta int64) (int64, error) {
	if c.opts.readOnly {
		return 0, ErrReadOnly
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.check(partitionName, key); err != nil {
		return 0, err
	}
	v, err := c.router.Increment(partitionName, lookup.StringKey(key), delta)
	return v, translateError(err)
}

// Get returns the counter of key.
func (c *CounterStore) Get(partitionName, key string) (int64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.check(partitionName, key); err != nil {
		return 0, false, err
	}
	v, ok, err := c.router.Get(partitionName, lookup.StringKey(key))
	return v, ok, translateError(err)
}

// Set overwrites the counter of key and returns the previous value.
func (c *CounterStore) Set(partitionName, key string, value int64) (prev int64, existed bool, err error) {
	if c.opts.readOnly {
		return 0, false, ErrReadOnly
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.check(partitionName, key); err != nil {
		return 0, false, err
	}
	prev, existed, err = c.router.Put(partitionName, lookup.StringKey(key), value)
	return prev, existed, translateError(err)
}

// Keys yields every key of partition once.
func (c *CounterStore) Keys(partitionName string) iter.Seq2[string, error] {
	if !validPartition(partitionName) {
		return failed[string](ErrInvalidPartition)
	}
	return guard(&c.lifecycle, func(yield func(string, error) bool) {
		for k, err := range c.router.Keys(partitionName) {
			if !yield(string(k), err) || err != nil {
				return
			}
		}
	})
}

// Scan yields every counter of partition once.
func (c *CounterStore) Scan(partitionName string) iter.Seq2[Counter, error] {
	if !validPartition(partitionName) {
		return failed[Counter](ErrInvalidPartition)
	}
	return guard(&c.lifecycle, func(yield func(Counter, error) bool) {
		for e, err := range c.router.Scan(partitionName) {
			if !yield(Counter{Key: string(e.Key), Value: e.Value}, err) || err != nil {
				return
			}
		}
	})
}

// Partitions lists the partitions holding counters, sorted by name.
func (c *CounterStore) Partitions() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	names, err := c.router.Partitions()
	if err != nil {
		return nil, err
	}
	names = slices.DeleteFunc(names, func(n string) bool { return !validPartition(n) })
	slices.Sort(names)
	return names, nil
}

// Flush makes every counter update durable.
func (c *CounterStore) Flush(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	start := time.Now()
	err := c.router.Flush(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrFlushIncomplete, translateError(err))
	}
	c.logger.LogFlush(ctx, time.Since(start), err)
	return err
}

// Clear removes every partition.
func (c *CounterStore) Clear(ctx context.Context) (err error) {
	if c.opts.readOnly {
		return ErrReadOnly
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	names, err := c.router.Partitions()
	if err != nil {
		return err
	}
	defer func() {
		c.logger.LogClear(ctx, len(names), err)
	}()
	c.epoch++

	var errs []error
	for _, name := range names {
		errs = append(errs, c.router.Clear(name))
	}
	return translateError(errors.Join(errs...))
}

// Close flushes and closes the store. Closing twice is a no-op.
func (c *CounterStore) Close() error {
	if c.flusher != nil {
		c.flusher.Deregister(c)
		if c.ownFlusher {
			_ = c.flusher.Close()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	err := c.router.Close()
	return translateError(errors.Join(err, c.lock.Release()))
}
