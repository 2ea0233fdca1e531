package uppend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFlushTimeout bounds a single periodic flush of one target.
const DefaultFlushTimeout = time.Minute

// Flushable is a target of a Flusher.
type Flushable interface {
	Flush(ctx context.Context) error
}

// FlusherOption configures a Flusher.
type FlusherOption func(*Flusher)

// WithFlusherLogger sets the logger for failed periodic flushes.
func WithFlusherLogger(l *Logger) FlusherOption {
	return func(f *Flusher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithFlusherTimeout bounds each target's flush.
func WithFlusherTimeout(d time.Duration) FlusherOption {
	return func(f *Flusher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// Flusher flushes its registered targets every interval on one goroutine.
// Targets are flushed one after another.
type Flusher struct {
	interval time.Duration
	timeout  time.Duration
	logger   *Logger

	mu      sync.Mutex
	targets map[Flushable]struct{}

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	rounds   atomic.Int64
	failures atomic.Int64
}

// NewFlusher starts a flusher. A non-positive interval defaults to one
// minute.
func NewFlusher(interval time.Duration, opts ...FlusherOption) *Flusher {
	if interval <= 0 {
		interval = time.Minute
	}
	f := &Flusher{
		interval: interval,
		timeout:  DefaultFlushTimeout,
		logger:   NoopLogger(),
		targets:  make(map[Flushable]struct{}),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.WithComponent("flusher")

	f.wg.Add(1)
	go f.run()
	return f
}

// Register adds t to the flush rotation.
func (f *Flusher) Register(t Flushable) {
	f.mu.Lock()
	f.targets[t] = struct{}{}
	f.mu.Unlock()
}

// Deregister removes t. A flush of t already in progress is not
// interrupted.
func (f *Flusher) Deregister(t Flushable) {
	f.mu.Lock()
	delete(f.targets, t)
	f.mu.Unlock()
}

// Len returns the number of registered targets.
func (f *Flusher) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

// Rounds returns how many flush rounds have completed.
func (f *Flusher) Rounds() int64 { return f.rounds.Load() }

// Close stops the ticker and waits for a running round. Targets are not
// flushed again; close them separately.
func (f *Flusher) Close() error {
	f.closeOnce.Do(func() {
		close(f.stop)
	})
	f.wg.Wait()
	return nil
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.flushAll()
		}
	}
}

func (f *Flusher) flushAll() {
	f.mu.Lock()
	targets := make([]Flushable, 0, len(f.targets))
	for t := range f.targets {
		targets = append(targets, t)
	}
	f.mu.Unlock()

	for _, t := range targets {
		select {
		case <-f.stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := t.Flush(ctx)
		cancel()
		if err != nil && !errors.Is(err, ErrClosed) {
			f.failures.Add(1)
			f.logger.Error("periodic flush failed", "error", err)
		}
	}
	f.rounds.Add(1)
}
