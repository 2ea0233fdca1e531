// Package workpool provides the fixed goroutine pool that runs append
// buffer flush tasks.
package workpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("workpool: closed")

// Pool runs submitted closures on a fixed set of goroutines.
type Pool struct {
	numWorkers int
	workCh     chan func()
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closed     atomic.Bool
	submitMu   sync.RWMutex
	running    atomic.Int64
}

// New creates a pool with numWorkers goroutines (GOMAXPROCS if <= 0).
// The queue holds twice as many tasks as there are workers.
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	p := &Pool{
		numWorkers: numWorkers,
		workCh:     make(chan func(), numWorkers*2),
		stopCh:     make(chan struct{}),
	}

	p.wg.Add(numWorkers)
	for range numWorkers {
		go p.worker()
	}
	return p
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.numWorkers }

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int { return len(p.workCh) }

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int64 { return p.running.Load() }

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			// Drain what was accepted before Close.
			for task := range p.workCh {
				p.run(task)
			}
			return
		case task, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

func (p *Pool) run(task func()) {
	p.running.Add(1)
	defer p.running.Add(-1)
	task()
}

// Submit enqueues a task, blocking while the queue is full.
//
// Tasks must not block on Submit of the same pool: a worker waiting for
// queue space can deadlock the pool. Use a separate goroutine to requeue.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed.Load() {
		return ErrClosed
	}

	select {
	case p.workCh <- task:
		return nil
	case <-p.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs the queued ones and waits for the
// workers to exit. It is idempotent.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	// Submitters blocked on a full queue see stopCh and release submitMu.
	close(p.stopCh)
	p.submitMu.Lock()
	close(p.workCh)
	p.submitMu.Unlock()

	p.wg.Wait()
}
