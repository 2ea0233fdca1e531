package workpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsAllTasks(t *testing.T) {
	p := New(4)
	assert.Equal(t, 4, p.Workers())

	var n atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	p.Close()

	assert.Equal(t, int64(1000), n.Load())
}

func TestPool_CloseDrainsQueue(t *testing.T) {
	p := New(1)

	release := make(chan struct{})
	var ran atomic.Int64
	require.NoError(t, p.Submit(context.Background(), func() {
		<-release
		ran.Add(1)
	}))
	require.NoError(t, p.Submit(context.Background(), func() { ran.Add(1) }))
	require.NoError(t, p.Submit(context.Background(), func() { ran.Add(1) }))

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, int64(3), ran.Load())

	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrClosed)
	p.Close()
}

func TestPool_SubmitHonoursContext(t *testing.T) {
	p := New(1)
	defer p.Close()

	block := make(chan struct{})
	defer close(block)

	// One running plus a full queue.
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { <-block }))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, func() {}), context.DeadlineExceeded)
}

func TestPool_CloseReleasesBlockedSubmitter(t *testing.T) {
	p := New(1)

	block := make(chan struct{})
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { <-block }))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Submit(context.Background(), func() {})
	}()

	time.Sleep(10 * time.Millisecond)
	go p.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked submitter was not released")
	}
	close(block)
}
