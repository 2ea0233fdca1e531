package uppend

import (
	"context"
	"time"

	"github.com/hupe1980/uppend/internal/lookup"
)

// Append adds value to the end of key's list in partition.
//
// The payload is written immediately. With the default buffered appends
// the value becomes visible to readers after the next Flush; with
// WithUnbufferedAppends it is visible when Append returns. Durability
// always requires a Flush or Close.
//
// Unbuffered appends of one key are read back in call order. Buffered
// appends keep their order within a batch, but batches of the same shard
// may be applied in any order.
func (s *Store) Append(ctx context.Context, partition, key string, value []byte) error {
	start := time.Now()
	err := s.append(ctx, partition, key, value)
	s.metrics.RecordAppend(len(value), time.Since(start), err)
	return err
}

func (s *Store) append(ctx context.Context, partitionName, key string, value []byte) error {
	if err := checkArgs(partitionName, key); err != nil {
		return err
	}
	if s.opts.readOnly {
		return ErrReadOnly
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	p, err := s.partition(partitionName)
	if err != nil {
		return translateError(err)
	}
	pos, err := p.blobs.Append(value)
	if err != nil {
		return translateError(err)
	}

	k := lookup.StringKey(key)
	if s.buffer != nil {
		return translateError(s.buffer.BufferedAppend(partitionName, k, pos))
	}
	root, err := s.router.PutIfAbsent(partitionName, k, p.blocks.Allocate)
	if err != nil {
		return translateError(err)
	}
	return translateError(p.blocks.Append(root, pos))
}
