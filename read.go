package uppend

import (
	"context"
	"iter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/uppend/internal/lookup"
)

// KeyValues is one key of a partition with its lazily read values.
type KeyValues struct {
	Key    string
	Values iter.Seq2[[]byte, error]
}

// Read yields the values of key in append order. Payloads are fetched
// concurrently in windows of WithReadConcurrency and yielded in order.
// A missing key yields nothing.
//
// The returned slices are shared and must not be modified.
func (s *Store) Read(ctx context.Context, partition, key string) iter.Seq2[[]byte, error] {
	return s.read(ctx, partition, key, s.opts.readConcurrency)
}

// ReadSequential is Read fetching one payload at a time. It suits callers
// that usually stop after the first few values.
func (s *Store) ReadSequential(ctx context.Context, partition, key string) iter.Seq2[[]byte, error] {
	return s.read(ctx, partition, key, 1)
}

func (s *Store) read(ctx context.Context, partitionName, key string, window int) iter.Seq2[[]byte, error] {
	if err := checkArgs(partitionName, key); err != nil {
		return failed[[]byte](err)
	}
	return guard(&s.lifecycle, func(yield func([]byte, error) bool) {
		start := time.Now()
		n := 0
		var err error
		defer func() {
			s.metrics.RecordRead(n, time.Since(start), err)
		}()

		p, root, ok, err := s.resolve(partitionName, key)
		if err != nil {
			yield(nil, err)
			return
		}
		if !ok {
			return
		}
		for v, verr := range s.values(ctx, p, root, window) {
			if verr != nil {
				err = verr
				yield(nil, err)
				return
			}
			n++
			if !yield(v, nil) {
				return
			}
		}
	})
}

// ReadLast returns the most recently appended value of key.
func (s *Store) ReadLast(ctx context.Context, partitionName, key string) (value []byte, found bool, err error) {
	if err := checkArgs(partitionName, key); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	start := time.Now()
	defer func() {
		n := 0
		if found {
			n = 1
		}
		s.metrics.RecordRead(n, time.Since(start), err)
	}()

	p, root, ok, err := s.resolve(partitionName, key)
	if err != nil || !ok {
		return nil, false, translateError(err)
	}
	pos, ok, err := p.blocks.LastValue(root)
	if err != nil || !ok {
		return nil, false, translateError(err)
	}
	value, err = p.blobs.Read(ctx, pos)
	if err != nil {
		return nil, false, translateError(err)
	}
	return value, true, nil
}

// Keys yields every key of partition once, in no particular order.
// Buffered appends of new keys appear after the next Flush.
func (s *Store) Keys(partitionName string) iter.Seq2[string, error] {
	if !validPartition(partitionName) {
		return failed[string](ErrInvalidPartition)
	}
	return guard(&s.lifecycle, func(yield func(string, error) bool) {
		for k, err := range s.router.Keys(partitionName) {
			if !yield(string(k), err) || err != nil {
				return
			}
		}
	})
}

// Scan yields every key of partition with its values. Each value sequence
// reads lazily like Read.
func (s *Store) Scan(ctx context.Context, partitionName string) iter.Seq2[KeyValues, error] {
	if !validPartition(partitionName) {
		return failed[KeyValues](ErrInvalidPartition)
	}
	return guard(&s.lifecycle, func(yield func(KeyValues, error) bool) {
		for e, err := range s.router.Scan(partitionName) {
			if err != nil {
				yield(KeyValues{}, err)
				return
			}
			kv := KeyValues{
				Key:    string(e.Key),
				Values: s.chainValues(ctx, partitionName, e.Value),
			}
			if !yield(kv, nil) {
				return
			}
		}
	})
}

// resolve finds the partition and chain root of key. The caller holds
// the read lock.
func (s *Store) resolve(partitionName, key string) (*partition, int64, bool, error) {
	root, ok, err := s.router.Get(partitionName, lookup.StringKey(key))
	if err != nil || !ok {
		return nil, 0, false, err
	}
	p, err := s.partition(partitionName)
	if err != nil {
		return nil, 0, false, err
	}
	if p.empty() {
		return nil, 0, false, nil
	}
	return p, root, true, nil
}

// chainValues reads the chain at root of an already resolved key.
func (s *Store) chainValues(ctx context.Context, partitionName string, root int64) iter.Seq2[[]byte, error] {
	return guard(&s.lifecycle, func(yield func([]byte, error) bool) {
		p, err := s.partition(partitionName)
		if err != nil {
			yield(nil, err)
			return
		}
		if p.empty() {
			return
		}
		for v, err := range s.values(ctx, p, root, s.opts.readConcurrency) {
			if !yield(v, err) || err != nil {
				return
			}
		}
	})
}

// values walks the chain at root and fetches payloads window at a time.
// Within a window payloads before a failed one are still yielded.
func (s *Store) values(ctx context.Context, p *partition, root int64, window int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		positions := make([]int64, 0, window)

		fetch := func() bool {
			payloads := make([][]byte, len(positions))
			errs := make([]error, len(positions))
			if len(positions) == 1 {
				payloads[0], errs[0] = p.blobs.Read(ctx, positions[0])
			} else {
				var g errgroup.Group
				for i, pos := range positions {
					g.Go(func() error {
						payloads[i], errs[i] = p.blobs.Read(ctx, pos)
						return errs[i]
					})
				}
				_ = g.Wait()
			}
			for i, b := range payloads {
				if errs[i] != nil {
					yield(nil, errs[i])
					return false
				}
				if !yield(b, nil) {
					return false
				}
			}
			positions = positions[:0]
			return true
		}

		for pos, err := range p.blocks.Values(root) {
			if err != nil {
				if fetch() {
					yield(nil, err)
				}
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			positions = append(positions, pos)
			if len(positions) == window && !fetch() {
				return
			}
		}
		if len(positions) > 0 {
			fetch()
		}
	}
}
