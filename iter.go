package uppend

import (
	"iter"
	"sync"
)

// lifecycle is the open/closed state shared by the store types.
type lifecycle struct {
	mu     sync.RWMutex // write-held by Clear and Close
	closed bool
	epoch  uint64 // incremented by Clear
}

// guard runs every step of seq under the read lock of s. The sequence
// ends with ErrClosed once the store is closed and ends silently once the
// store has been cleared since the first step. Errors are translated.
//
// seq must not take the lock itself.
func guard[V any](s *lifecycle, seq iter.Seq2[V, error]) iter.Seq2[V, error] {
	return func(yield func(V, error) bool) {
		var zero V

		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			yield(zero, ErrClosed)
			return
		}
		epoch := s.epoch
		s.mu.RUnlock()

		next, stop := iter.Pull2(seq)
		defer stop()

		for {
			s.mu.RLock()
			if s.closed {
				s.mu.RUnlock()
				yield(zero, ErrClosed)
				return
			}
			if s.epoch != epoch {
				s.mu.RUnlock()
				return
			}
			v, err, ok := next()
			s.mu.RUnlock()

			if !ok {
				return
			}
			if !yield(v, translateError(err)) || err != nil {
				return
			}
		}
	}
}

// failed is a sequence holding a single error.
func failed[V any](err error) iter.Seq2[V, error] {
	return func(yield func(V, error) bool) {
		var zero V
		yield(zero, err)
	}
}
