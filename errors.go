package uppend

import (
	"errors"
	"fmt"

	"github.com/hupe1980/uppend/internal/blob"
	"github.com/hupe1980/uppend/internal/chain"
	"github.com/hupe1980/uppend/internal/lock"
	"github.com/hupe1980/uppend/internal/lookup"
	"github.com/hupe1980/uppend/internal/manifest"
	"github.com/hupe1980/uppend/internal/resource"
)

var (
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store is closed")

	// ErrReadOnly is returned for mutations on a store opened read-only.
	ErrReadOnly = errors.New("store is read-only")

	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidPartition is returned for partition names that are not a
	// letter or underscore followed by letters, digits, '_' or '-'.
	ErrInvalidPartition = errors.New("invalid partition name")

	// ErrCorrupt indicates an on-disk invariant violation. It is never
	// repaired silently.
	ErrCorrupt = errors.New("store is corrupt")

	// ErrIncompatibleFormat is returned when the configured format
	// parameters differ from the ones the store was created with.
	ErrIncompatibleFormat = errors.New("incompatible store format")

	// ErrBackpressure is returned when buffered appends exhaust the memory
	// budget. Flush and retry.
	ErrBackpressure = errors.New("append buffer memory exhausted")

	// ErrFlushIncomplete is returned when a flush could not apply or persist
	// everything. Unapplied appends stay buffered for the next flush.
	ErrFlushIncomplete = errors.New("flush incomplete")

	// ErrLocked is returned when another process holds the store directory.
	ErrLocked = errors.New("store directory is locked")
)

// translateError maps internal sentinels onto the public ones, keeping the
// original error in the chain.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, lookup.ErrClosed), errors.Is(err, chain.ErrClosed), errors.Is(err, blob.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, lookup.ErrReadOnly), errors.Is(err, chain.ErrReadOnly), errors.Is(err, blob.ErrReadOnly):
		return fmt.Errorf("%w: %w", ErrReadOnly, err)
	case errors.Is(err, lookup.ErrCorrupt), errors.Is(err, chain.ErrCorrupt), errors.Is(err, blob.ErrCorrupt),
		errors.Is(err, lookup.ErrKeyLength):
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	case errors.Is(err, chain.ErrIncompatibleFormat), errors.Is(err, manifest.ErrMismatch),
		errors.Is(err, manifest.ErrIncompatibleVersion):
		return fmt.Errorf("%w: %w", ErrIncompatibleFormat, err)
	case errors.Is(err, lookup.ErrFlushIncomplete):
		return fmt.Errorf("%w: %w", ErrFlushIncomplete, err)
	case errors.Is(err, lookup.ErrBackpressure), errors.Is(err, resource.ErrMemoryLimitExceeded):
		return fmt.Errorf("%w: %w", ErrBackpressure, err)
	case errors.Is(err, lock.ErrLocked):
		return fmt.Errorf("%w: %w", ErrLocked, err)
	}
	return err
}
