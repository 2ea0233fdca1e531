package lookup

import "errors"

var (
	// ErrClosed is returned when operating on a closed index, router or buffer.
	ErrClosed = errors.New("lookup: closed")
	// ErrReadOnly is returned for mutations in read-only mode.
	ErrReadOnly = errors.New("lookup: read-only")
	// ErrCorrupt reports an on-disk invariant violation.
	ErrCorrupt = errors.New("lookup: corrupt index")
	// ErrKeyLength is returned when a key does not match its shard's key length.
	ErrKeyLength = errors.New("lookup: key length mismatch")
	// ErrBackpressure is returned when buffered appends exceed the memory budget.
	ErrBackpressure = errors.New("lookup: append buffer memory exhausted")
	// ErrFlushIncomplete is returned when a flush could not apply every buffered append.
	ErrFlushIncomplete = errors.New("lookup: flush incomplete")
)
