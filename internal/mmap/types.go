package mmap

import "errors"

// AccessPattern provides hints to the kernel about how the data will be accessed.
type AccessPattern int

const (
	// AccessDefault is the default access pattern (no specific advice).
	AccessDefault AccessPattern = iota
	// AccessSequential expects data to be accessed sequentially.
	AccessSequential
	// AccessRandom expects data to be accessed randomly.
	AccessRandom
	// AccessWillNeed expects data to be accessed in the near future.
	AccessWillNeed
	// AccessDontNeed expects data to not be accessed in the near future.
	AccessDontNeed
)

var (
	// ErrClosed is returned when attempting to access a closed mapping or arena.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned when a page size or mapping size is invalid.
	ErrInvalidSize = errors.New("mmap: invalid size")
	// ErrOutOfBounds is returned when an offset lies outside the mappable range.
	ErrOutOfBounds = errors.New("mmap: out of bounds")
	// ErrInvalidOffset is returned for negative or misaligned offsets.
	ErrInvalidOffset = errors.New("mmap: invalid offset")
	// ErrReadOnly is returned when growing a read-only arena.
	ErrReadOnly = errors.New("mmap: arena is read-only")
)
