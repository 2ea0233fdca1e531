package chain

import "errors"

var (
	// ErrClosed is returned when an operation is attempted on a closed store.
	ErrClosed = errors.New("chain: store closed")

	// ErrReadOnly is returned when a write is attempted on a read-only store.
	ErrReadOnly = errors.New("chain: store is read-only")

	// ErrCorrupt is returned for invariant violations: misaligned or
	// out-of-range positions, impossible block headers, bad file headers.
	ErrCorrupt = errors.New("chain: corrupt block store")

	// ErrIncompatibleFormat is returned when the file was written with a
	// different format version or block capacity.
	ErrIncompatibleFormat = errors.New("chain: incompatible format")
)
