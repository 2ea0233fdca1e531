package manifest

import "errors"

var (
	// ErrIncompatibleVersion is returned when the manifest version is not supported.
	ErrIncompatibleVersion = errors.New("incompatible manifest version")

	// ErrNotFound is returned when the manifest file does not exist.
	ErrNotFound = errors.New("manifest not found")

	// ErrMismatch is returned when a store is opened with format parameters
	// that differ from the ones it was created with.
	ErrMismatch = errors.New("manifest mismatch")
)
