// Package lock guards a store directory against concurrent use by other
// processes with an advisory LOCK file.
package lock

import (
	"errors"
	"os"
)

// FileName is the name of the lock file inside a store directory.
const FileName = "LOCK"

// ErrLocked is returned when another process holds the directory.
var ErrLocked = errors.New("lock: directory in use by another process")

// Lock is a held directory lock.
type Lock struct {
	f      *os.File
	shared bool
}

// Shared reports whether the lock was taken for reading.
func (l *Lock) Shared() bool { return l.shared }

// Release unlocks the directory. It is safe to call on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := release(l)
	l.f = nil
	return err
}
