//go:build !unix

package lock

import (
	"errors"
	"os"
	"path/filepath"
)

// Acquire creates dir/LOCK exclusively. Shared locks are not supported on
// this platform and are granted without a lock file.
func Acquire(dir string, shared bool) (*Lock, error) {
	if shared {
		return &Lock{shared: true}, nil
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, err
	}
	return &Lock{f: f}, nil
}

func release(l *Lock) error {
	name := l.f.Name()
	return errors.Join(l.f.Close(), os.Remove(name))
}
