//go:build !unix

package mmap

import (
	"errors"
	"os"
)

func osMap(*os.File, int64, int, bool) ([]byte, error) { return nil, errors.ErrUnsupported }
func osUnmap([]byte) error                              { return nil }
func osSync([]byte) error                               { return nil }
func osPageSize() int                                   { return os.Getpagesize() }
func osAdvise([]byte, AccessPattern) error              { return nil }
