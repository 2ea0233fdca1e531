package mmap

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// DefaultPageSize is the arena page size used when none is configured.
	DefaultPageSize = 4 << 20
	// DefaultMaxPages bounds the arena at 64 GiB with the default page size.
	DefaultMaxPages = 16384
)

// ArenaOptions configures an Arena.
type ArenaOptions struct {
	// PageSize must be a multiple of the OS page size.
	PageSize int64
	MaxPages int
	Writable bool
	// Advice is applied to every page when it is mapped.
	Advice AccessPattern
}

// Arena maps a file as a sequence of fixed-size pages.
//
// Page handles live in a fixed table indexed by page number. A page is mapped
// the first time any offset inside it is touched; in writable mode the file
// is extended to cover the page first.
type Arena struct {
	f        *os.File
	pageSize int64
	writable bool
	advice   AccessPattern
	pages    []atomic.Pointer[Mapping]

	mu       sync.Mutex
	fileSize int64

	loaded atomic.Int64
	closed atomic.Bool
}

// NewArena creates an arena over f. The arena takes ownership of f.
func NewArena(f *os.File, opts ArenaOptions) (*Arena, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxPages == 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.PageSize < 0 || opts.PageSize%int64(osPageSize()) != 0 || opts.MaxPages < 0 {
		return nil, fmt.Errorf("%w: page size %d", ErrInvalidSize, opts.PageSize)
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	return &Arena{
		f:        f,
		pageSize: opts.PageSize,
		writable: opts.Writable,
		advice:   opts.Advice,
		pages:    make([]atomic.Pointer[Mapping], opts.MaxPages),
		fileSize: fi.Size(),
	}, nil
}

// PageSize returns the size of one page in bytes.
func (a *Arena) PageSize() int64 { return a.pageSize }

// Loaded returns the number of pages currently mapped.
func (a *Arena) Loaded() int64 { return a.loaded.Load() }

// FileSize returns the current size of the backing file.
func (a *Arena) FileSize() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fileSize
}

// Page returns the mapping for page i, mapping it if needed.
func (a *Arena) Page(i int) (*Mapping, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if i < 0 || i >= len(a.pages) {
		return nil, fmt.Errorf("%w: page %d of %d", ErrOutOfBounds, i, len(a.pages))
	}
	if m := a.pages[i].Load(); m != nil {
		return m, nil
	}
	return a.materialize(i)
}

func (a *Arena) materialize(i int) (*Mapping, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed.Load() {
		return nil, ErrClosed
	}
	if m := a.pages[i].Load(); m != nil {
		return m, nil
	}

	start := int64(i) * a.pageSize
	end := start + a.pageSize
	size := a.pageSize
	if a.writable {
		if a.fileSize < end {
			if err := a.f.Truncate(end); err != nil {
				return nil, fmt.Errorf("mmap: grow to %d: %w", end, err)
			}
			a.fileSize = end
		}
	} else {
		if start >= a.fileSize {
			return nil, fmt.Errorf("%w: page %d beyond end of file", ErrOutOfBounds, i)
		}
		size = min(size, a.fileSize-start)
	}

	m, err := Map(a.f, start, int(size), a.writable)
	if err != nil {
		return nil, err
	}
	if a.advice != AccessDefault {
		_ = m.Advise(a.advice)
	}
	a.pages[i].Store(m)
	a.loaded.Add(1)
	return m, nil
}

// Word returns a pointer to the 8-byte word at file offset off.
// The pointer is suitable for sync/atomic loads and stores.
func (a *Arena) Word(off int64) (*int64, error) {
	if off < 0 || off%8 != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOffset, off)
	}
	m, err := a.Page(int(off / a.pageSize))
	if err != nil {
		return nil, err
	}
	data := m.Bytes()
	if data == nil {
		return nil, ErrClosed
	}
	in := off % a.pageSize
	if in+8 > int64(len(data)) {
		return nil, fmt.Errorf("%w: offset %d", ErrOutOfBounds, off)
	}
	return (*int64)(unsafe.Pointer(&data[in])), nil
}

// Sync flushes every mapped page to the file.
func (a *Arena) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed.Load() {
		return ErrClosed
	}
	if !a.writable {
		return nil
	}
	var errs []error
	for i := range a.pages {
		if m := a.pages[i].Load(); m != nil {
			if err := m.Sync(); err != nil {
				errs = append(errs, fmt.Errorf("page %d: %w", i, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Truncate unmaps every page and resizes the file.
// Words handed out before the call must not be used afterwards.
func (a *Arena) Truncate(size int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed.Load() {
		return ErrClosed
	}
	if !a.writable {
		return ErrReadOnly
	}
	if err := a.unmapAll(); err != nil {
		return err
	}
	if err := a.f.Truncate(size); err != nil {
		return err
	}
	a.fileSize = size
	return nil
}

// Close unmaps all pages and closes the file. It is idempotent.
func (a *Arena) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return errors.Join(a.unmapAll(), a.f.Close())
}

func (a *Arena) unmapAll() error {
	var errs []error
	for i := range a.pages {
		if m := a.pages[i].Swap(nil); m != nil {
			if err := m.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	a.loaded.Store(0)
	return errors.Join(errs...)
}
