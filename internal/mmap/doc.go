// Package mmap provides memory-mapped file pages for the block store.
//
// An [Arena] splits one file into fixed-size pages addressed by integer
// index. Pages are mapped on first access, bounds-checked, and grown on
// demand in read-write mode:
//
//	a, err := mmap.NewArena(f, mmap.ArenaOptions{PageSize: 4 << 20, Writable: true})
//	if err != nil { ... }
//	defer a.Close()
//
//	w, err := a.Word(offset) // *int64 into the mapped page
//	atomic.StoreInt64(w, 42)
//
// Words are 8-byte aligned and never straddle pages, so atomic loads and
// stores on them are safe. Values are stored in host byte order.
//
// # Thread Safety
//
// Word lookups are lock-free once a page is mapped. Mapping a new page,
// Sync, Truncate and Close serialize on the arena mutex. Callers must not
// touch words obtained from the arena after Truncate or Close.
package mmap
