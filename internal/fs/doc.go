// Package fs provides filesystem abstractions for testability and fault injection.
//
//   - [File]: an open file with positional reads and writes
//   - [FileSystem]: open, remove, rename, stat, mkdir and readdir
//   - [LocalFS]: production implementation using the os package
//   - [FaultyFS]: test utility that fails writes, syncs or closes on demand
//
// Shard logs, snapshots, payload files and the manifest all go through a
// FileSystem. The block store bypasses it because it needs a real file
// descriptor to mmap.
//
// This package intentionally does NOT include context.Context parameters.
// Local filesystem operations are not interruptible at the syscall level.
package fs
