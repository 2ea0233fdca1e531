package blob

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/uppend/internal/cache"
	"github.com/hupe1980/uppend/internal/fs"
	"github.com/hupe1980/uppend/internal/hash"
)

var (
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("blob: store closed")
	// ErrReadOnly is returned for writes against a read-only store.
	ErrReadOnly = errors.New("blob: store is read-only")
	// ErrCorrupt is returned when a record fails validation.
	ErrCorrupt = errors.New("blob: corrupt record")
	// ErrTooLarge is returned for payloads whose length does not fit a record header.
	ErrTooLarge = errors.New("blob: payload too large")
)

// recordHeaderSize: crc32c(4) codec(1) rawLen(4) storedLen(4).
const recordHeaderSize = 13

// Options configures a payload store.
type Options struct {
	ReadOnly    bool
	Compression Compression
	// Cache, when set, holds decoded payloads keyed by (Partition, position).
	Cache     cache.BlockCache
	Partition string
	Logger    *slog.Logger
}

// Stats reports payload store activity.
type Stats struct {
	Size        int64
	Appends     int64
	Reads       int64
	BytesRaw    int64
	BytesStored int64
}

// Store is an append-only file of self-describing payload records. The
// position returned by Append is the record's byte offset.
type Store struct {
	fsys fs.FileSystem
	path string
	opts Options

	mu     sync.RWMutex // write-held by Clear and Close
	f      fs.File
	end    atomic.Int64
	closed bool

	appends     atomic.Int64
	reads       atomic.Int64
	bytesRaw    atomic.Int64
	bytesStored atomic.Int64
}

// Open opens or creates the payload file at path.
func Open(fsys fs.FileSystem, path string, opts Options) (*Store, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := fsys.OpenFile(path, flag, 0o644)
	if err != nil {
		if opts.ReadOnly && errors.Is(err, os.ErrNotExist) {
			// Nothing was ever written; serve an empty store.
			return &Store{fsys: fsys, path: path, opts: opts}, nil
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	s := &Store{fsys: fsys, path: path, opts: opts, f: f}
	s.end.Store(info.Size())
	return s, nil
}

// Append writes one payload and returns its position.
func (s *Store) Append(data []byte) (int64, error) {
	if s.opts.ReadOnly {
		return 0, ErrReadOnly
	}
	if uint64(len(data)) > math.MaxUint32 {
		return 0, ErrTooLarge
	}

	codec, stored, err := encode(data, s.opts.Compression)
	if err != nil {
		return 0, err
	}

	rec := make([]byte, recordHeaderSize+len(stored))
	rec[4] = byte(codec)
	binary.LittleEndian.PutUint32(rec[5:9], uint32(len(data)))
	binary.LittleEndian.PutUint32(rec[9:13], uint32(len(stored)))
	copy(rec[recordHeaderSize:], stored)
	binary.LittleEndian.PutUint32(rec[0:4], hash.CRC32C(rec[4:]))

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	n := int64(len(rec))
	pos := s.end.Add(n) - n
	if _, err := s.f.WriteAt(rec, pos); err != nil {
		// The reserved range stays as an unreferenced hole.
		return 0, fmt.Errorf("blob: write at %d: %w", pos, err)
	}

	s.appends.Add(1)
	s.bytesRaw.Add(int64(len(data)))
	s.bytesStored.Add(n)
	return pos, nil
}

// Read returns the payload at pos. The returned slice may be shared with
// the cache and must not be modified.
func (s *Store) Read(ctx context.Context, pos int64) ([]byte, error) {
	key := cache.Key{Partition: s.opts.Partition, Offset: pos}
	if s.opts.Cache != nil {
		if b, ok := s.opts.Cache.Get(ctx, key); ok {
			s.reads.Add(1)
			return b, nil
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	end := s.end.Load()
	if pos < 0 || pos+recordHeaderSize > end || s.f == nil {
		return nil, fmt.Errorf("%w: position %d outside [0, %d)", ErrCorrupt, pos, end)
	}

	var hdr [recordHeaderSize]byte
	if err := s.readFull(hdr[:], pos); err != nil {
		return nil, err
	}
	codec := Compression(hdr[4])
	rawLen := binary.LittleEndian.Uint32(hdr[5:9])
	storedLen := binary.LittleEndian.Uint32(hdr[9:13])
	if pos+recordHeaderSize+int64(storedLen) > end {
		return nil, fmt.Errorf("%w: record at %d overruns file", ErrCorrupt, pos)
	}

	body := make([]byte, recordHeaderSize-4+int(storedLen))
	copy(body, hdr[4:])
	if err := s.readFull(body[recordHeaderSize-4:], pos+recordHeaderSize); err != nil {
		return nil, err
	}
	if hash.CRC32C(body) != binary.LittleEndian.Uint32(hdr[0:4]) {
		return nil, fmt.Errorf("%w: checksum mismatch at %d", ErrCorrupt, pos)
	}

	data, err := decode(codec, body[recordHeaderSize-4:], int(rawLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	s.reads.Add(1)
	if s.opts.Cache != nil {
		s.opts.Cache.Set(ctx, key, data)
	}
	return data, nil
}

func (s *Store) readFull(buf []byte, off int64) error {
	n, err := s.f.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: short read at %d", ErrCorrupt, off)
	}
	return err
}

// Flush makes appended payloads durable.
func (s *Store) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if s.opts.ReadOnly || s.f == nil {
		return nil
	}
	return s.f.Sync()
}

// Clear discards every payload. The caller must ensure no concurrent
// reader still holds a position into this store.
func (s *Store) Clear() error {
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	s.end.Store(0)
	if s.opts.Cache != nil {
		s.opts.Cache.Invalidate(cache.ForPartition(s.opts.Partition))
	}
	return nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.f == nil {
		return nil
	}

	var err error
	if !s.opts.ReadOnly {
		err = s.f.Sync()
	}
	return errors.Join(err, s.f.Close())
}

// Stats returns a snapshot of store activity.
func (s *Store) Stats() Stats {
	return Stats{
		Size:        s.end.Load(),
		Appends:     s.appends.Load(),
		Reads:       s.reads.Load(),
		BytesRaw:    s.bytesRaw.Load(),
		BytesStored: s.bytesStored.Load(),
	}
}
