package chain

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/uppend/internal/mmap"
)

const (
	// Sentinel marks "no chain". Reading it yields nothing.
	Sentinel int64 = -1

	// DefaultValuesPerBlock is the block capacity used when none is configured.
	DefaultValuesPerBlock = 127

	headerSize    = 64
	magic         = 0x55505043484e3031 // "UPPCHN01"
	formatVersion = 1

	lockStripes = 1024
)

// Header word indexes.
const (
	hdrMagic = iota
	hdrVersion
	hdrValuesPerBlock
	hdrEnd
	hdrAppends
	hdrAllocs
)

type options struct {
	valuesPerBlock int
	pageSize       int64
	maxPages       int
	readOnly       bool
	logger         *slog.Logger
}

// Option configures a Store.
type Option func(*options)

// WithValuesPerBlock sets the block capacity. It is fixed for the life of a file.
func WithValuesPerBlock(n int) Option {
	return func(o *options) { o.valuesPerBlock = n }
}

// WithPageSize sets the mmap page size.
func WithPageSize(n int64) Option {
	return func(o *options) { o.pageSize = n }
}

// WithMaxPages bounds the number of pages, and therefore the file size.
func WithMaxPages(n int) Option {
	return func(o *options) { o.maxPages = n }
}

// WithReadOnly opens the store without write access.
func WithReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Stats reports block store activity.
type Stats struct {
	PagesLoaded int64
	Size        int64
	Appends     int64
	Allocs      int64
	ValuesRead  int64
}

// Store is an append-only file of value-chain blocks.
//
// Allocate and Append are safe for concurrent use. Appends to one chain are
// serialized by a striped lock on the chain's root position; different
// chains only contend on the allocation counter. Values may run concurrently
// with anything but Clear and Close.
type Store struct {
	path           string
	valuesPerBlock int
	blockSize      int64
	readOnly       bool
	arena          *mmap.Arena
	logger         *slog.Logger

	allocMu sync.Mutex
	end     atomic.Int64
	locks   [lockStripes]sync.Mutex

	appends    atomic.Int64
	allocs     atomic.Int64
	valuesRead atomic.Int64
	closed     atomic.Bool
}

// Open opens or creates the block file at path.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{
		valuesPerBlock: DefaultValuesPerBlock,
		logger:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.valuesPerBlock <= 0 {
		return nil, fmt.Errorf("chain: values per block must be positive, got %d", o.valuesPerBlock)
	}

	flag := os.O_RDWR | os.O_CREATE
	if o.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	arena, err := mmap.NewArena(f, mmap.ArenaOptions{
		PageSize: o.pageSize,
		MaxPages: o.maxPages,
		Writable: !o.readOnly,
		Advice:   mmap.AccessRandom,
	})
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &Store{
		path:           path,
		valuesPerBlock: o.valuesPerBlock,
		blockSize:      int64(o.valuesPerBlock+1) * 8,
		readOnly:       o.readOnly,
		arena:          arena,
		logger:         o.logger.With("path", path),
	}
	if err := s.init(); err != nil {
		arena.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	size := s.arena.FileSize()
	if size == 0 {
		s.end.Store(headerSize)
		if s.readOnly {
			return nil
		}
		return s.writeHeader()
	}
	if size < headerSize {
		return fmt.Errorf("%w: file shorter than header (%d bytes)", ErrCorrupt, size)
	}

	word := func(i int) (int64, error) {
		w, err := s.arena.Word(int64(i) * 8)
		if err != nil {
			return 0, err
		}
		return atomic.LoadInt64(w), nil
	}
	var hdr [hdrAllocs + 1]int64
	for i := range hdr {
		v, err := word(i)
		if err != nil {
			return err
		}
		hdr[i] = v
	}

	if hdr[hdrMagic] != magic {
		return fmt.Errorf("%w: bad magic %#x", ErrCorrupt, hdr[hdrMagic])
	}
	if hdr[hdrVersion] != formatVersion {
		return fmt.Errorf("%w: version %d", ErrIncompatibleFormat, hdr[hdrVersion])
	}
	if hdr[hdrValuesPerBlock] != int64(s.valuesPerBlock) {
		return fmt.Errorf("%w: file has %d values per block, configured %d",
			ErrIncompatibleFormat, hdr[hdrValuesPerBlock], s.valuesPerBlock)
	}
	end := hdr[hdrEnd]
	if end < headerSize || (end-headerSize)%s.blockSize != 0 || end > size {
		return fmt.Errorf("%w: end position %d (file size %d)", ErrCorrupt, end, size)
	}

	s.end.Store(end)
	s.appends.Store(hdr[hdrAppends])
	s.allocs.Store(hdr[hdrAllocs])
	return nil
}

func (s *Store) writeHeader() error {
	hdr := [...]int64{
		hdrMagic:          magic,
		hdrVersion:        formatVersion,
		hdrValuesPerBlock: int64(s.valuesPerBlock),
		hdrEnd:            s.end.Load(),
		hdrAppends:        s.appends.Load(),
		hdrAllocs:         s.allocs.Load(),
	}
	for i, v := range hdr {
		if err := s.storeWord(int64(i)*8, v); err != nil {
			return err
		}
	}
	return nil
}

// ValuesPerBlock returns the block capacity.
func (s *Store) ValuesPerBlock() int { return s.valuesPerBlock }

// Allocate reserves a new empty block and returns its position.
func (s *Store) Allocate() (int64, error) {
	if err := s.writable(); err != nil {
		return 0, err
	}

	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	pos := s.end.Load()
	next := pos + s.blockSize
	// Grow the mapping to cover the whole block before publishing it.
	if _, err := s.word(next - 8); err != nil {
		return 0, err
	}
	if err := s.storeWord(pos, countHeader(0)); err != nil {
		return 0, err
	}
	if err := s.storeWord(hdrEnd*8, next); err != nil {
		return 0, err
	}
	s.end.Store(next)
	s.allocs.Add(1)
	return pos, nil
}

// Append adds value to the end of the chain rooted at pos.
func (s *Store) Append(pos, value int64) error {
	if err := s.writable(); err != nil {
		return err
	}
	if err := s.checkPosition(pos); err != nil {
		return err
	}

	mu := &s.locks[(pos/s.blockSize)%lockStripes]
	mu.Lock()
	defer mu.Unlock()

	for {
		hw, err := s.word(pos)
		if err != nil {
			return err
		}
		h, err := s.decodeHeader(atomic.LoadInt64(hw), pos)
		if err != nil {
			return err
		}

		if h.kind == blockContinuation {
			if h.next >= s.end.Load() {
				return fmt.Errorf("%w: block %d continues past end at %d", ErrCorrupt, pos, h.next)
			}
			pos = h.next
			continue
		}

		if h.count < s.valuesPerBlock {
			if err := s.storeWord(s.slot(pos, h.count), value); err != nil {
				return err
			}
			atomic.StoreInt64(hw, countHeader(h.count+1))
			s.appends.Add(1)
			return nil
		}

		// Full and unlinked: fill the continuation before it becomes reachable.
		next, err := s.Allocate()
		if err != nil {
			return err
		}
		if err := s.storeWord(s.slot(next, 0), value); err != nil {
			return err
		}
		if err := s.storeWord(next, countHeader(1)); err != nil {
			return err
		}
		atomic.StoreInt64(hw, continuationHeader(next))
		s.appends.Add(1)
		return nil
	}
}

// Values returns the values of the chain rooted at pos in append order.
//
// The sentinel and positions at or after the current end yield nothing: such
// a chain has not been linked yet. Values appended while the iteration runs
// may or may not be observed.
func (s *Store) Values(pos int64) iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		if pos == Sentinel {
			return
		}
		for pos < s.end.Load() {
			h, err := s.readHeader(pos)
			if err != nil {
				yield(0, err)
				return
			}
			for i := range h.values(s.valuesPerBlock) {
				v, err := s.loadWord(s.slot(pos, i))
				if err != nil {
					yield(0, err)
					return
				}
				s.valuesRead.Add(1)
				if !yield(v, nil) {
					return
				}
			}
			if h.kind != blockContinuation {
				return
			}
			pos = h.next
		}
	}
}

// LastValue returns the most recently appended value of the chain at pos.
func (s *Store) LastValue(pos int64) (int64, bool, error) {
	if pos == Sentinel {
		return 0, false, nil
	}
	var (
		last  int64
		found bool
	)
	for pos < s.end.Load() {
		h, err := s.readHeader(pos)
		if err != nil {
			return 0, false, err
		}
		if n := h.values(s.valuesPerBlock); n > 0 {
			v, err := s.loadWord(s.slot(pos, n-1))
			if err != nil {
				return 0, false, err
			}
			last, found = v, true
			s.valuesRead.Add(1)
		}
		if h.kind != blockContinuation {
			break
		}
		pos = h.next
	}
	return last, found, nil
}

// Flush persists the counters and msyncs every mapped page.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.readOnly {
		return nil
	}
	if err := s.storeWord(hdrAppends*8, s.appends.Load()); err != nil {
		return err
	}
	if err := s.storeWord(hdrAllocs*8, s.allocs.Load()); err != nil {
		return err
	}
	return s.arena.Sync()
}

// Clear drops every block. The caller must ensure no other operation on the
// store runs concurrently.
func (s *Store) Clear() error {
	if err := s.writable(); err != nil {
		return err
	}

	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	if err := s.arena.Truncate(0); err != nil {
		return err
	}
	s.end.Store(headerSize)
	s.appends.Store(0)
	s.allocs.Store(0)
	s.valuesRead.Store(0)
	if err := s.writeHeader(); err != nil {
		return err
	}
	s.logger.Debug("block store cleared")
	return nil
}

// Close flushes and unmaps the store. It is idempotent.
func (s *Store) Close() error {
	if s.closed.Load() {
		return nil
	}
	err := s.Flush()
	s.closed.Store(true)
	return errors.Join(err, s.arena.Close())
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	return Stats{
		PagesLoaded: s.arena.Loaded(),
		Size:        s.end.Load(),
		Appends:     s.appends.Load(),
		Allocs:      s.allocs.Load(),
		ValuesRead:  s.valuesRead.Load(),
	}
}

func (s *Store) writable() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (s *Store) aligned(pos int64) bool {
	return pos >= headerSize && (pos-headerSize)%s.blockSize == 0
}

func (s *Store) checkPosition(pos int64) error {
	if !s.aligned(pos) {
		return fmt.Errorf("%w: position %d is not a block boundary", ErrCorrupt, pos)
	}
	if pos >= s.end.Load() {
		return fmt.Errorf("%w: position %d is past the end", ErrCorrupt, pos)
	}
	return nil
}

func (s *Store) readHeader(pos int64) (blockHeader, error) {
	if !s.aligned(pos) {
		return blockHeader{}, fmt.Errorf("%w: position %d is not a block boundary", ErrCorrupt, pos)
	}
	raw, err := s.loadWord(pos)
	if err != nil {
		return blockHeader{}, err
	}
	return s.decodeHeader(raw, pos)
}

func (s *Store) slot(pos int64, i int) int64 {
	return pos + 8 + int64(i)*8
}

func (s *Store) word(off int64) (*int64, error) {
	w, err := s.arena.Word(off)
	if errors.Is(err, mmap.ErrClosed) {
		return nil, ErrClosed
	}
	return w, err
}

func (s *Store) loadWord(off int64) (int64, error) {
	w, err := s.word(off)
	if err != nil {
		return 0, err
	}
	return atomic.LoadInt64(w), nil
}

func (s *Store) storeWord(off, v int64) error {
	w, err := s.word(off)
	if err != nil {
		return err
	}
	atomic.StoreInt64(w, v)
	return nil
}
