package lookup

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/uppend/internal/fs"
)

const (
	logFileName  = "keys"
	metaFileName = "meta"
)

// recordLog reads and writes the fixed-width (key, value) records of a
// shard. Record i lives at byte offset i*width; values are little-endian.
type recordLog struct {
	f      fs.File
	keyLen int
	width  int64
}

func newRecordLog(f fs.File, keyLen int) *recordLog {
	return &recordLog{f: f, keyLen: keyLen, width: int64(keyLen) + 8}
}

func (l *recordLog) readAt(buf []byte, off int64) error {
	if l.f == nil {
		return fmt.Errorf("%w: no log file", ErrCorrupt)
	}
	n, err := l.f.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: short record read at %d", ErrCorrupt, off)
	}
	return err
}

func (l *recordLog) readKey(order int64) ([]byte, error) {
	key := make([]byte, l.keyLen)
	if err := l.readAt(key, order*l.width); err != nil {
		return nil, err
	}
	return key, nil
}

func (l *recordLog) readRecord(order int64) ([]byte, int64, error) {
	rec := make([]byte, l.width)
	if err := l.readAt(rec, order*l.width); err != nil {
		return nil, 0, err
	}
	return rec[:l.keyLen], int64(binary.LittleEndian.Uint64(rec[l.keyLen:])), nil
}

func (l *recordLog) readValue(order int64) (int64, error) {
	var buf [8]byte
	if err := l.readAt(buf[:], order*l.width+int64(l.keyLen)); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func (l *recordLog) writeRecord(order int64, key []byte, value int64) error {
	rec := make([]byte, l.width)
	copy(rec, key)
	binary.LittleEndian.PutUint64(rec[l.keyLen:], uint64(value))
	_, err := l.f.WriteAt(rec, order*l.width)
	return err
}

func (l *recordLog) writeValue(order int64, value int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(value))
	_, err := l.f.WriteAt(buf[:], order*l.width+int64(l.keyLen))
	return err
}

// replay reads records [from, to) sequentially. The key slice passed to fn
// is only valid for the duration of the call.
func (l *recordLog) replay(from, to int64, fn func(order int64, key []byte, value int64) error) error {
	if from >= to {
		return nil
	}
	r := bufio.NewReaderSize(io.NewSectionReader(l.f, from*l.width, (to-from)*l.width), 64<<10)
	rec := make([]byte, l.width)
	for order := from; order < to; order++ {
		if _, err := io.ReadFull(r, rec); err != nil {
			return fmt.Errorf("%w: replay record %d: %w", ErrCorrupt, order, err)
		}
		if err := fn(order, rec[:l.keyLen], int64(binary.LittleEndian.Uint64(rec[l.keyLen:]))); err != nil {
			return err
		}
	}
	return nil
}
