package uppend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/uppend/blobstore"
	"github.com/hupe1980/uppend/internal/fs"
	"github.com/hupe1980/uppend/internal/hash"
	"github.com/hupe1980/uppend/internal/lock"
	"github.com/hupe1980/uppend/internal/manifest"
	"github.com/hupe1980/uppend/internal/resource"
)

const (
	backupIndexName = "index.json"
	backupFilesDir  = "files"
	backupVersion   = 1
)

var (
	// ErrBackupNotFound is returned when no backup matches the requested id.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrBackupCorrupt is returned when a restored file fails verification.
	ErrBackupCorrupt = errors.New("backup is corrupt")

	// ErrRestoreTarget is returned when the restore directory already holds a store.
	ErrRestoreTarget = errors.New("restore target is not empty")
)

// BackupFile describes one store file in a backup.
type BackupFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Stored int64  `json:"stored"`
	CRC32C uint32 `json:"crc32c"`
}

// BackupIndex is the manifest of one backup, stored as <id>/index.json.
type BackupIndex struct {
	Version        int          `json:"version"`
	ID             string       `json:"id"`
	CreatedAt      time.Time    `json:"created_at"`
	ValuesPerBlock int          `json:"values_per_block"`
	HashDepth      int          `json:"hash_depth"`
	Files          []BackupFile `json:"files"`
}

// TotalSize returns the uncompressed size of all files.
func (b *BackupIndex) TotalSize() int64 {
	var n int64
	for _, f := range b.Files {
		n += f.Size
	}
	return n
}

func newBackupID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

// Backup flushes the store and copies every file to dst as zstd objects
// under a fresh backup id, then points blobstore.LatestName at it.
// Appends, reads and Clear wait while the backup runs. Transfers are
// throttled by WithIOLimit.
func (s *Store) Backup(ctx context.Context, dst blobstore.BlobStore) (id string, err error) {
	if s.opts.readOnly {
		return "", ErrReadOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	if err := s.flushLocked(ctx); err != nil {
		return "", err
	}

	idx := &BackupIndex{
		Version:        backupVersion,
		CreatedAt:      time.Now().UTC(),
		ValuesPerBlock: s.manifest.ValuesPerBlock,
		HashDepth:      s.manifest.HashDepth,
	}
	idx.ID = newBackupID(idx.CreatedAt)
	defer func() {
		s.logger.LogBackup(ctx, "backup", idx.ID, len(idx.Files), idx.TotalSize(), err)
	}()

	paths, err := s.backupPaths()
	if err != nil {
		return "", err
	}
	for _, rel := range paths {
		f, err := copyToBlob(ctx, s.opts.fs, s.rc, filepath.Join(s.dir, filepath.FromSlash(rel)), dst, path.Join(idx.ID, backupFilesDir, rel))
		if err != nil {
			return "", fmt.Errorf("backup %s: %w", rel, err)
		}
		f.Path = rel
		idx.Files = append(idx.Files, f)
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return "", err
	}
	indexName := path.Join(idx.ID, backupIndexName)
	if cp, ok := dst.(blobstore.ConditionalPutter); ok {
		err = cp.PutIfAbsent(ctx, indexName, data)
	} else {
		err = dst.Put(ctx, indexName, data)
	}
	if err != nil {
		return "", fmt.Errorf("write backup index: %w", err)
	}
	if err := dst.Put(ctx, blobstore.LatestName, []byte(idx.ID)); err != nil {
		return "", fmt.Errorf("publish backup: %w", err)
	}
	return idx.ID, nil
}

// backupPaths lists the store files relative to the store directory, with
// slash separators. The lock file and cleared leftovers are skipped.
func (s *Store) backupPaths() ([]string, error) {
	var out []string
	var walk func(rel string) error
	walk = func(rel string) error {
		entries, err := s.opts.fs.ReadDir(filepath.Join(s.dir, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, ".") || (rel == "" && name == lock.FileName) {
				continue
			}
			child := path.Join(rel, name)
			if e.IsDir() {
				if err := walk(child); err != nil {
					return err
				}
				continue
			}
			if e.Type().IsRegular() {
				out = append(out, child)
			}
		}
		return nil
	}
	if err := walk(""); err != nil {
		return nil, err
	}
	slices.Sort(out)
	return out, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func copyToBlob(ctx context.Context, fsys fs.FileSystem, rc *resource.Controller, src string, dst blobstore.BlobStore, name string) (BackupFile, error) {
	f, err := fsys.OpenFile(src, os.O_RDONLY, 0)
	if err != nil {
		return BackupFile{}, err
	}
	defer f.Close()

	w, err := dst.Create(ctx, name)
	if err != nil {
		return BackupFile{}, err
	}
	cw := &countingWriter{w: w}
	enc, err := zstd.NewWriter(cw)
	if err != nil {
		_ = blobstore.Abort(w)
		return BackupFile{}, err
	}

	crc := hash.NewCRC32C()
	size, err := io.Copy(io.MultiWriter(enc, crc), resource.NewRateLimitedReader(ctx, f, rc))
	if err == nil {
		err = enc.Close()
	}
	if err != nil {
		_ = enc.Close()
		_ = blobstore.Abort(w)
		return BackupFile{}, err
	}
	if err := w.Close(); err != nil {
		return BackupFile{}, err
	}
	return BackupFile{Size: size, Stored: cw.n, CRC32C: crc.Sum32()}, nil
}

// Backups lists the ids of the backups in src, oldest first.
func Backups(ctx context.Context, src blobstore.BlobStore) ([]string, error) {
	names, err := src.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, name := range names {
		if id, ok := strings.CutSuffix(name, "/"+backupIndexName); ok && !strings.Contains(id, "/") {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// LatestBackup returns the id blobstore.LatestName points at.
func LatestBackup(ctx context.Context, src blobstore.BlobStore) (string, error) {
	data, err := blobstore.ReadAll(ctx, src, blobstore.LatestName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return "", ErrBackupNotFound
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadBackupIndex loads the index of backup id.
func ReadBackupIndex(ctx context.Context, src blobstore.BlobStore, id string) (*BackupIndex, error) {
	data, err := blobstore.ReadAll(ctx, src, path.Join(id, backupIndexName))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
		}
		return nil, err
	}
	idx := &BackupIndex{}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("%w: index of %s: %w", ErrBackupCorrupt, id, err)
	}
	if idx.Version != backupVersion {
		return nil, fmt.Errorf("%w: backup version %d", ErrIncompatibleFormat, idx.Version)
	}
	return idx, nil
}

// Restore recreates the store of backup id from src in dir. An empty id
// restores the latest backup. dir must not hold a store. Only WithIOLimit
// and WithLogger apply.
func Restore(ctx context.Context, src blobstore.BlobStore, id, dir string, optFns ...Option) (err error) {
	o := applyOptions(optFns)

	var idx *BackupIndex
	defer func() {
		files, size := 0, int64(0)
		if idx != nil {
			files, size = len(idx.Files), idx.TotalSize()
		}
		o.logger.LogBackup(ctx, "restore", id, files, size, err)
	}()

	if id == "" {
		if id, err = LatestBackup(ctx, src); err != nil {
			return err
		}
	}
	if idx, err = ReadBackupIndex(ctx, src, id); err != nil {
		return err
	}

	if _, err := o.fs.Stat(filepath.Join(dir, manifest.FileName)); err == nil {
		return fmt.Errorf("%w: %s", ErrRestoreTarget, dir)
	}
	if err := o.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	lk, err := lock.Acquire(dir, false)
	if err != nil {
		return translateError(err)
	}
	defer lk.Release()

	rc := resource.NewController(resource.Config{IOLimitBytesPerSec: o.ioLimit})
	for _, f := range idx.Files {
		if f.Path == manifest.FileName {
			continue
		}
		if err := restoreFile(ctx, o.fs, rc, src, path.Join(id, backupFilesDir, f.Path), dir, f); err != nil {
			return fmt.Errorf("restore %s: %w", f.Path, err)
		}
	}
	// The manifest goes last: a directory without one is not a store yet.
	for _, f := range idx.Files {
		if f.Path == manifest.FileName {
			if err := restoreFile(ctx, o.fs, rc, src, path.Join(id, backupFilesDir, f.Path), dir, f); err != nil {
				return fmt.Errorf("restore %s: %w", f.Path, err)
			}
		}
	}
	return fs.SyncDir(o.fs, dir)
}

func restoreFile(ctx context.Context, fsys fs.FileSystem, rc *resource.Controller, src blobstore.BlobStore, name, dir string, meta BackupFile) error {
	b, err := src.Open(ctx, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return fmt.Errorf("%w: missing %s", ErrBackupCorrupt, name)
		}
		return err
	}
	defer b.Close()

	r, err := b.ReadRange(ctx, 0, b.Size())
	if err != nil {
		return err
	}
	defer r.Close()

	dec, err := zstd.NewReader(resource.NewRateLimitedReader(ctx, r, rc))
	if err != nil {
		return err
	}
	defer dec.Close()

	target := filepath.Join(dir, filepath.FromSlash(meta.Path))
	if err := fsys.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp := target + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	crc := hash.NewCRC32C()
	n, err := io.Copy(io.MultiWriter(f, crc), dec)
	if err == nil && (n != meta.Size || crc.Sum32() != meta.CRC32C) {
		err = fmt.Errorf("%w: %s has %d bytes crc %08x, want %d bytes crc %08x",
			ErrBackupCorrupt, meta.Path, n, crc.Sum32(), meta.Size, meta.CRC32C)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	return fsys.Rename(tmp, target)
}
