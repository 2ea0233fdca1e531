package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hupe1980/uppend/internal/fs"
)

const (
	FileName = "MANIFEST"
	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1
)

// Manifest records the format parameters of a store.
type Manifest struct {
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	ValuesPerBlock int       `json:"values_per_block"`
	HashDepth      int       `json:"hash_depth"`
	Compression    string    `json:"compression"`
}

// New creates a manifest for a new store.
func New(valuesPerBlock, hashDepth int, compression string) *Manifest {
	return &Manifest{
		Version:        CurrentVersion,
		CreatedAt:      time.Now().UTC(),
		ValuesPerBlock: valuesPerBlock,
		HashDepth:      hashDepth,
		Compression:    compression,
	}
}

// Check returns ErrMismatch if want differs from m in any format parameter.
// Zero parameters in want are not checked. The compression codec may
// change: payload records carry their own codec.
func (m *Manifest) Check(want *Manifest) error {
	if want.ValuesPerBlock != 0 && m.ValuesPerBlock != want.ValuesPerBlock {
		return fmt.Errorf("%w: values per block %d, configured %d", ErrMismatch, m.ValuesPerBlock, want.ValuesPerBlock)
	}
	if want.HashDepth != 0 && m.HashDepth != want.HashDepth {
		return fmt.Errorf("%w: hash depth %d, configured %d", ErrMismatch, m.HashDepth, want.HashDepth)
	}
	return nil
}

// Load reads the manifest in dir.
func Load(fsys fs.FileSystem, dir string) (*Manifest, error) {
	data, err := fs.ReadFile(fsys, filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if m.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, m.Version)
	}
	return m, nil
}

// Save atomically writes m to dir.
func Save(fsys fs.FileSystem, dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(fsys, filepath.Join(dir, FileName), data); err != nil {
		return err
	}
	return fs.SyncDir(fsys, dir)
}

// LoadOrCreate loads the manifest in dir and checks it against want, or
// creates one for a new store from want with zero parameters taken from
// defaults. Read-only callers never write.
func LoadOrCreate(fsys fs.FileSystem, dir string, want, defaults *Manifest, readOnly bool) (*Manifest, error) {
	m, err := Load(fsys, dir)
	switch {
	case err == nil:
		if err := m.Check(want); err != nil {
			return nil, err
		}
		if want.Compression != "" && want.Compression != m.Compression {
			m.Compression = want.Compression
			if !readOnly {
				if err := Save(fsys, dir, m); err != nil {
					return nil, err
				}
			}
		}
		return m, nil
	case errors.Is(err, ErrNotFound):
		created := *want
		if created.ValuesPerBlock == 0 {
			created.ValuesPerBlock = defaults.ValuesPerBlock
		}
		if created.HashDepth == 0 {
			created.HashDepth = defaults.HashDepth
		}
		if created.Compression == "" {
			created.Compression = defaults.Compression
		}
		if !readOnly {
			if err := Save(fsys, dir, &created); err != nil {
				return nil, err
			}
		}
		return &created, nil
	default:
		return nil, err
	}
}
