package uppend

import (
	"errors"
	"os"
	"path/filepath"
	"unicode"
	"unicode/utf8"

	"github.com/hupe1980/uppend/internal/blob"
	"github.com/hupe1980/uppend/internal/chain"
	"github.com/hupe1980/uppend/internal/lookup"
)

const (
	lookupsDir    = "lookups"
	partitionsDir = "partitions"
	blocksFile    = "blocks"
	blobsFile     = "blobs"
)

// partition holds the value chains and payloads of one partition. Both are
// nil for a partition a read-only store has never seen written.
type partition struct {
	name   string
	blocks *chain.Store
	blobs  *blob.Store
}

func (p *partition) empty() bool { return p == nil || p.blocks == nil }

func (p *partition) flush() error {
	if p.empty() {
		return nil
	}
	return errors.Join(p.blobs.Flush(), p.blocks.Flush())
}

func (p *partition) close() error {
	if p.empty() {
		return nil
	}
	return errors.Join(p.blobs.Close(), p.blocks.Close())
}

// validPartition reports whether name is a letter or '_' followed by
// letters, digits, '_' or '-'.
func validPartition(name string) bool {
	if name == "" || !utf8.ValidString(name) {
		return false
	}
	for i, r := range name {
		switch {
		case unicode.IsLetter(r), r == '_':
		case i > 0 && (unicode.IsDigit(r) || r == '-'):
		default:
			return false
		}
	}
	return true
}

func checkArgs(partitionName, key string) error {
	if !validPartition(partitionName) {
		return ErrInvalidPartition
	}
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}

// partition returns the named partition, opening it on first use.
func (s *Store) partition(name string) (*partition, error) {
	s.partsMu.Lock()
	defer s.partsMu.Unlock()

	if p, ok := s.parts[name]; ok {
		return p, nil
	}
	p, err := s.openPartition(name)
	if err != nil {
		return nil, err
	}
	s.parts[name] = p
	return p, nil
}

func (s *Store) openPartition(name string) (*partition, error) {
	dir := filepath.Join(s.dir, partitionsDir, name)
	blocksPath := filepath.Join(dir, blocksFile)

	if s.opts.readOnly {
		if _, err := s.opts.fs.Stat(blocksPath); errors.Is(err, os.ErrNotExist) {
			return &partition{name: name}, nil
		}
	} else if err := s.opts.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	logger := s.logger.WithPartition(name).Logger
	chainOpts := []chain.Option{
		chain.WithValuesPerBlock(s.manifest.ValuesPerBlock),
		chain.WithMaxPages(s.opts.maxPages),
		chain.WithLogger(logger),
	}
	if s.opts.readOnly {
		chainOpts = append(chainOpts, chain.WithReadOnly())
	}
	blocks, err := chain.Open(blocksPath, chainOpts...)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.Open(s.opts.fs, filepath.Join(dir, blobsFile), blob.Options{
		ReadOnly:    s.opts.readOnly,
		Compression: s.compression,
		Cache:       s.cache,
		Partition:   s.cacheNamespace + name,
		Logger:      logger,
	})
	if err != nil {
		_ = blocks.Close()
		return nil, err
	}

	s.logger.Debug("partition opened", "partition", name)
	return &partition{name: name, blocks: blocks, blobs: blobs}, nil
}

// blockAppender serves the append buffer.
func (s *Store) blockAppender(name string) (lookup.BlockAppender, error) {
	p, err := s.partition(name)
	if err != nil {
		return nil, err
	}
	if p.empty() {
		return nil, ErrReadOnly
	}
	return p.blocks, nil
}

// openPartitions returns the partitions opened so far.
func (s *Store) openPartitions() []*partition {
	s.partsMu.Lock()
	defer s.partsMu.Unlock()

	out := make([]*partition, 0, len(s.parts))
	for _, p := range s.parts {
		out = append(out, p)
	}
	return out
}
