package uppend

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/uppend/blobstore"
)

func fillStore(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	for p := range 2 {
		for i := range 40 {
			key := "k" + strconv.Itoa(i%7)
			require.NoError(t, s.Append(ctx, "part"+strconv.Itoa(p), key, []byte("value-"+strconv.Itoa(i))))
		}
	}
}

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	src := openTestStore(t, t.TempDir(), WithValuesPerBlock(5), WithCompression(CompressionZstd))
	fillStore(t, src)

	for _, tc := range []struct {
		name  string
		store blobstore.BlobStore
	}{
		{"Memory", blobstore.NewMemoryStore()},
		{"Local", blobstore.NewLocalStore(t.TempDir())},
	} {
		t.Run(tc.name, func(t *testing.T) {
			id, err := src.Backup(ctx, tc.store)
			require.NoError(t, err)
			require.NotEmpty(t, id)

			latest, err := LatestBackup(ctx, tc.store)
			require.NoError(t, err)
			assert.Equal(t, id, latest)

			idx, err := ReadBackupIndex(ctx, tc.store, id)
			require.NoError(t, err)
			assert.Equal(t, 5, idx.ValuesPerBlock)
			assert.Positive(t, idx.TotalSize())
			for _, f := range idx.Files {
				assert.NotEqual(t, "LOCK", f.Path)
			}

			dir := filepath.Join(t.TempDir(), "restored")
			require.NoError(t, Restore(ctx, tc.store, "", dir))

			dst := openTestStore(t, dir, WithReadOnly())
			assert.Equal(t, 5, dst.ValuesPerBlock())
			for p := range 2 {
				part := "part" + strconv.Itoa(p)
				assert.Equal(t, keysOf(t, src, part), keysOf(t, dst, part))
				for k := range 7 {
					key := "k" + strconv.Itoa(k)
					assert.Equal(t, readAll(t, src.Read(ctx, part, key)), readAll(t, dst.Read(ctx, part, key)))
				}
			}

			t.Run("TargetNotEmpty", func(t *testing.T) {
				assert.ErrorIs(t, Restore(ctx, tc.store, id, dir), ErrRestoreTarget)
			})
		})
	}
}

func TestBackup_Latest(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	s := openTestStore(t, t.TempDir())

	_, err := LatestBackup(ctx, bs)
	assert.ErrorIs(t, err, ErrBackupNotFound)

	require.NoError(t, s.Append(ctx, "p", "k", []byte("first")))
	first, err := s.Backup(ctx, bs)
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, "p", "k", []byte("second")))
	second, err := s.Backup(ctx, bs)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	ids, err := Backups(ctx, bs)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first, second}, ids)

	t.Run("ById", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, Restore(ctx, bs, first, dir))
		r := openTestStore(t, dir, WithReadOnly())
		assert.Equal(t, []string{"first"}, readAll(t, r.Read(ctx, "p", "k")))
	})

	t.Run("Latest", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, Restore(ctx, bs, "", dir))
		r := openTestStore(t, dir, WithReadOnly())
		assert.Equal(t, []string{"first", "second"}, readAll(t, r.Read(ctx, "p", "k")))
	})

	t.Run("Unknown", func(t *testing.T) {
		assert.ErrorIs(t, Restore(ctx, bs, "nope", t.TempDir()), ErrBackupNotFound)
	})
}

func TestBackup_WriteFailure(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	s := openTestStore(t, t.TempDir())
	fillStore(t, s)

	first, err := s.Backup(ctx, bs)
	require.NoError(t, err)
	boom := errors.New("boom")

	t.Run("Files", func(t *testing.T) {
		// Backup ids start with the year.
		bs.FailWrites("2", boom)
		defer bs.FailWrites("2", nil)

		_, err := s.Backup(ctx, bs)
		assert.ErrorIs(t, err, boom)
		latest, err := LatestBackup(ctx, bs)
		require.NoError(t, err)
		assert.Equal(t, first, latest)
	})

	t.Run("Latest", func(t *testing.T) {
		bs.FailWrites(blobstore.LatestName, boom)
		defer bs.FailWrites(blobstore.LatestName, nil)

		_, err := s.Backup(ctx, bs)
		assert.ErrorIs(t, err, boom)
		latest, err := LatestBackup(ctx, bs)
		require.NoError(t, err)
		assert.Equal(t, first, latest)
	})

	// The store keeps working after failed backups.
	require.NoError(t, s.Append(ctx, "part0", "k0", []byte("after")))
	_, err = s.Backup(ctx, bs)
	require.NoError(t, err)
}

func TestRestore_Corrupt(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	s := openTestStore(t, t.TempDir())
	fillStore(t, s)

	id, err := s.Backup(ctx, bs)
	require.NoError(t, err)
	idx, err := ReadBackupIndex(ctx, bs, id)
	require.NoError(t, err)
	require.NotEmpty(t, idx.Files)

	t.Run("MissingFile", func(t *testing.T) {
		victim := path.Join(id, backupFilesDir, idx.Files[0].Path)
		data, err := blobstore.ReadAll(ctx, bs, victim)
		require.NoError(t, err)
		require.NoError(t, bs.Delete(ctx, victim))
		t.Cleanup(func() { _ = bs.Put(ctx, victim, data) })

		assert.ErrorIs(t, Restore(ctx, bs, id, t.TempDir()), ErrBackupCorrupt)
	})

	t.Run("ChecksumMismatch", func(t *testing.T) {
		bad := *idx
		bad.Files = append([]BackupFile(nil), idx.Files...)
		bad.Files[0].CRC32C ^= 1
		bad.ID = "tampered"
		for _, f := range idx.Files {
			data, err := blobstore.ReadAll(ctx, bs, path.Join(id, backupFilesDir, f.Path))
			require.NoError(t, err)
			require.NoError(t, bs.Put(ctx, path.Join(bad.ID, backupFilesDir, f.Path), data))
		}
		putIndex(t, bs, &bad)

		dir := t.TempDir()
		assert.ErrorIs(t, Restore(ctx, bs, bad.ID, dir), ErrBackupCorrupt)
	})
}

func TestBackup_ReadOnly(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	r := openTestStore(t, dir, WithReadOnly())
	_, err = r.Backup(context.Background(), blobstore.NewMemoryStore())
	assert.ErrorIs(t, err, ErrReadOnly)
}

func putIndex(t *testing.T, bs blobstore.BlobStore, idx *BackupIndex) {
	t.Helper()
	data, err := json.Marshal(idx)
	require.NoError(t, err)
	require.NoError(t, bs.Put(context.Background(), path.Join(idx.ID, backupIndexName), data))
}
