package lookup

import (
	"bytes"
	"path/filepath"
	"slices"
	"sort"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKeys(seed int64, n int) [][]byte {
	f := fuzz.NewWithSeed(seed).NilChance(0)
	seen := make(map[[8]byte]struct{}, n)
	keys := make([][]byte, 0, n)
	for len(keys) < n {
		var k [8]byte
		f.Fuzz(&k)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k[:])
	}
	return keys
}

// linearHint is the index of the last key smaller than k in sorted.
func linearHint(sorted [][]byte, k []byte) int64 {
	return int64(sort.Search(len(sorted), func(i int) bool { return bytes.Compare(sorted[i], k) >= 0 })) - 1
}

func TestSnapshot_BisectionMatchesLinearScan(t *testing.T) {
	d := openTestData(t, filepath.Join(t.TempDir(), "shard"), 8)

	keys := randomKeys(1, 600)
	// Two flushes so the second snapshot is produced by merging.
	for i, k := range keys {
		_, _, err := d.Put(NewKey(k), int64(i))
		require.NoError(t, err)
		if i == 299 {
			require.NoError(t, d.Flush())
		}
	}
	require.NoError(t, d.Flush())

	snap := d.Snapshot()
	require.Equal(t, len(keys), snap.Len())
	assert.Equal(t, int64(2), snap.Generation())

	sorted := slices.Clone(keys)
	slices.SortFunc(sorted, bytes.Compare)
	assert.Equal(t, sorted[0], snap.MinKey())
	assert.Equal(t, sorted[len(sorted)-1], snap.MaxKey())

	for i, k := range keys {
		order, ok, err := snap.FindPosition(NewKey(k))
		require.NoError(t, err)
		require.True(t, ok, "key %x", k)
		assert.Equal(t, int64(i), order)
	}

	for _, k := range randomKeys(2, 300) {
		if _, exists := slices.BinarySearchFunc(sorted, k, bytes.Compare); exists {
			continue
		}
		key := NewKey(k)
		_, ok, err := snap.FindPosition(key)
		require.NoError(t, err)
		require.False(t, ok)
		after, gen := key.hint()
		assert.Equal(t, linearHint(sorted, k), after, "key %x", k)
		assert.Equal(t, snap.Generation(), gen)
	}
}

func TestSnapshot_SmallSizes(t *testing.T) {
	for n := 0; n <= 3; n++ {
		d := openTestData(t, filepath.Join(t.TempDir(), "shard"), 1)
		var sorted [][]byte
		for i := range n {
			k := []byte{byte('b' + 2*i)} // b, d, f
			sorted = append(sorted, k)
			_, _, err := d.Put(NewKey(k), int64(i))
			require.NoError(t, err)
		}
		require.NoError(t, d.Flush())
		snap := d.Snapshot()

		for c := byte('a'); c <= 'g'; c++ {
			key := NewKey([]byte{c})
			order, ok, err := snap.FindPosition(key)
			require.NoError(t, err)

			idx, exists := slices.BinarySearchFunc(sorted, []byte{c}, bytes.Compare)
			require.Equal(t, exists, ok, "n=%d key=%c", n, c)
			if exists {
				assert.Equal(t, int64(idx), order)
				continue
			}
			after, _ := key.hint()
			assert.Equal(t, linearHint(sorted, []byte{c}), after, "n=%d key=%c", n, c)
		}
	}
}

func TestSnapshot_EncodeDecode(t *testing.T) {
	d := openTestData(t, filepath.Join(t.TempDir(), "shard"), 8)
	for i, k := range randomKeys(3, 50) {
		_, _, err := d.Put(NewKey(k), int64(i))
		require.NoError(t, err)
	}
	require.NoError(t, d.Flush())

	snap := d.Snapshot()
	data := snap.encode()

	got, err := decodeSnapshot(data, d.log, 50)
	require.NoError(t, err)
	assert.Equal(t, snap.positions, got.positions)
	assert.Equal(t, snap.MinKey(), got.MinKey())
	assert.Equal(t, snap.MaxKey(), got.MaxKey())
	assert.Equal(t, snap.Generation(), got.Generation())

	t.Run("MoreKeysThanRecords", func(t *testing.T) {
		_, err := decodeSnapshot(data, d.log, 49)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("Checksum", func(t *testing.T) {
		bad := slices.Clone(data)
		bad[10] ^= 0xff
		_, err := decodeSnapshot(bad, d.log, 50)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("Truncated", func(t *testing.T) {
		_, err := decodeSnapshot(data[:3], d.log, 50)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}
