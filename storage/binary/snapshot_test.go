package binary

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapRecord struct {
	key, value       string
	created, updated int64
}

func writeTestSnapshot(t *testing.T, path string, lastSeq uint64, records []snapRecord) {
	t.Helper()
	sw, err := NewSnapshotWriter(path, 3, lastSeq, 1700000000)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, sw.Append([]byte(r.key), []byte(r.value), r.created, r.updated))
	}
	require.NoError(t, sw.Close())
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), SnapshotFilename(1))
	records := []snapRecord{
		{"a", "1", 10, 11},
		{"b", "22", 20, 21},
		{"c", "", 30, 30},
	}
	writeTestSnapshot(t, path, 77, records)

	var got []snapRecord
	lastSeq, err := ReadSnapshot(path, 4096, 1<<20, func(key, value []byte, created, updated int64) error {
		got = append(got, snapRecord{string(key), string(value), created, updated})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(77), lastSeq)
	assert.Equal(t, records, got)
}

func TestSnapshotEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), SnapshotFilename(1))
	writeTestSnapshot(t, path, 0, nil)

	n := 0
	lastSeq, err := ReadSnapshot(path, 4096, 1<<20, func(key, value []byte, created, updated int64) error {
		n++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, lastSeq)
	assert.Zero(t, n)
}

func TestSnapshotDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), SnapshotFilename(1))
	writeTestSnapshot(t, path, 5, []snapRecord{{"key", "value-to-be-damaged", 1, 2}})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the compressed payload.
	data[snapshotHdrSize+8+4] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = ReadSnapshot(path, 4096, 1<<20, func(key, value []byte, created, updated int64) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)
}

func TestSnapshotRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), SnapshotFilename(1))
	writeTestSnapshot(t, path, 5, []snapRecord{{"k", "v", 1, 2}})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = ReadSnapshot(path, 4096, 1<<20, func(key, value []byte, created, updated int64) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)
}

func TestLatestSnapshotAndPruning(t *testing.T) {
	dir := t.TempDir()

	_, _, found, err := LatestSnapshot(dir)
	require.NoError(t, err)
	assert.False(t, found)

	for gen := uint64(1); gen <= 3; gen++ {
		writeTestSnapshot(t, filepath.Join(dir, SnapshotFilename(gen)), gen*10,
			[]snapRecord{{fmt.Sprintf("g%d", gen), "v", 1, 1}})
	}

	path, gen, found, err := LatestSnapshot(dir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(3), gen)
	assert.Equal(t, filepath.Join(dir, SnapshotFilename(3)), path)

	require.NoError(t, RemoveOldSnapshots(dir, 3))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, SnapshotFilename(3), entries[0].Name())
}
