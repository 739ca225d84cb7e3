package binary

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWALOptions() WALOptions {
	return WALOptions{
		FlushInterval: 2 * time.Millisecond,
		FlushBytes:    1 << 20,
		FlushEntries:  4096,
		MaxFileBytes:  64 << 20,
		MaxFrameBytes: testMaxFrame,
	}
}

func openTestWAL(t *testing.T, dir string, opts WALOptions) (*WAL, []*Entry) {
	t.Helper()
	var replayed []*Entry
	w, err := OpenWAL(dir, 0, opts, 0, func(e *Entry) error {
		cp := *e
		cp.Key = append([]byte(nil), e.Key...)
		cp.Value = append([]byte(nil), e.Value...)
		replayed = append(replayed, &cp)
		return nil
	})
	require.NoError(t, err)
	return w, replayed
}

func putEntry(i int) *Entry {
	return &Entry{
		Type:      EntryPut,
		Key:       []byte(fmt.Sprintf("key-%03d", i)),
		Value:     []byte(fmt.Sprintf("value-%03d", i)),
		Timestamp: uint64(i),
	}
}

func TestWALAppendSyncDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	w, replayed := openTestWAL(t, dir, testWALOptions())
	assert.Empty(t, replayed)

	for i := 1; i <= 10; i++ {
		seq, err := w.AppendSync(putEntry(i))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
		assert.GreaterOrEqual(t, w.LastDurable(), seq)
	}
	require.NoError(t, w.Close())

	_, replayed = openTestWAL(t, dir, testWALOptions())
	require.Len(t, replayed, 10)
	for i, e := range replayed {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, []byte(fmt.Sprintf("key-%03d", i+1)), e.Key)
	}
}

func TestWALBufferedAppendThenFlush(t *testing.T) {
	opts := testWALOptions()
	opts.FlushInterval = time.Hour // isolate: only explicit Flush
	w, _ := openTestWAL(t, t.TempDir(), opts)
	defer w.Close()

	seq, err := w.Append(putEntry(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	durable, err := w.Flush()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), durable)
	assert.Equal(t, uint64(1), w.LastDurable())
}

func waitDurable(t *testing.T, w *WAL, seq uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for w.LastDurable() < seq {
		if time.Now().After(deadline) {
			t.Fatalf("seq %d not durable after 2s (durable=%d)", seq, w.LastDurable())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWALFlushOnByteThreshold(t *testing.T) {
	opts := testWALOptions()
	opts.FlushInterval = time.Hour
	opts.FlushBytes = 1
	w, _ := openTestWAL(t, t.TempDir(), opts)
	defer w.Close()

	seq, err := w.Append(putEntry(1))
	require.NoError(t, err)
	waitDurable(t, w, seq)
}

func TestWALFlushOnEntryThreshold(t *testing.T) {
	opts := testWALOptions()
	opts.FlushInterval = time.Hour
	opts.FlushEntries = 4
	w, _ := openTestWAL(t, t.TempDir(), opts)
	defer w.Close()

	var last uint64
	for i := 1; i <= 4; i++ {
		seq, err := w.Append(putEntry(i))
		require.NoError(t, err)
		last = seq
	}
	waitDurable(t, w, last)
}

func TestWALFlushOnInterval(t *testing.T) {
	opts := testWALOptions()
	opts.FlushInterval = 5 * time.Millisecond
	w, _ := openTestWAL(t, t.TempDir(), opts)
	defer w.Close()

	seq, err := w.Append(putEntry(1))
	require.NoError(t, err)
	waitDurable(t, w, seq)
}

func TestWALRotation(t *testing.T) {
	opts := testWALOptions()
	opts.MaxFileBytes = 256 // each 49-byte put is its own flush; the sixth rotates
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, opts)

	for i := 1; i <= 10; i++ {
		_, err := w.AppendSync(putEntry(i))
		require.NoError(t, err)
	}
	assert.Greater(t, w.Generation(), uint64(1))
	require.NoError(t, w.Close())

	gens, err := listGenerations(dir)
	require.NoError(t, err)
	assert.Greater(t, len(gens), 1)

	// Every sealed generation ends with a checkpoint frame and replay
	// still yields all ten puts in order.
	_, replayed := openTestWAL(t, dir, testWALOptions())
	require.Len(t, replayed, 10)
	for i, e := range replayed {
		assert.Equal(t, []byte(fmt.Sprintf("key-%03d", i+1)), e.Key)
	}
}

// frameOffsets returns the byte offset of every frame in the file.
func frameOffsets(t *testing.T, path string) []int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var offs []int
	off := 0
	for off < len(data) {
		_, n, err := DecodeFrame(data[off:], testMaxFrame)
		require.NoError(t, err)
		offs = append(offs, off)
		off += n
	}
	return offs
}

func activeWALFile(t *testing.T, dir string) string {
	t.Helper()
	gens, err := listGenerations(dir)
	require.NoError(t, err)
	require.NotEmpty(t, gens)
	return filepath.Join(dir, generationFilename(gens[len(gens)-1]))
}

func TestWALTornTailTruncated(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, testWALOptions())
	for i := 1; i <= 10; i++ {
		_, err := w.AppendSync(putEntry(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// Cut the tenth frame inside its checksum (two of its four bytes
	// removed), as a crash mid-write would.
	path := activeWALFile(t, dir)
	offs := frameOffsets(t, path)
	require.Len(t, offs, 10)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	var replayed int
	res, err := RecoverDir(dir, testMaxFrame, 0, func(e *Entry) error {
		replayed++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 9, replayed)
	assert.Equal(t, uint64(9), res.LastSeq)
	assert.Positive(t, res.TruncatedBytes)

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(offs[9]), info.Size())
}

func TestWALTornTailAtEveryPrefix(t *testing.T) {
	// Property 3 generalized: for a crash at any byte offset inside the
	// final frame, recovery yields exactly the preceding entries.
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, testWALOptions())
	for i := 1; i <= 3; i++ {
		_, err := w.AppendSync(putEntry(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	path := activeWALFile(t, dir)
	offs := frameOffsets(t, path)
	full, err := os.ReadFile(path)
	require.NoError(t, err)

	for cut := offs[2] + 1; cut < len(full); cut++ {
		scratch := t.TempDir()
		p := filepath.Join(scratch, generationFilename(1))
		require.NoError(t, os.WriteFile(p, full[:cut], 0644))

		var replayed int
		res, err := RecoverDir(scratch, testMaxFrame, 0, func(e *Entry) error {
			replayed++
			return nil
		})
		require.NoError(t, err, "cut=%d", cut)
		assert.Equal(t, 2, replayed, "cut=%d", cut)
		assert.Equal(t, uint64(2), res.LastSeq, "cut=%d", cut)
	}
}

func TestWALCorruptMiddleIsFatal(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, testWALOptions())
	for i := 1; i <= 5; i++ {
		_, err := w.AppendSync(putEntry(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := activeWALFile(t, dir)
	offs := frameOffsets(t, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a payload byte inside the second frame.
	data[offs[1]+frameHeaderSize+1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = RecoverDir(dir, testMaxFrame, 0, func(e *Entry) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func TestWALCorruptFinalFrameTruncated(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, testWALOptions())
	for i := 1; i <= 5; i++ {
		_, err := w.AppendSync(putEntry(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := activeWALFile(t, dir)
	offs := frameOffsets(t, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[offs[4]+frameHeaderSize+1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	var replayed int
	res, err := RecoverDir(dir, testMaxFrame, 0, func(e *Entry) error {
		replayed++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, replayed)
	assert.Equal(t, uint64(4), res.LastSeq)
}

func TestWALUnknownTypeAtTailTruncated(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, testWALOptions())
	for i := 1; i <= 3; i++ {
		_, err := w.AppendSync(putEntry(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// A frame from a future format version at the tail: checksummed and
	// well-framed but with an unrecognized type.
	path := activeWALFile(t, dir)
	future := AppendFrame(nil, &Entry{Seq: 4, Type: 0x6e})
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(future)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var replayed int
	res, err := RecoverDir(dir, testMaxFrame, 0, func(e *Entry) error {
		replayed++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, replayed)
	assert.Equal(t, uint64(3), res.LastSeq)
}

func TestWALRecoverEmptyAndMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never-created")
	res, err := RecoverDir(dir, testMaxFrame, 0, func(e *Entry) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, res.LastSeq)
	assert.Zero(t, res.Entries)

	// Same for an existing directory with zero valid entries.
	res, err = RecoverDir(dir, testMaxFrame, 0, func(e *Entry) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, res.Entries)
}

func TestWALMinSeqSkipsCoveredEntries(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, testWALOptions())
	for i := 1; i <= 6; i++ {
		_, err := w.AppendSync(putEntry(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	var replayed []uint64
	res, err := RecoverDir(dir, testMaxFrame, 4, func(e *Entry) error {
		replayed = append(replayed, e.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 6}, replayed)
	assert.Equal(t, uint64(6), res.LastSeq)
}

func TestWALWriteFailureIsTerminal(t *testing.T) {
	w, _ := openTestWAL(t, t.TempDir(), testWALOptions())

	// Sever the file handle underneath the batcher; the next flush
	// fails and the WAL must degrade permanently.
	require.NoError(t, w.file.Close())

	_, err := w.AppendSync(putEntry(1))
	assert.ErrorIs(t, err, ErrWALFailed)
	assert.True(t, w.Failed())

	_, err = w.Append(putEntry(2))
	assert.ErrorIs(t, err, ErrWALFailed)
	_ = w.Close()
}

func TestWALPruneGenerations(t *testing.T) {
	opts := testWALOptions()
	opts.MaxFileBytes = 64 // every second 49-byte put rotates
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, opts)
	for i := 1; i <= 10; i++ {
		_, err := w.AppendSync(putEntry(i))
		require.NoError(t, err)
	}
	gens, err := listGenerations(dir)
	require.NoError(t, err)
	require.Greater(t, len(gens), 2)

	keep := w.Generation()
	removed, err := w.PruneGenerations(keep)
	require.NoError(t, err)
	assert.Equal(t, len(gens)-1, removed)

	left, err := listGenerations(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{keep}, left)
	require.NoError(t, w.Close())
}
