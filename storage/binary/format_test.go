package binary

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMaxFrame = 1 << 20

func TestFrameRoundTripPut(t *testing.T) {
	in := &Entry{
		Seq:       42,
		Type:      EntryPut,
		Key:       []byte("user:1"),
		Value:     []byte("alice"),
		Timestamp: 12345,
	}
	buf := AppendFrame(nil, in)
	assert.Equal(t, in.EncodedSize(), len(buf))

	out, n, err := DecodeFrame(buf, testMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, uint64(42), out.Seq)
	assert.Equal(t, EntryPut, out.Type)
	assert.Equal(t, []byte("user:1"), out.Key)
	assert.Equal(t, []byte("alice"), out.Value)
	assert.Equal(t, uint64(12345), out.Timestamp)
}

func TestFrameRoundTripDelete(t *testing.T) {
	in := &Entry{Seq: 7, Type: EntryDelete, Key: []byte("k"), Timestamp: 99}
	buf := AppendFrame(nil, in)

	out, n, err := DecodeFrame(buf, testMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, EntryDelete, out.Type)
	assert.Equal(t, []byte("k"), out.Key)
	assert.Empty(t, out.Value)
	assert.Equal(t, uint64(99), out.Timestamp)
}

func TestFrameRoundTripCheckpoint(t *testing.T) {
	in := &Entry{Seq: 100, Type: EntryCheckpoint, RefSeq: 99}
	buf := AppendFrame(nil, in)

	out, _, err := DecodeFrame(buf, testMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, EntryCheckpoint, out.Type)
	assert.Equal(t, uint64(99), out.RefSeq)
}

func TestFrameEmptyValue(t *testing.T) {
	in := &Entry{Seq: 1, Type: EntryPut, Key: []byte("k"), Value: nil, Timestamp: 1}
	buf := AppendFrame(nil, in)
	out, _, err := DecodeFrame(buf, testMaxFrame)
	require.NoError(t, err)
	assert.Empty(t, out.Value)
}

func TestFrameMultipleAppend(t *testing.T) {
	var buf []byte
	for i := 1; i <= 5; i++ {
		buf = AppendFrame(buf, &Entry{Seq: uint64(i), Type: EntryPut, Key: []byte{byte(i)}, Timestamp: 1})
	}
	off, seq := 0, uint64(0)
	for off < len(buf) {
		e, n, err := DecodeFrame(buf[off:], testMaxFrame)
		require.NoError(t, err)
		seq++
		assert.Equal(t, seq, e.Seq)
		off += n
	}
	assert.Equal(t, uint64(5), seq)
}

func TestDecodeTruncated(t *testing.T) {
	buf := AppendFrame(nil, &Entry{Seq: 1, Type: EntryPut, Key: []byte("key"), Value: []byte("val"), Timestamp: 1})
	for cut := 0; cut < len(buf); cut++ {
		_, _, err := DecodeFrame(buf[:cut], testMaxFrame)
		assert.Error(t, err, "cut=%d", cut)
	}
}

func TestDecodeBadChecksum(t *testing.T) {
	buf := AppendFrame(nil, &Entry{Seq: 1, Type: EntryPut, Key: []byte("key"), Value: []byte("val"), Timestamp: 1})
	buf[len(buf)-1] ^= 0xff
	_, n, err := DecodeFrame(buf, testMaxFrame)
	assert.ErrorIs(t, err, errBadChecksum)
	assert.Equal(t, len(buf), n)
}

func TestDecodeBadLength(t *testing.T) {
	buf := AppendFrame(nil, &Entry{Seq: 1, Type: EntryDelete, Key: []byte("k"), Timestamp: 1})
	binary.LittleEndian.PutUint32(buf, uint32(testMaxFrame+1))
	_, _, err := DecodeFrame(buf, testMaxFrame)
	assert.ErrorIs(t, err, errBadLength)

	binary.LittleEndian.PutUint32(buf, 3) // below minimum
	_, _, err = DecodeFrame(buf, testMaxFrame)
	assert.ErrorIs(t, err, errBadLength)
}

func TestDecodeUnknownType(t *testing.T) {
	buf := AppendFrame(nil, &Entry{Seq: 1, Type: 0x7f})
	_, n, err := DecodeFrame(buf, testMaxFrame)
	assert.ErrorIs(t, err, errUnknownType)
	assert.Equal(t, len(buf), n)
}
