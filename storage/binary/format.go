// Package binary implements the warp engine's durable storage substrate:
// the framed write-ahead log, its batched group-commit writer, crash
// recovery, the engine manifest and the shard snapshot format.
//
// # WAL frame format
//
// Every WAL entry is framed as
//
//	[len:u32 LE][seq:u64 LE][type:u8][payload][crc32c:u32 LE]
//
// where len is the total entry length excluding the len field itself and
// crc32c (Castagnoli) covers everything from len through payload
// inclusive. Payloads by type:
//
//	Put        [key_len:u32][key][value_len:u32][value][ts:u64]
//	Delete     [key_len:u32][key][ts:u64]
//	Checkpoint [ref_seq:u64]
//
// The format is the authoritative wire contract: a reader from a newer
// version must accept older frames, and an unrecognized type terminates
// recovery as a torn tail only when it occurs at the final frame of the
// final generation file.
package binary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Entry types. Values are part of the wire format and must never change.
const (
	EntryPut        byte = 1
	EntryDelete     byte = 2
	EntryCheckpoint byte = 3
)

const (
	// frameHeaderSize is len(4) + seq(8) + type(1).
	frameHeaderSize = 13
	// frameTrailerSize is the crc32c field.
	frameTrailerSize = 4
	// minFrameSize is the smallest legal frame: empty payload.
	minFrameSize = frameHeaderSize + frameTrailerSize
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Frame decode errors. errTruncatedFrame and errBadChecksum mark a torn
// tail when they occur at the end of the final generation file; anywhere
// else they are fatal corruption.
var (
	errTruncatedFrame = errors.New("truncated frame")
	errBadChecksum    = errors.New("frame checksum mismatch")
	errBadLength      = errors.New("frame length out of bounds")
	errUnknownType    = errors.New("unknown frame type")
	errBadPayload     = errors.New("malformed frame payload")
)

// Entry is one decoded WAL entry. Key and Value alias the buffer they
// were decoded from; recovery copies them before handing records to the
// shard map.
type Entry struct {
	Seq       uint64
	Type      byte
	Key       []byte
	Value     []byte
	Timestamp uint64 // put/delete: monotonic ns supplied by the shard
	RefSeq    uint64 // checkpoint: last applied sequence
}

// payloadSize returns the encoded payload length for e.
func (e *Entry) payloadSize() int {
	switch e.Type {
	case EntryPut:
		return 4 + len(e.Key) + 4 + len(e.Value) + 8
	case EntryDelete:
		return 4 + len(e.Key) + 8
	case EntryCheckpoint:
		return 8
	}
	return 0
}

// EncodedSize returns the full on-disk frame size of e, including the
// len field.
func (e *Entry) EncodedSize() int {
	return 4 + 8 + 1 + e.payloadSize() + 4
}

// AppendFrame encodes e onto buf and returns the extended slice. The
// caller owns seq assignment; AppendFrame only serializes.
func AppendFrame(buf []byte, e *Entry) []byte {
	payload := e.payloadSize()
	// len excludes the len field itself.
	frameLen := uint32(8 + 1 + payload + frameTrailerSize)

	start := len(buf)
	buf = binary.LittleEndian.AppendUint32(buf, frameLen)
	buf = binary.LittleEndian.AppendUint64(buf, e.Seq)
	buf = append(buf, e.Type)

	switch e.Type {
	case EntryPut:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
		buf = append(buf, e.Value...)
		buf = binary.LittleEndian.AppendUint64(buf, e.Timestamp)
	case EntryDelete:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.LittleEndian.AppendUint64(buf, e.Timestamp)
	case EntryCheckpoint:
		buf = binary.LittleEndian.AppendUint64(buf, e.RefSeq)
	}

	crc := crc32.Checksum(buf[start:], castagnoli)
	buf = binary.LittleEndian.AppendUint32(buf, crc)
	return buf
}

// DecodeFrame decodes the frame at the start of data. It returns the
// entry and the total number of bytes consumed. maxFrame bounds the
// accepted frame length so a corrupt length field cannot trigger a huge
// allocation or skip.
//
// A short buffer yields errTruncatedFrame; the caller decides whether
// that is a torn tail or fatal corruption based on position.
func DecodeFrame(data []byte, maxFrame int) (*Entry, int, error) {
	if len(data) < 4 {
		return nil, 0, errTruncatedFrame
	}
	frameLen := binary.LittleEndian.Uint32(data)
	if int(frameLen) < minFrameSize-4 || int(frameLen) > maxFrame {
		return nil, 0, fmt.Errorf("%w: %d", errBadLength, frameLen)
	}
	total := 4 + int(frameLen)
	if len(data) < total {
		return nil, 0, errTruncatedFrame
	}

	body := data[:total-frameTrailerSize]
	want := binary.LittleEndian.Uint32(data[total-frameTrailerSize:])
	if crc32.Checksum(body, castagnoli) != want {
		return nil, total, errBadChecksum
	}

	e := &Entry{
		Seq:  binary.LittleEndian.Uint64(data[4:]),
		Type: data[12],
	}
	payload := data[frameHeaderSize : total-frameTrailerSize]

	switch e.Type {
	case EntryPut:
		if len(payload) < 4 {
			return nil, total, errBadPayload
		}
		keyLen := binary.LittleEndian.Uint32(payload)
		payload = payload[4:]
		if uint32(len(payload)) < keyLen+4 {
			return nil, total, errBadPayload
		}
		e.Key = payload[:keyLen]
		payload = payload[keyLen:]
		valLen := binary.LittleEndian.Uint32(payload)
		payload = payload[4:]
		if uint32(len(payload)) != valLen+8 {
			return nil, total, errBadPayload
		}
		e.Value = payload[:valLen]
		e.Timestamp = binary.LittleEndian.Uint64(payload[valLen:])
	case EntryDelete:
		if len(payload) < 4 {
			return nil, total, errBadPayload
		}
		keyLen := binary.LittleEndian.Uint32(payload)
		payload = payload[4:]
		if uint32(len(payload)) != keyLen+8 {
			return nil, total, errBadPayload
		}
		e.Key = payload[:keyLen]
		e.Timestamp = binary.LittleEndian.Uint64(payload[keyLen:])
	case EntryCheckpoint:
		if len(payload) != 8 {
			return nil, total, errBadPayload
		}
		e.RefSeq = binary.LittleEndian.Uint64(payload)
	default:
		return nil, total, fmt.Errorf("%w: %d", errUnknownType, e.Type)
	}

	return e, total, nil
}
