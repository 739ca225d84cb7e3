package binary

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/c-u-l8er/warp-engine/logger"
)

// ErrCorruptLog marks corruption that recovery cannot repair: a bad frame
// that is not the torn tail of the final generation file. The engine
// refuses to open on it.
var ErrCorruptLog = errors.New("wal corrupted")

// RecoverResult summarizes one shard's WAL recovery.
type RecoverResult struct {
	LastSeq         uint64 // largest sequence among valid frames
	ActiveGen       uint64 // generation to continue appending to; 0 if none
	ActiveFileBytes int64  // valid bytes in the active generation
	TotalBytes      int64  // valid bytes across all generations
	Entries         int    // Put/Delete entries handed to apply
	TruncatedBytes  int64  // torn-tail bytes removed from the final file
}

// RecoverDir scans a shard's WAL directory generation by generation,
// validates framing and checksums, and hands every valid Put/Delete with
// sequence greater than minSeq to apply in log order.
//
// A short, corrupt or unrecognized frame at the very tail of the final
// generation is a torn tail: the file is truncated at the last valid
// frame boundary and recovery succeeds. The same damage anywhere else is
// unrepairable and returns ErrCorruptLog with the offending file and
// offset.
//
// A missing directory is created; a directory with zero valid entries
// recovers to an empty shard. Neither is an error.
func RecoverDir(dir string, maxFrame int, minSeq uint64, apply func(*Entry) error) (*RecoverResult, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	gens, err := listGenerations(dir)
	if err != nil {
		return nil, err
	}

	res := &RecoverResult{}
	for i, gen := range gens {
		lastFile := i == len(gens)-1
		path := filepath.Join(dir, generationFilename(gen))
		validBytes, err := recoverFile(path, maxFrame, minSeq, lastFile, res, apply)
		if err != nil {
			return nil, err
		}
		res.TotalBytes += validBytes
		if lastFile {
			res.ActiveGen = gen
			res.ActiveFileBytes = validBytes
		}
	}

	if res.Entries > 0 || res.TruncatedBytes > 0 {
		logger.Info("wal recovery %s: %d entries, last seq %d, truncated %d bytes",
			dir, res.Entries, res.LastSeq, res.TruncatedBytes)
	}
	return res, nil
}

// recoverFile replays one generation file and returns the number of
// valid bytes it holds after any tail truncation.
func recoverFile(path string, maxFrame int, minSeq uint64, lastFile bool, res *RecoverResult, apply func(*Entry) error) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	off := 0
	for off < len(data) {
		e, n, decErr := DecodeFrame(data[off:], maxFrame)
		if decErr != nil {
			tail := frameIsTail(decErr, off, n, len(data))
			if lastFile && tail {
				torn := int64(len(data) - off)
				if err := os.Truncate(path, int64(off)); err != nil {
					return 0, fmt.Errorf("truncating torn tail of %s: %w", path, err)
				}
				res.TruncatedBytes += torn
				logger.Warn("truncated torn wal tail: %s at offset %d (%d bytes)", path, off, torn)
				return int64(off), nil
			}
			return 0, fmt.Errorf("%w: %s at offset %d: %v", ErrCorruptLog, path, off, decErr)
		}

		if e.Seq > res.LastSeq {
			res.LastSeq = e.Seq
		}
		if e.Seq > minSeq {
			switch e.Type {
			case EntryPut, EntryDelete:
				if err := apply(e); err != nil {
					return 0, err
				}
				res.Entries++
			case EntryCheckpoint:
				// State marker only; nothing to apply.
			}
		}
		off += n
	}
	return int64(off), nil
}

// frameIsTail reports whether a decode failure at off can be the torn
// tail of the file. A truncated or unbounded-length frame necessarily
// runs to EOF; a checksum, payload or type failure counts only when the
// frame it delimits is the file's final frame.
func frameIsTail(decErr error, off, frameLen, fileLen int) bool {
	if errors.Is(decErr, errTruncatedFrame) || errors.Is(decErr, errBadLength) {
		return true
	}
	return frameLen > 0 && off+frameLen == fileLen
}
