package binary

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/blake2b"

	"github.com/c-u-l8er/warp-engine/logger"
)

// Snapshot file layout:
//
//	[magic:u32][version:u32][shard_id:u16][reserved:u16][last_seq:u64][created_at:i64]
//	[comp_len:u64]
//	gzip stream of records, comp_len compressed bytes
//	[blake2b-256 digest of the compressed bytes : 32]
//
// Records inside the gzip stream:
//
//	[key_len:u32][key][value_len:u32][value][created:i64][updated:i64]
//
// A snapshot captures a shard's map at last_seq; recovery loads the
// newest snapshot by generation and replays only WAL entries with
// sequence numbers above it. An unreadable newest snapshot fails
// recovery; older snapshots are not tried.
const (
	snapshotMagic   uint32 = 0x57534e50 // "WSNP"
	snapshotVersion uint32 = 1
	snapshotHdrSize        = 28
	snapshotDigSize        = 32
)

// ErrSnapshotCorrupt marks an unreadable or integrity-failed snapshot.
var ErrSnapshotCorrupt = errors.New("snapshot corrupted")

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// SnapshotWriter streams one shard's records into a snapshot file. The
// data is written to a temp file and renamed into place on Close, so a
// crashed snapshot never shadows an older valid one.
type SnapshotWriter struct {
	f       *os.File
	tmpPath string
	path    string
	gz      *gzip.Writer
	counter *countingWriter
	hasher  hash.Hash
	scratch [8]byte
}

// NewSnapshotWriter opens a snapshot for the given shard covering state
// through lastSeq. createdAt is the engine's wall-clock in unix nanos.
func NewSnapshotWriter(path string, shardID uint16, lastSeq uint64, createdAt int64) (*SnapshotWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, err
	}

	var hdr [snapshotHdrSize + 8]byte
	binary.LittleEndian.PutUint32(hdr[0:], snapshotMagic)
	binary.LittleEndian.PutUint32(hdr[4:], snapshotVersion)
	binary.LittleEndian.PutUint16(hdr[8:], shardID)
	binary.LittleEndian.PutUint64(hdr[12:], lastSeq)
	binary.LittleEndian.PutUint64(hdr[20:], uint64(createdAt))
	// comp_len at offset 28 is patched in Close.
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}

	hasher, _ := blake2b.New256(nil)
	counter := &countingWriter{w: io.MultiWriter(f, hasher)}
	return &SnapshotWriter{
		f:       f,
		tmpPath: f.Name(),
		path:    path,
		gz:      gzip.NewWriter(counter),
		counter: counter,
		hasher:  hasher,
	}, nil
}

// Append writes one record. Records must arrive in key-ascending order;
// the writer does not re-sort.
func (sw *SnapshotWriter) Append(key, value []byte, created, updated int64) error {
	binary.LittleEndian.PutUint32(sw.scratch[:4], uint32(len(key)))
	if _, err := sw.gz.Write(sw.scratch[:4]); err != nil {
		return err
	}
	if _, err := sw.gz.Write(key); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(sw.scratch[:4], uint32(len(value)))
	if _, err := sw.gz.Write(sw.scratch[:4]); err != nil {
		return err
	}
	if _, err := sw.gz.Write(value); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(sw.scratch[:], uint64(created))
	if _, err := sw.gz.Write(sw.scratch[:]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(sw.scratch[:], uint64(updated))
	if _, err := sw.gz.Write(sw.scratch[:]); err != nil {
		return err
	}
	return nil
}

// Close finalizes the stream, patches the compressed length, writes the
// integrity digest and renames the snapshot into place.
func (sw *SnapshotWriter) Close() error {
	if err := sw.gz.Close(); err != nil {
		sw.Abort()
		return err
	}
	if _, err := sw.f.Write(sw.hasher.Sum(nil)); err != nil {
		sw.Abort()
		return err
	}
	binary.LittleEndian.PutUint64(sw.scratch[:], uint64(sw.counter.n))
	if _, err := sw.f.WriteAt(sw.scratch[:], snapshotHdrSize); err != nil {
		sw.Abort()
		return err
	}
	if err := sw.f.Sync(); err != nil {
		sw.Abort()
		return err
	}
	if err := sw.f.Close(); err != nil {
		os.Remove(sw.tmpPath)
		return err
	}
	return os.Rename(sw.tmpPath, sw.path)
}

// Abort discards the partially written snapshot.
func (sw *SnapshotWriter) Abort() {
	sw.f.Close()
	os.Remove(sw.tmpPath)
}

// ReadSnapshot streams the records of a snapshot file through apply and
// returns the sequence number the snapshot covers. Integrity failures
// return ErrSnapshotCorrupt.
func ReadSnapshot(path string, maxKey, maxValue int, apply func(key, value []byte, created, updated int64) error) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var hdr [snapshotHdrSize + 8]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return 0, fmt.Errorf("%w: short header: %v", ErrSnapshotCorrupt, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != snapshotMagic {
		return 0, fmt.Errorf("%w: bad magic", ErrSnapshotCorrupt)
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != snapshotVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupt, v)
	}
	lastSeq := binary.LittleEndian.Uint64(hdr[12:])
	compLen := binary.LittleEndian.Uint64(hdr[28:])

	hasher, _ := blake2b.New256(nil)
	lr := io.LimitReader(f, int64(compLen))
	tee := io.TeeReader(lr, hasher)

	gz, err := gzip.NewReader(tee)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	gz.Multistream(false)
	br := bufio.NewReader(gz)

	var lenBuf [8]byte
	for {
		if _, err := io.ReadFull(br, lenBuf[:4]); err != nil {
			if err == io.EOF {
				break
			}
			return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
		}
		keyLen := binary.LittleEndian.Uint32(lenBuf[:4])
		if int(keyLen) > maxKey {
			return 0, fmt.Errorf("%w: key length %d out of bounds", ErrSnapshotCorrupt, keyLen)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(br, key); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
		}
		if _, err := io.ReadFull(br, lenBuf[:4]); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
		}
		valLen := binary.LittleEndian.Uint32(lenBuf[:4])
		if int(valLen) > maxValue {
			return 0, fmt.Errorf("%w: value length %d out of bounds", ErrSnapshotCorrupt, valLen)
		}
		value := make([]byte, valLen)
		if _, err := io.ReadFull(br, value); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
		}
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
		}
		created := int64(binary.LittleEndian.Uint64(lenBuf[:]))
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
		}
		updated := int64(binary.LittleEndian.Uint64(lenBuf[:]))

		if err := apply(key, value, created, updated); err != nil {
			return 0, err
		}
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	// Drain any compressed bytes the decoder left behind so the digest
	// covers exactly comp_len bytes.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}

	var want [snapshotDigSize]byte
	if _, err := io.ReadFull(f, want[:]); err != nil {
		return 0, fmt.Errorf("%w: missing digest: %v", ErrSnapshotCorrupt, err)
	}
	got := hasher.Sum(nil)
	for i := range want {
		if want[i] != got[i] {
			return 0, fmt.Errorf("%w: digest mismatch", ErrSnapshotCorrupt)
		}
	}
	return lastSeq, nil
}

// LatestSnapshot returns the newest snapshot in dir by generation
// number, or found=false when the directory holds none.
func LatestSnapshot(dir string) (path string, gen uint64, found bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, false, nil
		}
		return "", 0, false, err
	}
	gens := make([]uint64, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".snap") {
			continue
		}
		g, perr := strconv.ParseUint(strings.TrimSuffix(name, ".snap"), 10, 64)
		if perr != nil {
			logger.Warn("ignoring unrecognized snapshot file %s", name)
			continue
		}
		gens = append(gens, g)
	}
	if len(gens) == 0 {
		return "", 0, false, nil
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	gen = gens[len(gens)-1]
	return filepath.Join(dir, SnapshotFilename(gen)), gen, true, nil
}

// SnapshotFilename names a snapshot after the WAL generation active when
// it was taken.
func SnapshotFilename(gen uint64) string {
	return fmt.Sprintf("%020d.snap", gen)
}

// RemoveOldSnapshots deletes snapshots older than keepGen.
func RemoveOldSnapshots(dir string, keepGen uint64) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".snap") {
			continue
		}
		g, perr := strconv.ParseUint(strings.TrimSuffix(name, ".snap"), 10, 64)
		if perr != nil || g >= keepGen {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
