package binary

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c-u-l8er/warp-engine/logger"
)

// WAL errors reported to the owning shard. The engine façade maps
// ErrWALFailed onto the public ShardDegraded kind.
var (
	ErrWALFailed = errors.New("wal write failed")
	ErrWALClosed = errors.New("wal closed")
)

// WALOptions bundles the batching and rotation knobs for one WAL.
type WALOptions struct {
	// FlushInterval is the maximum age of the oldest buffered entry
	// before the batcher forces a flush.
	FlushInterval time.Duration

	// FlushBytes triggers a flush once this many bytes are buffered.
	FlushBytes int

	// FlushEntries triggers a flush once this many entries are pending.
	FlushEntries int

	// MaxFileBytes rotates the active generation file past this size.
	MaxFileBytes int64

	// MaxFrameBytes bounds a single frame; derived from the configured
	// key and value limits plus framing overhead.
	MaxFrameBytes int
}

type walWaiter struct {
	seq uint64
	ch  chan error
}

// WAL is the per-shard write-ahead log: an append-only sequence of
// generation files with a dedicated batcher goroutine performing group
// commit. Append enqueues a frame in the current batch; AppendSync
// additionally waits for the fsync covering its sequence number.
//
// The batcher flushes whenever buffered bytes reach FlushBytes, pending
// entries reach FlushEntries, or the oldest buffered entry is older than
// FlushInterval. Each flush is one write followed by one fsync, so sync
// append latency is bounded by FlushInterval plus fsync time.
//
// A write or fsync error is terminal: the WAL enters a failed state, all
// waiters are released with ErrWALFailed, and every subsequent append is
// rejected. The owning shard degrades to read-only.
type WAL struct {
	shardID uint16
	dir     string
	opts    WALOptions

	// mu guards the append buffer, sequence assignment and waiter list.
	mu      sync.Mutex
	buf     []byte
	pending int
	seq     uint64
	waiters []walWaiter
	closed  bool

	// ioMu serializes file writes and rotation against each other.
	ioMu      sync.Mutex
	file      *os.File
	gen       uint64
	fileBytes int64

	lastDurable atomic.Uint64
	totalBytes  atomic.Int64
	failed      atomic.Bool

	flushC chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// OpenWAL recovers the WAL directory and opens it for appending. Every
// valid Put/Delete entry with sequence greater than minSeq is handed to
// apply in log order before OpenWAL returns; a torn tail on the final
// generation is truncated, while corruption anywhere else fails the open.
//
// A missing directory or one with zero valid entries yields an empty,
// writable WAL.
func OpenWAL(dir string, shardID uint16, opts WALOptions, minSeq uint64, apply func(*Entry) error) (*WAL, error) {
	res, err := RecoverDir(dir, opts.MaxFrameBytes, minSeq, apply)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		shardID: shardID,
		dir:     dir,
		opts:    opts,
		seq:     res.LastSeq,
		gen:     res.ActiveGen,
		flushC:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	w.lastDurable.Store(res.LastSeq)
	w.totalBytes.Store(res.TotalBytes)

	if w.gen == 0 {
		w.gen = 1
	}
	path := filepath.Join(dir, generationFilename(w.gen))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	w.file = file
	w.fileBytes = res.ActiveFileBytes

	w.wg.Add(1)
	go w.batchLoop()

	logger.TraceIf("wal", "shard %d wal open: gen=%d seq=%d bytes=%d", shardID, w.gen, w.seq, res.TotalBytes)
	return w, nil
}

func generationFilename(gen uint64) string {
	return fmt.Sprintf("%020d.wal", gen)
}

// Append enqueues the entry in the current batch and returns its
// assigned sequence number. The entry is durable only after the batch's
// fsync; callers relying on Append alone accept a loss window equal to
// the flush policy.
func (w *WAL) Append(e *Entry) (uint64, error) {
	seq, _, err := w.enqueue(e, false)
	return seq, err
}

// AppendSync enqueues the entry and waits for the fsync covering it.
// Once AppendSync returns nil the entry survives process crash and host
// power loss up to the durability of fsync on the underlying filesystem.
func (w *WAL) AppendSync(e *Entry) (uint64, error) {
	seq, ch, err := w.enqueue(e, true)
	if err != nil {
		return 0, err
	}
	if err := <-ch; err != nil {
		return 0, err
	}
	return seq, nil
}

func (w *WAL) enqueue(e *Entry, wantWaiter bool) (uint64, chan error, error) {
	if w.failed.Load() {
		return 0, nil, ErrWALFailed
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, nil, ErrWALClosed
	}
	w.seq++
	e.Seq = w.seq
	w.buf = AppendFrame(w.buf, e)
	w.pending++
	seq := w.seq

	var ch chan error
	if wantWaiter {
		ch = make(chan error, 1)
		w.waiters = append(w.waiters, walWaiter{seq: seq, ch: ch})
	}
	needFlush := len(w.buf) >= w.opts.FlushBytes || w.pending >= w.opts.FlushEntries
	w.mu.Unlock()

	if needFlush {
		w.kick()
	}
	return seq, ch, nil
}

// kick nudges the batcher without blocking.
func (w *WAL) kick() {
	select {
	case w.flushC <- struct{}{}:
	default:
	}
}

// Flush forces a flush of all pending entries and returns the last
// durable sequence number.
func (w *WAL) Flush() (uint64, error) {
	if err := w.flush(); err != nil {
		return w.lastDurable.Load(), err
	}
	return w.lastDurable.Load(), nil
}

// flush performs one group commit: swap out the buffer, write, fsync,
// wake covered waiters, rotate if the active file is over budget.
func (w *WAL) flush() error {
	w.ioMu.Lock()
	defer w.ioMu.Unlock()

	w.mu.Lock()
	if w.pending == 0 {
		w.mu.Unlock()
		return nil
	}
	buf := w.buf
	w.buf = nil
	w.pending = 0
	last := w.seq

	// Waiters appended after the swap belong to the next batch.
	var covered, remaining []walWaiter
	for _, wt := range w.waiters {
		if wt.seq <= last {
			covered = append(covered, wt)
		} else {
			remaining = append(remaining, wt)
		}
	}
	w.waiters = remaining
	w.mu.Unlock()

	if _, err := w.file.Write(buf); err != nil {
		w.fail(err, covered)
		return ErrWALFailed
	}
	if err := w.file.Sync(); err != nil {
		w.fail(err, covered)
		return ErrWALFailed
	}

	w.fileBytes += int64(len(buf))
	w.totalBytes.Add(int64(len(buf)))
	w.lastDurable.Store(last)
	for _, wt := range covered {
		wt.ch <- nil
	}
	logger.TraceIf("wal", "shard %d flushed %d bytes through seq %d", w.shardID, len(buf), last)

	if w.fileBytes >= w.opts.MaxFileBytes {
		if err := w.rotateLocked(); err != nil {
			logger.Error("shard %d wal rotation failed: %v", w.shardID, err)
			return ErrWALFailed
		}
	}
	return nil
}

// fail transitions the WAL into its terminal failed state and releases
// every waiter with ErrWALFailed.
func (w *WAL) fail(cause error, covered []walWaiter) {
	w.failed.Store(true)
	logger.Error("shard %d wal failed: %v", w.shardID, cause)

	w.mu.Lock()
	pending := w.waiters
	w.waiters = nil
	w.mu.Unlock()

	for _, wt := range covered {
		wt.ch <- ErrWALFailed
	}
	for _, wt := range pending {
		wt.ch <- ErrWALFailed
	}
}

// batchLoop is the dedicated writer goroutine: it flushes on demand when
// a size threshold kicks it and on a timer so the oldest buffered entry
// never waits longer than FlushInterval.
func (w *WAL) batchLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			if err := w.flush(); err != nil {
				logger.Error("shard %d final wal flush failed: %v", w.shardID, err)
			}
			return
		case <-w.flushC:
			_ = w.flush()
		case <-ticker.C:
			_ = w.flush()
		}
	}
}

// Failed reports whether the WAL is in its terminal failed state.
func (w *WAL) Failed() bool { return w.failed.Load() }

// LastSeq returns the last assigned sequence number.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// LastDurable returns the last sequence number covered by an fsync.
func (w *WAL) LastDurable() uint64 { return w.lastDurable.Load() }

// TotalBytes returns the byte size of all generation files.
func (w *WAL) TotalBytes() int64 { return w.totalBytes.Load() }

// Generation returns the active generation number.
func (w *WAL) Generation() uint64 {
	w.ioMu.Lock()
	defer w.ioMu.Unlock()
	return w.gen
}

// Close flushes pending entries, stops the batcher and closes the file.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()

	w.ioMu.Lock()
	defer w.ioMu.Unlock()
	return w.file.Close()
}
