package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/c-u-l8er/warp-engine/logger"
	"github.com/c-u-l8er/warp-engine/models"
	"github.com/c-u-l8er/warp-engine/storage/binary"
)

// maintenance owns the engine's background loops: the periodic shard
// snapshotter, the human-readable mirror and the gauge refresher that
// keeps the Prometheus view of WAL size and degradation current.
type maintenance struct {
	e    *Engine
	done chan struct{}
	wg   sync.WaitGroup
}

func newMaintenance(e *Engine) *maintenance {
	return &maintenance{e: e, done: make(chan struct{})}
}

func (m *maintenance) start() {
	m.loop(m.e.cfg.SnapshotInterval, m.snapshotAll)
	m.loop(m.e.cfg.MirrorInterval, m.writeMirror)
	m.loop(5*time.Second, m.refreshGauges)
}

// loop runs fn on the given cadence until stop; a zero interval disables
// the loop entirely.
func (m *maintenance) loop(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (m *maintenance) stop() {
	close(m.done)
	m.wg.Wait()
}

// snapshotAll snapshots every healthy shard and prunes the WAL
// generations the snapshot made redundant.
func (m *maintenance) snapshotAll() {
	for _, sh := range m.e.shards {
		if sh.degraded() {
			continue
		}
		if err := m.snapshotShard(sh); err != nil {
			logger.Warn("snapshot of shard %d failed: %v", sh.id, err)
		}
	}
}

// snapshotShard captures one shard. The brief writeMu hold guarantees no
// put is between its WAL append and its map insert, so every entry with
// a sequence at or below the captured lastSeq is present in the map the
// snapshot iterates.
func (m *maintenance) snapshotShard(sh *shard) error {
	sh.writeMu.Lock()
	lastSeq := sh.wal.LastSeq()
	sh.writeMu.Unlock()
	gen := sh.wal.Generation()

	dir := m.e.cfg.ShardSnapshotDir(sh.id)
	path := filepath.Join(dir, binary.SnapshotFilename(gen))
	sw, err := binary.NewSnapshotWriter(path, sh.id, lastSeq, time.Now().UnixNano())
	if err != nil {
		return err
	}
	if err := sh.snapshot(sw); err != nil {
		sw.Abort()
		return err
	}
	if err := sw.Close(); err != nil {
		return err
	}

	if err := binary.RemoveOldSnapshots(dir, gen); err != nil {
		logger.Warn("pruning old snapshots of shard %d: %v", sh.id, err)
	}
	if _, err := sh.wal.PruneGenerations(gen); err != nil {
		logger.Warn("pruning wal generations of shard %d: %v", sh.id, err)
	}
	logger.Info("shard %d snapshot complete: seq %d, %s of records",
		sh.id, lastSeq, humanize.Bytes(uint64(sh.bytes.Load())))
	return nil
}

// mirrorShard is the human-readable per-shard document written under
// <data_root>/cosmos.
type mirrorShard struct {
	models.ShardMetrics
	BytesHuman    string `json:"bytes_human"`
	WALBytesHuman string `json:"wal_bytes_human"`
	WrittenAt     string `json:"written_at"`
}

// writeMirror dumps per-shard stats as JSON for humans poking around the
// data directory. Purely observational; failures are logged and ignored.
func (m *maintenance) writeMirror() {
	dir := m.e.cfg.MirrorDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Warn("mirror directory: %v", err)
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)

	snap := m.e.Metrics()
	for _, sm := range snap.PerShard {
		doc := mirrorShard{
			ShardMetrics:  sm,
			BytesHuman:    humanize.Bytes(uint64(sm.Bytes)),
			WALBytesHuman: humanize.Bytes(uint64(sm.WALBytes)),
			WrittenAt:     now,
		}
		buf, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("shard-%d.json", sm.ShardID))
		if err := binary.WriteFileAtomic(path, append(buf, '\n'), 0644); err != nil {
			logger.Warn("mirror write %s: %v", path, err)
		}
	}

	buf, err := json.MarshalIndent(snap, "", "  ")
	if err == nil {
		path := filepath.Join(dir, "engine.json")
		if err := binary.WriteFileAtomic(path, append(buf, '\n'), 0644); err != nil {
			logger.Warn("mirror write %s: %v", path, err)
		}
	}
}

// refreshGauges pushes the slow-moving per-shard gauges to Prometheus.
func (m *maintenance) refreshGauges() {
	for _, sh := range m.e.shards {
		m.e.sink.setWALBytes(sh.id, sh.wal.TotalBytes())
		m.e.sink.setDegraded(sh.id, sh.degraded())
	}
}
