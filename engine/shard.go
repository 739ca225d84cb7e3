package engine

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/c-u-l8er/warp-engine/logger"
	"github.com/c-u-l8er/warp-engine/models"
	"github.com/c-u-l8er/warp-engine/storage/binary"
)

// shard owns one hash-partitioned slice of the keyspace: its in-memory
// record map, its counters and its WAL.
//
// Lock discipline: writeMu serializes the whole write path of a shard,
// so the WAL sequence order always matches the map apply order. mapMu
// protects the record map; writers hold it exclusively only for the O(1)
// insert/delete step, so readers wait at most one map operation.
type shard struct {
	id   uint16
	tier models.Tier

	writeMu sync.Mutex
	mapMu   sync.RWMutex
	records map[string]*models.Record

	wal *binary.WAL

	bytes  atomic.Int64
	writes atomic.Uint64
	reads  atomic.Uint64
	hits   atomic.Uint64
	misses atomic.Uint64

	// clock yields monotonic nanoseconds since engine start.
	clock func() int64

	degradedLogged atomic.Bool
}

// degraded reports whether the shard's WAL has failed. A degraded shard
// serves reads from memory and rejects writes until the engine restarts.
func (s *shard) degraded() bool {
	return s.wal.Failed()
}

// applyRecovered replays one WAL entry into the map during recovery.
// Runs before any concurrent access; no locks needed.
func (s *shard) applyRecovered(e *binary.Entry) error {
	k := string(e.Key)
	switch e.Type {
	case binary.EntryPut:
		key := append([]byte(nil), e.Key...)
		value := append([]byte(nil), e.Value...)
		if old, ok := s.records[k]; ok {
			s.bytes.Add(int64(len(value)) - int64(len(old.Value)))
			old.Value = value
			old.UpdatedAt = int64(e.Timestamp)
			old.SizeBytes = int64(len(key) + len(value))
			return nil
		}
		s.records[k] = &models.Record{
			Key:       key,
			Value:     value,
			CreatedAt: int64(e.Timestamp),
			UpdatedAt: int64(e.Timestamp),
			SizeBytes: int64(len(key) + len(value)),
			ShardID:   s.id,
		}
		s.bytes.Add(int64(len(key) + len(value)))
	case binary.EntryDelete:
		if old, ok := s.records[k]; ok {
			s.bytes.Add(-old.SizeBytes)
			delete(s.records, k)
		}
	}
	return nil
}

// applySnapshot loads one snapshot record during recovery.
func (s *shard) applySnapshot(key, value []byte, created, updated int64) error {
	k := string(key)
	s.records[k] = &models.Record{
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		CreatedAt: created,
		UpdatedAt: updated,
		SizeBytes: int64(len(key) + len(value)),
		ShardID:   s.id,
	}
	s.bytes.Add(int64(len(key) + len(value)))
	return nil
}

// put writes the key durably and applies it to the map. The map update
// happens after the WAL append so a crash between the two replays to the
// same state as a crash just after the insert.
func (s *shard) put(key, value []byte, durability models.Durability) (seq uint64, wrote int64, err error) {
	if s.degraded() {
		s.logDegraded()
		return 0, 0, binary.ErrWALFailed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ts := s.clock()
	entry := &binary.Entry{
		Type:      binary.EntryPut,
		Key:       key,
		Value:     value,
		Timestamp: uint64(ts),
	}
	if durability == models.DurabilityBuffered {
		seq, err = s.wal.Append(entry)
	} else {
		seq, err = s.wal.AppendSync(entry)
	}
	if err != nil {
		s.logDegraded()
		return 0, 0, err
	}

	keyCopy := append([]byte(nil), key...)
	valueCopy := append([]byte(nil), value...)
	k := string(keyCopy)

	s.mapMu.Lock()
	if old, ok := s.records[k]; ok {
		s.bytes.Add(int64(len(valueCopy)) - int64(len(old.Value)))
		old.Value = valueCopy
		old.UpdatedAt = ts
		old.SizeBytes = int64(len(keyCopy) + len(valueCopy))
	} else {
		s.records[k] = &models.Record{
			Key:       keyCopy,
			Value:     valueCopy,
			CreatedAt: ts,
			UpdatedAt: ts,
			SizeBytes: int64(len(keyCopy) + len(valueCopy)),
			ShardID:   s.id,
		}
		s.bytes.Add(int64(len(keyCopy) + len(valueCopy)))
	}
	s.mapMu.Unlock()

	s.writes.Add(1)
	return seq, int64(len(key) + len(value)), nil
}

// get returns the record's value, or ok=false on a miss. The returned
// slice is the live value and must not be mutated by callers.
func (s *shard) get(key []byte) (value []byte, ok bool) {
	s.mapMu.RLock()
	rec, found := s.records[string(key)]
	if found {
		// Capture under the read lock: updates swap the value slice
		// while holding the lock exclusively.
		value = rec.Value
	}
	s.mapMu.RUnlock()

	s.reads.Add(1)
	if !found {
		s.misses.Add(1)
		return nil, false
	}
	rec.Touch(s.clock())
	s.hits.Add(1)
	return value, true
}

// delete removes the key, writing the tombstone to the WAL first. A
// delete of an absent key touches neither the WAL nor the map.
func (s *shard) delete(key []byte) (existed bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	k := string(key)
	s.mapMu.RLock()
	_, found := s.records[k]
	s.mapMu.RUnlock()
	if !found {
		return false, nil
	}

	if s.degraded() {
		s.logDegraded()
		return false, binary.ErrWALFailed
	}

	entry := &binary.Entry{
		Type:      binary.EntryDelete,
		Key:       key,
		Timestamp: uint64(s.clock()),
	}
	if _, err := s.wal.AppendSync(entry); err != nil {
		s.logDegraded()
		return false, err
	}

	s.mapMu.Lock()
	if old, ok := s.records[k]; ok {
		s.bytes.Add(-old.SizeBytes)
		delete(s.records, k)
	}
	s.mapMu.Unlock()
	return true, nil
}

// scan streams records in key-ascending order under the read lock. fn
// returning false stops the scan. Writers queue on the map lock for the
// duration; the write path is unaffected up to its map-insert step.
func (s *shard) scan(fn func(rec *models.Record) bool) {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	for _, k := range s.sortedKeysLocked() {
		if !fn(s.records[k]) {
			return
		}
	}
}

// snapshot writes every record in key-ascending order to sw.
func (s *shard) snapshot(sw *binary.SnapshotWriter) error {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	for _, k := range s.sortedKeysLocked() {
		rec := s.records[k]
		if err := sw.Append(rec.Key, rec.Value, rec.CreatedAt, rec.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *shard) sortedKeysLocked() []string {
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// size returns the record count.
func (s *shard) size() int64 {
	s.mapMu.RLock()
	n := len(s.records)
	s.mapMu.RUnlock()
	return int64(n)
}

func (s *shard) metricsSlice() models.ShardMetrics {
	return models.ShardMetrics{
		ShardID:     s.id,
		Tier:        s.tier.String(),
		Size:        s.size(),
		Bytes:       s.bytes.Load(),
		Writes:      s.writes.Load(),
		Reads:       s.reads.Load(),
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		WALLastSeq:  s.wal.LastDurable(),
		WALBytes:    s.wal.TotalBytes(),
		WALDegraded: s.degraded(),
	}
}

func (s *shard) logDegraded() {
	if s.degradedLogged.CompareAndSwap(false, true) {
		logger.Error("shard %d degraded: wal unusable, rejecting writes until restart", s.id)
	}
}
