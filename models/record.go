// Package models defines the core data types shared across the warp
// engine: records, shard tiers, operation options, the public error
// taxonomy and the metrics snapshot.
package models

import (
	"sync/atomic"
)

// Tier labels a shard. The tier affects probe order on cross-shard
// scans, default cache residency and eviction aggressiveness; it never
// affects routing of a specific key.
type Tier uint8

const (
	TierHot Tier = iota
	TierWarm
	TierCold
)

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	}
	return "unknown"
}

// ParseTier parses a tier name. Returns false for unrecognized names.
func ParseTier(s string) (Tier, bool) {
	switch s {
	case "hot":
		return TierHot, true
	case "warm":
		return TierWarm, true
	case "cold":
		return TierCold, true
	}
	return 0, false
}

// Record is the in-memory representation of one key/value entry inside a
// shard. Records are created by writes, mutated only by writes to the
// same key and destroyed by delete. The access fields are observational
// counters updated with relaxed atomics from the read path; they are not
// part of the durable state.
type Record struct {
	Key       []byte
	Value     []byte
	CreatedAt int64 // monotonic nanoseconds since engine start
	UpdatedAt int64
	SizeBytes int64 // len(Key) + len(Value)
	ShardID   uint16

	accessCount atomic.Uint64
	lastAccess  atomic.Int64
}

// Touch records a read of this record at the given monotonic timestamp.
// Safe to call concurrently with other reads and with a writer; the
// counters are observational so non-linearizable updates are acceptable.
func (r *Record) Touch(now int64) {
	r.accessCount.Add(1)
	r.lastAccess.Store(now)
}

// AccessCount returns the number of reads observed for this record.
func (r *Record) AccessCount() uint64 { return r.accessCount.Load() }

// LastAccess returns the monotonic timestamp of the most recent read.
func (r *Record) LastAccess() int64 { return r.lastAccess.Load() }
