// Package cache provides the engine's shared multi-tier read cache.
//
// The cache holds four levels: L1 ("hot"), L2 ("warm"), L3 ("cold") and
// L4 ("overflow") with strictly decreasing capacities. A key lives in at
// most one level. Hits promote an entry one level; promotion displaces
// the weakest entry at the target level, which demotes recursively until
// L4, where eviction occurs.
//
// Internally the cache is partitioned into 64 segments, each owning its
// own slice of all four levels behind a single mutex, so promotion and
// demotion are atomic within a segment and concurrent accesses contend
// only when they collide on the same segment.
//
// Cache operations never fail a caller-visible operation: an internal
// panic flips a bypass flag that turns the cache into a no-op until
// Reset is called, and the failure is visible in the stats.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/c-u-l8er/warp-engine/logger"
)

// Level identifies one cache level.
type Level int

const (
	L1 Level = iota // hot
	L2              // warm (default insertion level)
	L3              // cold
	L4              // overflow

	numLevels = 4
)

// String returns the conventional level name.
func (l Level) String() string {
	switch l {
	case L1:
		return "L1"
	case L2:
		return "L2"
	case L3:
		return "L3"
	case L4:
		return "L4"
	}
	return "?"
}

const segmentCount = 64

// Config bundles the cache tunables.
type Config struct {
	// Capacities are the total entry capacities of L1..L4. Must be
	// strictly decreasing.
	Capacities [numLevels]int

	// Alpha, Beta and Gamma weight the eviction score: an entry's
	// retention worth is Beta*hits + Gamma*recentHit - Alpha*ageSeconds,
	// and the lowest-worth entry is displaced first.
	Alpha, Beta, Gamma float64

	// SweepInterval is the background decay cadence.
	SweepInterval time.Duration

	// StaleAfter is the last-hit age beyond which the sweep demotes an
	// entry. It also defines "recently hit" for the eviction score.
	StaleAfter time.Duration
}

type entry struct {
	key        string
	value      []byte
	level      Level
	insertedAt int64 // unix nanos
	lastHitAt  int64
	hits       uint32
}

// segment owns one slice of every level. All level maps of a segment
// share one mutex so cross-level moves are atomic.
type segment struct {
	mu     sync.Mutex
	levels [numLevels]map[string]*entry
}

// LevelStats is a point-in-time view of one level.
type LevelStats struct {
	Level     string
	Capacity  int
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// TieredCache is the shared four-level cache.
type TieredCache struct {
	cfg      Config
	segments [segmentCount]*segment
	segCaps  [numLevels]int // per-segment capacity of each level

	hits      [numLevels]atomic.Uint64
	misses    atomic.Uint64
	evictions [numLevels]atomic.Uint64
	sizes     [numLevels]atomic.Int64

	bypass atomic.Bool
	faults atomic.Uint64

	done    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
}

// New constructs a cache. Capacities below the segment count are rounded
// up so every segment can hold at least one entry per level.
func New(cfg Config) *TieredCache {
	c := &TieredCache{cfg: cfg, done: make(chan struct{})}
	for i := 0; i < numLevels; i++ {
		per := cfg.Capacities[i] / segmentCount
		if per < 1 {
			per = 1
		}
		c.segCaps[i] = per
	}
	for i := range c.segments {
		seg := &segment{}
		for l := 0; l < numLevels; l++ {
			seg.levels[l] = make(map[string]*entry)
		}
		c.segments[i] = seg
	}
	return c
}

// Start launches the background sweep. Safe to call once.
func (c *TieredCache) Start() {
	if c.cfg.SweepInterval <= 0 || !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.sweepLoop()
}

// Stop terminates the background sweep.
func (c *TieredCache) Stop() {
	if c.started.CompareAndSwap(true, false) {
		close(c.done)
		c.wg.Wait()
	}
}

func (c *TieredCache) segmentFor(key string) *segment {
	return c.segments[xxhash.Sum64String(key)%segmentCount]
}

// Get looks the key up across L1..L4. A hit promotes the entry one
// level and returns its value with the level it was found at; the
// returned slice must not be mutated.
func (c *TieredCache) Get(key string) (value []byte, hitLevel Level, ok bool) {
	if c.bypass.Load() {
		c.misses.Add(1)
		return nil, 0, false
	}
	defer c.guard()

	now := time.Now().UnixNano()
	seg := c.segmentFor(key)
	seg.mu.Lock()
	defer seg.mu.Unlock()

	for l := L1; l <= L4; l++ {
		e, found := seg.levels[l][key]
		if !found {
			continue
		}
		e.hits++
		e.lastHitAt = now
		c.hits[l].Add(1)
		if l > L1 {
			c.moveLocked(seg, e, l-1, now)
		}
		return e.value, l, true
	}
	c.misses.Add(1)
	return nil, 0, false
}

// Peek reports whether the key is cached and at which level, without
// promoting it. Intended for tests and the inspect tool.
func (c *TieredCache) Peek(key string) (Level, bool) {
	seg := c.segmentFor(key)
	seg.mu.Lock()
	defer seg.mu.Unlock()
	for l := L1; l <= L4; l++ {
		if _, found := seg.levels[l][key]; found {
			return l, true
		}
	}
	return 0, false
}

// Put inserts or replaces the key at the given level; a level outside
// L1..L4 falls back to L2. The entry is always placed at that level; when
// the level is full, its lowest-retention entry is demoted to make room.
func (c *TieredCache) Put(key string, value []byte, level Level) {
	if c.bypass.Load() {
		return
	}
	defer c.guard()

	if level < L1 || level > L4 {
		level = L2
	}
	now := time.Now().UnixNano()
	seg := c.segmentFor(key)
	seg.mu.Lock()
	defer seg.mu.Unlock()

	// A key lives in exactly one level: drop any existing residency.
	c.removeLocked(seg, key)

	e := &entry{key: key, value: value, level: level, insertedAt: now, lastHitAt: now}
	seg.levels[level][key] = e
	c.sizes[level].Add(1)
	c.enforceLocked(seg, level, now)
}

// Invalidate removes the key from every level. Called by the engine
// after a delete, before the delete is acknowledged.
func (c *TieredCache) Invalidate(key string) {
	defer c.guard()
	seg := c.segmentFor(key)
	seg.mu.Lock()
	defer seg.mu.Unlock()
	c.removeLocked(seg, key)
}

// Bypassed reports whether the cache is currently bypassed after an
// internal fault.
func (c *TieredCache) Bypassed() bool { return c.bypass.Load() }

// Reset clears all entries and the bypass flag.
func (c *TieredCache) Reset() {
	for _, seg := range c.segments {
		seg.mu.Lock()
		for l := 0; l < numLevels; l++ {
			seg.levels[l] = make(map[string]*entry)
		}
		seg.mu.Unlock()
	}
	for l := 0; l < numLevels; l++ {
		c.sizes[l].Store(0)
	}
	c.bypass.Store(false)
}

// Stats returns a snapshot of all four levels. The shared miss counter
// is reported on L4, the last level probed.
func (c *TieredCache) Stats() []LevelStats {
	out := make([]LevelStats, numLevels)
	for l := 0; l < numLevels; l++ {
		out[l] = LevelStats{
			Level:     Level(l).String(),
			Capacity:  c.segCaps[l] * segmentCount,
			Size:      int(c.sizes[l].Load()),
			Hits:      c.hits[l].Load(),
			Evictions: c.evictions[l].Load(),
		}
	}
	out[numLevels-1].Misses = c.misses.Load()
	return out
}

// guard converts an internal panic into bypass mode so cache failures
// never surface to callers.
func (c *TieredCache) guard() {
	if r := recover(); r != nil {
		c.faults.Add(1)
		c.bypass.Store(true)
		logger.Error("cache fault, bypassing until reset: %v", r)
	}
}

func (c *TieredCache) removeLocked(seg *segment, key string) {
	for l := L1; l <= L4; l++ {
		if _, found := seg.levels[l][key]; found {
			delete(seg.levels[l], key)
			c.sizes[l].Add(-1)
			return
		}
	}
}

// moveLocked relocates e to the target level and resolves any resulting
// capacity overflow.
func (c *TieredCache) moveLocked(seg *segment, e *entry, target Level, now int64) {
	delete(seg.levels[e.level], e.key)
	c.sizes[e.level].Add(-1)
	e.level = target
	seg.levels[target][e.key] = e
	c.sizes[target].Add(1)
	c.enforceLocked(seg, target, now)
}
