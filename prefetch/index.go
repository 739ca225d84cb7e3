// Package prefetch implements the companion index: the pre-fetch graph
// mapping a primary key to an ordered set of companion keys that the
// enriched read path fetches alongside the primary.
//
// The index is read-mostly shared state with a single-writer-per-primary
// discipline enforced by sharded mutexes. It is volatile by default; an
// optional sqlite sidecar (see Store) reloads declarations across
// restarts.
package prefetch

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/c-u-l8er/warp-engine/logger"
)

// ErrSelfCompanion rejects a declaration listing the primary as its own
// companion.
var ErrSelfCompanion = errors.New("key declared as its own companion")

const indexShards = 64

// Companion is one edge of the pre-fetch graph.
type Companion struct {
	Key      string
	Strength float64
	ord      uint64 // insertion order, breaks strength ties
}

type primaryEntry struct {
	companions    []Companion // sorted: strength desc, insertion order asc
	nextOrd       uint64
	createdAt     int64
	lastTraversed int64
}

type indexShard struct {
	mu        sync.RWMutex
	primaries map[string]*primaryEntry
}

// Index is the companion index.
type Index struct {
	shards        [indexShards]*indexShard
	maxPerPrimary int
	total         atomic.Int64 // companion edges across all primaries
	nprim         atomic.Int64

	store *Store // nil when persistence is disabled
}

// NewIndex constructs an index bounding each primary to maxPerPrimary
// companions. store may be nil; when set, declarations are written
// behind best-effort and reloaded by LoadFromStore.
func NewIndex(maxPerPrimary int, store *Store) *Index {
	idx := &Index{maxPerPrimary: maxPerPrimary, store: store}
	for i := range idx.shards {
		idx.shards[i] = &indexShard{primaries: make(map[string]*primaryEntry)}
	}
	return idx
}

func (idx *Index) shardFor(primary string) *indexShard {
	return idx.shards[xxhash.Sum64String(primary)%indexShards]
}

// Declare registers companions for a primary. Self-references are
// rejected; duplicates within the call collapse to their maximum
// strength. Re-declaring merges: existing companions keep the larger of
// old and new strength, new ones append in call order, and on overflow
// the lowest-strength companions are dropped.
func (idx *Index) Declare(primary string, companions []string, strength float64) error {
	if len(companions) == 0 {
		return nil
	}
	for _, c := range companions {
		if c == primary {
			return ErrSelfCompanion
		}
	}

	sh := idx.shardFor(primary)
	sh.mu.Lock()
	ent, ok := sh.primaries[primary]
	if !ok {
		ent = &primaryEntry{createdAt: time.Now().UnixNano()}
		sh.primaries[primary] = ent
		idx.nprim.Add(1)
	}
	before := len(ent.companions)

	seen := make(map[string]bool, len(companions))
	for _, c := range companions {
		if seen[c] {
			continue
		}
		seen[c] = true
		if i := findCompanion(ent.companions, c); i >= 0 {
			if strength > ent.companions[i].Strength {
				ent.companions[i].Strength = strength
			}
			continue
		}
		ent.companions = append(ent.companions, Companion{Key: c, Strength: strength, ord: ent.nextOrd})
		ent.nextOrd++
	}

	sortCompanions(ent.companions)
	if len(ent.companions) > idx.maxPerPrimary {
		// The sort leaves the lowest-strength entries at the tail.
		ent.companions = ent.companions[:idx.maxPerPrimary]
	}
	idx.total.Add(int64(len(ent.companions) - before))
	snapshot := append([]Companion(nil), ent.companions...)
	sh.mu.Unlock()

	if idx.store != nil {
		if err := idx.store.SavePrimary(primary, snapshot); err != nil {
			logger.Warn("companion persistence for %q failed: %v", primary, err)
		}
	}
	logger.TraceIf("prefetch", "declared %d companion(s) for %q", len(companions), primary)
	return nil
}

// Lookup returns the companions of a primary in descending strength,
// ties broken by insertion order. The returned slice is a copy.
func (idx *Index) Lookup(primary string) []Companion {
	sh := idx.shardFor(primary)
	sh.mu.RLock()
	ent, ok := sh.primaries[primary]
	if !ok {
		sh.mu.RUnlock()
		return nil
	}
	out := append([]Companion(nil), ent.companions...)
	sh.mu.RUnlock()

	sh.mu.Lock()
	if ent, ok := sh.primaries[primary]; ok {
		ent.lastTraversed = time.Now().UnixNano()
	}
	sh.mu.Unlock()
	return out
}

// Forget removes a primary and all its companions. Called automatically
// when the primary key is deleted from the engine.
func (idx *Index) Forget(primary string) {
	sh := idx.shardFor(primary)
	sh.mu.Lock()
	ent, ok := sh.primaries[primary]
	if ok {
		idx.total.Add(int64(-len(ent.companions)))
		idx.nprim.Add(-1)
		delete(sh.primaries, primary)
	}
	sh.mu.Unlock()

	if ok && idx.store != nil {
		if err := idx.store.DeletePrimary(primary); err != nil {
			logger.Warn("companion removal for %q failed: %v", primary, err)
		}
	}
}

// ForgetCompanion removes a single companion edge.
func (idx *Index) ForgetCompanion(primary, companion string) {
	sh := idx.shardFor(primary)
	sh.mu.Lock()
	ent, ok := sh.primaries[primary]
	if !ok {
		sh.mu.Unlock()
		return
	}
	i := findCompanion(ent.companions, companion)
	if i < 0 {
		sh.mu.Unlock()
		return
	}
	ent.companions = append(ent.companions[:i], ent.companions[i+1:]...)
	idx.total.Add(-1)
	empty := len(ent.companions) == 0
	if empty {
		delete(sh.primaries, primary)
		idx.nprim.Add(-1)
	}
	snapshot := append([]Companion(nil), ent.companions...)
	sh.mu.Unlock()

	if idx.store != nil {
		var err error
		if empty {
			err = idx.store.DeletePrimary(primary)
		} else {
			err = idx.store.SavePrimary(primary, snapshot)
		}
		if err != nil {
			logger.Warn("companion persistence for %q failed: %v", primary, err)
		}
	}
}

// Stats returns the number of primaries and total companion edges.
func (idx *Index) Stats() (primaries, totalCompanions int) {
	return int(idx.nprim.Load()), int(idx.total.Load())
}

// LoadFromStore repopulates the index from the sqlite sidecar. Called
// once during engine open, before concurrent access begins.
func (idx *Index) LoadFromStore() error {
	if idx.store == nil {
		return nil
	}
	return idx.store.LoadAll(func(primary string, companions []Companion) {
		sh := idx.shardFor(primary)
		sh.mu.Lock()
		ent := &primaryEntry{createdAt: time.Now().UnixNano()}
		sortCompanions(companions)
		if len(companions) > idx.maxPerPrimary {
			companions = companions[:idx.maxPerPrimary]
		}
		ent.companions = companions
		for _, c := range companions {
			if c.ord >= ent.nextOrd {
				ent.nextOrd = c.ord + 1
			}
		}
		sh.primaries[primary] = ent
		idx.nprim.Add(1)
		idx.total.Add(int64(len(companions)))
		sh.mu.Unlock()
	})
}

func findCompanion(list []Companion, key string) int {
	for i := range list {
		if list[i].Key == key {
			return i
		}
	}
	return -1
}

func sortCompanions(list []Companion) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Strength != list[j].Strength {
			return list[i].Strength > list[j].Strength
		}
		return list[i].ord < list[j].ord
	})
}
