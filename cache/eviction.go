package cache

import (
	"time"

	"github.com/c-u-l8er/warp-engine/logger"
)

// retention computes how much an entry is worth keeping. Older entries
// lose worth at Alpha per second; hits add Beta each; a hit within the
// staleness window adds Gamma. The lowest-worth entry at a level is
// displaced first, with ties broken by oldest insertedAt.
func (c *TieredCache) retention(e *entry, now int64) float64 {
	age := float64(now-e.insertedAt) / float64(time.Second)
	score := -c.cfg.Alpha*age + c.cfg.Beta*float64(e.hits)
	if now-e.lastHitAt < int64(c.cfg.StaleAfter) {
		score += c.cfg.Gamma
	}
	return score
}

// victimLocked selects the entry to displace from a level: the lowest
// retention score, ties broken by oldest insertion.
func (c *TieredCache) victimLocked(seg *segment, level Level, now int64) *entry {
	var victim *entry
	var victimScore float64
	for _, e := range seg.levels[level] {
		s := c.retention(e, now)
		if victim == nil || s < victimScore || (s == victimScore && e.insertedAt < victim.insertedAt) {
			victim = e
			victimScore = s
		}
	}
	return victim
}

// enforceLocked restores the capacity invariant at level, demoting
// displaced entries level by level and evicting at L4.
func (c *TieredCache) enforceLocked(seg *segment, level Level, now int64) {
	for l := level; l <= L4; l++ {
		for len(seg.levels[l]) > c.segCaps[l] {
			victim := c.victimLocked(seg, l, now)
			if victim == nil {
				return
			}
			if l == L4 {
				delete(seg.levels[l], victim.key)
				c.sizes[l].Add(-1)
				c.evictions[l].Add(1)
				continue
			}
			delete(seg.levels[l], victim.key)
			c.sizes[l].Add(-1)
			victim.level = l + 1
			seg.levels[l+1][victim.key] = victim
			c.sizes[l+1].Add(1)
		}
	}
}

// sweepLoop decays stale entries in the background: entries whose last
// hit is older than StaleAfter demote one level, or evict from L4, so
// the hot levels stay populated by genuinely active keys.
func (c *TieredCache) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *TieredCache) sweep() {
	if c.bypass.Load() {
		return
	}
	defer c.guard()

	now := time.Now().UnixNano()
	stale := int64(c.cfg.StaleAfter)
	demoted, evicted := 0, 0

	for _, seg := range c.segments {
		seg.mu.Lock()
		for l := L1; l <= L4; l++ {
			for _, e := range seg.levels[l] {
				if now-e.lastHitAt < stale {
					continue
				}
				if l == L4 {
					delete(seg.levels[l], e.key)
					c.sizes[l].Add(-1)
					c.evictions[l].Add(1)
					evicted++
					continue
				}
				delete(seg.levels[l], e.key)
				c.sizes[l].Add(-1)
				e.level = l + 1
				// Reset the staleness clock so one sweep moves an entry
				// a single level instead of draining it straight out.
				e.lastHitAt = now
				seg.levels[l+1][e.key] = e
				c.sizes[l+1].Add(1)
				demoted++
			}
		}
		// Demotions can overflow the lower levels.
		c.enforceLocked(seg, L2, now)
		seg.mu.Unlock()
	}
	if demoted > 0 || evicted > 0 {
		logger.TraceIf("cache", "sweep demoted %d, evicted %d", demoted, evicted)
	}
}
