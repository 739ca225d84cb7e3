package engine

import (
	"github.com/cespare/xxhash/v2"

	"github.com/c-u-l8er/warp-engine/models"
)

// Router maps keys to shards and fixes the tier probe order for
// cross-shard scans.
//
// The key hash is xxhash64, recorded in the manifest as hash algorithm
// id 1. The hash is part of the on-disk contract: it must remain stable
// across releases, and changing it requires an explicit migration.
//
// A key lives in exactly one shard determined by the hash; the probe
// order is used only by scan paths, never to search for a single key.
type Router struct {
	shardCount uint64
	hot        int
	warm       int
	order      []uint16
}

// NewRouter builds a router over shardCount shards, the first hot of
// which are hot-tier and the next warm warm-tier; the rest are cold.
func NewRouter(shardCount, hot, warm int) *Router {
	r := &Router{shardCount: uint64(shardCount), hot: hot, warm: warm}

	// Probe order: hot, then warm, then cold, ascending id within each
	// tier. With the contiguous tier layout this is simply ascending
	// shard id, but the order is built per-tier so a future layout
	// change cannot silently break scans.
	r.order = make([]uint16, 0, shardCount)
	for _, tier := range []models.Tier{models.TierHot, models.TierWarm, models.TierCold} {
		for id := 0; id < shardCount; id++ {
			if r.TierOf(uint16(id)) == tier {
				r.order = append(r.order, uint16(id))
			}
		}
	}
	return r
}

// ShardOf returns the shard owning the key. Pure function of the key
// bytes and the configured shard count.
func (r *Router) ShardOf(key []byte) uint16 {
	return uint16(xxhash.Sum64(key) % r.shardCount)
}

// TierOf returns the tier label of a shard.
func (r *Router) TierOf(id uint16) models.Tier {
	switch {
	case int(id) < r.hot:
		return models.TierHot
	case int(id) < r.hot+r.warm:
		return models.TierWarm
	default:
		return models.TierCold
	}
}

// ProbeOrder returns the shard ids grouped hot, warm, cold with stable
// ascending order inside each tier. The returned slice is shared and
// must not be mutated.
func (r *Router) ProbeOrder() []uint16 {
	return r.order
}
