package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "./var", cfg.DataRoot)
	assert.Equal(t, 16, cfg.ShardCount)
	assert.Equal(t, 4*1024, cfg.KeyMaxBytes)
	assert.Equal(t, 16*1024*1024, cfg.ValueMaxBytes)
	assert.Equal(t, 2*time.Millisecond, cfg.WALFlushInterval)
	assert.Equal(t, 1<<20, cfg.WALFlushBytes)
	assert.Equal(t, 4096, cfg.WALFlushEntries)
	assert.Equal(t, int64(64<<20), cfg.WALMaxBytes)
	assert.Equal(t, 250*time.Millisecond, cfg.CacheSweepInterval)
	assert.Equal(t, 64, cfg.CompanionMax)
	assert.False(t, cfg.CompanionPersist)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WARP_DATA_ROOT", "/tmp/warp-test")
	t.Setenv("WARP_SHARDS", "32")
	t.Setenv("WARP_WAL_FLUSH_MS", "7")
	t.Setenv("WARP_WAL_MAX_BYTES", "2097152")
	t.Setenv("WARP_COMPANION_PERSIST", "true")

	cfg := Load()
	assert.Equal(t, "/tmp/warp-test", cfg.DataRoot)
	assert.Equal(t, 32, cfg.ShardCount)
	assert.Equal(t, 7*time.Millisecond, cfg.WALFlushInterval)
	assert.Equal(t, int64(2<<20), cfg.WALMaxBytes)
	assert.True(t, cfg.CompanionPersist)
}

func TestLoadIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("WARP_SHARDS", "many")
	cfg := Load()
	assert.Equal(t, 16, cfg.ShardCount)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero shards", func(c *Config) { c.ShardCount = 0 }},
		{"negative key bound", func(c *Config) { c.KeyMaxBytes = -1 }},
		{"zero flush interval", func(c *Config) { c.WALFlushInterval = 0 }},
		{"tiny wal file", func(c *Config) { c.WALMaxBytes = 100 }},
		{"non-decreasing cache caps", func(c *Config) { c.CacheCapacities = [4]int{100, 100, 50, 25} }},
		{"zero cache cap", func(c *Config) { c.CacheCapacities[3] = 0 }},
		{"zero companion cap", func(c *Config) { c.CompanionMax = 0 }},
		{"tier split overflow", func(c *Config) { c.HotShards = 10; c.WarmShards = 10 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Load()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTierSplitDefaults(t *testing.T) {
	cfg := Load()
	cfg.ShardCount = 16
	hot, warm := cfg.TierSplit()
	assert.Equal(t, 4, hot)
	assert.Equal(t, 8, warm)

	// Tiny engines still get at least one hot shard.
	cfg.ShardCount = 2
	hot, warm = cfg.TierSplit()
	assert.Equal(t, 1, hot)
	assert.LessOrEqual(t, hot+warm, 2)

	// Explicit values pass through.
	cfg.ShardCount = 16
	cfg.HotShards, cfg.WarmShards = 3, 5
	hot, warm = cfg.TierSplit()
	assert.Equal(t, 3, hot)
	assert.Equal(t, 5, warm)
}

func TestPathHelpers(t *testing.T) {
	cfg := Load()
	cfg.DataRoot = "/data"

	assert.Equal(t, "/data/engine.manifest", cfg.ManifestPath())
	assert.Equal(t, "/data/shards/3/wal", cfg.ShardWALDir(3))
	assert.Equal(t, "/data/shards/3/snapshot", cfg.ShardSnapshotDir(3))
	assert.Equal(t, "/data/companions.db", cfg.CompanionDBPath())
	assert.Equal(t, "/data/cosmos", cfg.MirrorDir())
}
