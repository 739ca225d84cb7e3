// Package config provides centralized configuration for the warp engine.
//
// Configuration follows a two-tier hierarchy: command-line flags override
// environment variables, which override built-in defaults. All environment
// variables use the WARP_ prefix; unrecognized WARP_* variables are
// reported with a warning and ignored.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds every knob that influences engine behavior. Values are
// immutable once the engine is constructed.
type Config struct {
	// Server configuration
	// ====================

	// Port is the HTTP façade listening port.
	// Environment: WARP_PORT
	// Default: 8420
	Port int

	// HTTPReadTimeout is the maximum duration for reading a request.
	// Environment: WARP_HTTP_READ_TIMEOUT (seconds)
	// Default: 15s
	HTTPReadTimeout time.Duration

	// HTTPWriteTimeout is the maximum duration before timing out writes.
	// Environment: WARP_HTTP_WRITE_TIMEOUT (seconds)
	// Default: 15s
	HTTPWriteTimeout time.Duration

	// HTTPIdleTimeout is the keep-alive idle timeout.
	// Environment: WARP_HTTP_IDLE_TIMEOUT (seconds)
	// Default: 60s
	HTTPIdleTimeout time.Duration

	// Logging
	// =======

	// LogLevel is the initial log level (TRACE/DEBUG/INFO/WARN/ERROR).
	// Environment: WARP_LOG_LEVEL
	// Default: INFO
	LogLevel string

	// Storage substrate
	// =================

	// DataRoot is the root directory for all engine data: the manifest,
	// per-shard WAL directories and snapshots.
	// Environment: WARP_DATA_ROOT
	// Default: "./var"
	DataRoot string

	// ShardCount is the number of shards. Fixed at first open; changing
	// it later requires a migration and is rejected against an existing
	// manifest.
	// Environment: WARP_SHARDS
	// Default: 16
	ShardCount int

	// HotShards and WarmShards partition the shard range into tiers:
	// shards [0,HotShards) are hot, [HotShards,HotShards+WarmShards) are
	// warm, the rest cold. Zero values derive 25%/50% with at least one
	// hot shard.
	HotShards  int
	WarmShards int

	// KeyMaxBytes bounds key length. Default 4 KiB.
	KeyMaxBytes int

	// ValueMaxBytes bounds value length. Default 16 MiB.
	ValueMaxBytes int

	// Write-ahead log
	// ===============

	// WALFlushInterval is the maximum age of the oldest buffered entry
	// before the batcher forces a flush.
	// Environment: WARP_WAL_FLUSH_MS (milliseconds)
	// Default: 2ms
	WALFlushInterval time.Duration

	// WALFlushBytes flushes the batch once this many bytes are buffered.
	// Default: 1 MiB
	WALFlushBytes int

	// WALFlushEntries flushes the batch once this many entries are
	// pending. Default: 4096
	WALFlushEntries int

	// WALMaxBytes rotates the active WAL file past this size.
	// Environment: WARP_WAL_MAX_BYTES
	// Default: 64 MiB
	WALMaxBytes int64

	// Cache
	// =====

	// CacheCapacities are the entry capacities of levels L1..L4. Must be
	// strictly decreasing.
	CacheCapacities [4]int

	// EvictionAlpha, EvictionBeta and EvictionGamma weight the eviction
	// score S = alpha*age - beta*hits - gamma*recentHit.
	EvictionAlpha float64
	EvictionBeta  float64
	EvictionGamma float64

	// CacheSweepInterval is the background sweep cadence. Default 250ms.
	CacheSweepInterval time.Duration

	// CacheStaleAfter demotes entries whose last hit is older than this.
	// Default 30s.
	CacheStaleAfter time.Duration

	// Companion index
	// ===============

	// CompanionMax bounds companions per primary. Default 64.
	CompanionMax int

	// CompanionPersist enables the optional sqlite sidecar that reloads
	// companion declarations across restarts. The index is volatile by
	// default.
	// Environment: WARP_COMPANION_PERSIST
	CompanionPersist bool

	// Maintenance
	// ===========

	// SnapshotInterval is the cadence of background shard snapshots.
	// Zero disables snapshotting (default).
	// Environment: WARP_SNAPSHOT_INTERVAL_S (seconds)
	SnapshotInterval time.Duration

	// MirrorInterval is the cadence of the human-readable JSON mirror
	// written under <DataRoot>/cosmos. Zero disables it (default).
	// Environment: WARP_MIRROR_INTERVAL_S (seconds)
	MirrorInterval time.Duration

	// ShutdownGrace bounds graceful shutdown; exceeding it forces a
	// non-graceful close after a final WAL flush. Default 5s.
	ShutdownGrace time.Duration
}

// Load builds a Config from environment variables and defaults.
func Load() *Config {
	cfg := &Config{
		Port:             getEnvInt("WARP_PORT", 8420),
		HTTPReadTimeout:  getEnvSeconds("WARP_HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvSeconds("WARP_HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvSeconds("WARP_HTTP_IDLE_TIMEOUT", 60*time.Second),
		LogLevel:         getEnv("WARP_LOG_LEVEL", "INFO"),

		DataRoot:      getEnv("WARP_DATA_ROOT", "./var"),
		ShardCount:    getEnvInt("WARP_SHARDS", 16),
		KeyMaxBytes:   getEnvInt("WARP_KEY_MAX_BYTES", 4*1024),
		ValueMaxBytes: getEnvInt("WARP_VALUE_MAX_BYTES", 16*1024*1024),

		WALFlushInterval: getEnvMillis("WARP_WAL_FLUSH_MS", 2*time.Millisecond),
		WALFlushBytes:    getEnvInt("WARP_WAL_FLUSH_BYTES", 1<<20),
		WALFlushEntries:  getEnvInt("WARP_WAL_FLUSH_ENTRIES", 4096),
		WALMaxBytes:      getEnvInt64("WARP_WAL_MAX_BYTES", 64<<20),

		CacheCapacities: [4]int{
			getEnvInt("WARP_CACHE_L1_CAP", 8192),
			getEnvInt("WARP_CACHE_L2_CAP", 4096),
			getEnvInt("WARP_CACHE_L3_CAP", 2048),
			getEnvInt("WARP_CACHE_L4_CAP", 1024),
		},
		EvictionAlpha:      getEnvFloat("WARP_EVICT_ALPHA", 1.0),
		EvictionBeta:       getEnvFloat("WARP_EVICT_BETA", 2.0),
		EvictionGamma:      getEnvFloat("WARP_EVICT_GAMMA", 4.0),
		CacheSweepInterval: getEnvMillis("WARP_CACHE_SWEEP_MS", 250*time.Millisecond),
		CacheStaleAfter:    getEnvSeconds("WARP_CACHE_STALE_S", 30*time.Second),

		CompanionMax:     getEnvInt("WARP_COMPANION_MAX", 64),
		CompanionPersist: getEnvBool("WARP_COMPANION_PERSIST", false),

		SnapshotInterval: getEnvSeconds("WARP_SNAPSHOT_INTERVAL_S", 0),
		MirrorInterval:   getEnvSeconds("WARP_MIRROR_INTERVAL_S", 0),
		ShutdownGrace:    getEnvSeconds("WARP_SHUTDOWN_GRACE_S", 5*time.Second),
	}
	return cfg
}

// Validate checks invariants that would otherwise surface as confusing
// failures deep inside the engine.
func (c *Config) Validate() error {
	if c.ShardCount <= 0 || c.ShardCount > 1<<16 {
		return fmt.Errorf("shard count must be in [1,65536], got %d", c.ShardCount)
	}
	if c.KeyMaxBytes <= 0 || c.ValueMaxBytes <= 0 {
		return fmt.Errorf("key/value size bounds must be positive")
	}
	if c.WALFlushInterval <= 0 || c.WALFlushBytes <= 0 || c.WALFlushEntries <= 0 {
		return fmt.Errorf("wal batching thresholds must be positive")
	}
	if c.WALMaxBytes < 1<<20 {
		return fmt.Errorf("wal max bytes must be at least 1 MiB, got %d", c.WALMaxBytes)
	}
	prev := 0
	for i, capacity := range c.CacheCapacities {
		if capacity <= 0 {
			return fmt.Errorf("cache level %d capacity must be positive", i+1)
		}
		if i > 0 && capacity >= prev {
			return fmt.Errorf("cache capacities must be strictly decreasing, L%d=%d >= L%d=%d", i+1, capacity, i, prev)
		}
		prev = capacity
	}
	if c.CompanionMax <= 0 {
		return fmt.Errorf("companion max must be positive")
	}
	hot, warm := c.TierSplit()
	if hot+warm > c.ShardCount {
		return fmt.Errorf("tier split %d hot + %d warm exceeds %d shards", hot, warm, c.ShardCount)
	}
	return nil
}

// TierSplit returns the effective (hot, warm) shard counts, deriving the
// defaults when the configured values are zero.
func (c *Config) TierSplit() (hot, warm int) {
	hot, warm = c.HotShards, c.WarmShards
	if hot == 0 && warm == 0 {
		hot = c.ShardCount / 4
		if hot == 0 {
			hot = 1
		}
		warm = c.ShardCount / 2
		if hot+warm > c.ShardCount {
			warm = c.ShardCount - hot
		}
	}
	return hot, warm
}

// ManifestPath returns the engine manifest location.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.DataRoot, "engine.manifest")
}

// ShardDir returns the directory owned by one shard.
func (c *Config) ShardDir(shardID uint16) string {
	return filepath.Join(c.DataRoot, "shards", strconv.Itoa(int(shardID)))
}

// ShardWALDir returns a shard's WAL directory.
func (c *Config) ShardWALDir(shardID uint16) string {
	return filepath.Join(c.ShardDir(shardID), "wal")
}

// ShardSnapshotDir returns a shard's snapshot directory.
func (c *Config) ShardSnapshotDir(shardID uint16) string {
	return filepath.Join(c.ShardDir(shardID), "snapshot")
}

// CompanionDBPath returns the sqlite sidecar location for the companion
// index when persistence is enabled.
func (c *Config) CompanionDBPath() string {
	return filepath.Join(c.DataRoot, "companions.db")
}

// MirrorDir returns the human-readable mirror directory.
func (c *Config) MirrorDir() string {
	return filepath.Join(c.DataRoot, "cosmos")
}

/*
   ---------------- Environment helpers ----------------
*/

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return defaultValue
}
