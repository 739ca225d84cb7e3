package config

import (
	"flag"
	"os"
	"strings"

	"github.com/c-u-l8er/warp-engine/logger"
)

// knownEnvVars lists every WARP_* variable the engine recognizes. Unknown
// WARP_* variables are reported with a warning and otherwise ignored.
var knownEnvVars = map[string]bool{
	"WARP_PORT":                true,
	"WARP_HTTP_READ_TIMEOUT":   true,
	"WARP_HTTP_WRITE_TIMEOUT":  true,
	"WARP_HTTP_IDLE_TIMEOUT":   true,
	"WARP_LOG_LEVEL":           true,
	"WARP_DATA_ROOT":           true,
	"WARP_SHARDS":              true,
	"WARP_KEY_MAX_BYTES":       true,
	"WARP_VALUE_MAX_BYTES":     true,
	"WARP_WAL_FLUSH_MS":        true,
	"WARP_WAL_FLUSH_BYTES":     true,
	"WARP_WAL_FLUSH_ENTRIES":   true,
	"WARP_WAL_MAX_BYTES":       true,
	"WARP_CACHE_L1_CAP":        true,
	"WARP_CACHE_L2_CAP":        true,
	"WARP_CACHE_L3_CAP":        true,
	"WARP_CACHE_L4_CAP":        true,
	"WARP_EVICT_ALPHA":         true,
	"WARP_EVICT_BETA":          true,
	"WARP_EVICT_GAMMA":         true,
	"WARP_CACHE_SWEEP_MS":      true,
	"WARP_CACHE_STALE_S":       true,
	"WARP_COMPANION_MAX":       true,
	"WARP_COMPANION_PERSIST":   true,
	"WARP_SNAPSHOT_INTERVAL_S": true,
	"WARP_MIRROR_INTERVAL_S":   true,
	"WARP_SHUTDOWN_GRACE_S":    true,
	"WARP_TRACE_SUBSYSTEMS":    true,
}

// WarnUnknownEnv scans the process environment for WARP_* variables the
// engine does not recognize and logs a warning for each.
func WarnUnknownEnv() {
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name := kv[:eq]
		if strings.HasPrefix(name, "WARP_") && !knownEnvVars[name] {
			logger.Warn("ignoring unrecognized environment variable %s", name)
		}
	}
}

// RegisterFlags registers command-line overrides on the default flag set.
// Flags override environment values; only flags the user actually set
// take effect. Call before flag.Parse, then Apply after.
func (c *Config) RegisterFlags() {
	flag.IntVar(&c.Port, "warp-port", c.Port, "HTTP listen port")
	flag.StringVar(&c.LogLevel, "warp-log-level", c.LogLevel, "log level (TRACE/DEBUG/INFO/WARN/ERROR)")
	flag.StringVar(&c.DataRoot, "warp-data-root", c.DataRoot, "data root directory")
	flag.IntVar(&c.ShardCount, "warp-shards", c.ShardCount, "shard count (first open only)")
	flag.DurationVar(&c.WALFlushInterval, "warp-wal-flush", c.WALFlushInterval, "WAL batcher flush interval")
	flag.Int64Var(&c.WALMaxBytes, "warp-wal-max-bytes", c.WALMaxBytes, "WAL rotation threshold in bytes")
	flag.DurationVar(&c.SnapshotInterval, "warp-snapshot-interval", c.SnapshotInterval, "background snapshot cadence (0 disables)")
	flag.DurationVar(&c.MirrorInterval, "warp-mirror-interval", c.MirrorInterval, "cosmos mirror cadence (0 disables)")
	flag.BoolVar(&c.CompanionPersist, "warp-companion-persist", c.CompanionPersist, "persist companion index to sqlite sidecar")
}

// Apply finalizes configuration after flag parsing: sets the log level
// and enables any requested trace subsystems.
func (c *Config) Apply() error {
	if err := logger.SetLogLevel(c.LogLevel); err != nil {
		return err
	}
	if subs := os.Getenv("WARP_TRACE_SUBSYSTEMS"); subs != "" {
		logger.EnableTrace(strings.Split(subs, ",")...)
	}
	WarnUnknownEnv()
	return c.Validate()
}
