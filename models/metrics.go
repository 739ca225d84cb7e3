package models

// ShardMetrics is the per-shard slice of a metrics snapshot.
type ShardMetrics struct {
	ShardID     uint16 `json:"shard_id"`
	Tier        string `json:"tier"`
	Size        int64  `json:"size"`
	Bytes       int64  `json:"bytes"`
	Writes      uint64 `json:"writes"`
	Reads       uint64 `json:"reads"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	WALLastSeq  uint64 `json:"wal_last_seq"`
	WALBytes    int64  `json:"wal_bytes"`
	WALDegraded bool   `json:"wal_degraded"`
}

// CacheLevelMetrics describes one cache level (L1..L4).
type CacheLevelMetrics struct {
	Level     string `json:"level"`
	Capacity  int    `json:"capacity"`
	Size      int    `json:"size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// CompanionIndexMetrics summarizes the companion index.
type CompanionIndexMetrics struct {
	Primaries       int `json:"primaries"`
	TotalCompanions int `json:"total_companions"`
}

// MetricsSnapshot is the point-in-time view returned by Engine.Metrics.
type MetricsSnapshot struct {
	UptimeNS       int64                 `json:"uptime_ns"`
	PerShard       []ShardMetrics        `json:"per_shard"`
	Cache          []CacheLevelMetrics   `json:"cache"`
	CompanionIndex CompanionIndexMetrics `json:"companion_index"`
}
