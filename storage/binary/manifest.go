package binary

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/c-u-l8er/warp-engine/logger"
)

const (
	// ManifestSchemaVersion is the current engine.manifest schema.
	ManifestSchemaVersion = 1

	// HashAlgorithmXXHash64 identifies the router's key hash. The hash
	// is part of the on-disk contract: data written under one algorithm
	// id cannot be opened under another without migration.
	HashAlgorithmXXHash64 = 1
)

// ErrManifestMismatch marks a manifest that disagrees with the engine's
// built-in format or the caller's configuration. Fatal to open.
var ErrManifestMismatch = errors.New("manifest mismatch")

// Manifest is the versioned JSON document at <data_root>/engine.manifest.
type Manifest struct {
	SchemaVersion   int    `json:"schema_version"`
	ShardCount      int    `json:"shard_count"`
	HashAlgorithmID int    `json:"hash_algorithm_id"`
	InstanceID      string `json:"instance_id"`
	CreatedAt       string `json:"created_at"`
}

// LoadOrCreateManifest reads the manifest at path, creating it on first
// open. An existing manifest must carry the built-in schema version and
// hash algorithm and the same shard count the engine was configured
// with; shard count changes require a migration and are rejected.
func LoadOrCreateManifest(path string, shardCount int) (*Manifest, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m := &Manifest{
			SchemaVersion:   ManifestSchemaVersion,
			ShardCount:      shardCount,
			HashAlgorithmID: HashAlgorithmXXHash64,
			InstanceID:      uuid.NewString(),
			CreatedAt:       time.Now().UTC().Format(time.RFC3339Nano),
		}
		buf, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return nil, false, err
		}
		if err := WriteFileAtomic(path, append(buf, '\n'), 0644); err != nil {
			return nil, false, err
		}
		logger.Info("created engine manifest: %d shards, instance %s", shardCount, m.InstanceID)
		return m, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("%w: unreadable manifest: %v", ErrManifestMismatch, err)
	}
	if m.SchemaVersion != ManifestSchemaVersion {
		return nil, false, fmt.Errorf("%w: schema version %d, engine supports %d",
			ErrManifestMismatch, m.SchemaVersion, ManifestSchemaVersion)
	}
	if m.HashAlgorithmID != HashAlgorithmXXHash64 {
		return nil, false, fmt.Errorf("%w: hash algorithm %d, engine uses %d",
			ErrManifestMismatch, m.HashAlgorithmID, HashAlgorithmXXHash64)
	}
	if m.ShardCount != shardCount {
		return nil, false, fmt.Errorf("%w: data has %d shards, configured %d (shard count changes require migration)",
			ErrManifestMismatch, m.ShardCount, shardCount)
	}
	return &m, false, nil
}
