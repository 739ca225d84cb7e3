package models

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the public error taxonomy. Components report
// raw errors upward; the engine façade is the only place that maps them
// onto this taxonomy. Callers match with errors.Is.
var (
	// ErrInvalidArgument is returned for empty keys, oversize keys or
	// values, self-companions and malformed options.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned on a lookup miss. For Get it is a distinct
	// outcome rather than a failure.
	ErrNotFound = errors.New("key not found")

	// ErrShardDegraded is returned when a shard's WAL has failed; the
	// shard rejects writes until the engine is restarted.
	ErrShardDegraded = errors.New("shard degraded")

	// ErrTimeout is returned when a deadline expired before the
	// operation reached its commit point.
	ErrTimeout = errors.New("operation timed out")

	// ErrCancelled is returned when the caller's context was cancelled
	// before the operation reached its commit point.
	ErrCancelled = errors.New("operation cancelled")

	// ErrCorrupted is returned when recovery finds a non-tail corrupt
	// frame or a manifest mismatch. Fatal to Open.
	ErrCorrupted = errors.New("data corrupted")

	// ErrUnavailable is returned while the engine is shutting down.
	ErrUnavailable = errors.New("engine unavailable")

	// ErrInternal indicates a bug; the wrapping StorageError carries a
	// stable diagnostic code.
	ErrInternal = errors.New("internal error")
)

// StorageError is the structured failure surfaced to callers. The key is
// included when known; the value never is.
type StorageError struct {
	Kind           error  // one of the sentinel errors above
	ShardID        int    // -1 when not shard-specific
	Key            string // empty when not key-specific
	Message        string
	DiagnosticCode string
}

// NewStorageError builds a StorageError for the given taxonomy kind.
func NewStorageError(kind error, shardID int, key, code, format string, args ...interface{}) *StorageError {
	return &StorageError{
		Kind:           kind,
		ShardID:        shardID,
		Key:            key,
		Message:        fmt.Sprintf(format, args...),
		DiagnosticCode: code,
	}
}

func (e *StorageError) Error() string {
	if e.ShardID >= 0 {
		return fmt.Sprintf("%s: %s (shard=%d, code=%s)", e.Kind, e.Message, e.ShardID, e.DiagnosticCode)
	}
	return fmt.Sprintf("%s: %s (code=%s)", e.Kind, e.Message, e.DiagnosticCode)
}

// Unwrap exposes the taxonomy sentinel so errors.Is matches on kind.
func (e *StorageError) Unwrap() error { return e.Kind }
