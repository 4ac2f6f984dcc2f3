// Package genstore keeps per-key generation counters. A caller bumps the
// generation when it starts work on a key and checks it again before applying
// the result; if someone bumped in between, the result is superseded.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live.
// Use LocalGenStore (default) for one process, or RedisGenStore when several
// processes share the same storage and must supersede each other's pulls.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, key string) (uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, key string) (uint64, error)
	// Cleanup prunes long-inactive keys if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}

// Current reports whether gen is still the latest generation of key.
func Current(ctx context.Context, s GenStore, key string, gen uint64) (bool, error) {
	cur, err := s.Snapshot(ctx, key)
	if err != nil {
		return false, err
	}
	return cur == gen, nil
}
