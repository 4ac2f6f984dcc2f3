// Package provider defines the storage media used by the herdsync cache store.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly the
// same []byte that was previously passed to Set for a key. The store frames every
// value itself (timestamp, TTL, entry version), so providers never need to
// interpret payloads.
//
// Keys under the store namespace ("<ns>:") are owned by herdsync. Foreign writes
// under that prefix are treated as corruption and deleted on read.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs. Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL (<= 0 means no expiry). May ignore cost.
	// Returns ok=false when the medium rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Scanner is implemented by providers that can enumerate their keys.
// Providers without it get an in-process key index kept by the store.
type Scanner interface {
	// Keys returns every stored key starting with prefix (literal match),
	// including entries past their TTL that the medium has not dropped yet.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
