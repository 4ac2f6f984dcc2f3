package herdsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	pr "github.com/unkn0wn-root/herdsync/provider"
)

type SetCostFunc func(storageKey string, raw []byte) int64

// Store is the persistent cache store. All keys are scoped to the store namespace.
type Store interface {
	Enabled() bool
	Close(context.Context) error

	// Get returns the payload for key. Absent, expired, corrupt and foreign-version
	// entries are misses; expired and broken entries are deleted by the read.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	// Entry is Get plus the entry metadata.
	Entry(ctx context.Context, key string) (Entry, bool, error)
	// Set upserts key. ttl 0 => Options.DefaultTTL; ttl < 0 => no expiry.
	// A write the medium drops under pressure returns ErrSetRejected.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error
	// DeleteByPrefix removes every key starting with prefix (literal match).
	DeleteByPrefix(ctx context.Context, prefix string) error

	// ClearExpired sweeps the namespace and returns how many entries it removed.
	ClearExpired(ctx context.Context) (int, error)
	ClearAll(ctx context.Context) error
	// Size counts stored entries, including expired ones not yet swept.
	Size(ctx context.Context) (int, error)
}

// Entry is a decoded cache entry.
type Entry struct {
	Key       string
	Data      []byte
	Timestamp time.Time
	TTL       time.Duration // 0 => no expiry
	Version   uint32
}

// ExpiresAt returns the expiry instant, or the zero time if the entry never expires.
func (e Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.Timestamp.Add(e.TTL)
}

// Options tune the store. Everything is optional; a nil Provider yields a store
// whose every call degrades and reports ErrStorageUnavailable.
type Options struct {
	Namespace      string          // key prefix; "" => "herdsync"
	Provider       pr.Provider     // storage medium
	Logger         Logger          // nil => NopLogger
	Hooks          Hooks           // nil => NopHooks
	Clock          clockwork.Clock // nil => real clock
	DefaultTTL     time.Duration   // applied when Set gets ttl 0; 0 => no expiry
	EntryVersion   uint32          // entries written with another version are dropped; 0 => 1
	SweepInterval  time.Duration   // background ClearExpired period; 0 => disabled
	Disabled       bool            // every call is a silent no-op/miss
	ComputeSetCost SetCostFunc     // default len(raw)
}

const defaultNamespace = "herdsync"

func New(opts Options) (Store, error) {
	if strings.ContainsAny(opts.Namespace, " \t\r\n:") {
		return nil, fmt.Errorf("herdsync: invalid namespace %q", opts.Namespace)
	}
	return newStore(opts), nil
}
