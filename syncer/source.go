package syncer

import (
	"context"
	"encoding/json"
	"time"
)

// ResourceMetadata is the cheap change probe of a resource.
type ResourceMetadata struct {
	Fingerprint  string    `json:"fingerprint"`
	TotalCount   int       `json:"total_count"`
	LastModified time.Time `json:"last_modified"`
}

// Delta is the raw answer of an incremental pull.
type Delta struct {
	Data            []json.RawMessage `json:"data"`
	ServerTimestamp time.Time         `json:"serverTimestamp"`
}

// Source is the remote side of the sync engine.
type Source interface {
	Metadata(ctx context.Context, resource string) (ResourceMetadata, error)
	// Since returns records modified at or after since; the engine passes the
	// Unix epoch for a full pull.
	Since(ctx context.Context, resource string, since time.Time) (Delta, error)
}
