package syncer

import (
	"context"
	"time"

	"github.com/unkn0wn-root/herdsync"
	"github.com/unkn0wn-root/herdsync/codec"
)

// Checkpoint anchors the next incremental pull of a resource.
type Checkpoint struct {
	Resource           string    `json:"resource"`
	Fingerprint        string    `json:"fingerprint"`
	LastSyncTimestamp  time.Time `json:"last_sync_timestamp"`
	PendingChangeCount int       `json:"pending_change_count"`
}

// Checkpoints persists one Checkpoint per resource, without expiry.
type Checkpoints struct {
	b *herdsync.Bucket[Checkpoint]
}

func NewCheckpoints(s herdsync.Store) *Checkpoints {
	return &Checkpoints{b: herdsync.NewBucket[Checkpoint](s, "sync:checkpoint", codec.JSON[Checkpoint]{}, -1)}
}

func (c *Checkpoints) Get(ctx context.Context, resource string) (Checkpoint, bool, error) {
	return c.b.Get(ctx, resource)
}

func (c *Checkpoints) Put(ctx context.Context, cp Checkpoint) error {
	return c.b.Set(ctx, cp.Resource, cp)
}

func (c *Checkpoints) Delete(ctx context.Context, resource string) error {
	return c.b.Delete(ctx, resource)
}
