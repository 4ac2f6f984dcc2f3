package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/herdsync"
	"github.com/unkn0wn-root/herdsync/codec"
	"github.com/unkn0wn-root/herdsync/genstore"
	"github.com/unkn0wn-root/herdsync/internal/util"
)

// PendingCounter reports unsynced local writes for a resource; queue.Queue
// implements it.
type PendingCounter interface {
	PendingCountFor(resource string) int
}

type Mode string

const (
	ModeNone        Mode = "none"
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Result describes one Coordinator.Sync call. Discarded is set when the pull
// was superseded by a newer Sync of the same resource or cancelled; nothing
// was written in that case.
type Result struct {
	Resource   string
	Mode       Mode
	Records    int
	Checkpoint Checkpoint
	Discarded  bool
}

type Options struct {
	Engine  *Engine        // required
	Store   herdsync.Store // checkpoints and record cache; required
	Pending PendingCounter // nil => 0 pending changes
	Gens    genstore.GenStore

	// RecordCodec encodes the per-resource record map; nil => JSON.
	RecordCodec codec.Codec[map[string]Record]
	// RecordTTL bounds the record cache; 0 => no expiry.
	RecordTTL time.Duration

	Logger herdsync.Logger
	Hooks  herdsync.Hooks
	Clock  clockwork.Clock
}

// Coordinator applies the sync policy: no checkpoint (or no record cache to
// merge into) means a full pull, a changed fingerprint an incremental pull from the checkpoint, an unchanged
// fingerprint no pull at all. The checkpoint's fingerprint and timestamp are
// written together, and only after a pull was applied.
type Coordinator struct {
	engine  *Engine
	store   herdsync.Store
	cps     *Checkpoints
	records *herdsync.Bucket[map[string]Record]
	pending PendingCounter
	gens    genstore.GenStore
	ownGens bool
	log     herdsync.Logger
	hooks   herdsync.Hooks
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Engine == nil {
		return nil, errors.New("syncer: Options.Engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("syncer: Options.Store is required")
	}
	rc := opts.RecordCodec
	if rc == nil {
		rc = codec.JSON[map[string]Record]{}
	}
	ttl := opts.RecordTTL
	if ttl == 0 {
		ttl = -1
	}
	c := &Coordinator{
		engine:  opts.Engine,
		store:   opts.Store,
		cps:     NewCheckpoints(opts.Store),
		records: herdsync.NewBucket[map[string]Record](opts.Store, "records", rc, ttl),
		pending: opts.Pending,
		gens:    opts.Gens,
		log:     util.Coalesce[herdsync.Logger](opts.Logger, herdsync.NopLogger{}),
		hooks:   util.Coalesce[herdsync.Hooks](opts.Hooks, herdsync.NopHooks{}),
	}
	if c.gens == nil {
		clock := util.Coalesce[clockwork.Clock](opts.Clock, clockwork.NewRealClock())
		c.gens = genstore.NewLocalGenStoreWithClock(clock, 0, 0)
		c.ownGens = true
	}
	return c, nil
}

// Close releases the generation store if the coordinator created it.
func (c *Coordinator) Close(ctx context.Context) error {
	if c.ownGens {
		return c.gens.Close(ctx)
	}
	return nil
}

// Sync brings the cached records of resource up to date. Probe and pull
// errors are returned and leave the checkpoint untouched, so the next Sync
// retries the same window.
func (c *Coordinator) Sync(ctx context.Context, resource string) (Result, error) {
	res := Result{Resource: resource, Mode: ModeNone}

	gen, err := c.gens.Bump(ctx, resource)
	if err != nil {
		return res, fmt.Errorf("syncer: generation %s: %w", resource, err)
	}

	cp, hasCP, err := c.cps.Get(ctx, resource)
	if err != nil {
		c.log.Warn("checkpoint unreadable; falling back to full pull", herdsync.Fields{"resource": resource, "err": err})
		hasCP = false
	}
	if hasCP {
		// the record cache may expire under RecordTTL while the checkpoint lives on
		_, cached, err := c.store.Get(ctx, c.records.Key(resource))
		if err != nil || !cached {
			c.log.Info("record cache missing; falling back to full pull", herdsync.Fields{"resource": resource, "err": err})
			hasCP = false
		}
	}

	meta, err := c.engine.GetMetadata(ctx, resource)
	if err != nil {
		return c.failed(ctx, res, err)
	}

	var since *time.Time
	switch {
	case !hasCP:
		res.Mode = ModeFull
	case meta.Fingerprint != cp.Fingerprint:
		res.Mode = ModeIncremental
		ts := cp.LastSyncTimestamp
		since = &ts
	default:
		res.Checkpoint = cp
		c.log.Debug("resource unchanged; no pull", herdsync.Fields{"resource": resource, "fingerprint": meta.Fingerprint})
		return res, nil
	}

	pulled, err := c.engine.SyncSince(ctx, resource, since)
	if err != nil {
		return c.failed(ctx, res, err)
	}

	if ok, err := genstore.Current(ctx, c.gens, resource, gen); err != nil || !ok {
		c.log.Debug("pull superseded; discarding", herdsync.Fields{"resource": resource, "gen": gen})
		res.Discarded = true
		return res, nil
	}

	if err := c.apply(ctx, resource, pulled); err != nil {
		return res, err
	}

	next := Checkpoint{
		Resource:          resource,
		Fingerprint:       meta.Fingerprint,
		LastSyncTimestamp: pulled.NewSyncTimestamp,
	}
	if c.pending != nil {
		next.PendingChangeCount = c.pending.PendingCountFor(resource)
	}
	if err := c.cps.Put(ctx, next); err != nil {
		return res, fmt.Errorf("syncer: checkpoint %s: %w", resource, err)
	}

	res.Records = len(pulled.Records)
	res.Checkpoint = next
	c.hooks.SyncPulled(resource, string(res.Mode), res.Records)
	c.log.Info("resource synced", herdsync.Fields{"resource": resource, "mode": res.Mode, "records": res.Records})
	return res, nil
}

// failed discards cancellation and returns every other error unchanged.
func (c *Coordinator) failed(ctx context.Context, res Result, err error) (Result, error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		res.Discarded = true
		return res, nil
	}
	return res, err
}

// apply merges pulled records into the record cache (last write wins by
// ModifiedAt; a full pull replaces the cache) and drops the resource's list
// caches.
func (c *Coordinator) apply(ctx context.Context, resource string, pulled SyncResult) error {
	merged := make(map[string]Record, len(pulled.Records))
	if !pulled.Full {
		cur, _, err := c.records.Get(ctx, resource)
		if err != nil {
			return fmt.Errorf("syncer: record cache %s: %w", resource, err)
		}
		for id, r := range cur {
			merged[id] = r
		}
	}
	for _, r := range pulled.Records {
		if old, ok := merged[r.ID]; ok && r.ModifiedAt.Before(old.ModifiedAt) {
			continue
		}
		merged[r.ID] = r
	}
	if err := c.records.Set(ctx, resource, merged); err != nil {
		return fmt.Errorf("syncer: record cache %s: %w", resource, err)
	}
	if err := c.store.DeleteByPrefix(ctx, listPrefix(resource)); err != nil {
		c.log.Warn("list cache invalidation failed", herdsync.Fields{"resource": resource, "err": err})
	}
	return nil
}

// Records returns the cached records of resource ordered by ID.
func (c *Coordinator) Records(ctx context.Context, resource string) ([]Record, error) {
	m, _, err := c.records.Get(ctx, resource)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Record returns one cached record.
func (c *Coordinator) Record(ctx context.Context, resource, id string) (Record, bool, error) {
	m, _, err := c.records.Get(ctx, resource)
	if err != nil {
		return Record{}, false, err
	}
	r, ok := m[id]
	return r, ok, nil
}

func (c *Coordinator) Checkpoint(ctx context.Context, resource string) (Checkpoint, bool, error) {
	return c.cps.Get(ctx, resource)
}

// Reset forgets everything cached for resource; the next Sync is a full pull.
func (c *Coordinator) Reset(ctx context.Context, resource string) error {
	return errors.Join(
		c.cps.Delete(ctx, resource),
		c.records.Delete(ctx, resource),
		c.store.DeleteByPrefix(ctx, listPrefix(resource)),
	)
}

// ListKey is the store key for a cached list query of resource. Lists stored
// under it are dropped whenever the resource syncs.
func ListKey(resource string, params []string) string {
	return util.Join("lists", resource, util.ParamsKey(params))
}

func listPrefix(resource string) string {
	return util.Join("lists", resource, "")
}
