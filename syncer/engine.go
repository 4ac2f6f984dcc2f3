package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/herdsync"
	"github.com/unkn0wn-root/herdsync/codec"
	"github.com/unkn0wn-root/herdsync/internal/util"
)

var ErrNoSource = errors.New("syncer: no source configured")

// Epoch is the since value of a full pull.
var Epoch = time.Unix(0, 0).UTC()

type EngineOptions struct {
	Source Source         // required
	Store  herdsync.Store // holds last-seen fingerprints; required
	Fields Fields
	Logger herdsync.Logger
	Clock  clockwork.Clock
}

// Engine talks to the Source: metadata probes, change detection and delta
// pulls. It never writes checkpoints; see Coordinator.
type Engine struct {
	src    Source
	fps    *herdsync.Bucket[string]
	fields Fields
	log    herdsync.Logger
	clock  clockwork.Clock
}

// SyncResult is the outcome of SyncSince. The caller persists
// NewSyncTimestamp as the next since.
type SyncResult struct {
	Records          []Record
	NewSyncTimestamp time.Time
	Full             bool
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Source == nil {
		return nil, ErrNoSource
	}
	if opts.Store == nil {
		return nil, errors.New("syncer: EngineOptions.Store is required")
	}
	return &Engine{
		src:    opts.Source,
		fps:    herdsync.NewBucket[string](opts.Store, "sync:fingerprint", codec.String{}, -1),
		fields: opts.Fields.withDefaults(),
		log:    util.Coalesce[herdsync.Logger](opts.Logger, herdsync.NopLogger{}),
		clock:  util.Coalesce[clockwork.Clock](opts.Clock, clockwork.NewRealClock()),
	}, nil
}

func (e *Engine) GetMetadata(ctx context.Context, resource string) (ResourceMetadata, error) {
	meta, err := e.src.Metadata(ctx, resource)
	if err != nil {
		return ResourceMetadata{}, fmt.Errorf("syncer: metadata %s: %w", resource, err)
	}
	return meta, nil
}

// HasChanges probes resource and compares its fingerprint with the last one
// seen. The new fingerprint is stored whenever the probe succeeds; a failed
// probe leaves the stored one untouched. With nothing stored yet it reports true.
func (e *Engine) HasChanges(ctx context.Context, resource string) (bool, error) {
	meta, err := e.GetMetadata(ctx, resource)
	if err != nil {
		return false, err
	}
	prev, ok, err := e.fps.Get(ctx, resource)
	if err != nil {
		e.log.Warn("stored fingerprint unreadable; assuming changed", herdsync.Fields{"resource": resource, "err": err})
		ok = false
	}
	if err := e.fps.Set(ctx, resource, meta.Fingerprint); err != nil {
		e.log.Warn("fingerprint not stored", herdsync.Fields{"resource": resource, "err": err})
	}
	return !ok || prev != meta.Fingerprint, nil
}

// SyncSince pulls records of resource modified at or after *since; nil since
// is a full pull from Epoch. Records older than since are dropped even if the
// source returns them. Records without a modification time are kept only on
// full pulls. When the source reports no server timestamp, the instant the
// request started becomes NewSyncTimestamp.
func (e *Engine) SyncSince(ctx context.Context, resource string, since *time.Time) (SyncResult, error) {
	from, full := Epoch, since == nil
	if !full {
		from = *since
	}

	started := e.clock.Now()
	d, err := e.src.Since(ctx, resource, from)
	if err != nil {
		return SyncResult{}, fmt.Errorf("syncer: pull %s: %w", resource, err)
	}

	res := SyncResult{
		Records:          make([]Record, 0, len(d.Data)),
		NewSyncTimestamp: d.ServerTimestamp,
		Full:             full,
	}
	if res.NewSyncTimestamp.IsZero() {
		res.NewSyncTimestamp = started
	}

	dropped := 0
	for _, raw := range d.Data {
		rec, err := ParseRecord(raw, e.fields)
		if err != nil {
			e.log.Warn("skipping unparsable record", herdsync.Fields{"resource": resource, "err": err})
			continue
		}
		if rec.ModifiedAt.IsZero() {
			if !full {
				dropped++
				continue
			}
		} else if rec.ModifiedAt.Before(from) {
			dropped++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	if dropped > 0 {
		e.log.Debug("dropped records older than since", herdsync.Fields{"resource": resource, "dropped": dropped, "since": from})
	}
	return res, nil
}
