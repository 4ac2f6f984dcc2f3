// Package queue is a durable FIFO of mutations that could not be confirmed
// immediately. Operations are persisted in a herdsync.Store and replayed
// against the remote API whenever the host is online.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/herdsync"
	"github.com/unkn0wn-root/herdsync/codec"
	"github.com/unkn0wn-root/herdsync/connectivity"
	"github.com/unkn0wn-root/herdsync/internal/util"
)

const syncKey = "sync"

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateClosed
)

// Queue must be started with Init and stopped with Close.
type Queue struct {
	store    herdsync.Store
	key      string
	codec    codec.Codec[[]Operation]
	replayer Replayer
	conn     connectivity.Observer
	log      herdsync.Logger
	hooks    herdsync.Hooks
	clock    clockwork.Clock

	maxRetries    int
	backoff       BackoffFunc
	flushInterval time.Duration
	onConfirmed   func(Operation)

	mu        sync.Mutex
	idle      *sync.Cond // signalled when inflight drops to 0
	ops       []Operation
	confirms  map[string]func(Operation)
	completed int
	syncing   bool
	state     lifecycle
	inflight  int  // background passes started by trigger
	needsLoad bool // persisted queue could not be read yet

	saveMu sync.Mutex
	sf     singleflight.Group

	baseCtx     context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	ticker      clockwork.Ticker
	stopCh      chan struct{}
	loopWg      sync.WaitGroup
	initOnce    sync.Once
	closeOnce   sync.Once
}

func New(opts Options) (*Queue, error) {
	if opts.Store == nil {
		return nil, errors.New("queue: Options.Store is required")
	}
	if opts.Replayer == nil {
		return nil, errors.New("queue: Options.Replayer is required")
	}
	q := &Queue{
		store:         opts.Store,
		key:           util.Coalesce(opts.Key, defaultKey),
		codec:         opts.Codec,
		replayer:      opts.Replayer,
		conn:          opts.Connectivity,
		maxRetries:    util.Coalesce(opts.MaxRetries, defaultMaxRetries),
		backoff:       opts.Backoff,
		flushInterval: opts.FlushInterval,
		onConfirmed:   opts.OnConfirmed,
		confirms:      make(map[string]func(Operation)),
	}
	if q.codec == nil {
		q.codec = codec.JSON[[]Operation]{}
	}
	if q.conn == nil {
		q.conn = connectivity.Always{}
	}
	q.log = util.Coalesce[herdsync.Logger](opts.Logger, herdsync.NopLogger{})
	q.hooks = util.Coalesce[herdsync.Hooks](opts.Hooks, herdsync.NopHooks{})
	q.clock = util.Coalesce[clockwork.Clock](opts.Clock, clockwork.NewRealClock())
	q.idle = sync.NewCond(&q.mu)
	q.baseCtx, q.cancel = context.WithCancel(context.Background())
	return q, nil
}

// Init loads the persisted queue, resets operations a crash left in syncing
// back to pending, subscribes to connectivity and starts the flush loop. If the
// host is online and work is pending, a background pass starts immediately.
func (q *Queue) Init(ctx context.Context) error {
	q.mu.Lock()
	closed := q.state == stateClosed
	q.mu.Unlock()
	if closed {
		return herdsync.ErrClosed
	}

	q.initOnce.Do(func() {
		restored, ok := q.load(ctx)

		q.mu.Lock()
		q.ops = restored
		q.needsLoad = !ok
		q.state = stateRunning
		q.mu.Unlock()

		q.unsubscribe = q.conn.Subscribe(q.onReconnect)
		if q.flushInterval > 0 {
			q.ticker = q.clock.NewTicker(q.flushInterval)
			q.stopCh = make(chan struct{})
			q.loopWg.Add(1)
			go q.flushLoop()
		}
		q.log.Info("mutation queue ready", herdsync.Fields{"restored": len(restored)})
	})

	if q.conn.Online() && q.PendingCount() > 0 {
		q.trigger()
	}
	return nil
}

// Close stops the flush loop and waits for in-flight passes. A pass stops
// claiming operations once Close starts; the operation being replayed finishes.
// If ctx ends first, in-flight replays are cancelled.
func (q *Queue) Close(ctx context.Context) error {
	var err error
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.state = stateClosed
		q.mu.Unlock()

		if q.unsubscribe != nil {
			q.unsubscribe()
		}
		if q.stopCh != nil {
			close(q.stopCh)
		}

		done := make(chan struct{})
		go func() {
			q.loopWg.Wait()
			q.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			q.cancel()
			<-done
			err = ctx.Err()
		}
		if q.ticker != nil {
			q.ticker.Stop()
		}
		q.cancel()
	})
	return err
}

// Enqueue appends a pending operation and persists the queue. payload may be
// nil, json.RawMessage, []byte holding JSON, or any value json.Marshal accepts.
//
// If persisting fails the operation is still queued in memory; the returned
// id is valid and err wraps herdsync.ErrStorageUnavailable, or
// herdsync.ErrSetRejected when the medium refused the write.
func (q *Queue) Enqueue(ctx context.Context, method Method, resource string, payload any, headers map[string]string, opts ...EnqueueOption) (string, error) {
	if !method.valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return "", ErrMissingResource
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("queue: encode payload: %w", err)
	}

	cfg := enqueueConfig{maxRetries: q.maxRetries}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxRetries <= 0 {
		cfg.maxRetries = q.maxRetries
	}

	op := Operation{
		ID:         uuid.NewString(),
		Timestamp:  q.clock.Now(),
		Method:     method,
		Resource:   resource,
		Payload:    body,
		Headers:    headers,
		MaxRetries: cfg.maxRetries,
		Status:     StatusPending,
	}
	op = op.clone()

	q.mu.Lock()
	if err := q.stateErrLocked(); err != nil {
		q.mu.Unlock()
		return "", err
	}
	q.ops = append(q.ops, op)
	if cfg.confirm != nil {
		q.confirms[op.ID] = cfg.confirm
	}
	syncing := q.syncing
	q.mu.Unlock()

	perr := q.persist(ctx)
	q.log.Debug("operation enqueued", herdsync.Fields{"id": op.ID, "method": op.Method, "resource": op.Resource})

	if !syncing && q.conn.Online() {
		q.trigger()
	}
	return op.ID, perr
}

// SyncQueue runs one pass over the queue. Concurrent calls share the pass in
// flight. Operations are attempted in insertion order; each is attempted at
// most once per pass, so a retryable failure waits for the next pass. Operations
// enqueued while the pass runs are picked up by it. Offline, SyncQueue is a no-op.
func (q *Queue) SyncQueue(ctx context.Context) error {
	q.mu.Lock()
	err := q.stateErrLocked()
	q.mu.Unlock()
	if err != nil {
		return err
	}
	_, err, _ = q.sf.Do(syncKey, func() (any, error) {
		return nil, q.runPass(ctx)
	})
	return err
}

func (q *Queue) runPass(ctx context.Context) error {
	attempted := make(map[string]struct{})
	for {
		op, ok := q.claimNext(attempted)
		if !ok {
			return nil
		}
		_ = q.persist(ctx)

		err := q.replayer.Replay(ctx, op)
		if err != nil && ctx.Err() != nil {
			// cancelled, not a failed attempt
			q.release(op.ID)
			_ = q.persist(ctx)
			q.endPass()
			return ctx.Err()
		}

		after := q.settle(op, err)
		_ = q.persist(ctx)
		after()
	}
}

// claimNext marks the first eligible pending operation as syncing. When none is
// left it ends the pass; a later SyncQueue call then starts a fresh one.
func (q *Queue) claimNext(attempted map[string]struct{}) (Operation, bool) {
	online := q.conn.Online()
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	if online && q.state == stateRunning {
		for i := range q.ops {
			op := &q.ops[i]
			if op.Status != StatusPending {
				continue
			}
			if _, seen := attempted[op.ID]; seen {
				continue
			}
			if !op.NextAttemptAt.IsZero() && now.Before(op.NextAttemptAt) {
				continue
			}
			op.Status = StatusSyncing
			attempted[op.ID] = struct{}{}
			q.syncing = true
			return op.clone(), true
		}
	}
	q.endPassLocked()
	return Operation{}, false
}

func (q *Queue) endPass() {
	q.mu.Lock()
	q.endPassLocked()
	q.mu.Unlock()
}

func (q *Queue) endPassLocked() {
	q.syncing = false
	q.sf.Forget(syncKey)
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	if i := q.indexLocked(id); i >= 0 {
		q.ops[i].Status = StatusPending
	}
	q.mu.Unlock()
}

// settle applies the replay outcome. The returned func fires confirmation
// callbacks and must run after the new state is persisted.
func (q *Queue) settle(op Operation, err error) func() {
	now := q.clock.Now()

	q.mu.Lock()
	i := q.indexLocked(op.ID)
	if i < 0 {
		q.mu.Unlock()
		return func() {}
	}
	cur := &q.ops[i]

	var (
		outcome string
		confirm func(Operation)
	)
	if err == nil {
		outcome = "completed"
		cur.Status = StatusCompleted
		op = cur.clone()
		q.ops = append(q.ops[:i], q.ops[i+1:]...)
		q.completed++
		confirm = q.confirms[op.ID]
		delete(q.confirms, op.ID)
	} else {
		cur.RetryCount++
		cur.LastError = err.Error()
		if IsPermanent(err) && cur.RetryCount < cur.MaxRetries {
			cur.RetryCount = cur.MaxRetries
		}
		if cur.RetryCount >= cur.MaxRetries {
			outcome = "failed"
			cur.Status = StatusFailed
			cur.NextAttemptAt = time.Time{}
		} else {
			outcome = "retry"
			cur.Status = StatusPending
			if q.backoff != nil {
				cur.NextAttemptAt = now.Add(q.backoff(cur.RetryCount))
			}
		}
		op = cur.clone()
	}
	q.mu.Unlock()

	q.hooks.OperationSettled(string(op.Method), outcome)
	fields := herdsync.Fields{"id": op.ID, "method": op.Method, "resource": op.Resource, "outcome": outcome}
	switch outcome {
	case "completed":
		q.log.Debug("operation confirmed", fields)
	case "retry":
		fields["retry"] = op.RetryCount
		fields["err"] = err
		q.log.Info("operation failed; will retry", fields)
	default:
		fields["err"] = err
		q.log.Warn("operation failed permanently", fields)
	}

	if outcome != "completed" {
		return func() {}
	}
	return func() {
		if confirm != nil {
			confirm(op)
		}
		if q.onConfirmed != nil {
			q.onConfirmed(op)
		}
	}
}

// RetryFailedOperations resets every failed operation to pending with a zero
// retry count, then runs a pass. It returns how many operations were reset.
// A pass already in flight has seen the reset operations, so when the call
// joins it a fresh pass follows.
func (q *Queue) RetryFailedOperations(ctx context.Context) (int, error) {
	q.mu.Lock()
	if err := q.stateErrLocked(); err != nil {
		q.mu.Unlock()
		return 0, err
	}
	reset := make(map[string]struct{})
	for i := range q.ops {
		op := &q.ops[i]
		if op.Status != StatusFailed {
			continue
		}
		op.Status = StatusPending
		op.RetryCount = 0
		op.LastError = ""
		op.NextAttemptAt = time.Time{}
		reset[op.ID] = struct{}{}
	}
	q.mu.Unlock()

	n := len(reset)
	if n == 0 {
		return 0, nil
	}
	_ = q.persist(ctx)
	q.log.Info("failed operations reset", herdsync.Fields{"count": n})
	if err := q.SyncQueue(ctx); err != nil {
		return n, err
	}
	if q.conn.Online() && q.unattempted(reset) {
		return n, q.SyncQueue(ctx)
	}
	return n, nil
}

// unattempted reports whether any of ids is still pending with no attempt since its reset.
func (q *Queue) unattempted(ids map[string]struct{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if _, ok := ids[op.ID]; ok && op.Status == StatusPending && op.RetryCount == 0 {
			return true
		}
	}
	return false
}

// ClearFailedOperations discards every failed operation and returns how many
// were removed.
func (q *Queue) ClearFailedOperations(ctx context.Context) (int, error) {
	q.mu.Lock()
	if err := q.stateErrLocked(); err != nil {
		q.mu.Unlock()
		return 0, err
	}
	kept := q.ops[:0]
	n := 0
	for _, op := range q.ops {
		if op.Status == StatusFailed {
			delete(q.confirms, op.ID)
			n++
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	q.mu.Unlock()

	if n == 0 {
		return 0, nil
	}
	return n, q.persist(ctx)
}

// PendingCount returns the number of unsettled (pending or syncing) operations.
func (q *Queue) PendingCount() int {
	return q.count(func(op Operation) bool { return unsettled(op) })
}

// PendingCountFor is PendingCount restricted to operations targeting resource
// or a member path below it ("treatments" matches "treatments/102").
func (q *Queue) PendingCountFor(resource string) int {
	return q.count(func(op Operation) bool { return unsettled(op) && op.Targets(resource) })
}

func (q *Queue) SyncStatus() SyncStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := SyncStatus{Syncing: q.syncing, Completed: q.completed}
	for _, op := range q.ops {
		switch op.Status {
		case StatusPending, StatusSyncing:
			st.Pending++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}

// Operations returns a snapshot of the queue in insertion order.
func (q *Queue) Operations() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, len(q.ops))
	for i, op := range q.ops {
		out[i] = op.clone()
	}
	return out
}

// Wait blocks until every background pass started so far has finished.
func (q *Queue) Wait() {
	q.mu.Lock()
	for q.inflight > 0 {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

func (q *Queue) trigger() {
	q.mu.Lock()
	if q.state != stateRunning {
		q.mu.Unlock()
		return
	}
	q.inflight++
	q.mu.Unlock()

	go func() {
		defer func() {
			q.mu.Lock()
			q.inflight--
			if q.inflight == 0 {
				q.idle.Broadcast()
			}
			q.mu.Unlock()
		}()
		if err := q.SyncQueue(q.baseCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, herdsync.ErrClosed) {
			q.log.Warn("background sync pass failed", herdsync.Fields{"err": err})
		}
	}()
}

func (q *Queue) onReconnect() {
	q.log.Info("connectivity restored; draining mutation queue", herdsync.Fields{"pending": q.PendingCount()})
	q.trigger()
}

func (q *Queue) flushLoop() {
	defer q.loopWg.Done()
	for {
		select {
		case <-q.ticker.Chan():
			if q.conn.Online() && q.PendingCount() > 0 {
				if err := q.SyncQueue(q.baseCtx); err != nil && !errors.Is(err, context.Canceled) {
					q.log.Warn("periodic sync pass failed", herdsync.Fields{"err": err})
				}
			}
		case <-q.stopCh:
			return
		}
	}
}

// load reads the persisted queue. ok=false means storage could not be read and
// nothing may be written until it can, or the stored queue would be clobbered.
func (q *Queue) load(ctx context.Context) ([]Operation, bool) {
	raw, found, err := q.store.Get(ctx, q.key)
	if err != nil {
		q.log.Warn("persisted queue unreadable; running memory-only", herdsync.Fields{"err": err})
		return nil, false
	}
	if !found {
		return nil, true
	}
	ops, err := q.codec.Decode(raw)
	if err != nil {
		var name string
		ops, name, err = decodeAnyCodec(raw)
		if err != nil {
			aside := q.key + unreadableSuffix
			q.log.Error("persisted queue undecodable; moving it aside", herdsync.Fields{"err": err, "key": aside})
			if serr := q.store.Set(ctx, aside, raw, -1); serr != nil {
				q.log.Warn("could not move undecodable queue aside", herdsync.Fields{"err": serr})
				return nil, false
			}
			return nil, true
		}
		q.log.Warn("persisted queue read with another codec; rewriting on next save", herdsync.Fields{"codec": name})
	}

	out := make([]Operation, 0, len(ops))
	reset := 0
	for _, op := range ops {
		switch op.Status {
		case StatusCompleted:
			continue
		case StatusSyncing:
			op.Status = StatusPending
			reset++
		}
		if op.MaxRetries <= 0 {
			op.MaxRetries = q.maxRetries
		}
		out = append(out, op)
	}
	if reset > 0 {
		q.log.Info("reset interrupted operations to pending", herdsync.Fields{"count": reset})
	}
	return out, true
}

// decodeAnyCodec tries every known codec without size limits, so a queue
// written before codecs.queue or codecs.max_payload_bytes changed stays readable.
func decodeAnyCodec(raw []byte) ([]Operation, string, error) {
	var errs []error
	for _, name := range []string{codec.NameJSON, codec.NameCBOR, codec.NameMsgpack, codec.NameProtobuf} {
		c, err := codec.For[[]Operation](name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ops, err := c.Decode(raw)
		if err == nil {
			return ops, name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return nil, "", errors.Join(errs...)
}

// persist writes the current queue. Writes are serialized and each one
// snapshots the queue after taking the lock, so the last write wins with the
// newest state. Caller cancellation does not abort the write.
func (q *Queue) persist(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	q.saveMu.Lock()
	defer q.saveMu.Unlock()

	q.mu.Lock()
	needsLoad := q.needsLoad
	q.mu.Unlock()
	if needsLoad {
		restored, ok := q.load(ctx)
		if !ok {
			return &herdsync.StorageError{Op: "get", Key: q.key}
		}
		q.mu.Lock()
		q.ops = mergeRestored(restored, q.ops)
		q.needsLoad = false
		q.mu.Unlock()
	}

	q.mu.Lock()
	snap := make([]Operation, len(q.ops))
	for i, op := range q.ops {
		snap[i] = op.clone()
	}
	q.mu.Unlock()

	raw, err := q.codec.Encode(snap)
	if err != nil {
		q.log.Error("queue encode failed", herdsync.Fields{"err": err})
		return fmt.Errorf("queue: encode: %w", err)
	}
	return q.store.Set(ctx, q.key, raw, -1)
}

// mergeRestored puts operations persisted by an earlier run ahead of those
// enqueued since, skipping ids already present.
func mergeRestored(restored, current []Operation) []Operation {
	if len(restored) == 0 {
		return current
	}
	seen := make(map[string]struct{}, len(current))
	for _, op := range current {
		seen[op.ID] = struct{}{}
	}
	out := make([]Operation, 0, len(restored)+len(current))
	for _, op := range restored {
		if _, dup := seen[op.ID]; !dup {
			out = append(out, op)
		}
	}
	return append(out, current...)
}

func (q *Queue) count(match func(Operation) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, op := range q.ops {
		if match(op) {
			n++
		}
	}
	return n
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.ops {
		if q.ops[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) stateErrLocked() error {
	switch q.state {
	case stateNew:
		return ErrNotInitialized
	case stateClosed:
		return herdsync.ErrClosed
	}
	return nil
}

func unsettled(op Operation) bool {
	return op.Status == StatusPending || op.Status == StatusSyncing
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload bytes are not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		return json.Marshal(p)
	}
}
