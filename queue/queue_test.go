package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/herdsync"
	"github.com/unkn0wn-root/herdsync/codec"
	"github.com/unkn0wn-root/herdsync/connectivity"
	"github.com/unkn0wn-root/herdsync/internal/testutil"
)

type scriptedReplayer struct {
	mu       sync.Mutex
	calls    []string
	attempts map[string]int
	fail     func(op Operation, attempt int) error
}

func newReplayer(fail func(op Operation, attempt int) error) *scriptedReplayer {
	return &scriptedReplayer{attempts: make(map[string]int), fail: fail}
}

func (r *scriptedReplayer) Replay(_ context.Context, op Operation) error {
	r.mu.Lock()
	r.attempts[op.ID]++
	n := r.attempts[op.ID]
	r.calls = append(r.calls, op.Resource)
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return fail(op, n)
	}
	return nil
}

func (r *scriptedReplayer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type rig struct {
	q     *Queue
	mp    *testutil.MemProvider
	store herdsync.Store
	conn  *connectivity.Manual
	clock clockwork.FakeClock
	rep   *scriptedReplayer
}

func newRig(t *testing.T, mp *testutil.MemProvider, rep *scriptedReplayer, tweak func(*Options)) *rig {
	t.Helper()
	if mp == nil {
		mp = testutil.NewMemProvider()
	}
	if rep == nil {
		rep = newReplayer(nil)
	}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC))
	st, err := herdsync.New(herdsync.Options{Namespace: "hs", Provider: mp, Clock: clock})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	conn := connectivity.NewManual(false)
	opts := Options{
		Store:        st,
		Replayer:     rep,
		Connectivity: conn,
		Clock:        clock,
	}
	if tweak != nil {
		tweak(&opts)
	}
	q, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := q.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return &rig{q: q, mp: mp, store: st, conn: conn, clock: clock, rep: rep}
}

func (r *rig) reconnect(t *testing.T) {
	t.Helper()
	r.conn.SetOnline(true)
	r.q.Wait()
}

func (r *rig) persisted(t *testing.T) []Operation {
	t.Helper()
	raw, ok, err := r.store.Get(context.Background(), defaultKey)
	if err != nil || !ok {
		t.Fatalf("persisted queue missing: ok=%v err=%v", ok, err)
	}
	var ops []Operation
	if err := json.Unmarshal(raw, &ops); err != nil {
		t.Fatalf("persisted queue: %v", err)
	}
	return ops
}

func enqueue(t *testing.T, q *Queue, m Method, resource string, opts ...EnqueueOption) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), m, resource, map[string]any{"resource": resource}, nil, opts...)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

// ==============================
// Scenarios
// ==============================

func TestOfflineDeleteCompletesOnReconnect(t *testing.T) {
	r := newRig(t, nil, nil, nil)
	before := r.q.PendingCount()

	var confirmed []string
	id := enqueue(t, r.q, Delete, "treatments/102", WithConfirm(func(op Operation) {
		confirmed = append(confirmed, op.ID)
	}))

	if got := r.q.PendingCount(); got != before+1 {
		t.Fatalf("pending after enqueue: %d", got)
	}
	if len(r.rep.Calls()) != 0 {
		t.Fatalf("replayed while offline")
	}
	if ops := r.persisted(t); len(ops) != 1 || ops[0].ID != id || ops[0].Status != StatusPending {
		t.Fatalf("enqueue not persisted: %+v", ops)
	}

	r.reconnect(t)

	if got := r.q.PendingCount(); got != before {
		t.Fatalf("pending should return to %d, got %d", before, got)
	}
	st := r.q.SyncStatus()
	if st.Completed != 1 || st.Pending != 0 || st.Failed != 0 || st.Syncing {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(confirmed) != 1 || confirmed[0] != id {
		t.Fatalf("confirm callback: %v", confirmed)
	}
	if ops := r.persisted(t); len(ops) != 0 {
		t.Fatalf("completed op not pruned: %+v", ops)
	}
}

func TestAccountingAcrossPasses(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		t.Run(fmt.Sprintf("round%d", round), func(t *testing.T) {
			// outcome by resource suffix: ok, flaky (succeeds on 2nd try), down, invalid
			rep := newReplayer(func(op Operation, attempt int) error {
				var kind string
				_, _ = fmt.Sscanf(op.Resource, "animals/%s", &kind)
				switch kind {
				case "flaky":
					if attempt < 2 {
						return errors.New("503")
					}
				case "down":
					return errors.New("connection refused")
				case "invalid":
					return PermanentError(errors.New("422"))
				}
				return nil
			})
			r := newRig(t, nil, rep, nil)

			kinds := []string{"ok", "flaky", "down", "invalid"}
			total := 1 + rng.Intn(12)
			for i := 0; i < total; i++ {
				enqueue(t, r.q, Update, "animals/"+kinds[rng.Intn(len(kinds))])
			}

			r.reconnect(t)
			for pass := 0; pass < defaultMaxRetries+1; pass++ {
				if err := r.q.SyncQueue(context.Background()); err != nil {
					t.Fatalf("SyncQueue: %v", err)
				}
			}

			st := r.q.SyncStatus()
			if st.Completed+st.Failed+st.Pending != total {
				t.Fatalf("completed %d + failed %d + pending %d != %d", st.Completed, st.Failed, st.Pending, total)
			}
			if st.Pending != 0 {
				t.Fatalf("all ops should have settled, pending=%d", st.Pending)
			}
			for _, op := range r.q.Operations() {
				if op.Status != StatusFailed || op.RetryCount != op.MaxRetries || op.LastError == "" {
					t.Fatalf("failed op breaks invariant: %+v", op)
				}
			}
		})
	}
}

// ==============================
// Pass semantics
// ==============================

func TestFailureDoesNotAbortPassAndOrderIsFIFO(t *testing.T) {
	rep := newReplayer(func(op Operation, _ int) error {
		if op.Resource == "fields/1" {
			return errors.New("timeout")
		}
		return nil
	})
	r := newRig(t, nil, rep, nil)
	enqueue(t, r.q, Patch, "fields/1")
	enqueue(t, r.q, Create, "animals")
	enqueue(t, r.q, Delete, "vaccinations/9")

	r.reconnect(t)

	calls := rep.Calls()
	want := []string{"fields/1", "animals", "vaccinations/9"}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("replay order %v, want %v", calls, want)
	}
	ops := r.q.Operations()
	if len(ops) != 1 || ops[0].Resource != "fields/1" || ops[0].Status != StatusPending || ops[0].RetryCount != 1 {
		t.Fatalf("unexpected remaining ops %+v", ops)
	}
	if ops[0].LastError != "timeout" {
		t.Fatalf("lastError %q", ops[0].LastError)
	}
}

func TestRetryWaitsForNextPass(t *testing.T) {
	rep := newReplayer(func(_ Operation, attempt int) error {
		if attempt < 3 {
			return errors.New("502")
		}
		return nil
	})
	r := newRig(t, nil, rep, nil)
	enqueue(t, r.q, Update, "animals/7")

	r.reconnect(t)
	if n := len(rep.Calls()); n != 1 {
		t.Fatalf("first pass must attempt once, got %d", n)
	}
	_ = r.q.SyncQueue(context.Background())
	if op := r.q.Operations()[0]; op.RetryCount != 2 || op.Status != StatusPending {
		t.Fatalf("after pass 2: %+v", op)
	}
	_ = r.q.SyncQueue(context.Background())
	if st := r.q.SyncStatus(); st.Completed != 1 || st.Pending != 0 {
		t.Fatalf("third attempt should succeed: %+v", st)
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	rep := newReplayer(func(Operation, int) error {
		return fmt.Errorf("replay: %w", PermanentError(errors.New("400 bad request")))
	})
	r := newRig(t, nil, rep, func(o *Options) { o.MaxRetries = 5 })
	enqueue(t, r.q, Create, "treatments")

	r.reconnect(t)

	op := r.q.Operations()[0]
	if op.Status != StatusFailed || op.RetryCount != 5 || op.MaxRetries != 5 {
		t.Fatalf("permanent error should fail at once with retryCount=maxRetries: %+v", op)
	}
	if len(rep.Calls()) != 1 {
		t.Fatalf("permanent error must not be retried")
	}
}

func TestRetryAndClearFailed(t *testing.T) {
	healthy := false
	var mu sync.Mutex
	rep := newReplayer(func(Operation, int) error {
		mu.Lock()
		defer mu.Unlock()
		if !healthy {
			return errors.New("down")
		}
		return nil
	})
	r := newRig(t, nil, rep, func(o *Options) { o.MaxRetries = 1 })
	enqueue(t, r.q, Update, "animals/1")
	enqueue(t, r.q, Update, "animals/2", WithMaxRetries(2))

	r.reconnect(t)
	_ = r.q.SyncQueue(context.Background())

	if st := r.q.SyncStatus(); st.Failed != 2 {
		t.Fatalf("expected both failed: %+v", st)
	}

	mu.Lock()
	healthy = true
	mu.Unlock()

	n, err := r.q.RetryFailedOperations(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RetryFailedOperations: n=%d err=%v", n, err)
	}
	if st := r.q.SyncStatus(); st.Completed != 2 || st.Failed != 0 {
		t.Fatalf("retry should complete both: %+v", st)
	}

	mu.Lock()
	healthy = false
	mu.Unlock()
	enqueue(t, r.q, Delete, "animals/3")
	r.q.Wait()
	if st := r.q.SyncStatus(); st.Failed != 1 {
		t.Fatalf("expected new failure: %+v", st)
	}
	n, err = r.q.ClearFailedOperations(context.Background())
	if err != nil || n != 1 || len(r.q.Operations()) != 0 {
		t.Fatalf("ClearFailedOperations: n=%d err=%v ops=%v", n, err, r.q.Operations())
	}
	if ops := r.persisted(t); len(ops) != 0 {
		t.Fatalf("clear not persisted: %+v", ops)
	}
}

func TestRetryDuringPassRunsResetOperations(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	rep := newReplayer(func(op Operation, attempt int) error {
		switch op.Resource {
		case "animals/1":
			if attempt == 1 {
				return errors.New("down")
			}
		case "animals/2":
			close(entered)
			<-release
		}
		return nil
	})
	r := newRig(t, nil, rep, func(o *Options) { o.MaxRetries = 1 })
	failed := enqueue(t, r.q, Update, "animals/1")
	enqueue(t, r.q, Update, "animals/2")

	r.conn.SetOnline(true) // animals/1 fails, then the pass blocks on animals/2
	<-entered
	if st := r.q.SyncStatus(); st.Failed != 1 {
		t.Fatalf("expected one failure before retry: %+v", st)
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.q.RetryFailedOperations(context.Background())
		done <- err
	}()
	for deadline := time.Now().Add(2 * time.Second); ; {
		if op := r.q.Operations()[0]; op.ID == failed && op.Status == StatusPending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("failed operation was not reset")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("RetryFailedOperations: %v", err)
	}
	if st := r.q.SyncStatus(); st.Completed != 2 || st.Pending != 0 || st.Failed != 0 {
		t.Fatalf("reset operation should be replayed before retry returns: %+v", st)
	}
	r.q.Wait()
}

func TestBackoffDefersRetry(t *testing.T) {
	rep := newReplayer(func(_ Operation, attempt int) error {
		if attempt == 1 {
			return errors.New("503")
		}
		return nil
	})
	r := newRig(t, nil, rep, func(o *Options) {
		o.Backoff = ExponentialBackoff(time.Minute, time.Hour)
	})
	enqueue(t, r.q, Update, "fields/4")

	r.reconnect(t)
	op := r.q.Operations()[0]
	if !op.NextAttemptAt.Equal(r.clock.Now().Add(time.Minute)) {
		t.Fatalf("nextAttemptAt %v", op.NextAttemptAt)
	}

	_ = r.q.SyncQueue(context.Background())
	if len(rep.Calls()) != 1 {
		t.Fatalf("op retried before its backoff elapsed")
	}

	r.clock.Advance(time.Minute)
	_ = r.q.SyncQueue(context.Background())
	if st := r.q.SyncStatus(); st.Completed != 1 {
		t.Fatalf("op should complete after backoff: %+v", st)
	}
}

func TestExponentialBackoffCaps(t *testing.T) {
	b := ExponentialBackoff(time.Second, 5*time.Second)
	got := []time.Duration{b(1), b(2), b(3), b(4)}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("b(%d)=%v want %v", i+1, got[i], want[i])
		}
	}
}

func TestConcurrentSyncQueueSharesPass(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rep := newReplayer(func(Operation, int) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})
	r := newRig(t, nil, rep, nil)
	enqueue(t, r.q, Create, "animals")

	r.conn.SetOnline(true) // background pass blocks inside Replay
	<-entered

	if !r.q.SyncStatus().Syncing {
		t.Fatalf("status should report syncing")
	}
	done := make(chan error, 1)
	go func() { done <- r.q.SyncQueue(context.Background()) }()

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("SyncQueue: %v", err)
	}
	r.q.Wait()
	if n := len(rep.Calls()); n != 1 {
		t.Fatalf("operation replayed %d times", n)
	}
}

func TestOfflineSyncQueueIsNoop(t *testing.T) {
	r := newRig(t, nil, nil, nil)
	enqueue(t, r.q, Create, "animals")
	if err := r.q.SyncQueue(context.Background()); err != nil {
		t.Fatalf("SyncQueue: %v", err)
	}
	if len(r.rep.Calls()) != 0 || r.q.PendingCount() != 1 {
		t.Fatalf("offline pass must not replay")
	}
}

// ==============================
// Persistence & lifecycle
// ==============================

func TestInitRestoresAndResetsSyncing(t *testing.T) {
	mp := testutil.NewMemProvider()
	clock := clockwork.NewFakeClock()
	st, _ := herdsync.New(herdsync.Options{Namespace: "hs", Provider: mp, Clock: clock})
	seed := []Operation{
		{ID: "a", Method: Create, Resource: "animals", Status: StatusSyncing, MaxRetries: 3},
		{ID: "b", Method: Update, Resource: "animals/1", Status: StatusFailed, RetryCount: 3, MaxRetries: 3, LastError: "down"},
		{ID: "c", Method: Delete, Resource: "animals/2", Status: StatusCompleted, MaxRetries: 3},
		{ID: "d", Method: Patch, Resource: "fields/1", Status: StatusPending},
	}
	raw, _ := json.Marshal(seed)
	if err := st.Set(context.Background(), defaultKey, raw, -1); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := newRig(t, mp, nil, nil)
	ops := r.q.Operations()
	if len(ops) != 3 {
		t.Fatalf("completed op should be dropped: %+v", ops)
	}
	if ops[0].ID != "a" || ops[0].Status != StatusPending {
		t.Fatalf("syncing op not reset: %+v", ops[0])
	}
	if ops[1].Status != StatusFailed || ops[1].LastError != "down" {
		t.Fatalf("failed op altered: %+v", ops[1])
	}
	if ops[2].MaxRetries != defaultMaxRetries {
		t.Fatalf("missing maxRetries not defaulted: %+v", ops[2])
	}
	if st := r.q.SyncStatus(); st.Pending != 2 || st.Failed != 1 {
		t.Fatalf("status %+v", st)
	}
}

func TestSurvivesRestartWithCBOR(t *testing.T) {
	mp := testutil.NewMemProvider()
	cbor, err := codec.NewCBOR[[]Operation](false)
	if err != nil {
		t.Fatalf("cbor: %v", err)
	}
	withCBOR := func(o *Options) { o.Codec = cbor }

	first := newRig(t, mp, nil, withCBOR)
	id := enqueue(t, first.q, Create, "vaccinations")
	if err := first.q.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := newRig(t, mp, nil, withCBOR)
	ops := second.q.Operations()
	if len(ops) != 1 || ops[0].ID != id || ops[0].Method != Create {
		t.Fatalf("restored %+v", ops)
	}
	var body map[string]string
	if err := json.Unmarshal(ops[0].Payload, &body); err != nil || body["resource"] != "vaccinations" {
		t.Fatalf("payload %s err=%v", ops[0].Payload, err)
	}
}

func TestRestartAfterCodecChangeKeepsQueue(t *testing.T) {
	mp := testutil.NewMemProvider()
	first := newRig(t, mp, nil, nil)
	a := enqueue(t, first.q, Create, "animals")
	b := enqueue(t, first.q, Update, "animals/4")
	_ = first.q.Close(context.Background())

	cbor, err := codec.NewCBOR[[]Operation](false)
	if err != nil {
		t.Fatalf("cbor: %v", err)
	}
	second := newRig(t, mp, nil, func(o *Options) { o.Codec = cbor })
	ops := second.q.Operations()
	if len(ops) != 2 || ops[0].ID != a || ops[1].ID != b {
		t.Fatalf("queue lost after codec change: %+v", ops)
	}

	enqueue(t, second.q, Delete, "animals/5")
	raw, ok, err := second.store.Get(context.Background(), defaultKey)
	if err != nil || !ok {
		t.Fatalf("persisted queue missing: ok=%v err=%v", ok, err)
	}
	rewritten, err := cbor.Decode(raw)
	if err != nil || len(rewritten) != 3 {
		t.Fatalf("queue not rewritten with the new codec: n=%d err=%v", len(rewritten), err)
	}
}

func TestLoweredPayloadLimitKeepsQueue(t *testing.T) {
	mp := testutil.NewMemProvider()
	first := newRig(t, mp, nil, nil)
	enqueue(t, first.q, Create, "animals")
	enqueue(t, first.q, Create, "fields")
	_ = first.q.Close(context.Background())

	limited := codec.Limit[[]Operation]{Inner: codec.JSON[[]Operation]{}, MaxEncode: 16, MaxDecode: 16}
	second := newRig(t, mp, nil, func(o *Options) { o.Codec = limited })
	if n := len(second.q.Operations()); n != 2 {
		t.Fatalf("expected 2 restored ops, got %d", n)
	}

	_, err := second.q.Enqueue(context.Background(), Delete, "animals/1", nil, nil)
	var tooLarge *codec.ErrTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected ErrTooLarge on save, got %v", err)
	}
	if ops := second.persisted(t); len(ops) != 2 {
		t.Fatalf("stored queue must stay intact: %+v", ops)
	}
}

func TestUndecodableQueueIsMovedAside(t *testing.T) {
	mp := testutil.NewMemProvider()
	st, _ := herdsync.New(herdsync.Options{Namespace: "hs", Provider: mp})
	if err := st.Set(context.Background(), defaultKey, []byte("not a queue"), -1); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := newRig(t, mp, nil, nil)
	if n := len(r.q.Operations()); n != 0 {
		t.Fatalf("expected empty queue, got %d ops", n)
	}
	raw, ok, err := r.store.Get(context.Background(), defaultKey+unreadableSuffix)
	if err != nil || !ok || string(raw) != "not a queue" {
		t.Fatalf("original blob not kept: ok=%v err=%v raw=%q", ok, err, raw)
	}
	enqueue(t, r.q, Create, "animals")
	if ops := r.persisted(t); len(ops) != 1 {
		t.Fatalf("queue not persisted after recovery: %+v", ops)
	}
}

func TestStorageOutageKeepsQueueInMemory(t *testing.T) {
	mp := testutil.NewMemProvider()
	mp.Fail(testutil.ErrInjected)
	r := newRig(t, mp, nil, nil)

	id, err := r.q.Enqueue(context.Background(), Create, "animals", nil, nil)
	if id == "" || !herdsync.Unavailable(err) {
		t.Fatalf("expected id with unavailable error, id=%q err=%v", id, err)
	}
	if r.q.PendingCount() != 1 {
		t.Fatalf("op lost during outage")
	}

	mp.Fail(nil)
	enqueue(t, r.q, Update, "animals/1")
	if ops := r.persisted(t); len(ops) != 2 || ops[0].ID != id {
		t.Fatalf("outage ops not persisted after recovery: %+v", ops)
	}
}

type rejectingProvider struct{ *testutil.MemProvider }

func (rejectingProvider) Set(context.Context, string, []byte, int64, time.Duration) (bool, error) {
	return false, nil
}

func TestRejectedSaveIsReported(t *testing.T) {
	st, err := herdsync.New(herdsync.Options{Namespace: "hs", Provider: rejectingProvider{testutil.NewMemProvider()}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	q, err := New(Options{Store: st, Replayer: newReplayer(nil), Connectivity: connectivity.NewManual(false)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = q.Init(context.Background())
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	id, err := q.Enqueue(context.Background(), Create, "animals", nil, nil)
	if id == "" || !errors.Is(err, herdsync.ErrSetRejected) {
		t.Fatalf("expected id with ErrSetRejected, id=%q err=%v", id, err)
	}
	if q.PendingCount() != 1 {
		t.Fatalf("op must stay queued in memory")
	}
}

func TestLifecycleErrors(t *testing.T) {
	st, _ := herdsync.New(herdsync.Options{Provider: testutil.NewMemProvider()})
	q, err := New(Options{Store: st, Replayer: newReplayer(nil)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), Create, "animals", nil, nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := q.Enqueue(context.Background(), Method("upsert"), "animals", nil, nil); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
	if _, err := New(Options{Store: st}); err == nil {
		t.Fatalf("missing replayer must fail")
	}

	_ = q.Init(context.Background())
	_ = q.Close(context.Background())
	if err := q.SyncQueue(context.Background()); !errors.Is(err, herdsync.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := q.Init(context.Background()); !errors.Is(err, herdsync.ErrClosed) {
		t.Fatalf("Init after Close: %v", err)
	}
}

func TestPendingCountFor(t *testing.T) {
	r := newRig(t, nil, nil, nil)
	enqueue(t, r.q, Create, "treatments")
	enqueue(t, r.q, Delete, "treatments/102")
	enqueue(t, r.q, Update, "treatments-archive/1")
	enqueue(t, r.q, Update, "animals/1")

	if n := r.q.PendingCountFor("treatments"); n != 2 {
		t.Fatalf("treatments: %d", n)
	}
	if n := r.q.PendingCountFor("animals/"); n != 1 {
		t.Fatalf("animals: %d", n)
	}
}

func TestParseMethod(t *testing.T) {
	cases := map[string]Method{"DELETE": Delete, "post": Create, "PUT": Update, "Patch": Patch, "update": Update}
	for in, want := range cases {
		got, err := ParseMethod(in)
		if err != nil || got != want {
			t.Fatalf("ParseMethod(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMethod("GET"); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("GET must be rejected, got %v", err)
	}
}
