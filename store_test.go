package herdsync

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	c "github.com/unkn0wn-root/herdsync/codec"
	"github.com/unkn0wn-root/herdsync/internal/wire"
	pr "github.com/unkn0wn-root/herdsync/provider"
	"github.com/unkn0wn-root/herdsync/provider/sqlite"
)

// memProvider ignores provider-level TTL so the store's own expiry logic is what
// the tests observe.
type memProvider struct {
	mu sync.Mutex
	m  map[string][]byte
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string][]byte)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[key]
	return v, ok, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[key] = append([]byte(nil), value...)
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(context.Context) error { return nil }

func (p *memProvider) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[key]
	return ok
}

// scanProvider adds key enumeration, exercising the Scanner path instead of the index.
type scanProvider struct{ *memProvider }

var _ pr.Scanner = scanProvider{}

func (p scanProvider) Keys(_ context.Context, prefix string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for k := range p.m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// rejectingProvider drops every write the way ristretto does under cost pressure.
type rejectingProvider struct{ *memProvider }

func (rejectingProvider) Set(context.Context, string, []byte, int64, time.Duration) (bool, error) {
	return false, nil
}

type failingProvider struct{ err error }

func (p failingProvider) Get(context.Context, string) ([]byte, bool, error) { return nil, false, p.err }
func (p failingProvider) Set(context.Context, string, []byte, int64, time.Duration) (bool, error) {
	return false, p.err
}
func (p failingProvider) Del(context.Context, string) error { return p.err }
func (p failingProvider) Close(context.Context) error       { return nil }

type countingHooks struct {
	NopHooks
	mu          sync.Mutex
	selfHeal    map[string]int
	unavailable int
	rejected    int
}

func newCountingHooks() *countingHooks { return &countingHooks{selfHeal: map[string]int{}} }

func (h *countingHooks) SelfHeal(_ string, reason string) {
	h.mu.Lock()
	h.selfHeal[reason]++
	h.mu.Unlock()
}

func (h *countingHooks) StorageUnavailable(string, error) {
	h.mu.Lock()
	h.unavailable++
	h.mu.Unlock()
}

func (h *countingHooks) ProviderSetRejected(string) {
	h.mu.Lock()
	h.rejected++
	h.mu.Unlock()
}

func newTestStore(t *testing.T, p pr.Provider, optsOpt func(*Options)) (*store, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC))
	opts := Options{
		Namespace: "hs",
		Provider:  p,
		Clock:     clock,
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s.(*store), clock
}

// ==============================
// TTL semantics
// ==============================

func TestTTLBoundary(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	s, clock := newTestStore(t, mp, nil)

	if err := s.Set(ctx, "animals:list", []byte("herd"), time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}

	clock.Advance(999 * time.Millisecond)
	if b, ok, err := s.Get(ctx, "animals:list"); err != nil || !ok || string(b) != "herd" {
		t.Fatalf("read at t+999ms: ok=%v err=%v val=%q", ok, err, b)
	}

	clock.Advance(2 * time.Millisecond) // t+1001ms
	if _, ok, err := s.Get(ctx, "animals:list"); err != nil || ok {
		t.Fatalf("read at t+1001ms should miss, ok=%v err=%v", ok, err)
	}
	if mp.has("hs:animals:list") {
		t.Fatalf("expired entry was not deleted by the read")
	}
	if _, ok, _ := s.Get(ctx, "animals:list"); ok {
		t.Fatalf("entry came back after expiry")
	}
}

func TestDefaultAndNegativeTTL(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, newMemProvider(), func(o *Options) {
		o.DefaultTTL = time.Minute
	})

	_ = s.Set(ctx, "defaulted", []byte("x"), 0)
	_ = s.Set(ctx, "forever", []byte("y"), -1)

	e, ok, err := s.Entry(ctx, "defaulted")
	if err != nil || !ok || e.TTL != time.Minute {
		t.Fatalf("default ttl: ok=%v err=%v ttl=%v", ok, err, e.TTL)
	}
	if !e.ExpiresAt().Equal(e.Timestamp.Add(time.Minute)) {
		t.Fatalf("ExpiresAt mismatch: %v", e.ExpiresAt())
	}

	clock.Advance(24 * time.Hour)
	if _, ok, _ := s.Get(ctx, "defaulted"); ok {
		t.Fatalf("defaulted ttl should expire")
	}
	if _, ok, _ := s.Get(ctx, "forever"); !ok {
		t.Fatalf("negative ttl means no expiry")
	}
}

func TestSetOverwrites(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, newMemProvider(), nil)

	_ = s.Set(ctx, "k", []byte("one"), 0)
	_ = s.Set(ctx, "k", []byte("two"), 0)
	if b, ok, _ := s.Get(ctx, "k"); !ok || string(b) != "two" {
		t.Fatalf("expected overwrite, got %q", b)
	}
	if n, _ := s.Size(ctx); n != 1 {
		t.Fatalf("expected size 1, got %d", n)
	}
}

// ==============================
// Sweep / prefix invalidation (index and scanner paths)
// ==============================

func providers() map[string]func() pr.Provider {
	return map[string]func() pr.Provider{
		"index":   func() pr.Provider { return newMemProvider() },
		"scanner": func() pr.Provider { return scanProvider{newMemProvider()} },
	}
}

func TestClearExpiredIdempotent(t *testing.T) {
	for name, mk := range providers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, clock := newTestStore(t, mk(), nil)

			_ = s.Set(ctx, "a", []byte("1"), time.Second)
			_ = s.Set(ctx, "b", []byte("2"), time.Second)
			_ = s.Set(ctx, "c", []byte("3"), time.Hour)
			_ = s.Set(ctx, "d", []byte("4"), -1)

			clock.Advance(2 * time.Second)

			n, err := s.ClearExpired(ctx)
			if err != nil || n != 2 {
				t.Fatalf("first sweep: n=%d err=%v", n, err)
			}
			n, err = s.ClearExpired(ctx)
			if err != nil || n != 0 {
				t.Fatalf("second sweep must remove 0, got n=%d err=%v", n, err)
			}
			if size, _ := s.Size(ctx); size != 2 {
				t.Fatalf("expected 2 survivors, got %d", size)
			}
		})
	}
}

func TestClearExpiredOverSQLite(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC))
	sp, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "hs.db"), Now: clock.Now})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s, _ := newTestStore(t, sp, func(o *Options) { o.Clock = clock })

	_ = s.Set(ctx, "lineage:a", []byte("graph"), time.Second)
	_ = s.Set(ctx, "lineage:b", []byte("graph"), time.Hour)
	clock.Advance(2 * time.Second)

	if n, _ := s.Size(ctx); n != 2 {
		t.Fatalf("unswept expired entry should still count, size=%d", n)
	}
	n, err := s.ClearExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	keys, err := sp.Keys(ctx, "hs:")
	if err != nil || len(keys) != 1 || keys[0] != "hs:lineage:b" {
		t.Fatalf("expired row left on disk: %v err=%v", keys, err)
	}
	if n, _ := s.ClearExpired(ctx); n != 0 {
		t.Fatalf("second sweep must remove 0, got %d", n)
	}
}

func TestRejectedSetIsReported(t *testing.T) {
	ctx := context.Background()
	hooks := newCountingHooks()
	s, _ := newTestStore(t, rejectingProvider{newMemProvider()}, func(o *Options) { o.Hooks = hooks })

	err := s.Set(ctx, "queue:mutations", []byte("[]"), -1)
	if !errors.Is(err, ErrSetRejected) || Unavailable(err) {
		t.Fatalf("expected ErrSetRejected only, got %v", err)
	}
	if hooks.rejected != 1 {
		t.Fatalf("expected 1 rejected hook, got %d", hooks.rejected)
	}
	if n, _ := s.Size(ctx); n != 0 {
		t.Fatalf("rejected key must not be indexed, size=%d", n)
	}
}

func TestDeleteByPrefixLiteral(t *testing.T) {
	for name, mk := range providers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := newTestStore(t, mk(), nil)

			for _, k := range []string{"lineage:animals:1", "lineage:animals:2", "lineage:fields:1", "records:animals"} {
				_ = s.Set(ctx, k, []byte(k), 0)
			}
			if err := s.DeleteByPrefix(ctx, "lineage:animals:"); err != nil {
				t.Fatalf("DeleteByPrefix: %v", err)
			}
			for _, k := range []string{"lineage:animals:1", "lineage:animals:2"} {
				if _, ok, _ := s.Get(ctx, k); ok {
					t.Fatalf("%s should be gone", k)
				}
			}
			for _, k := range []string{"lineage:fields:1", "records:animals"} {
				if _, ok, _ := s.Get(ctx, k); !ok {
					t.Fatalf("%s should survive", k)
				}
			}

			if err := s.Delete(ctx, "records:animals"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if n, _ := s.Size(ctx); n != 1 {
				t.Fatalf("expected size 1, got %d", n)
			}
		})
	}
}

func TestClearAllKeepsForeignNamespaces(t *testing.T) {
	ctx := context.Background()
	mp := scanProvider{newMemProvider()}
	_, _ = mp.Set(ctx, "other:key", []byte("foreign"), 1, 0)

	s, _ := newTestStore(t, mp, nil)
	_ = s.Set(ctx, "a", []byte("1"), 0)
	_ = s.Set(ctx, "b", []byte("2"), 0)

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if n, _ := s.Size(ctx); n != 0 {
		t.Fatalf("expected empty namespace, got %d", n)
	}
	if !mp.has("other:key") {
		t.Fatalf("ClearAll removed a key outside its namespace")
	}
}

func TestBackgroundSweep(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, newMemProvider(), func(o *Options) {
		o.SweepInterval = time.Minute
	})
	_ = s.Set(ctx, "short", []byte("x"), time.Second)

	clock.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, _ := s.Size(ctx)
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("background sweep did not remove expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ==============================
// Self-heal
// ==============================

func TestSelfHealCorruptAndForeignVersion(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	hooks := newCountingHooks()
	s, clock := newTestStore(t, mp, func(o *Options) {
		o.Hooks = hooks
		o.EntryVersion = 2
	})

	_, _ = mp.Set(ctx, "hs:bad", []byte("not-wire-format"), 1, 0)
	old := wire.Encode(wire.Entry{Version: 1, Timestamp: clock.Now(), Payload: []byte("v1 payload")})
	_, _ = mp.Set(ctx, "hs:old", old, 1, 0)

	if _, ok, err := s.Get(ctx, "bad"); err != nil || ok {
		t.Fatalf("corrupt entry should miss, ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.Get(ctx, "old"); err != nil || ok {
		t.Fatalf("foreign version should miss, ok=%v err=%v", ok, err)
	}
	if mp.has("hs:bad") || mp.has("hs:old") {
		t.Fatalf("self-heal did not delete broken entries")
	}
	if hooks.selfHeal["corrupt"] != 1 || hooks.selfHeal["version_mismatch"] != 1 {
		t.Fatalf("unexpected self-heal counts %v", hooks.selfHeal)
	}
}

// ==============================
// Degraded storage
// ==============================

func TestMissingProviderDegrades(t *testing.T) {
	ctx := context.Background()
	hooks := newCountingHooks()
	s, _ := newTestStore(t, nil, func(o *Options) { o.Hooks = hooks })

	if err := s.Set(ctx, "k", []byte("v"), 0); !Unavailable(err) {
		t.Fatalf("Set should report unavailable, got %v", err)
	}
	b, ok, err := s.Get(ctx, "k")
	if ok || b != nil || !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Get should degrade to miss, ok=%v err=%v", ok, err)
	}
	if n, err := s.ClearExpired(ctx); n != 0 || !Unavailable(err) {
		t.Fatalf("ClearExpired: n=%d err=%v", n, err)
	}
	if n, err := s.Size(ctx); n != 0 || !Unavailable(err) {
		t.Fatalf("Size: n=%d err=%v", n, err)
	}
	if hooks.unavailable != 4 {
		t.Fatalf("expected 4 unavailable hooks, got %d", hooks.unavailable)
	}
}

func TestFailingProviderWrapsCause(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("quota exceeded")
	s, _ := newTestStore(t, failingProvider{err: cause}, nil)

	err := s.Set(ctx, "k", []byte("v"), 0)
	if !Unavailable(err) || !errors.Is(err, cause) {
		t.Fatalf("expected unavailable wrapping cause, got %v", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "set" || se.Key != "k" {
		t.Fatalf("expected StorageError{set,k}, got %#v", err)
	}
	if _, ok, err := s.Get(ctx, "k"); ok || !errors.Is(err, cause) {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if err := s.DeleteByPrefix(ctx, "k"); err != nil {
		// index path: nothing tracked, nothing to delete
		t.Fatalf("DeleteByPrefix on empty index: %v", err)
	}
}

func TestDisabledIsSilent(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	s, _ := newTestStore(t, mp, func(o *Options) { o.Disabled = true })

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, err := s.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if len(mp.m) != 0 {
		t.Fatalf("disabled store wrote to provider")
	}
}

func TestInvalidNamespace(t *testing.T) {
	if _, err := New(Options{Namespace: "a:b"}); err == nil {
		t.Fatalf("expected error for namespace containing ':'")
	}
}

// ==============================
// Bucket
// ==============================

type vaccination struct {
	ID       string `json:"id"`
	AnimalID string `json:"animal_id"`
	Vaccine  string `json:"vaccine"`
}

func TestBucketTypedAccess(t *testing.T) {
	ctx := context.Background()
	mp := scanProvider{newMemProvider()}
	s, clock := newTestStore(t, mp, nil)

	b := NewBucket[vaccination](s, "records:vaccinations", c.JSON[vaccination]{}, time.Hour)
	v := vaccination{ID: "9", AnimalID: "cow-7", Vaccine: "BVD"}
	if err := b.Set(ctx, "9", v); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := b.Get(ctx, "9")
	if err != nil || !ok || got != v {
		t.Fatalf("Get: ok=%v err=%v got=%+v", ok, err, got)
	}
	_, at, ok, _ := b.Entry(ctx, "9")
	if !ok || !at.Equal(clock.Now()) {
		t.Fatalf("Entry timestamp: ok=%v at=%v", ok, at)
	}

	// undecodable payload self-heals
	_ = s.Set(ctx, b.Key("broken"), []byte("{not json"), 0)
	if _, ok, err := b.Get(ctx, "broken"); ok || err != nil {
		t.Fatalf("broken payload should miss, ok=%v err=%v", ok, err)
	}
	if mp.has("hs:records:vaccinations:broken") {
		t.Fatalf("broken payload not deleted")
	}

	_ = b.Set(ctx, "10", vaccination{ID: "10"})
	_ = s.Set(ctx, "records:treatments:1", []byte("{}"), 0)
	if err := b.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	keys, _ := mp.Keys(ctx, "hs:")
	sort.Strings(keys)
	if len(keys) != 1 || keys[0] != "hs:records:treatments:1" {
		t.Fatalf("Clear touched other buckets or left keys: %v", keys)
	}
}
