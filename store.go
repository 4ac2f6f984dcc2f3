package herdsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/herdsync/internal/wire"
	pr "github.com/unkn0wn-root/herdsync/provider"
)

const defaultEntryVersion uint32 = 1

type store struct {
	ns       string
	provider pr.Provider
	scanner  pr.Scanner // nil => keys tracked in index
	log      Logger
	hooks    Hooks
	clock    clockwork.Clock

	enabled        bool
	defaultTTL     time.Duration
	version        uint32
	computeSetCost SetCostFunc

	// key index for providers that cannot enumerate (storage keys)
	indexMu sync.Mutex
	index   map[string]struct{}

	// background sweep
	ticker    clockwork.Ticker
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

func newStore(opts Options) *store {
	s := &store{
		ns:       coalesce(opts.Namespace, defaultNamespace),
		provider: opts.Provider,
		enabled:  !opts.Disabled,
	}
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.clock = coalesce[clockwork.Clock](opts.Clock, clockwork.NewRealClock())
	s.defaultTTL = opts.DefaultTTL
	s.version = coalesce(opts.EntryVersion, defaultEntryVersion)

	if opts.ComputeSetCost != nil {
		s.computeSetCost = opts.ComputeSetCost
	} else {
		s.computeSetCost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}

	if sc, ok := opts.Provider.(pr.Scanner); ok {
		s.scanner = sc
	} else {
		s.index = make(map[string]struct{})
	}

	if s.enabled && s.provider == nil {
		s.log.Warn("no storage provider configured; cache runs degraded", Fields{"ns": s.ns})
	}

	if s.enabled && s.provider != nil && opts.SweepInterval > 0 {
		s.ticker = s.clock.NewTicker(opts.SweepInterval)
		s.stopCh = make(chan struct{})
		s.closeWg.Add(1)
		go s.sweepLoop()
	}
	return s
}

func (s *store) Enabled() bool { return s.enabled }

func (s *store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.closeWg.Wait()
			s.ticker.Stop()
		}
	})
	if s.provider != nil {
		return s.provider.Close(ctx)
	}
	return nil
}

func (s *store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, ok, err := s.Entry(ctx, key)
	if !ok {
		return nil, false, err
	}
	return e.Data, true, nil
}

func (s *store) Entry(ctx context.Context, key string) (Entry, bool, error) {
	if !s.enabled {
		return Entry{}, false, nil
	}
	if s.provider == nil {
		return Entry{}, false, s.unavailable("get", key, nil)
	}
	sk := s.storageKey(key)
	raw, ok, err := s.provider.Get(ctx, sk)
	if err != nil {
		return Entry{}, false, s.unavailable("get", key, err)
	}
	if !ok {
		s.forget(sk)
		return Entry{}, false, nil
	}
	e, reason := s.decode(raw)
	if reason != "" {
		s.selfHeal(ctx, sk, reason)
		return Entry{}, false, nil
	}
	return Entry{
		Key:       key,
		Data:      e.Payload,
		Timestamp: e.Timestamp,
		TTL:       e.TTL,
		Version:   e.Version,
	}, true, nil
}

func (s *store) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if !s.enabled {
		return nil
	}
	if s.provider == nil {
		return s.unavailable("set", key, nil)
	}
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	sk := s.storageKey(key)
	raw := wire.Encode(wire.Entry{
		Version:   s.version,
		Timestamp: s.clock.Now(),
		TTL:       ttl,
		Payload:   data,
	})
	ok, err := s.provider.Set(ctx, sk, raw, s.computeSetCost(sk, raw), ttl)
	if err != nil {
		return s.unavailable("set", key, err)
	}
	if !ok {
		s.log.Debug("Set rejected by provider (pressure)", Fields{"key": key})
		s.hooks.ProviderSetRejected(sk)
		return fmt.Errorf("herdsync: set %q: %w", key, ErrSetRejected)
	}
	s.remember(sk)
	return nil
}

func (s *store) Delete(ctx context.Context, key string) error {
	if !s.enabled {
		return nil
	}
	if s.provider == nil {
		return s.unavailable("delete", key, nil)
	}
	sk := s.storageKey(key)
	if err := s.provider.Del(ctx, sk); err != nil {
		return s.unavailable("delete", key, err)
	}
	s.forget(sk)
	return nil
}

func (s *store) DeleteByPrefix(ctx context.Context, prefix string) error {
	if !s.enabled {
		return nil
	}
	if s.provider == nil {
		return s.unavailable("delete", prefix, nil)
	}
	keys, err := s.keys(ctx, s.storageKey(prefix))
	if err != nil {
		return s.unavailable("scan", prefix, err)
	}
	var errs []error
	for _, sk := range keys {
		if err := s.provider.Del(ctx, sk); err != nil {
			errs = append(errs, err)
			continue
		}
		s.forget(sk)
	}
	if len(errs) > 0 {
		return s.unavailable("delete", prefix, errors.Join(errs...))
	}
	s.log.Debug("invalidated prefix", Fields{"prefix": prefix, "removed": len(keys)})
	return nil
}

func (s *store) ClearExpired(ctx context.Context) (int, error) {
	if !s.enabled {
		return 0, nil
	}
	if s.provider == nil {
		return 0, s.unavailable("scan", "", nil)
	}
	keys, err := s.keys(ctx, s.ns+":")
	if err != nil {
		return 0, s.unavailable("scan", "", err)
	}
	removed := 0
	for _, sk := range keys {
		raw, ok, err := s.provider.Get(ctx, sk)
		if err != nil {
			return removed, s.unavailable("get", sk, err)
		}
		if !ok {
			// listed but gone: the provider expired it on read
			s.forget(sk)
			removed++
			continue
		}
		if _, reason := s.decode(raw); reason != "" {
			if s.selfHeal(ctx, sk, reason) {
				removed++
			}
		}
	}
	s.hooks.Swept(removed)
	if removed > 0 {
		s.log.Debug("expiry sweep removed entries", Fields{"removed": removed})
	}
	return removed, nil
}

func (s *store) ClearAll(ctx context.Context) error {
	return s.DeleteByPrefix(ctx, "")
}

func (s *store) Size(ctx context.Context) (int, error) {
	if !s.enabled {
		return 0, nil
	}
	if s.provider == nil {
		return 0, s.unavailable("scan", "", nil)
	}
	keys, err := s.keys(ctx, s.ns+":")
	if err != nil {
		return 0, s.unavailable("scan", "", err)
	}
	return len(keys), nil
}

// decode validates a raw value; a non-empty reason means the entry must go.
func (s *store) decode(raw []byte) (wire.Entry, string) {
	e, err := wire.Decode(raw)
	if err != nil {
		return wire.Entry{}, "corrupt"
	}
	if e.Version != s.version {
		return wire.Entry{}, "version_mismatch"
	}
	if e.Expired(s.clock.Now()) {
		return wire.Entry{}, "expired"
	}
	return e, ""
}

func (s *store) selfHeal(ctx context.Context, sk, reason string) bool {
	if err := s.provider.Del(ctx, sk); err != nil {
		s.log.Warn("self-heal delete failed", Fields{"key": sk, "reason": reason, "err": err})
		return false
	}
	s.forget(sk)
	s.hooks.SelfHeal(sk, reason)
	return true
}

func (s *store) unavailable(op, key string, err error) error {
	s.log.Warn("storage unavailable; operation degraded", Fields{"op": op, "key": key, "err": err})
	s.hooks.StorageUnavailable(op, err)
	return &StorageError{Op: op, Key: key, Err: err}
}

func (s *store) keys(ctx context.Context, storagePrefix string) ([]string, error) {
	if s.scanner != nil {
		return s.scanner.Keys(ctx, storagePrefix)
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	out := make([]string, 0, len(s.index))
	for k := range s.index {
		if strings.HasPrefix(k, storagePrefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *store) remember(sk string) {
	if s.scanner != nil {
		return
	}
	s.indexMu.Lock()
	s.index[sk] = struct{}{}
	s.indexMu.Unlock()
}

func (s *store) forget(sk string) {
	if s.scanner != nil {
		return
	}
	s.indexMu.Lock()
	delete(s.index, sk)
	s.indexMu.Unlock()
}

func (s *store) storageKey(userKey string) string {
	// isolate by namespace
	return s.ns + ":" + userKey
}

func (s *store) sweepLoop() {
	defer s.closeWg.Done()
	for {
		select {
		case <-s.ticker.Chan():
			if _, err := s.ClearExpired(context.Background()); err != nil {
				s.log.Warn("expiry sweep failed", Fields{"err": err})
			}
		case <-s.stopCh:
			return
		}
	}
}
