package genstore

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type localGenEntry struct {
	Gen       uint64
	UpdatedAt time.Time
}

// LocalGenStore keeps generations in-process (default).
// Optional cleanup loop prunes long-inactive keys.
type LocalGenStore struct {
	mu    sync.RWMutex
	gens  map[string]localGenEntry
	clock clockwork.Clock

	ticker    clockwork.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ GenStore = (*LocalGenStore)(nil)

func NewLocalGenStore(cleanupInterval, retention time.Duration) *LocalGenStore {
	return NewLocalGenStoreWithClock(clockwork.NewRealClock(), cleanupInterval, retention)
}

func NewLocalGenStoreWithClock(clock clockwork.Clock, cleanupInterval, retention time.Duration) *LocalGenStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &LocalGenStore{
		gens:  make(map[string]localGenEntry),
		clock: clock,
	}
	if cleanupInterval > 0 && retention > 0 {
		s.ticker = clock.NewTicker(cleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.Chan():
					s.Cleanup(retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *LocalGenStore) Snapshot(_ context.Context, k string) (uint64, error) {
	s.mu.RLock()
	e, ok := s.gens[k]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	return e.Gen, nil
}

func (s *LocalGenStore) Bump(_ context.Context, k string) (uint64, error) {
	now := s.clock.Now()
	s.mu.Lock()
	e := s.gens[k]
	e.Gen++
	e.UpdatedAt = now
	s.gens[k] = e
	s.mu.Unlock()
	return e.Gen, nil
}

// Cleanup drops keys not bumped within retention. A dropped key restarts at
// generation 0, so only prune keys with no work in flight.
func (s *LocalGenStore) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-retention)

	s.mu.Lock()
	for k, e := range s.gens {
		if !e.UpdatedAt.IsZero() && e.UpdatedAt.Before(cutoff) {
			delete(s.gens, k)
		}
	}
	s.mu.Unlock()
}

func (s *LocalGenStore) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.wg.Wait()
		}
	})
	return nil
}
