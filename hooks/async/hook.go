// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/herdsync"
//	asynchook "github.com/unkn0wn-root/herdsync/hooks/async"
//	"github.com/unkn0wn-root/herdsync/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery: 10, // sample logs: ~every 10th self-heal
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	store, _ := herdsync.New(herdsync.Options{
//	    Namespace: "farm",
//	    Provider:  provider,
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/herdsync"
)

// Hooks forwards events to inner on worker goroutines. Events that do not fit
// the queue are dropped and counted.
type Hooks struct {
	inner   herdsync.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ herdsync.Hooks = (*Hooks)(nil)

func New(inner herdsync.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(k, r string)         { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) ProviderSetRejected(k string) { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) StorageUnavailable(op string, err error) {
	h.try(func() { h.inner.StorageUnavailable(op, err) })
}
func (h *Hooks) Swept(n int)                       { h.try(func() { h.inner.Swept(n) }) }
func (h *Hooks) OperationSettled(m, o string)      { h.try(func() { h.inner.OperationSettled(m, o) }) }
func (h *Hooks) GraphRevalidated(k string, r bool) { h.try(func() { h.inner.GraphRevalidated(k, r) }) }
func (h *Hooks) SyncPulled(res, mode string, n int) {
	h.try(func() { h.inner.SyncPulled(res, mode, n) })
}
