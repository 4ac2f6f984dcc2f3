// Package connectivity abstracts the host's online/offline signal.
package connectivity

import "sync"

// Observer reports the host's connectivity and fires callbacks on the
// transition to online.
type Observer interface {
	Online() bool
	// Subscribe registers fn for offline->online transitions. The returned
	// function removes the subscription; calling it more than once is safe.
	Subscribe(fn func()) (unsubscribe func())
}

// Manual is an Observer driven by SetOnline. Hosts with their own network
// events forward them here; tests use it to simulate reconnects.
type Manual struct {
	mu     sync.Mutex
	online bool
	next   int
	subs   map[int]func()
}

var _ Observer = (*Manual)(nil)

func NewManual(online bool) *Manual {
	return &Manual{online: online, subs: make(map[int]func())}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the state. Subscribers run synchronously, outside the
// lock, only on an offline->online transition.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	restored := online && !m.online
	m.online = online
	var fns []func()
	if restored {
		fns = make([]func(), 0, len(m.subs))
		for i := 0; i < m.next; i++ {
			if fn, ok := m.subs[i]; ok {
				fns = append(fns, fn)
			}
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (m *Manual) Subscribe(fn func()) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Always is an Observer that is permanently online and never fires.
type Always struct{}

func (Always) Online() bool            { return true }
func (Always) Subscribe(func()) func() { return func() {} }
