// Package hooks combines herdsync.Hooks implementations.
package hooks

import "github.com/unkn0wn-root/herdsync"

type multi []herdsync.Hooks

// Multi fans every event out to hs in order. Nil entries are skipped; with no
// hooks left it returns NopHooks.
func Multi(hs ...herdsync.Hooks) herdsync.Hooks {
	var m multi
	for _, h := range hs {
		if h != nil {
			m = append(m, h)
		}
	}
	switch len(m) {
	case 0:
		return herdsync.NopHooks{}
	case 1:
		return m[0]
	}
	return m
}

func (m multi) SelfHeal(k, r string) {
	for _, h := range m {
		h.SelfHeal(k, r)
	}
}

func (m multi) ProviderSetRejected(k string) {
	for _, h := range m {
		h.ProviderSetRejected(k)
	}
}

func (m multi) StorageUnavailable(op string, err error) {
	for _, h := range m {
		h.StorageUnavailable(op, err)
	}
}

func (m multi) Swept(n int) {
	for _, h := range m {
		h.Swept(n)
	}
}

func (m multi) OperationSettled(method, outcome string) {
	for _, h := range m {
		h.OperationSettled(method, outcome)
	}
}

func (m multi) SyncPulled(resource, mode string, n int) {
	for _, h := range m {
		h.SyncPulled(resource, mode, n)
	}
}

func (m multi) GraphRevalidated(k string, replaced bool) {
	for _, h := range m {
		h.GraphRevalidated(k, replaced)
	}
}
