// Package testutil provides in-memory collaborators shared by package tests.
package testutil

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	pr "github.com/unkn0wn-root/herdsync/provider"
)

// MemProvider is a map-backed provider.Provider and provider.Scanner. It ignores
// TTL so expiry is decided by the store. Fail toggles an IO error on every call.
type MemProvider struct {
	mu   sync.Mutex
	m    map[string][]byte
	fail error
	sets int
}

var (
	_ pr.Provider = (*MemProvider)(nil)
	_ pr.Scanner  = (*MemProvider)(nil)
)

var ErrInjected = errors.New("testutil: injected storage failure")

func NewMemProvider() *MemProvider { return &MemProvider{m: make(map[string][]byte)} }

// Fail makes subsequent calls return err; nil restores normal behavior.
func (p *MemProvider) Fail(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

func (p *MemProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, false, p.fail
	}
	v, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (p *MemProvider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return false, p.fail
	}
	p.m[key] = append([]byte(nil), value...)
	p.sets++
	return true, nil
}

func (p *MemProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	delete(p.m, key)
	return nil
}

func (p *MemProvider) Keys(_ context.Context, prefix string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	var out []string
	for k := range p.m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *MemProvider) Close(context.Context) error { return nil }

// Raw returns the stored bytes without going through a store.
func (p *MemProvider) Raw(key string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[key]
	return v, ok
}

// Sets counts successful writes.
func (p *MemProvider) Sets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sets
}
