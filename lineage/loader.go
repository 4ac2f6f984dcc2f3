package lineage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/herdsync"
	"github.com/unkn0wn-root/herdsync/codec"
	"github.com/unkn0wn-root/herdsync/internal/util"
)

var ErrInvalidRequest = errors.New("lineage: invalid request")

// Request asks the remote tree endpoint for one subgraph.
type Request struct {
	Entity   string
	Type     Type
	RootID   string
	MaxDepth int
	Fields   []string
}

// Fetcher is the remote side of the loader.
type Fetcher interface {
	FetchLineage(ctx context.Context, req Request) (Graph, error)
}

// Update is delivered to subscribers when a revalidated graph replaces the
// cached one.
type Update struct {
	Key   string
	Graph Graph
}

type Options struct {
	Store   herdsync.Store // required
	Fetcher Fetcher        // required
	Entity  string         // remote collection, e.g. "animals"; required

	TTL   time.Duration      // graph cache TTL; 0 => 10m
	Codec codec.Codec[Graph] // nil => JSON

	Logger herdsync.Logger
	Hooks  herdsync.Hooks
}

const defaultTTL = 10 * time.Minute

// Loader serves lineage graphs stale-while-revalidate: a cache hit returns
// immediately and triggers at most one background refresh per key.
type Loader struct {
	entity  string
	fetcher Fetcher
	graphs  *herdsync.Bucket[Graph]
	log     herdsync.Logger
	hooks   herdsync.Hooks

	sf singleflight.Group

	mu           sync.Mutex
	revalidating map[string]struct{}
	subs         map[int]func(Update)
	nextSub      int
	closed       bool
	wg           sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewLoader(opts Options) (*Loader, error) {
	if opts.Store == nil || opts.Fetcher == nil {
		return nil, errors.New("lineage: Options.Store and Options.Fetcher are required")
	}
	entity := strings.Trim(opts.Entity, "/ ")
	if entity == "" {
		return nil, fmt.Errorf("%w: empty entity", ErrInvalidRequest)
	}
	c := opts.Codec
	if c == nil {
		c = codec.JSON[Graph]{}
	}
	l := &Loader{
		entity:       entity,
		fetcher:      opts.Fetcher,
		graphs:       herdsync.NewBucket[Graph](opts.Store, "lineage", c, util.Coalesce(opts.TTL, defaultTTL)),
		log:          util.Coalesce[herdsync.Logger](opts.Logger, herdsync.NopLogger{}),
		hooks:        util.Coalesce[herdsync.Hooks](opts.Hooks, herdsync.NopHooks{}),
		revalidating: make(map[string]struct{}),
		subs:         make(map[int]func(Update)),
	}
	l.baseCtx, l.cancel = context.WithCancel(context.Background())
	return l, nil
}

// Key returns the cache key (relative to the "lineage" bucket) of a request.
// Field order and duplicates do not change it.
func (l *Loader) Key(typ Type, rootID string, maxDepth int, fields []string) string {
	return util.Join(l.entity, string(typ), rootID, strconv.Itoa(maxDepth), util.ParamsKey(fields))
}

// FetchSubgraph returns the graph of rootID up to maxDepth. On a cache hit the
// cached graph is returned and a background fetch replaces it if the fresh
// graph's GeneratedAt is strictly newer. On a miss the graph is fetched,
// cached and returned; concurrent misses for one key share the fetch.
func (l *Loader) FetchSubgraph(ctx context.Context, typ Type, rootID string, maxDepth int, fields []string) (Graph, error) {
	req, err := l.request(typ, rootID, maxDepth, fields)
	if err != nil {
		return Graph{}, err
	}
	key := l.Key(typ, rootID, maxDepth, fields)

	cached, ok, err := l.graphs.Get(ctx, key)
	if err != nil {
		l.log.Warn("lineage cache unreadable; fetching", herdsync.Fields{"key": key, "err": err})
	}
	if ok {
		l.revalidate(key, req, cached.GeneratedAt)
		return cached, nil
	}

	v, err, _ := l.sf.Do(key, func() (any, error) {
		g, err := l.fetch(ctx, req)
		if err != nil {
			return Graph{}, err
		}
		if err := l.graphs.Set(ctx, key, g); err != nil {
			l.log.Warn("lineage graph not cached", herdsync.Fields{"key": key, "err": err})
		}
		return g, nil
	})
	if err != nil {
		return Graph{}, err
	}
	return v.(Graph), nil
}

// LoadMore fetches rootID at current.Depth+inc and merges the result into
// current. Every node and edge of current is kept.
func (l *Loader) LoadMore(ctx context.Context, typ Type, rootID string, current Graph, inc int, fields ...string) (Graph, error) {
	if inc < 1 {
		return Graph{}, fmt.Errorf("%w: depth increment %d", ErrInvalidRequest, inc)
	}
	deeper, err := l.FetchSubgraph(ctx, typ, rootID, current.Depth+inc, fields)
	if err != nil {
		return Graph{}, err
	}
	return Merge(current, deeper), nil
}

// Subscribe registers fn for revalidation updates. fn runs on the background
// goroutine that performed the refresh.
func (l *Loader) Subscribe(fn func(Update)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}
}

// Invalidate drops every cached graph of rootID, both directions and all
// depths and projections.
func (l *Loader) Invalidate(ctx context.Context, rootID string) error {
	return errors.Join(
		l.graphs.DeletePrefix(ctx, util.Join(l.entity, string(Ancestors), rootID, "")),
		l.graphs.DeletePrefix(ctx, util.Join(l.entity, string(Descendants), rootID, "")),
	)
}

// InvalidateAll drops every cached graph of the loader's entity.
func (l *Loader) InvalidateAll(ctx context.Context) error {
	return l.graphs.DeletePrefix(ctx, l.entity+":")
}

// Close stops new revalidations and waits for running ones. If ctx ends first
// they are cancelled.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	defer l.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		l.cancel()
		<-done
		return ctx.Err()
	}
}

func (l *Loader) request(typ Type, rootID string, maxDepth int, fields []string) (Request, error) {
	if _, err := ParseType(string(typ)); err != nil {
		return Request{}, err
	}
	if strings.TrimSpace(rootID) == "" {
		return Request{}, fmt.Errorf("%w: empty root id", ErrInvalidRequest)
	}
	if maxDepth < 1 {
		return Request{}, fmt.Errorf("%w: max depth %d", ErrInvalidRequest, maxDepth)
	}
	return Request{
		Entity:   l.entity,
		Type:     typ,
		RootID:   rootID,
		MaxDepth: maxDepth,
		Fields:   util.NormalizeList(fields),
	}, nil
}

func (l *Loader) fetch(ctx context.Context, req Request) (Graph, error) {
	g, err := l.fetcher.FetchLineage(ctx, req)
	if err != nil {
		return Graph{}, fmt.Errorf("lineage: fetch %s %s/%s: %w", req.Type, req.Entity, req.RootID, err)
	}
	g = Normalize(g)
	if g.RootID == "" {
		g.RootID = req.RootID
	}
	if g.Type == "" {
		g.Type = req.Type
	}
	return g, nil
}

func (l *Loader) revalidate(key string, req Request, seen time.Time) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if _, busy := l.revalidating[key]; busy {
		l.mu.Unlock()
		return
	}
	l.revalidating[key] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.revalidating, key)
			l.mu.Unlock()
		}()

		fresh, err := l.fetch(l.baseCtx, req)
		if err != nil {
			if l.baseCtx.Err() == nil {
				l.log.Debug("lineage revalidation failed", herdsync.Fields{"key": key, "err": err})
			}
			return
		}

		// compare against whatever is cached now, falling back to what the caller saw
		baseline := seen
		if cur, ok, _ := l.graphs.Get(l.baseCtx, key); ok {
			baseline = cur.GeneratedAt
		}
		replaced := fresh.GeneratedAt.After(baseline)
		if replaced {
			if err := l.graphs.Set(l.baseCtx, key, fresh); err != nil {
				l.log.Warn("revalidated graph not cached", herdsync.Fields{"key": key, "err": err})
			}
			l.notify(Update{Key: key, Graph: fresh})
		}
		l.hooks.GraphRevalidated(key, replaced)
	}()
}

func (l *Loader) notify(u Update) {
	l.mu.Lock()
	fns := make([]func(Update), 0, len(l.subs))
	for i := 0; i < l.nextSub; i++ {
		if fn, ok := l.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}
