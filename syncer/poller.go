package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/herdsync"
	"github.com/unkn0wn-root/herdsync/connectivity"
	"github.com/unkn0wn-root/herdsync/internal/util"
)

type PollerOptions struct {
	Engine       *Engine // required
	Resources    []string
	Interval     time.Duration // 0 => 30s
	Connectivity connectivity.Observer

	OnChange   func(ctx context.Context, resource string)
	OnNoChange func(ctx context.Context, resource string)
	OnError    func(ctx context.Context, resource string, err error)

	Logger herdsync.Logger
	Clock  clockwork.Clock
}

const defaultPollInterval = 30 * time.Second

// Poller re-runs HasChanges for a fixed set of resources on an interval.
// Ticks are skipped while offline. A typical OnChange calls Coordinator.Sync.
type Poller struct {
	opts  PollerOptions
	conn  connectivity.Observer
	log   herdsync.Logger
	clock clockwork.Clock

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(opts PollerOptions) *Poller {
	p := &Poller{opts: opts, conn: opts.Connectivity}
	if p.conn == nil {
		p.conn = connectivity.Always{}
	}
	p.opts.Interval = util.Coalesce(opts.Interval, defaultPollInterval)
	p.log = util.Coalesce[herdsync.Logger](opts.Logger, herdsync.NopLogger{})
	p.clock = util.Coalesce[clockwork.Clock](opts.Clock, clockwork.NewRealClock())
	return p
}

// Start begins polling in the background. It is a no-op if already running.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	ticker := p.clock.NewTicker(p.opts.Interval)

	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				p.Poll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}(p.done)
}

// Stop halts polling and waits for the current round to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Poll runs one round over every resource.
func (p *Poller) Poll(ctx context.Context) {
	if !p.conn.Online() {
		p.log.Debug("offline; poll skipped", nil)
		return
	}
	for _, r := range p.opts.Resources {
		if ctx.Err() != nil {
			return
		}
		changed, err := p.opts.Engine.HasChanges(ctx, r)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("change probe failed", herdsync.Fields{"resource": r, "err": err})
			if p.opts.OnError != nil {
				p.opts.OnError(ctx, r, err)
			}
		case changed:
			if p.opts.OnChange != nil {
				p.opts.OnChange(ctx, r)
			}
		default:
			if p.opts.OnNoChange != nil {
				p.opts.OnNoChange(ctx, r)
			}
		}
	}
}
