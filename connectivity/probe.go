package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CheckFunc returns nil when the remote side is reachable.
type CheckFunc func(ctx context.Context) error

// Probe drives a Manual from a periodic reachability check, for hosts with no
// network events of their own.
type Probe struct {
	m       *Manual
	check   CheckFunc
	timeout time.Duration
	clock   clockwork.Clock

	ticker    clockwork.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewProbe checks every interval, giving each check at most interval to answer.
func NewProbe(m *Manual, check CheckFunc, interval time.Duration, clock clockwork.Clock) *Probe {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Probe{m: m, check: check, timeout: interval, clock: clock, stopCh: make(chan struct{})}
}

// Check runs one probe and records the result.
func (p *Probe) Check(ctx context.Context) bool {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	online := p.check(ctx) == nil
	p.m.SetOnline(online)
	return online
}

// Start runs an immediate check, then one per interval until Stop. With no
// interval only the first check runs.
func (p *Probe) Start() {
	p.startOnce.Do(func() {
		if p.timeout <= 0 {
			p.Check(context.Background())
			return
		}
		p.ticker = p.clock.NewTicker(p.timeout)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				<-p.stopCh
				cancel()
			}()
			p.Check(ctx)
			for {
				select {
				case <-p.ticker.Chan():
					p.Check(ctx)
				case <-p.stopCh:
					return
				}
			}
		}()
	})
}

func (p *Probe) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		if p.ticker != nil {
			p.ticker.Stop()
		}
	})
}
