package queue

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/herdsync"
	"github.com/unkn0wn-root/herdsync/codec"
	"github.com/unkn0wn-root/herdsync/connectivity"
)

// Replayer sends a queued operation to the remote API. A nil error confirms the
// write. Errors implementing Permanent() bool that return true fail the
// operation without further retries.
type Replayer interface {
	Replay(ctx context.Context, op Operation) error
}

// ReplayerFunc adapts a function to Replayer.
type ReplayerFunc func(ctx context.Context, op Operation) error

func (f ReplayerFunc) Replay(ctx context.Context, op Operation) error { return f(ctx, op) }

// BackoffFunc returns the delay before retry number n (1-based) may run.
type BackoffFunc func(n int) time.Duration

// ExponentialBackoff doubles base per retry, capped at max.
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	return func(n int) time.Duration {
		d := base
		for i := 1; i < n && d < max; i++ {
			d *= 2
		}
		if d > max {
			d = max
		}
		return d
	}
}

type Options struct {
	Store        herdsync.Store        // required
	Replayer     Replayer              // required
	Connectivity connectivity.Observer // nil => always online

	// Key under which the whole queue is persisted; "" => "queue:mutations".
	Key string
	// Codec for the persisted queue; nil => JSON.
	Codec codec.Codec[[]Operation]

	MaxRetries    int           // attempts before an operation fails; 0 => 3
	Backoff       BackoffFunc   // nil => retry on the next pass
	FlushInterval time.Duration // periodic pass while online; 0 => disabled

	// OnConfirmed fires for every operation the server acknowledges, after any
	// per-operation WithConfirm callback.
	OnConfirmed func(Operation)

	Logger herdsync.Logger
	Hooks  herdsync.Hooks
	Clock  clockwork.Clock
}

const (
	defaultKey        = "queue:mutations"
	unreadableSuffix  = ":unreadable"
	defaultMaxRetries = 3
)

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*enqueueConfig)

type enqueueConfig struct {
	confirm    func(Operation)
	maxRetries int
}

// WithConfirm registers fn to run once the server acknowledges the operation.
// Callbacks live in memory only; an operation restored after a restart confirms
// through Options.OnConfirmed.
func WithConfirm(fn func(Operation)) EnqueueOption {
	return func(c *enqueueConfig) { c.confirm = fn }
}

// WithMaxRetries overrides Options.MaxRetries for one operation.
func WithMaxRetries(n int) EnqueueOption {
	return func(c *enqueueConfig) { c.maxRetries = n }
}
