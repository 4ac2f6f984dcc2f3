// Package app builds a running herdsync client from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdslog "log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/herdsync"
	"github.com/unkn0wn-root/herdsync/codec"
	"github.com/unkn0wn-root/herdsync/config"
	"github.com/unkn0wn-root/herdsync/connectivity"
	"github.com/unkn0wn-root/herdsync/genstore"
	"github.com/unkn0wn-root/herdsync/hooks"
	asynchook "github.com/unkn0wn-root/herdsync/hooks/async"
	"github.com/unkn0wn-root/herdsync/lineage"
	logrusadapter "github.com/unkn0wn-root/herdsync/log/logrus"
	slogadapter "github.com/unkn0wn-root/herdsync/log/slog"
	zapadapter "github.com/unkn0wn-root/herdsync/log/zap"
	"github.com/unkn0wn-root/herdsync/promhooks"
	pr "github.com/unkn0wn-root/herdsync/provider"
	"github.com/unkn0wn-root/herdsync/provider/bigcache"
	redisprovider "github.com/unkn0wn-root/herdsync/provider/redis"
	"github.com/unkn0wn-root/herdsync/provider/ristretto"
	"github.com/unkn0wn-root/herdsync/provider/sqlite"
	"github.com/unkn0wn-root/herdsync/queue"
	"github.com/unkn0wn-root/herdsync/remote"
	"github.com/unkn0wn-root/herdsync/sloghooks"
	"github.com/unkn0wn-root/herdsync/syncer"
)

// App holds every component of one client. Build it with New and release it
// with Close.
type App struct {
	Config       config.Config
	Log          herdsync.Logger
	Hooks        herdsync.Hooks
	Registry     *prometheus.Registry // nil unless metrics are enabled
	Store        herdsync.Store
	Remote       *remote.Client
	Connectivity *connectivity.Manual
	Queue        *queue.Queue
	Engine       *syncer.Engine
	Coordinator  *syncer.Coordinator
	Lineage      *lineage.Loader

	closers []func(context.Context) error
}

type Option func(*settings)

type settings struct {
	provider   pr.Provider
	httpClient *http.Client
	logOut     io.Writer
}

// WithProvider replaces the configured storage medium.
func WithProvider(p pr.Provider) Option { return func(s *settings) { s.provider = p } }

// WithHTTPClient replaces the transport's HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(s *settings) { s.httpClient = c } }

// WithLogOutput sends logs to w instead of stderr.
func WithLogOutput(w io.Writer) Option { return func(s *settings) { s.logOut = w } }

// New wires the components and initializes the queue. On error everything
// already built is closed.
func New(ctx context.Context, cfg config.Config, opts ...Option) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := settings{logOut: os.Stderr}
	for _, o := range opts {
		o(&s)
	}

	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	if a.Log, err = newLogger(cfg.Log, s.logOut); err != nil {
		return a, err
	}
	if a.Hooks, err = a.buildHooks(cfg, s.logOut); err != nil {
		return a, err
	}

	var rdb goredis.UniversalClient
	if cfg.Storage.Driver == config.DriverRedis || cfg.Sync.Generations == config.GensRedis {
		rdb = goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    []string{cfg.Storage.Redis.Addr},
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		a.onClose(func(context.Context) error { return rdb.Close() })
	}

	prov := s.provider
	if prov == nil {
		if prov, err = newProvider(cfg.Storage, rdb); err != nil {
			return a, err
		}
	}
	a.Store, err = herdsync.New(herdsync.Options{
		Namespace:     cfg.Namespace,
		Provider:      prov,
		Logger:        a.Log,
		Hooks:         a.Hooks,
		DefaultTTL:    cfg.Storage.DefaultTTL,
		EntryVersion:  cfg.Storage.EntryVersion,
		SweepInterval: cfg.Storage.SweepInterval,
	})
	if err != nil {
		_ = prov.Close(ctx)
		return a, err
	}
	a.onClose(a.Store.Close)

	a.Remote, err = remote.New(remote.Options{
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: s.httpClient,
		Timeout:    cfg.API.Timeout,
		CSRFCookie: cfg.API.CSRFCookie,
		CSRFHeader: cfg.API.CSRFHeader,
		Headers:    cfg.API.Headers,
		Logger:     a.Log,
	})
	if err != nil {
		return a, err
	}
	a.Connectivity = connectivity.NewManual(!cfg.Offline)

	queueCodec, err := codecFor[[]queue.Operation](cfg.Codecs.Queue, cfg.Codecs.MaxPayloadBytes)
	if err != nil {
		return a, err
	}
	var backoff queue.BackoffFunc
	if cfg.Queue.BackoffBase > 0 {
		backoff = queue.ExponentialBackoff(cfg.Queue.BackoffBase, cfg.Queue.BackoffMax)
	}
	a.Queue, err = queue.New(queue.Options{
		Store:         a.Store,
		Replayer:      a.Remote,
		Connectivity:  a.Connectivity,
		Codec:         queueCodec,
		MaxRetries:    cfg.Queue.MaxRetries,
		Backoff:       backoff,
		FlushInterval: cfg.Queue.FlushInterval,
		Logger:        a.Log,
		Hooks:         a.Hooks,
	})
	if err != nil {
		return a, err
	}
	if err := a.Queue.Init(ctx); err != nil {
		return a, err
	}
	a.onClose(a.Queue.Close)

	a.Engine, err = syncer.NewEngine(syncer.EngineOptions{
		Source: a.Remote,
		Store:  a.Store,
		Fields: syncer.Fields{ID: cfg.Sync.IDField, Modified: cfg.Sync.ModifiedField},
		Logger: a.Log,
	})
	if err != nil {
		return a, err
	}

	var gens genstore.GenStore
	if cfg.Sync.Generations == config.GensRedis {
		gens = genstore.NewRedisGenStore(rdb, cfg.Namespace, 0)
	}
	recordCodec, err := codecFor[map[string]syncer.Record](cfg.Codecs.Records, cfg.Codecs.MaxPayloadBytes)
	if err != nil {
		return a, err
	}
	a.Coordinator, err = syncer.NewCoordinator(syncer.Options{
		Engine:      a.Engine,
		Store:       a.Store,
		Pending:     a.Queue,
		Gens:        gens,
		RecordCodec: recordCodec,
		RecordTTL:   cfg.Sync.RecordTTL,
		Logger:      a.Log,
		Hooks:       a.Hooks,
	})
	if err != nil {
		return a, err
	}
	a.onClose(a.Coordinator.Close)

	graphCodec, err := codecFor[lineage.Graph](cfg.Codecs.Lineage, cfg.Codecs.MaxPayloadBytes)
	if err != nil {
		return a, err
	}
	a.Lineage, err = lineage.NewLoader(lineage.Options{
		Store:   a.Store,
		Fetcher: a.Remote,
		Entity:  cfg.Lineage.Entity,
		TTL:     cfg.Lineage.TTL,
		Codec:   graphCodec,
		Logger:  a.Log,
		Hooks:   a.Hooks,
	})
	if err != nil {
		return a, err
	}
	a.onClose(a.Lineage.Close)

	return a, nil
}

// Poller builds a poller over the configured resources that syncs every
// changed resource through the coordinator.
func (a *App) Poller() *syncer.Poller {
	return syncer.NewPoller(syncer.PollerOptions{
		Engine:       a.Engine,
		Resources:    a.Config.Sync.Resources,
		Interval:     a.Config.Sync.PollInterval,
		Connectivity: a.Connectivity,
		OnChange: func(ctx context.Context, resource string) {
			if _, err := a.Coordinator.Sync(ctx, resource); err != nil {
				a.Log.Warn("sync after change failed", herdsync.Fields{"resource": resource, "err": err})
			}
		},
		OnError: func(_ context.Context, resource string, err error) {
			a.Log.Warn("change probe failed", herdsync.Fields{"resource": resource, "err": err})
		},
		Logger: a.Log,
	})
}

// Probe keeps Connectivity in step with the API's reachability. It returns
// nil when the probe interval is disabled.
func (a *App) Probe() *connectivity.Probe {
	if a.Config.API.ProbeInterval <= 0 {
		return nil
	}
	return connectivity.NewProbe(a.Connectivity, a.Remote.Reachable, a.Config.API.ProbeInterval, nil)
}

// Close releases components in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) buildHooks(cfg config.Config, out io.Writer) (herdsync.Hooks, error) {
	var hs []herdsync.Hooks
	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		ph, err := promhooks.New(cfg.Metrics.Namespace, a.Registry)
		if err != nil {
			return nil, fmt.Errorf("app: metrics: %w", err)
		}
		hs = append(hs, ph)
	}
	if cfg.Hooks.Log {
		level, err := slogLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		l := stdslog.New(stdslog.NewTextHandler(out, &stdslog.HandlerOptions{Level: level}))
		hs = append(hs, sloghooks.New(l, sloghooks.Options{SelfHealEvery: 10, SettledEvery: 1, RevalidatedEvery: 10}))
	}
	h := hooks.Multi(hs...)
	if cfg.Hooks.AsyncWorkers > 0 {
		ah := asynchook.New(h, cfg.Hooks.AsyncWorkers, cfg.Hooks.AsyncQueue)
		a.onClose(func(context.Context) error { ah.Close(); return nil })
		return ah, nil
	}
	return h, nil
}

func newProvider(cfg config.Storage, rdb goredis.UniversalClient) (pr.Provider, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlite.Open(sqlite.Config{Path: cfg.SQLite.Path})
	case config.DriverRedis:
		return redisprovider.New(redisprovider.Config{Client: rdb})
	case config.DriverBigcache:
		return bigcache.New(bigcache.Config{HardMaxCacheSizeMB: cfg.Bigcache.MaxMB})
	case config.DriverRistretto:
		rc := ristretto.DefaultConfig()
		if cfg.Ristretto.MaxCost > 0 {
			rc.MaxCost = cfg.Ristretto.MaxCost
		}
		return ristretto.New(rc)
	}
	return nil, fmt.Errorf("app: unknown storage driver %q", cfg.Driver)
}

// codecFor looks up the named codec and applies the payload size limit.
func codecFor[V any](name string, limit int) (codec.Codec[V], error) {
	c, err := codec.For[V](name)
	if err != nil || limit <= 0 {
		return c, err
	}
	return codec.Limit[V]{Inner: c, MaxEncode: limit, MaxDecode: limit}, nil
}

func newLogger(cfg config.Log, out io.Writer) (herdsync.Logger, error) {
	level := strings.ToLower(cfg.Level)
	if level == "" {
		level = "info"
	}
	switch cfg.Driver {
	case "", "zap":
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("app: log level: %w", err)
		}
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc := zapcore.NewConsoleEncoder(ec)
		if cfg.Format == "json" {
			enc = zapcore.NewJSONEncoder(ec)
		}
		return zapadapter.New(zap.New(zapcore.NewCore(enc, zapcore.AddSync(out), lvl))), nil
	case "logrus":
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("app: log level: %w", err)
		}
		l := logrus.New()
		l.SetOutput(out)
		l.SetLevel(lvl)
		if cfg.Format == "json" {
			l.SetFormatter(&logrus.JSONFormatter{})
		}
		return logrusadapter.New(l), nil
	case "slog":
		lvl, err := slogLevel(level)
		if err != nil {
			return nil, err
		}
		ho := &stdslog.HandlerOptions{Level: lvl}
		var h stdslog.Handler = stdslog.NewTextHandler(out, ho)
		if cfg.Format == "json" {
			h = stdslog.NewJSONHandler(out, ho)
		}
		return slogadapter.New(stdslog.New(h)), nil
	case "none":
		return herdsync.NopLogger{}, nil
	}
	return nil, fmt.Errorf("app: unknown log driver %q", cfg.Driver)
}

func slogLevel(s string) (stdslog.Level, error) {
	var lvl stdslog.Level
	if s == "" {
		return stdslog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("app: log level: %w", err)
	}
	return lvl, nil
}
