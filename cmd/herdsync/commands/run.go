package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/herdsync"
	"github.com/unkn0wn-root/herdsync/internal/app"
)

const shutdownTimeout = 5 * time.Second

func (c *CLI) newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the local cache in sync until interrupted",
		Long: `Run the client in the foreground: pull every configured resource once, then
poll for changes, probe connectivity, flush the mutation queue periodically and
serve Prometheus metrics on metrics.addr when metrics are enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, daemon, func(ctx context.Context, a *app.App) error {
				return serve(ctx, a)
			})
		},
	}
}

func serve(ctx context.Context, a *app.App) error {
	var srv *http.Server
	srvErr := make(chan error, 1)
	if a.Registry != nil && a.Config.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))
		srv = &http.Server{Addr: a.Config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
		a.Log.Info("serving metrics", herdsync.Fields{"addr": a.Config.Metrics.Addr})
	}

	if p := a.Probe(); p != nil {
		p.Start()
		defer p.Stop()
	}

	if a.Connectivity.Online() {
		for _, r := range a.Config.Sync.Resources {
			if _, err := a.Coordinator.Sync(ctx, r); err != nil {
				a.Log.Warn("initial sync failed", herdsync.Fields{"resource": r, "err": err})
			}
		}
	}

	poller := a.Poller()
	poller.Start()
	defer poller.Stop()

	a.Log.Info("herdsync running", herdsync.Fields{
		"resources": len(a.Config.Sync.Resources),
		"online":    a.Connectivity.Online(),
	})

	var err error
	select {
	case <-ctx.Done():
	case err = <-srvErr:
	}

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, srv.Shutdown(sctx))
	}
	a.Log.Info("herdsync stopped", nil)
	return err
}
