// Package commands implements the herdsync command line.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/herdsync/config"
	"github.com/unkn0wn-root/herdsync/internal/app"
	"github.com/unkn0wn-root/herdsync/internal/build"
)

const closeTimeout = 10 * time.Second

// Factory builds the client for one command invocation.
type Factory func(ctx context.Context, cfg config.Config) (*app.App, error)

// CLI represents the herdsync command line interface.
type CLI struct {
	factory Factory
	rootCmd *cobra.Command

	configPath string
	offline    bool
	output     string
}

// mode says how much of the client a command needs running.
type mode int

const (
	// inspect never talks to the API; the queue starts offline so nothing replays.
	inspect mode = iota
	// connected talks to the API for the length of one command.
	connected
	// daemon keeps the background loops (flush, sweep, probe) running.
	daemon
)

// New creates a CLI whose commands build their client with f.
func New(f Factory) *CLI {
	rootCmd := &cobra.Command{
		Use:   "herdsync",
		Short: "Offline-first sync client for the herd management API",
		Long: `herdsync keeps a local cache of herd records in step with the remote API,
queues mutations made while offline and replays them once the API is reachable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       build.Version,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"{{.Name}} version {{.Version}} (commit: %s, date: %s)\n",
		build.Commit,
		build.Date,
	))

	c := &CLI{factory: f, rootCmd: rootCmd}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", os.Getenv("HERDSYNC_CONFIG"), "path to the YAML configuration")
	pf.BoolVar(&c.offline, "offline", false, "never contact the API")
	pf.StringVarP(&c.output, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		switch c.output {
		case "text", "json", "yaml":
			return nil
		}
		return fmt.Errorf("unknown output format %q: want text, json or yaml", c.output)
	}

	rootCmd.AddCommand(
		c.newQueueCmd(),
		c.newSyncCmd(),
		c.newProbeCmd(),
		c.newRecordsCmd(),
		c.newCheckpointCmd(),
		c.newLineageCmd(),
		c.newCacheCmd(),
		c.newRunCmd(),
		c.newVersionCmd(),
	)
	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams for the root command. Used for testing.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

// withApp loads the configuration, builds a client for m, runs fn and closes
// the client whatever fn returned.
func (c *CLI) withApp(cmd *cobra.Command, m mode, fn func(ctx context.Context, a *app.App) error) (err error) {
	ctx := cmd.Context()
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if m == inspect || c.offline {
		cfg.Offline = true
	}
	if m != daemon {
		cfg.API.ProbeInterval = 0
		cfg.Queue.FlushInterval = 0
		cfg.Storage.SweepInterval = 0
	}

	a, err := c.factory(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		err = errors.Join(err, a.Close(cctx))
	}()
	return fn(ctx, a)
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the application version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "herdsync version %s (commit: %s, date: %s)\n", build.Version, build.Commit, build.Date)
		},
	}
}
