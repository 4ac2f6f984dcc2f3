// Package main is the entry point of the herdsync command.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/unkn0wn-root/herdsync/cmd/herdsync/commands"
	"github.com/unkn0wn-root/herdsync/config"
	"github.com/unkn0wn-root/herdsync/internal/app"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, func(ctx context.Context, cfg config.Config) (*app.App, error) {
		return app.New(ctx, cfg)
	}))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, factory commands.Factory) int {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := commands.New(factory)
	cli.SetArgs(args)
	cli.SetOutput(stdout, stderr)

	if err := cli.Execute(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error: "+err.Error())
		return 1
	}
	return 0
}
