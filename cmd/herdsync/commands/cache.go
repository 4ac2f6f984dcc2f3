package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/herdsync/internal/app"
)

func (c *CLI) newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the local store",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "size",
			Short: "Count live entries",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withApp(cmd, inspect, func(ctx context.Context, a *app.App) error {
					n, err := a.Store.Size(ctx)
					if err != nil {
						return err
					}
					return c.render(cmd, map[string]int{"entries": n}, func(w io.Writer) error {
						_, err := fmt.Fprintf(w, "%d entries\n", n)
						return err
					})
				})
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Remove expired and unreadable entries",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withApp(cmd, inspect, func(ctx context.Context, a *app.App) error {
					n, err := a.Store.ClearExpired(ctx)
					if err != nil {
						return err
					}
					return c.render(cmd, map[string]int{"removed": n}, func(w io.Writer) error {
						_, err := fmt.Fprintf(w, "removed %d entries\n", n)
						return err
					})
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every entry of the namespace, including the queue",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withApp(cmd, inspect, func(ctx context.Context, a *app.App) error {
					return a.Store.ClearAll(ctx)
				})
			},
		},
	)
	return cmd
}
