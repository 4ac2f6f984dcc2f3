package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/herdsync/internal/app"
	"github.com/unkn0wn-root/herdsync/queue"
)

func (c *CLI) newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain the offline mutation queue",
	}
	cmd.AddCommand(
		c.newQueueStatusCmd(),
		c.newQueueListCmd(),
		c.newQueueEnqueueCmd(),
		c.newQueueDrainCmd(),
		c.newQueueRetryCmd(),
		c.newQueueClearCmd(),
	)
	return cmd
}

func (c *CLI) newQueueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending, failed and completed counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, inspect, func(_ context.Context, a *app.App) error {
				return c.renderStatus(cmd, a.Queue.SyncStatus())
			})
		},
	}
}

func (c *CLI) renderStatus(cmd *cobra.Command, st queue.SyncStatus) error {
	return c.render(cmd, st, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "pending: %d\nfailed: %d\ncompleted: %d\nsyncing: %t\n", st.Pending, st.Failed, st.Completed, st.Syncing)
		return err
	})
}

func (c *CLI) newQueueListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch queue.Status(status) {
			case "", queue.StatusPending, queue.StatusSyncing, queue.StatusFailed:
			default:
				return fmt.Errorf("unknown status %q: want pending, syncing or failed", status)
			}
			return c.withApp(cmd, inspect, func(_ context.Context, a *app.App) error {
				ops := make([]queue.Operation, 0)
				for _, op := range a.Queue.Operations() {
					if status == "" || op.Status == queue.Status(status) {
						ops = append(ops, op)
					}
				}
				return c.render(cmd, ops, func(w io.Writer) error {
					return table(w, "ID\tMETHOD\tRESOURCE\tSTATUS\tRETRIES\tQUEUED\tLAST ERROR", func(tw io.Writer) {
						for _, op := range ops {
							_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
								op.ID, op.Method, op.Resource, op.Status, op.RetryCount, op.MaxRetries,
								op.Timestamp.Format(time.RFC3339), op.LastError)
						}
					})
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show operations in this status")
	return cmd
}

func (c *CLI) newQueueEnqueueCmd() *cobra.Command {
	var (
		headers    map[string]string
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <method> <resource> [json]",
		Short: "Queue a mutation for the next drain",
		Long: `Queue a mutation without contacting the API. method is create, update,
patch or delete (or POST, PUT, PATCH, DELETE). Run "herdsync queue drain" to replay it.`,
		Example: `  herdsync queue enqueue create animals '{"name":"Bella","tag":"IE123"}'
  herdsync queue enqueue delete animals/42`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			method, err := queue.ParseMethod(args[0])
			if err != nil {
				return err
			}
			var payload any
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return errors.New("payload is not valid JSON")
				}
				payload = json.RawMessage(args[2])
			}
			return c.withApp(cmd, inspect, func(ctx context.Context, a *app.App) error {
				var opts []queue.EnqueueOption
				if maxRetries > 0 {
					opts = append(opts, queue.WithMaxRetries(maxRetries))
				}
				id, err := a.Queue.Enqueue(ctx, method, args[1], payload, headers, opts...)
				if id == "" {
					return err
				}
				rerr := c.render(cmd, map[string]string{"id": id}, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, id)
					return err
				})
				return errors.Join(err, rerr)
			})
		},
	}
	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "extra request header as key=value (repeatable)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget for this operation; 0 uses the configured default")
	return cmd
}

func (c *CLI) newQueueDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued operations against the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, connected, func(ctx context.Context, a *app.App) error {
				err := a.Queue.SyncQueue(ctx)
				a.Queue.Wait()
				if err != nil {
					return err
				}
				return c.renderStatus(cmd, a.Queue.SyncStatus())
			})
		},
	}
}

func (c *CLI) newQueueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Reset failed operations to pending and replay them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, connected, func(ctx context.Context, a *app.App) error {
				n, err := a.Queue.RetryFailedOperations(ctx)
				a.Queue.Wait()
				if err != nil {
					return err
				}
				return c.render(cmd, map[string]int{"reset": n}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "reset %d failed operation(s)\n", n)
					return err
				})
			})
		},
	}
}

func (c *CLI) newQueueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard failed operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, inspect, func(ctx context.Context, a *app.App) error {
				n, err := a.Queue.ClearFailedOperations(ctx)
				if err != nil {
					return err
				}
				return c.render(cmd, map[string]int{"cleared": n}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "cleared %d failed operation(s)\n", n)
					return err
				})
			})
		},
	}
}
