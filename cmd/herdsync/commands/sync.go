package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/herdsync/internal/app"
	"github.com/unkn0wn-root/herdsync/syncer"
)

type syncRow struct {
	Resource    string      `json:"resource"`
	Mode        syncer.Mode `json:"mode"`
	Records     int         `json:"records"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	Discarded   bool        `json:"discarded,omitempty"`
}

func (c *CLI) newSyncCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "sync [resource...]",
		Short: "Pull changed records of resources into the local cache",
		Long: `Pull each resource: a full pull without a checkpoint, an incremental pull
when the server fingerprint changed, nothing otherwise. Without arguments the
configured sync.resources are pulled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, connected, func(ctx context.Context, a *app.App) error {
				resources := args
				if len(resources) == 0 {
					resources = a.Config.Sync.Resources
				}
				if len(resources) == 0 {
					return errors.New("no resources given and sync.resources is empty")
				}

				rows := make([]syncRow, 0, len(resources))
				var errs []error
				for _, r := range resources {
					if reset {
						if err := a.Coordinator.Reset(ctx, r); err != nil {
							errs = append(errs, fmt.Errorf("%s: reset: %w", r, err))
							continue
						}
					}
					res, err := a.Coordinator.Sync(ctx, r)
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", r, err))
						continue
					}
					rows = append(rows, syncRow{
						Resource:    r,
						Mode:        res.Mode,
						Records:     res.Records,
						Fingerprint: res.Checkpoint.Fingerprint,
						Discarded:   res.Discarded,
					})
				}
				rerr := c.render(cmd, rows, func(w io.Writer) error {
					for _, row := range rows {
						switch {
						case row.Discarded:
							_, _ = fmt.Fprintf(w, "%s: discarded\n", row.Resource)
						case row.Mode == syncer.ModeNone:
							_, _ = fmt.Fprintf(w, "%s: unchanged (fingerprint %s)\n", row.Resource, row.Fingerprint)
						default:
							_, _ = fmt.Fprintf(w, "%s: %s, %d record(s) (fingerprint %s)\n", row.Resource, row.Mode, row.Records, row.Fingerprint)
						}
					}
					return nil
				})
				return errors.Join(append(errs, rerr)...)
			})
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "drop the checkpoint and cached records first, forcing a full pull")
	return cmd
}

func (c *CLI) newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <resource>",
		Short: "Ask the API whether a resource changed since the last probe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, connected, func(ctx context.Context, a *app.App) error {
				changed, err := a.Engine.HasChanges(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"resource": args[0], "changed": changed}
				return c.render(cmd, out, func(w io.Writer) error {
					state := "unchanged"
					if changed {
						state = "changed"
					}
					_, err := fmt.Fprintf(w, "%s: %s\n", args[0], state)
					return err
				})
			})
		},
	}
}

func (c *CLI) newRecordsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "records <resource> [id]",
		Short: "Show cached records of a resource",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, inspect, func(ctx context.Context, a *app.App) error {
				if len(args) == 2 {
					rec, ok, err := a.Coordinator.Record(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("record %s/%s is not cached", args[0], args[1])
					}
					return c.render(cmd, rec, func(w io.Writer) error {
						_, err := fmt.Fprintf(w, "%s\n", rec.Data)
						return err
					})
				}

				recs, err := a.Coordinator.Records(ctx, args[0])
				if err != nil {
					return err
				}
				return c.render(cmd, recs, func(w io.Writer) error {
					return table(w, "ID\tMODIFIED", func(tw io.Writer) {
						for _, r := range recs {
							mod := "-"
							if !r.ModifiedAt.IsZero() {
								mod = r.ModifiedAt.Format(time.RFC3339)
							}
							_, _ = fmt.Fprintf(tw, "%s\t%s\n", r.ID, mod)
						}
					})
				})
			})
		},
	}
}

func (c *CLI) newCheckpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint <resource>",
		Short: "Show the sync checkpoint of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, inspect, func(ctx context.Context, a *app.App) error {
				cp, ok, err := a.Coordinator.Checkpoint(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s has never been synced", args[0])
				}
				return c.render(cmd, cp, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "resource: %s\nfingerprint: %s\nlast sync: %s\npending changes: %d\n",
						cp.Resource, cp.Fingerprint, cp.LastSyncTimestamp.Format(time.RFC3339), cp.PendingChangeCount)
					return err
				})
			})
		},
	}
}
