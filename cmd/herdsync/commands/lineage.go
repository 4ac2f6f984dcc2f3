package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/herdsync/internal/app"
	"github.com/unkn0wn-root/herdsync/lineage"
)

func (c *CLI) newLineageCmd() *cobra.Command {
	var (
		depth   int
		more    int
		fields  []string
		refresh bool
	)
	cmd := &cobra.Command{
		Use:   "lineage <ancestors|descendants> <id>",
		Short: "Show the ancestor or descendant graph of an entity by generation",
		Example: `  herdsync lineage ancestors cow-70 --depth 3
  herdsync lineage descendants bull-1 --fields name,tag --more 2`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := lineage.ParseType(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, connected, func(ctx context.Context, a *app.App) error {
				if refresh {
					if err := a.Lineage.Invalidate(ctx, args[1]); err != nil {
						return err
					}
				}
				g, err := a.Lineage.FetchSubgraph(ctx, typ, args[1], depth, fields)
				if err != nil {
					return err
				}
				if more > 0 {
					if g, err = a.Lineage.LoadMore(ctx, typ, args[1], g, more, fields...); err != nil {
						return err
					}
				}
				return c.render(cmd, g, func(w io.Writer) error {
					levels := lineage.AncestorLevels(g)
					if typ == lineage.Descendants {
						levels = lineage.DescendantLevels(g)
					}
					_, _ = fmt.Fprintf(w, "%s of %s: depth %d, %d node(s), %d edge(s)\n", typ, g.RootID, g.Depth, len(g.Nodes), len(g.Edges))
					for i, lvl := range levels {
						_, _ = fmt.Fprintf(w, "  %d: %s\n", i+1, strings.Join(lvl, ", "))
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().IntVarP(&depth, "depth", "d", 2, "generations to load")
	cmd.Flags().IntVar(&more, "more", 0, "load this many further generations on top")
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "node attributes to project")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "drop cached graphs of the entity first")
	return cmd
}
