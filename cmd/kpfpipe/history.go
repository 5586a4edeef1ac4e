package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/config"
)

func historyCmd(g *globalOptions) *cobra.Command {
	var (
		path  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List journaled runs, or the actions of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), g, func(cfg *config.Config) {
				if path != "" {
					cfg.Journal.Path = path
				}
			})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			if a.journal == nil {
				return fmt.Errorf("no journal configured: set journal.path or pass --journal")
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				recs, err := a.journal.Actions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					return fmt.Errorf("run %s: no actions recorded", args[0])
				}
				for _, rec := range recs {
					line := fmt.Sprintf("#%-4d %-22s pass=%d %-10s %8s", rec.Seq, rec.Primitive, rec.Pass, rec.State, rec.Duration.Round(time.Microsecond))
					if len(rec.Outputs) > 0 {
						line += " -> " + strings.Join(rec.Outputs, ", ")
					}
					if rec.Reason != "" {
						line += "  (" + rec.Reason + ")"
					}
					fmt.Fprintln(out, line)
				}
				return nil
			}

			runs, err := a.journal.Runs(cmd.Context())
			if err != nil {
				return err
			}
			if limit > 0 && len(runs) > limit {
				runs = runs[:limit]
			}
			for _, r := range runs {
				fmt.Fprintf(out, "%s  %s  %-22s dispatched=%d pending=%d",
					r.ID, r.StartedAt.Local().Format(time.DateTime), r.Status, r.Dispatched, r.Pending)
				if r.Error != "" {
					fmt.Fprintf(out, "  %s", truncate(r.Error, 60))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "journal", "", "journal database (overrides journal.path)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "most recent runs to list (0 for all)")
	return cmd
}
