package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/chazu/widow/runlog"
	"github.com/spf13/cobra"
)

func newHistoryCmd(g *globals) *cobra.Command {
	var (
		dbPath string
		limit  int
		runID  int64
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List runs recorded with run --record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := g.loadConfig(0); err != nil {
				return err
			}
			store, err := runlog.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			if runID != 0 {
				run, err := store.Run(runID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "run %d\t%s\t%s\t%d steps\t%s\n", run.ID, run.Program, run.Outcome, run.Steps, run.Duration)
				if run.Error != "" {
					fmt.Fprintf(w, "error\t%s\n", run.Error)
				}
				fmt.Fprintln(w, "SEQ\tKIND\tROOTS\tREMEMBERED\tFREED\tPROMOTED\tHEAP\tPAUSE")
				for _, c := range run.Cycles {
					fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%d -> %d\t%s\n",
						c.Seq, c.Kind, c.RootsScanned, c.RemsetRoots, c.Freed, c.Promoted, c.HeapBefore, c.HeapAfter, c.Pause)
				}
				return nil
			}

			runs, err := store.Runs(limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "ID\tSTARTED\tPROGRAM\tOUTCOME\tSTEPS\tGCS\tFREED\tPAUSE")
			for _, r := range runs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					r.ID, r.Started.Format(time.DateTime), r.Program, r.Outcome, r.Steps, r.Collections, r.ObjectsFreed, r.TotalPause)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "widow-runs.db", "Run database")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to list (0 = all)")
	cmd.Flags().Int64Var(&runID, "run", 0, "Show one run with its collections")
	return cmd
}
