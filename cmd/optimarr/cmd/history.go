package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmylchreest/optimarr/internal/journal"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [relative-path]",
	Short: "Show recorded outcomes from the journal",
	Long: `List the most recent outcomes recorded in the journal database. With a path
relative to the source root, list every outcome recorded for that file instead.
With --run, print the per-outcome counts of one run.

The journal is written by "optimarr run" when journal.enabled is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int("limit", 20, "number of recent entries to list")
	historyCmd.Flags().String("run", "", "summarize the run with this id")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	j, err := journal.Open(cfg.Journal, slog.Default())
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if runID, _ := cmd.Flags().GetString("run"); runID != "" {
		counts, err := j.CountByKind(ctx, runID)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tFILES")
		for _, c := range counts {
			fmt.Fprintf(w, "%s\t%d\n", c.Kind, c.Count)
		}
		return w.Flush()
	}

	var entries []journal.Entry
	if len(args) == 1 {
		entries, err = j.History(ctx, args[0])
	} else {
		limit, _ := cmd.Flags().GetInt("limit")
		entries, err = j.Recent(ctx, limit)
	}
	if err != nil {
		return err
	}
	return writeEntries(out, entries)
}

func writeEntries(out io.Writer, entries []journal.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no journal entries")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tKIND\tFILE\tORIGINAL\tOUTPUT\tTOOK\tREASON")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(e.CreatedAt),
			e.Kind,
			e.RelPath,
			sizeOrDash(e.OriginalSize),
			sizeOrDash(e.OutputSize),
			(time.Duration(e.DurationMs) * time.Millisecond).Round(time.Second),
			e.Reason,
		)
	}
	return w.Flush()
}

func sizeOrDash(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.Bytes(uint64(n))
}
