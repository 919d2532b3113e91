package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/openfroyo/archstate/pkg/stores"
)

const historyTimeFormat = "2006-01-02 15:04:05"

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List the runs recorded in the run history, newest first.

Use "archstate history show RUN_ID" for the state results and events of one run.`,
		Example: `  # Last 20 runs
  archstate history

  # The 5 runs before those
  archstate history --limit 5 --offset 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, out io.Writer, store *stores.SQLiteStore) error {
				runs, err := store.ListRuns(ctx, limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, runs)
				}
				return printRuns(out, runs)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the state results and events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, out io.Writer, store *stores.SQLiteStore) error {
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := store.ListStateResults(ctx, run.ID)
				if err != nil {
					return err
				}
				events, err := store.ListEvents(ctx, &run.ID, nil, 100, 0)
				if err != nil {
					return err
				}

				if jsonOutput {
					return writeJSON(out, map[string]interface{}{
						"run":     run,
						"results": results,
						"events":  events,
					})
				}
				return printRun(out, run, results, events)
			})
		},
	}
}

// withStore opens the run history for the duration of fn.
func withStore(cmd *cobra.Command, fn func(context.Context, io.Writer, *stores.SQLiteStore) error) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	ctx := cmd.Context()
	store, err := e.openStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	if store == nil {
		return fmt.Errorf("run history is disabled: store.path is empty")
	}
	defer store.Close()

	return fn(ctx, e.out, store)
}

func statusColor(status stores.RunStatus) color.Color {
	switch status {
	case stores.RunStatusSucceeded:
		return color.Green
	case stores.RunStatusRunning:
		return color.Yellow
	default:
		return color.Red
	}
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tSTATUS\tTEST\tOK\tFAILED\tCHANGED\tSOURCE")
	for _, r := range runs {
		summary, _ := r.ParseSummary()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%d\t%d\t%s\n",
			r.ID,
			r.StartedAt.Local().Format(historyTimeFormat),
			r.Status,
			r.Test,
			summary.Succeeded,
			summary.Failed,
			summary.Changed,
			r.StateFile,
		)
	}
	return tw.Flush()
}

func printRun(w io.Writer, run *stores.Run, results []*stores.StateResult, events []*stores.Event) error {
	summary, _ := run.ParseSummary()

	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", run.ID)
	fmt.Fprintf(tw, "Source:\t%s\n", run.StateFile)
	fmt.Fprintf(tw, "Status:\t%s\n", statusColor(run.Status).Sprint(run.Status))
	fmt.Fprintf(tw, "Test:\t%t\n", run.Test)
	fmt.Fprintf(tw, "Started:\t%s\n", run.StartedAt.Local().Format(historyTimeFormat))
	if run.CompletedAt != nil {
		fmt.Fprintf(tw, "Completed:\t%s\n", run.CompletedAt.Local().Format(historyTimeFormat))
	}
	fmt.Fprintf(tw, "Summary:\t%d succeeded, %d failed, %d changed, %d pending in %dms\n",
		summary.Succeeded, summary.Failed, summary.Changed, summary.Pending, summary.DurationMs)
	if run.Error != nil {
		fmt.Fprintf(tw, "Error:\t%s\n", *run.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(results) > 0 {
		fmt.Fprintln(w, "\nStates:")
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, r := range results {
			result := r.Result
			if r.Skipped {
				result += " (skipped)"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%dms\t%s\n", r.StateID, r.Function, result, r.DurationMs, r.Comment)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(events) > 0 {
		fmt.Fprintln(w, "\nEvents:")
		for _, ev := range events {
			fmt.Fprintf(w, "  %s [%s] %s\n", ev.CreatedAt.Local().Format(historyTimeFormat), ev.Level, ev.Message)
		}
	}
	return nil
}
