package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"yardkit/internal/artifact"
	"yardkit/internal/domain"
	sqlitestore "yardkit/internal/store/sqlite"
)

var (
	runsTaskID string
	runsLimit  int
	runsJSON   bool

	eventsFollow bool
	eventsJSON   bool
)

func init() {
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(eventsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)

	runsCmd.PersistentFlags().BoolVar(&runsJSON, "json", false, "output results as JSON")
	runsListCmd.Flags().StringVar(&runsTaskID, "task", "", "only runs of this task")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to return")

	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "keep printing events until the run writes its summary")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "print raw JSON lines")
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs from the ledger, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the summary of one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var eventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Print the event timeline of a run",
	Long: `Print the event timeline of a run from its events.jsonl.

With --follow the command keeps printing new events as they are appended and returns once the
run has written its summary.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvents,
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.ledger.ListRuns(ctx, runsTaskID, runsLimit)
	if err != nil {
		return err
	}
	if runsJSON {
		return printJSON(cmd.OutOrStdout(), runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tTASK\tSTATUS\tPHASE\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.TaskID, r.Status, r.Phase, r.StartedAt.Local().Format(time.DateTime), runDuration(r))
	}
	return w.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	runID := args[0]
	rec, err := a.ledger.GetRun(ctx, runID)
	switch {
	case err == nil && len(rec.Summary) > 0:
		var run domain.Run
		if err := json.Unmarshal(rec.Summary, &run); err != nil {
			return fmt.Errorf("decode summary of %s: %w", runID, err)
		}
		return printJSON(cmd.OutOrStdout(), run)
	case err == nil:
		// Still running or interrupted before the summary was written.
		return printJSON(cmd.OutOrStdout(), rec)
	case errors.Is(err, sqlitestore.ErrRunNotFound):
		// Runs recorded before the ledger existed only have artifacts.
		run, readErr := a.recorder.ReadSummary(runID)
		if readErr != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), run)
	default:
		return err
	}
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	dir, err := a.recorder.Dir(args[0])
	if err != nil {
		return err
	}
	path := filepath.Join(dir, artifact.EventsFile)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("run %s has no timeline: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	if eventsFollow {
		return artifact.Tail(ctx, path, func(ev domain.Event) error {
			return printEvent(out, ev)
		})
	}
	events, err := artifact.ReadEvents(path)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := printEvent(out, ev); err != nil {
			return err
		}
	}
	return nil
}

func printEvent(w io.Writer, ev domain.Event) error {
	if eventsJSON {
		return json.NewEncoder(w).Encode(ev)
	}
	line := fmt.Sprintf("%s  %-8s %-15s", ev.Timestamp.Local().Format("15:04:05.000"), ev.Phase, ev.Event)
	if len(ev.Data) > 0 {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		line += " " + string(data)
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

func runDuration(r domain.RunRecord) string {
	if r.EndedAt == nil {
		return "-"
	}
	return r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
}
