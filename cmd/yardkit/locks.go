package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"yardkit/internal/policy"
)

var (
	locksJSON      bool
	locksForce     bool
	locksHistTask  string
	locksHistLimit int
)

func init() {
	rootCmd.AddCommand(locksCmd)
	locksCmd.AddCommand(locksListCmd)
	locksCmd.AddCommand(locksReapCmd)
	locksCmd.AddCommand(locksHistoryCmd)

	locksCmd.PersistentFlags().BoolVar(&locksJSON, "json", false, "output results as JSON")
	locksReapCmd.Flags().BoolVar(&locksForce, "force", false, "also remove locks held by other hosts")
	locksHistoryCmd.Flags().StringVar(&locksHistTask, "task", "", "only events of this task")
	locksHistoryCmd.Flags().IntVar(&locksHistLimit, "limit", 50, "maximum number of events to return")
}

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and reap task locks",
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List held task locks and whether their holders are alive",
	Args:  cobra.NoArgs,
	RunE:  runLocksList,
}

var locksReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove locks whose holder process is gone",
	Long: `Remove locks whose holder process no longer runs on this host.

Locks held from other hosts cannot be checked and are kept unless --force is given. Locks of
live holders are never removed.`,
	Args: cobra.NoArgs,
	RunE: runLocksReap,
}

var locksHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show acquire, release and reap events from the ledger",
	Args:  cobra.NoArgs,
	RunE:  runLocksHistory,
}

func runLocksList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	locks, err := a.locks.List()
	if err != nil {
		return err
	}
	if locksJSON {
		return printJSON(cmd.OutOrStdout(), locks)
	}
	if len(locks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No locks held.")
		return nil
	}
	judge := policy.New(a.hostname, nil)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tRUN\tHOLDER\tSINCE\tVERDICT")
	for _, l := range locks {
		verdict, _ := judge.Judge(l)
		fmt.Fprintf(w, "%s\t%s\t%s:%d\t%s\t%s\n",
			l.TaskID, l.RunID, l.Hostname, l.PID, l.Timestamp.Local().Format(time.DateTime), verdict)
	}
	return w.Flush()
}

func runLocksReap(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.locks.Reap(ctx, policy.New(a.hostname, nil), locksForce)
	if err != nil {
		return err
	}
	if locksJSON {
		return printJSON(cmd.OutOrStdout(), results)
	}
	removed := 0
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tRUN\tVERDICT\tACTION\tREASON")
	for _, res := range results {
		action := "kept"
		if res.Removed {
			action = "removed"
			removed++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", res.Lock.TaskID, res.Lock.RunID, res.Verdict, action, res.Reason)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d locks removed.\n", removed, len(results))
	return nil
}

func runLocksHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.ledger.ListLockEvents(ctx, locksHistTask, locksHistLimit)
	if err != nil {
		return err
	}
	if locksJSON {
		return printJSON(cmd.OutOrStdout(), events)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTASK\tRUN\tACTION\tHOLDER\tREASON")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s:%d\t%s\n",
			ev.CreatedAt.Local().Format(time.DateTime), ev.TaskID, ev.RunID, ev.Action, ev.Hostname, ev.PID, ev.Reason)
	}
	return w.Flush()
}
