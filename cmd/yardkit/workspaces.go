package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"yardkit/internal/domain"
	"yardkit/internal/policy"
)

var (
	workspacesJSON  bool
	workspacesForce bool
)

func init() {
	rootCmd.AddCommand(workspacesCmd)
	workspacesCmd.AddCommand(workspacesListCmd)
	workspacesCmd.AddCommand(workspacesReapCmd)

	workspacesCmd.PersistentFlags().BoolVar(&workspacesJSON, "json", false, "output results as JSON")
	workspacesReapCmd.Flags().BoolVar(&workspacesForce, "force", false, "also free slots held by other hosts or with unreadable markers")
}

var workspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "Inspect and reap workspace pool leases",
}

var workspacesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List leased workspace slots and whether their holders are alive",
	Args:  cobra.NoArgs,
	RunE:  runWorkspacesList,
}

var workspacesReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Tear down and free slots whose holder process is gone",
	Long: `Tear down and free workspace slots whose holder process no longer runs on this host.

Slots leased from other hosts, or whose lease marker cannot be read, are kept unless --force is
given. Slots of live holders are never freed.`,
	Args: cobra.NoArgs,
	RunE: runWorkspacesReap,
}

func runWorkspacesList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	pool, err := a.pool()
	if err != nil {
		return err
	}
	leases, err := pool.Leases()
	if err != nil {
		return err
	}
	if workspacesJSON {
		return printJSON(cmd.OutOrStdout(), leases)
	}
	if len(leases) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No slots leased (capacity %d).\n", pool.Capacity())
		return nil
	}
	judge := policy.New(a.hostname, nil)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tTASK\tRUN\tHOLDER\tSINCE\tVERDICT")
	for _, ws := range leases {
		verdict, _ := judge.Judge(domain.Lock{RunID: ws.RunID, PID: ws.PID, Hostname: ws.Hostname})
		fmt.Fprintf(w, "%02d\t%s\t%s\t%s:%d\t%s\t%s\n",
			ws.Slot, ws.TaskID, ws.RunID, ws.Hostname, ws.PID, ws.LeasedAt.Local().Format(time.DateTime), verdict)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d slots leased.\n", len(leases), pool.Capacity())
	return nil
}

func runWorkspacesReap(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	pool, err := a.pool()
	if err != nil {
		return err
	}
	results, err := pool.Reap(ctx, policy.New(a.hostname, nil), workspacesForce)
	if err != nil {
		return err
	}
	if workspacesJSON {
		return printJSON(cmd.OutOrStdout(), results)
	}
	removed := 0
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tTASK\tRUN\tVERDICT\tACTION\tREASON")
	for _, res := range results {
		action := "kept"
		if res.Removed {
			action = "freed"
			removed++
		}
		fmt.Fprintf(w, "%02d\t%s\t%s\t%s\t%s\t%s\n",
			res.Workspace.Slot, res.Workspace.TaskID, res.Workspace.RunID, res.Verdict, action, res.Reason)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d slots freed.\n", removed, len(results))
	return nil
}
