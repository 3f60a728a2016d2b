package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"yardkit/internal/config"
	"yardkit/internal/preflight"
)

var preflightJSON bool

func init() {
	rootCmd.AddCommand(preflightCmd)
	preflightCmd.Flags().BoolVar(&preflightJSON, "json", false, "print the report as JSON")
}

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check installed workflows against their templates",
	Long: `Compare every file under the installed workflows directory with the canonical templates.

Exits 3 when either directory is missing and 4 when files are missing, stale or unexpected.`,
	Args: cobra.NoArgs,
	RunE: runPreflight,
}

func runPreflight(cmd *cobra.Command, _ []string) error {
	// Preflight only needs paths; it must work before the ledger or lock directories exist.
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	report, err := preflight.Validate(preflight.Options{
		RepoRoot:     cfg.RepoRoot,
		TemplatesDir: cfg.TemplatesDir,
		WorkflowsDir: cfg.WorkflowsDir,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if preflightJSON {
		if err := printJSON(out, report); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, report.Format())
	}
	if !report.Clean() {
		return fmt.Errorf("%d missing, %d stale, %d unexpected: %w",
			len(report.Missing), len(report.Stale), len(report.Unexpected), preflight.ErrDrift)
	}
	return nil
}
