// Package main implements the yardkit CLI: it runs beads tasks through the supervised line,
// schedules shifts, validates workflows, and inspects the run ledger and locks.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"yardkit/internal/preflight"
)

// Process exit codes.
const (
	exitOK               = 0
	exitFailure          = 1
	exitDirectoryMissing = 3
	exitDrift            = 4
)

var (
	configPath string
	logLevel   string
	version    = "dev"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCodeFor(err))
}

var rootCmd = &cobra.Command{
	Use:   "yardkit",
	Short: "Supervise agent runs over beads tasks",
	Long: `yardkit drives beads tasks through claim, prep, execute, gates and close with one
lock per task, one leased workspace per run, and an artifact trail per run.

Examples:
  # Run one task
  yardkit run --task bd-42

  # Work the ready queue four at a time
  yardkit shift --max-parallel 4

  # Check installed workflows against templates
  yardkit preflight`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to yardkit.toml (default: ./yardkit.toml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (default: $LOG_LEVEL or info)")
}

// exitCodeFor maps a command error to the process exit code. Workflow preflight failures keep
// their dedicated codes even when wrapped.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, preflight.ErrDirectoryMissing):
		return exitDirectoryMissing
	case errors.Is(err, preflight.ErrDrift):
		return exitDrift
	default:
		return exitFailure
	}
}
