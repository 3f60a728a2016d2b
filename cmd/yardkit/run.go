package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yardkit/internal/messaging/inproc"
	"yardkit/internal/orchestrator"
)

var (
	runTaskID        string
	runTimeout       int
	runWorkspace     string
	runSkipPreflight bool

	shiftMaxParallel   int
	shiftQueue         string
	shiftLimit         int
	shiftTimeout       int
	shiftSkipPreflight bool
	shiftMetricsAddr   string
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(shiftCmd)

	runCmd.Flags().StringVarP(&runTaskID, "task", "t", "", "beads task id (required)")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "override every phase timeout (seconds)")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "", "use this directory instead of leasing a pool workspace")
	runCmd.Flags().BoolVar(&runSkipPreflight, "skip-preflight", false, "do not validate installed workflows first")
	_ = runCmd.MarkFlagRequired("task")

	shiftCmd.Flags().IntVarP(&shiftMaxParallel, "max-parallel", "n", 0, "maximum parallel lines (default: config max_parallel)")
	shiftCmd.Flags().StringVarP(&shiftQueue, "queue", "q", orchestrator.DefaultQueue, "beads queue filter")
	shiftCmd.Flags().IntVarP(&shiftLimit, "limit", "l", 0, "maximum total tasks to process (0: no limit)")
	shiftCmd.Flags().IntVar(&shiftTimeout, "timeout", 0, "override every phase timeout of each task (seconds)")
	shiftCmd.Flags().BoolVar(&shiftSkipPreflight, "skip-preflight", false, "do not validate installed workflows first")
	shiftCmd.Flags().StringVar(&shiftMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the shift runs")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single task through the line",
	Long: `Run a single beads task through claim, prep, execute, gates and close.

The run summary is printed as JSON. The command exits 1 when the run failed.

Examples:
  yardkit run --task bd-42
  yardkit run --task bd-42 --timeout 300 --workspace ../scratch`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var shiftCmd = &cobra.Command{
	Use:   "shift",
	Short: "Pull tasks from a beads queue and run up to N in parallel",
	Long: `Pull tasks from a beads queue and run them through the line with bounded parallelism.

Task failures are reported but do not fail the shift; the shift itself fails only when the
queue cannot be read.

Examples:
  yardkit shift --max-parallel 4
  yardkit shift --queue open --limit 10`,
	Args: cobra.NoArgs,
	RunE: runShift,
}

func runRun(cmd *cobra.Command, _ []string) error {
	if err := validateTimeout(runTimeout); err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if !runSkipPreflight {
		if err := a.preflight(); err != nil {
			return err
		}
	}
	line, _, err := a.line(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	run, runErr := line.Run(ctx, orchestrator.LineRequest{
		TaskID:        runTaskID,
		Timeout:       seconds(runTimeout),
		WorkspacePath: runWorkspace,
	})
	if run.EndTime.IsZero() {
		// The line never started phases (lock or workspace unavailable).
		return runErr
	}
	if err := printJSON(cmd.OutOrStdout(), run); err != nil {
		return err
	}
	return runErr
}

func runShift(cmd *cobra.Command, _ []string) error {
	if err := validateTimeout(shiftTimeout); err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if !shiftSkipPreflight {
		if err := a.preflight(); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	line, beads, err := a.line(reg)
	if err != nil {
		return err
	}
	if shiftMetricsAddr != "" {
		stop := serveMetrics(shiftMetricsAddr, reg, a.logger)
		defer stop()
	}

	maxParallel := shiftMaxParallel
	if maxParallel <= 0 {
		maxParallel = a.cfg.MaxParallel
	}

	bus := inproc.New(256)
	followCtx, stopFollow := context.WithCancel(ctx)
	progress := orchestrator.NewProgress(a.logger)
	followed := progress.Follow(followCtx, bus)

	shift := orchestrator.NewShift(line, beads, bus, a.logger)
	report, err := shift.Run(ctx, orchestrator.ShiftRequest{
		Queue:       shiftQueue,
		Limit:       shiftLimit,
		MaxParallel: maxParallel,
		Timeout:     seconds(shiftTimeout),
	})
	stopFollow()
	<-followed
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

// serveMetrics exposes reg on addr until the returned stop function is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func validateTimeout(n int) error {
	if n < 0 {
		return fmt.Errorf("--timeout must be a positive number of seconds, got %d", n)
	}
	return nil
}
