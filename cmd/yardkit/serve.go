package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yardkit/internal/config"
	"yardkit/internal/domain"
	"yardkit/internal/lock"
	"yardkit/internal/policy"
	sqlitestore "yardkit/internal/store/sqlite"
)

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "http listen address (default: config serve_addr)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run ledger and locks read-only over HTTP",
	Long: `Serve the run ledger, run events and task locks as JSON for the monitor, plus Prometheus
metrics.

Endpoints:
  GET /healthz
  GET /config
  GET /runs?task=<id>&limit=<n>
  GET /runs/<run-id>
  GET /runs/<run-id>/events
  GET /locks
  GET /locks/history?task=<id>&limit=<n>
  GET /workspaces
  GET /metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runLedger is the read side of the sqlite ledger the API serves.
type runLedger interface {
	GetRun(ctx context.Context, runID string) (domain.RunRecord, error)
	ListRuns(ctx context.Context, taskID string, limit int) ([]domain.RunRecord, error)
	ListRunEvents(ctx context.Context, runID string) ([]domain.Event, error)
	CountRunsByStatus(ctx context.Context) (map[domain.RunStatus]int, error)
	ListLockEvents(ctx context.Context, taskID string, limit int) ([]domain.LockEvent, error)
}

type lockLister interface {
	List() ([]domain.Lock, error)
}

type leaseLister interface {
	Leases() ([]domain.Workspace, error)
	Capacity() int
}

type server struct {
	cfg    config.Config
	ledger runLedger
	locks  lockLister
	pool   leaseLister
	judge  lock.Judge
	logger *zap.Logger
}

// lockView is a held lock with the holder verdict.
type lockView struct {
	domain.Lock
	Verdict policy.Verdict `json:"verdict"`
	Reason  string         `json:"reason"`
}

func runServe(cmd *cobra.Command, _ []string) error {
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
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newLedgerCollector(a.ledger, a.logger),
	)
	s := &server{
		cfg:    a.cfg,
		ledger: a.ledger,
		locks:  a.locks,
		pool:   pool,
		judge:  policy.New(a.hostname, nil),
		logger: a.logger.Named("http"),
	}
	addr := firstNonEmpty(serveAddr, a.cfg.ServeAddr, ":8092")
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("yardkit serving",
		zap.String("addr", addr),
		zap.String("ledger", a.cfg.LedgerPath),
		zap.String("locks", a.cfg.LocksDir),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *server) routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/", s.handleRunByID)
	mux.HandleFunc("/locks", s.handleLocks)
	mux.HandleFunc("/locks/history", s.handleLockHistory)
	mux.HandleFunc("/workspaces", s.handleWorkspaces)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return loggingMiddleware(s.logger, mux)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":               s.cfg.Path,
		"repo_root":          s.cfg.RepoRoot,
		"max_parallel":       s.cfg.MaxParallel,
		"timeout_seconds":    timeoutSeconds(s.cfg.Timeouts),
		"artifacts_dir":      s.cfg.ArtifactsDir,
		"locks_dir":          s.cfg.LocksDir,
		"workspace_kind":     s.cfg.WorkspaceKind,
		"workspace_pool_dir": s.cfg.WorkspacePoolDir,
		"workspace_capacity": s.cfg.WorkspaceCapacity,
		"templates_dir":      s.cfg.TemplatesDir,
		"workflows_dir":      s.cfg.WorkflowsDir,
		"ledger_path":        s.cfg.LedgerPath,
	})
}

func (s *server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	runs, err := s.ledger.ListRuns(r.Context(), strings.TrimSpace(r.URL.Query().Get("task")), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.Split(trimmed, "/")
	runID := parts[0]
	if runID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("run id is required"))
		return
	}

	rec, err := s.ledger.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, sqlitestore.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, rec)
		return
	}

	switch action := parts[1]; action {
	case "events":
		events, err := s.ledger.ListRunEvents(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func (s *server) handleLocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	locks, err := s.locks.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]lockView, 0, len(locks))
	for _, l := range locks {
		verdict, reason := s.judge.Judge(l)
		views = append(views, lockView{Lock: l, Verdict: verdict, Reason: reason})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *server) handleLockHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	events, err := s.ledger.ListLockEvents(r.Context(), strings.TrimSpace(r.URL.Query().Get("task")), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	leases, err := s.pool.Leases()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":     s.cfg.WorkspaceKind,
		"capacity": s.pool.Capacity(),
		"leased":   leases,
	})
}

// ledgerCollector reports the ledger's run counts per status at scrape time.
type ledgerCollector struct {
	ledger interface {
		CountRunsByStatus(ctx context.Context) (map[domain.RunStatus]int, error)
	}
	logger *zap.Logger
	desc   *prometheus.Desc
}

func newLedgerCollector(ledger runLedger, logger *zap.Logger) *ledgerCollector {
	return &ledgerCollector{
		ledger: ledger,
		logger: logger,
		desc: prometheus.NewDesc(
			"yardkit_ledger_runs",
			"Runs recorded in the ledger by status",
			[]string{"status"}, nil,
		),
	}
}

func (c *ledgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *ledgerCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	counts, err := c.ledger.CountRunsByStatus(ctx)
	if err != nil {
		c.logger.Warn("count runs for metrics failed", zap.Error(err))
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for _, status := range []domain.RunStatus{domain.RunStatusRunning, domain.RunStatusSuccess, domain.RunStatusFailed} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}

func timeoutSeconds(t config.Timeouts) map[string]int {
	return map[string]int{
		string(domain.PhasePrep):    int(t.Prep / time.Second),
		string(domain.PhaseExecute): int(t.Execute / time.Second),
		string(domain.PhaseGates):   int(t.Gates / time.Second),
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
