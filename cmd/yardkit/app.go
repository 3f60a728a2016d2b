package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"yardkit/internal/agent"
	"yardkit/internal/artifact"
	"yardkit/internal/config"
	"yardkit/internal/lock"
	"yardkit/internal/logging"
	"yardkit/internal/orchestrator"
	"yardkit/internal/preflight"
	sqlitestore "yardkit/internal/store/sqlite"
	"yardkit/internal/workspace"
)

// app holds what every command shares: resolved config, logger, ledger, locks and recorder.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	ledger   *sqlitestore.Store
	locks    *lock.Manager
	recorder *artifact.Recorder
	hostname string
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{Level: logLevel})
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.ArtifactsDir, cfg.ThinkingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	ledger, err := sqlitestore.Open(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}
	if err := ledger.Migrate(ctx); err != nil {
		_ = ledger.Close()
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	locks, err := lock.NewManager(cfg.LocksDir, hostname, os.Getpid(), ledger, logger)
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}
	recorder, err := artifact.NewRecorder(cfg.ArtifactsDir, ledger, logger)
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}

	logger.Debug("yardkit configured",
		zap.String("config", cfg.Path),
		zap.String("repo_root", cfg.RepoRoot),
		zap.String("artifacts", cfg.ArtifactsDir),
		zap.String("ledger", cfg.LedgerPath),
		zap.String("workspace_kind", string(cfg.WorkspaceKind)),
	)
	return &app{
		cfg:      cfg,
		logger:   logger,
		ledger:   ledger,
		locks:    locks,
		recorder: recorder,
		hostname: hostname,
	}, nil
}

func (a *app) Close() {
	_ = a.ledger.Close()
	_ = a.logger.Sync()
}

func (a *app) pool() (*workspace.Manager, error) {
	provisioner, err := workspace.NewProvisioner(a.cfg.WorkspaceKind, a.cfg.RepoRoot, a.cfg.ContainerImage)
	if err != nil {
		return nil, err
	}
	return workspace.NewManager(a.cfg.WorkspacePoolDir, a.cfg.WorkspaceCapacity, provisioner, a.hostname, os.Getpid(), a.logger)
}

// line wires the beads, kilocode and gate collaborators and a workspace pool into a Line.
func (a *app) line(reg prometheus.Registerer) (*orchestrator.Line, *agent.Beads, error) {
	pool, err := a.pool()
	if err != nil {
		return nil, nil, err
	}

	runner := agent.ExecRunner{}
	beads := agent.NewBeads(a.cfg.BDBin, a.cfg.RepoRoot, runner, a.logger)
	line := orchestrator.NewLine(orchestrator.LineDeps{
		Tasks:      beads,
		Agent:      agent.NewKilo(a.cfg.KiloBin, runner, a.logger),
		Gates:      agent.NewCommandGate(a.cfg.GateCommand, runner, a.logger),
		Locks:      a.locks,
		Workspaces: pool,
		Recorder:   a.recorder,
		Metrics:    orchestrator.NewMetrics(reg),
	}, orchestrator.LineConfig{Timeouts: a.cfg.Timeouts}, a.logger)
	return line, beads, nil
}

func (a *app) preflight() error {
	return preflight.Check(preflight.Options{
		RepoRoot:     a.cfg.RepoRoot,
		TemplatesDir: a.cfg.TemplatesDir,
		WorkflowsDir: a.cfg.WorkflowsDir,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
