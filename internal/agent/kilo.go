package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"yardkit/internal/domain"
)

const (
	PrepSessionFile    = "prep-session.json"
	ExecuteSessionFile = "execute-session.json"
)

// Kilo runs the prep and execute phases through the kilocode CLI. Session exports land in the
// run's artifact directory so execute can import what prep produced.
type Kilo struct {
	bin       string
	runner    Runner
	heartbeat time.Duration
	logger    *zap.Logger
}

func NewKilo(bin string, runner Runner, logger *zap.Logger) *Kilo {
	if strings.TrimSpace(bin) == "" {
		bin = "kilocode"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kilo{bin: bin, runner: runner, heartbeat: 30 * time.Second, logger: logger.Named("kilo")}
}

func (k *Kilo) StartTask(ctx context.Context, req domain.AgentRequest) error {
	args := []string{
		"--auto",
		"--json",
		"/orchestrate-start-task",
		"--task", req.TaskID,
		"--export", filepath.Join(req.ArtifactDir, PrepSessionFile),
	}
	return k.invoke(ctx, req, domain.PhasePrep, args)
}

func (k *Kilo) ExecuteTask(ctx context.Context, req domain.AgentRequest) error {
	args := []string{
		"--auto",
		"--json",
		"/orchestrate-execute-task",
		"--task", req.TaskID,
		"--import", filepath.Join(req.ArtifactDir, PrepSessionFile),
		"--export", filepath.Join(req.ArtifactDir, ExecuteSessionFile),
	}
	return k.invoke(ctx, req, domain.PhaseExecute, args)
}

func (k *Kilo) invoke(ctx context.Context, req domain.AgentRequest, phase domain.Phase, args []string) error {
	fields := []zap.Field{
		zap.String("task_id", req.TaskID),
		zap.String("run_id", req.RunID),
		zap.String("phase", string(phase)),
	}
	stop := startProgressHeartbeat(ctx, k.heartbeat, heartbeatLogger(k.logger, "agent still running", fields...))
	output, err := k.runner.Run(ctx, req.WorkspacePath, k.bin, args...)
	stop()

	if req.ArtifactDir != "" && len(output) > 0 {
		logPath := filepath.Join(req.ArtifactDir, string(phase)+"-output.log")
		if werr := os.WriteFile(logPath, output, 0o644); werr != nil {
			k.logger.Warn("write agent output failed", append(fields, zap.Error(werr))...)
		}
	}
	if err != nil {
		return fmt.Errorf("kilocode %s: %w", phase, err)
	}
	k.logger.Debug("agent phase finished", fields...)
	return nil
}
