package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// CommandGate runs the quality-gate command in the workspace.
type CommandGate struct {
	command []string
	runner  Runner
	logger  *zap.Logger
}

func NewCommandGate(command []string, runner Runner, logger *zap.Logger) *CommandGate {
	if len(command) == 0 {
		command = []string{"npm", "run", "ci"}
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandGate{command: command, runner: runner, logger: logger.Named("gates")}
}

// RunGates returns the gate command's exit code. A non-zero exit is reported with a nil error;
// err is set only when the command could not run to completion.
func (g *CommandGate) RunGates(ctx context.Context, workspacePath string) (int, error) {
	_, err := g.runner.Run(ctx, workspacePath, g.command[0], g.command[1:]...)
	if err == nil {
		return 0, nil
	}
	var cerr *CommandError
	if errors.As(err, &cerr) && cerr.Code > 0 {
		g.logger.Info("quality gates failed", zap.Int("exit_code", cerr.Code), zap.String("output", trim(cerr.Output, 2000)))
		return cerr.Code, nil
	}
	return -1, fmt.Errorf("run quality gates: %w", err)
}
