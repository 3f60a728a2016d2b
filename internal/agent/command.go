// Package agent drives the external collaborators of a line: the bd task tracker, the kilocode
// agent CLI and the quality-gate command. Every invocation runs under the caller's context, so a
// phase deadline kills the child process.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CommandError reports a collaborator process that failed to start or exited non-zero.
type CommandError struct {
	Name   string
	Args   []string
	Code   int
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Name, strings.Join(e.Args, " "))
	if e.Code >= 0 {
		msg += fmt.Sprintf(" exited with code %d", e.Code)
	} else {
		msg += fmt.Sprintf(" failed: %v", e.Err)
	}
	if out := trim(strings.TrimSpace(e.Output), 400); out != "" {
		msg += "; output: " + out
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitCode is the process exit status, or -1 when the process never exited normally.
func (e *CommandError) ExitCode() int {
	return e.Code
}

// Runner executes name with args in dir.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec and returns *CommandError on failure.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the context kills the process.
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return out.Bytes(), nil
	}
	cerr := &CommandError{Name: name, Args: args, Code: -1, Output: out.String(), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		cerr.Code = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		cerr.Code = -1
		cerr.Err = ctxErr
	}
	return out.Bytes(), cerr
}

// startProgressHeartbeat calls onTick every interval until the returned stop func is called.
func startProgressHeartbeat(ctx context.Context, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	stop := make(chan struct{})
	started := time.Now()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if onTick != nil {
					onTick(time.Since(started))
				}
			}
		}
	}()

	return func() {
		close(stop)
	}
}

func heartbeatLogger(logger *zap.Logger, msg string, fields ...zap.Field) func(time.Duration) {
	return func(elapsed time.Duration) {
		logger.Info(msg, append(fields, zap.Duration("elapsed", elapsed.Round(time.Second)))...)
	}
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
