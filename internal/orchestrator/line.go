package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yardkit/internal/artifact"
	"yardkit/internal/config"
	"yardkit/internal/domain"
	"yardkit/internal/lock"
)

// TaskSource is the external backlog.
type TaskSource interface {
	Claim(ctx context.Context, taskID string) error
	Close(ctx context.Context, taskID string) error
	Ready(ctx context.Context, queue string, limit int) ([]string, error)
}

// AgentExecutor performs the prep and execute phases.
type AgentExecutor interface {
	StartTask(ctx context.Context, req domain.AgentRequest) error
	ExecuteTask(ctx context.Context, req domain.AgentRequest) error
}

// GateRunner returns the quality-gate exit code; err is reserved for gates that could not run.
type GateRunner interface {
	RunGates(ctx context.Context, workspacePath string) (int, error)
}

type LockManager interface {
	Acquire(ctx context.Context, taskID, runID string) (domain.Lock, error)
	Release(ctx context.Context, taskID, runID string) error
}

type WorkspacePool interface {
	Lease(ctx context.Context, runID, taskID string) (domain.Workspace, error)
	Release(ctx context.Context, ws domain.Workspace) error
}

type LineDeps struct {
	Tasks      TaskSource
	Agent      AgentExecutor
	Gates      GateRunner
	Locks      LockManager
	Workspaces WorkspacePool
	Recorder   *artifact.Recorder
	Metrics    *Metrics
}

type LineConfig struct {
	Timeouts config.Timeouts
}

type LineRequest struct {
	TaskID string
	// Timeout, when set, replaces the configured bound of every timed phase.
	Timeout time.Duration
	// WorkspacePath, when set, is used as a caller-managed workspace instead of a pool lease.
	WorkspacePath string
}

// Line runs one task through claim, prep, execute, gates and close.
type Line struct {
	deps   LineDeps
	cfg    LineConfig
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewLine(deps LineDeps, cfg LineConfig, logger *zap.Logger) *Line {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Line{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("line"),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Run executes one line. Lock and workspace are taken before any phase starts, so a run that
// cannot get them leaves no artifacts and does not touch the tracker. Once phases start, the
// returned Run is the persisted summary and the error, if any, is a *PhaseError.
func (l *Line) Run(ctx context.Context, req LineRequest) (domain.Run, error) {
	run := domain.Run{
		RunID:     l.newID(),
		TaskID:    req.TaskID,
		Status:    domain.RunStatusRunning,
		Phase:     domain.PhaseClaim,
		StartTime: l.now(),
		Events:    []domain.Event{},
	}
	logger := l.logger.With(zap.String("run_id", run.RunID), zap.String("task_id", run.TaskID))
	// Cleanup and the summary must still happen when ctx is cancelled mid-run.
	cleanupCtx := context.WithoutCancel(ctx)

	if _, err := l.deps.Locks.Acquire(ctx, req.TaskID, run.RunID); err != nil {
		if errors.Is(err, lock.ErrContention) {
			l.deps.Metrics.contended()
		}
		return run, fmt.Errorf("acquire lock for %s: %w", req.TaskID, err)
	}
	defer func() {
		if err := l.deps.Locks.Release(cleanupCtx, req.TaskID, run.RunID); err != nil {
			logger.Error("release lock failed", zap.Error(err))
		}
	}()

	ws, err := l.workspace(ctx, run, req)
	if err != nil {
		return run, err
	}
	defer func() {
		if err := l.deps.Workspaces.Release(cleanupCtx, ws); err != nil {
			logger.Error("release workspace failed", zap.Int("slot", ws.Slot), zap.Error(err))
		}
	}()

	runLog, err := l.deps.Recorder.Open(ctx, run)
	if err != nil {
		return run, fmt.Errorf("open run artifacts: %w", err)
	}
	defer runLog.Close()
	l.deps.Metrics.runStarted()

	logger.Info("line started", zap.String("workspace", ws.Path), zap.String("artifacts", runLog.Dir()))

	st := &lineState{
		run:    &run,
		log:    runLog,
		logger: logger,
		req: domain.AgentRequest{
			TaskID:        req.TaskID,
			RunID:         run.RunID,
			WorkspacePath: ws.Path,
			ArtifactDir:   runLog.Dir(),
		},
	}
	runErr := l.phases(ctx, st, req.Timeout)

	run.EndTime = l.now()
	if runErr != nil {
		run.Status = domain.RunStatusFailed
		run.ExitCode = 1
		run.Error = runErr.Error()
	} else {
		run.Status = domain.RunStatusSuccess
		run.ExitCode = 0
	}
	if err := runLog.WriteSummary(cleanupCtx, run); err != nil {
		logger.Error("write run summary failed", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}
	l.deps.Metrics.runSettled(run.Status)

	if runErr != nil {
		logger.Error("line failed", zap.String("phase", string(run.Phase)), zap.Error(runErr))
		return run, runErr
	}
	logger.Info("line completed", zap.Duration("elapsed", run.EndTime.Sub(run.StartTime)))
	return run, nil
}

func (l *Line) workspace(ctx context.Context, run domain.Run, req LineRequest) (domain.Workspace, error) {
	if req.WorkspacePath != "" {
		return domain.Workspace{
			Path:   req.WorkspacePath,
			Type:   domain.WorkspaceDir,
			RunID:  run.RunID,
			TaskID: run.TaskID,
		}, nil
	}
	ws, err := l.deps.Workspaces.Lease(ctx, run.RunID, run.TaskID)
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("lease workspace for %s: %w", run.TaskID, err)
	}
	return ws, nil
}

type lineState struct {
	run    *domain.Run
	log    *artifact.RunLog
	logger *zap.Logger
	req    domain.AgentRequest
}

func (l *Line) phases(ctx context.Context, st *lineState, override time.Duration) error {
	actions := map[domain.Phase]func(context.Context) error{
		domain.PhaseClaim: func(ctx context.Context) error {
			if err := l.deps.Tasks.Claim(ctx, st.req.TaskID); err != nil {
				return &PhaseError{Phase: domain.PhaseClaim, Kind: ErrClaim, ExitCode: exitCodeOf(err), Err: err}
			}
			return nil
		},
		domain.PhasePrep: func(ctx context.Context) error {
			return l.deps.Agent.StartTask(ctx, st.req)
		},
		domain.PhaseExecute: func(ctx context.Context) error {
			return l.deps.Agent.ExecuteTask(ctx, st.req)
		},
		domain.PhaseGates: func(ctx context.Context) error {
			code, err := l.deps.Gates.RunGates(ctx, st.req.WorkspacePath)
			if err != nil {
				return err
			}
			if code != 0 {
				return &PhaseError{
					Phase:    domain.PhaseGates,
					Kind:     ErrGateFailure,
					ExitCode: code,
					Err:      fmt.Errorf("gate command exited with code %d", code),
				}
			}
			return nil
		},
		domain.PhaseClose: func(ctx context.Context) error {
			return l.deps.Tasks.Close(ctx, st.req.TaskID)
		},
	}

	for _, phase := range domain.Phases {
		timeout := l.cfg.Timeouts.For(phase)
		if override > 0 && timeout > 0 {
			timeout = override
		}
		if err := l.runPhase(ctx, st, phase, timeout, actions[phase]); err != nil {
			return err
		}
	}
	return nil
}

// runPhase records phase_start, runs action under the phase deadline and records exactly one
// terminal event.
func (l *Line) runPhase(ctx context.Context, st *lineState, phase domain.Phase, timeout time.Duration, action func(context.Context) error) error {
	st.run.Phase = phase
	started := l.now()
	l.record(ctx, st, domain.Event{Timestamp: started, Phase: phase, Event: domain.EventPhaseStart})
	st.logger.Info("phase started", zap.String("phase", string(phase)), zap.Duration("timeout", timeout))

	phaseCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		phaseCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	err := invoke(phaseCtx, phase, action)
	// An action that returned nil completed, even if the deadline passed on its way out.
	timedOut := err != nil && timeout > 0 && errors.Is(phaseCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	elapsed := l.now().Sub(started)
	if err == nil && !timedOut {
		l.deps.Metrics.phaseObserved(phase, true, elapsed)
		l.record(ctx, st, domain.Event{
			Timestamp: l.now(),
			Phase:     phase,
			Event:     domain.EventPhaseComplete,
			Data:      map[string]any{"duration": elapsed.Milliseconds()},
		})
		st.logger.Info("phase completed", zap.String("phase", string(phase)), zap.Duration("elapsed", elapsed))
		return nil
	}

	perr := classify(phase, err, timedOut, timeout)
	l.deps.Metrics.phaseObserved(phase, false, elapsed)
	l.record(ctx, st, domain.Event{
		Timestamp: l.now(),
		Phase:     phase,
		Event:     domain.EventPhaseFailed,
		Data:      perr.payload(),
	})
	st.logger.Warn("phase failed", zap.String("phase", string(phase)), zap.Error(perr))
	return perr
}

// invoke runs action and turns a collaborator panic into a phase failure, so the run still
// records its terminal event and summary.
func invoke(ctx context.Context, phase domain.Phase, action func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PhaseError{
				Phase:    phase,
				Kind:     ErrPhaseFailure,
				ExitCode: -1,
				Err:      fmt.Errorf("%s panicked: %v", phase, r),
			}
		}
	}()
	return action(ctx)
}

func classify(phase domain.Phase, err error, timedOut bool, timeout time.Duration) *PhaseError {
	var perr *PhaseError
	if errors.As(err, &perr) && !timedOut {
		return perr
	}
	if timedOut {
		return &PhaseError{
			Phase:    phase,
			Kind:     ErrPhaseTimeout,
			ExitCode: -1,
			Err:      fmt.Errorf("exceeded %s: %w", timeout, err),
		}
	}
	kind := ErrPhaseFailure
	if phase == domain.PhaseClaim {
		kind = ErrClaim
	}
	return &PhaseError{Phase: phase, Kind: kind, ExitCode: exitCodeOf(err), Err: err}
}

func (l *Line) record(ctx context.Context, st *lineState, ev domain.Event) {
	st.run.Events = append(st.run.Events, ev)
	if err := st.log.Append(context.WithoutCancel(ctx), ev); err != nil {
		st.logger.Error("append event failed", zap.String("phase", string(ev.Phase)), zap.Error(err))
	}
}
