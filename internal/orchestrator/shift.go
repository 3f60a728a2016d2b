package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yardkit/internal/domain"
	"yardkit/internal/lock"
)

const DefaultQueue = "ready"

// LineRunner runs one line; *Line implements it.
type LineRunner interface {
	Run(ctx context.Context, req LineRequest) (domain.Run, error)
}

// Publisher receives run lifecycle notifications.
type Publisher interface {
	Publish(msg domain.Lifecycle) error
}

type ShiftRequest struct {
	Queue       string
	Limit       int
	MaxParallel int
	// Timeout is passed to every line as its phase timeout override.
	Timeout time.Duration
}

type TaskOutcome string

const (
	OutcomeSuccess TaskOutcome = "success"
	OutcomeFailed  TaskOutcome = "failed"
	OutcomeSkipped TaskOutcome = "skipped"
)

type TaskResult struct {
	TaskID  string       `json:"task_id"`
	RunID   string       `json:"run_id,omitempty"`
	Outcome TaskOutcome  `json:"outcome"`
	Phase   domain.Phase `json:"phase,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type ShiftReport struct {
	Queue     string       `json:"queue"`
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Results   []TaskResult `json:"results"`
}

// Shift dispatches a batch of lines through a bounded worker pool.
type Shift struct {
	line   LineRunner
	source TaskSource
	bus    Publisher
	logger *zap.Logger
	now    func() time.Time
}

func NewShift(line LineRunner, source TaskSource, bus Publisher, logger *zap.Logger) *Shift {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shift{
		line:   line,
		source: source,
		bus:    bus,
		logger: logger.Named("shift"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run pulls up to req.Limit tasks and runs them at most req.MaxParallel at a time. Task failures
// are reported in the ShiftReport; the returned error is reserved for batch-level failures.
func (s *Shift) Run(ctx context.Context, req ShiftRequest) (ShiftReport, error) {
	queue := strings.TrimSpace(req.Queue)
	if queue == "" {
		queue = DefaultQueue
	}
	if req.MaxParallel <= 0 {
		return ShiftReport{}, fmt.Errorf("max parallel must be a positive integer, got %d", req.MaxParallel)
	}
	if req.Limit < 0 {
		return ShiftReport{}, fmt.Errorf("limit must not be negative, got %d", req.Limit)
	}

	ids, err := s.source.Ready(ctx, queue, req.Limit)
	if err != nil {
		return ShiftReport{Queue: queue}, fmt.Errorf("fetch %s tasks: %w", queue, err)
	}
	report := ShiftReport{Queue: queue, Total: len(ids), Results: make([]TaskResult, len(ids))}
	if len(ids) == 0 {
		s.logger.Info("no tasks to dispatch", zap.String("queue", queue))
		return report, nil
	}
	s.logger.Info("shift started",
		zap.String("queue", queue),
		zap.Int("tasks", len(ids)),
		zap.Int("max_parallel", req.MaxParallel),
	)

	var g errgroup.Group
	g.SetLimit(req.MaxParallel)
	for i, id := range ids {
		g.Go(func() error {
			report.Results[i] = s.dispatch(ctx, id, req.Timeout)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range report.Results {
		switch res.Outcome {
		case OutcomeSuccess:
			report.Succeeded++
		case OutcomeSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}
	s.logger.Info("shift finished",
		zap.String("queue", queue),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("shift interrupted: %w", err)
	}
	return report, nil
}

// dispatch runs one task and never returns an error, so one task cannot cancel its siblings.
func (s *Shift) dispatch(ctx context.Context, taskID string, timeout time.Duration) TaskResult {
	s.publish(domain.Lifecycle{Kind: domain.LifecycleRunStarted, TaskID: taskID, Status: domain.RunStatusRunning})

	res := TaskResult{TaskID: taskID}
	run, err := s.runLine(ctx, taskID, timeout)
	res.RunID = run.RunID
	res.Phase = run.Phase
	switch {
	case err == nil:
		res.Outcome = OutcomeSuccess
	case errors.Is(err, lock.ErrContention):
		res.Outcome = OutcomeSkipped
		res.Error = err.Error()
		s.logger.Warn("task skipped, lock contention", zap.String("task_id", taskID), zap.Error(err))
	default:
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		s.logger.Error("task failed", zap.String("task_id", taskID), zap.String("run_id", run.RunID), zap.Error(err))
	}

	status := domain.RunStatusSuccess
	if res.Outcome != OutcomeSuccess {
		status = domain.RunStatusFailed
	}
	s.publish(domain.Lifecycle{
		Kind:   domain.LifecycleRunSettled,
		TaskID: taskID,
		RunID:  res.RunID,
		Status: status,
		Error:  res.Error,
	})
	return res
}

func (s *Shift) runLine(ctx context.Context, taskID string, timeout time.Duration) (run domain.Run, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: line panicked: %v", ErrPhaseFailure, r)
		}
	}()
	return s.line.Run(ctx, LineRequest{TaskID: taskID, Timeout: timeout})
}

func (s *Shift) publish(msg domain.Lifecycle) {
	if s.bus == nil {
		return
	}
	msg.At = s.now()
	if err := s.bus.Publish(msg); err != nil {
		s.logger.Debug("lifecycle notification dropped", zap.String("task_id", msg.TaskID), zap.Error(err))
	}
}
