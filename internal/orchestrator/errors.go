package orchestrator

import (
	"errors"
	"fmt"

	"yardkit/internal/domain"
)

var (
	ErrClaim        = errors.New("task claim rejected")
	ErrPhaseTimeout = errors.New("phase timed out")
	ErrPhaseFailure = errors.New("phase failed")
	// ErrGateFailure is a PhaseFailure raised by a non-zero quality-gate exit.
	ErrGateFailure = errors.New("quality gates failed")
)

// PhaseError is the terminal error of a failed run. Kind is one of the sentinels above;
// ExitCode is the collaborator's exit status, or -1 when it has none.
type PhaseError struct {
	Phase    domain.Phase
	Kind     error
	ExitCode int
	Err      error
}

func (e *PhaseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Phase, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Phase, e.Kind, e.Err)
}

func (e *PhaseError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *PhaseError) Is(target error) bool {
	return target == ErrPhaseFailure && e.Kind == ErrGateFailure
}

// payload is the data attached to the phase_failed event.
func (e *PhaseError) payload() map[string]any {
	data := map[string]any{
		"error": e.Error(),
		"kind":  errorKind(e.Kind),
	}
	if e.ExitCode >= 0 {
		data["exit_code"] = e.ExitCode
	}
	return data
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrClaim):
		return "claim"
	case errors.Is(err, ErrPhaseTimeout):
		return "timeout"
	case errors.Is(err, ErrGateFailure):
		return "gate"
	default:
		return "failure"
	}
}

type exitCoder interface {
	ExitCode() int
}

func exitCodeOf(err error) int {
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}
