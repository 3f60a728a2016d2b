package domain

import (
	"encoding/json"
	"time"
)

type Phase string

const (
	PhaseClaim   Phase = "claim"
	PhasePrep    Phase = "prep"
	PhaseExecute Phase = "execute"
	PhaseGates   Phase = "gates"
	PhaseClose   Phase = "close"
)

// Phases is the fixed execution order of a line.
var Phases = []Phase{PhaseClaim, PhasePrep, PhaseExecute, PhaseGates, PhaseClose}

type TaskStatus string

const (
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusClaimed    TaskStatus = "claimed"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

type EventKind string

const (
	EventPhaseStart    EventKind = "phase_start"
	EventPhaseComplete EventKind = "phase_complete"
	EventPhaseFailed   EventKind = "phase_failed"
)

type WorkspaceKind string

const (
	WorkspaceWorktree  WorkspaceKind = "worktree"
	WorkspaceClone     WorkspaceKind = "clone"
	WorkspaceContainer WorkspaceKind = "container"
	WorkspaceDir       WorkspaceKind = "dir"
)

type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Phase     Phase          `json:"phase"`
	Event     EventKind      `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

type Run struct {
	RunID     string    `json:"runId"`
	TaskID    string    `json:"taskId"`
	Status    RunStatus `json:"status"`
	Phase     Phase     `json:"phase"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	ExitCode  int       `json:"exitCode"`
	Events    []Event   `json:"events"`
	Error     string    `json:"error,omitempty"`
}

type Workspace struct {
	Path   string        `json:"path"`
	Type   WorkspaceKind `json:"type"`
	RunID  string        `json:"runId"`
	TaskID string        `json:"taskId"`
	Slot   int           `json:"slot"`
	Handle string        `json:"handle,omitempty"`
	// Managed is false for caller-supplied workspaces that bypass the pool.
	Managed bool `json:"managed"`
	// Holder of a pool lease, so crashed leases can be judged and reaped like locks.
	PID      int       `json:"pid,omitempty"`
	Hostname string    `json:"hostname,omitempty"`
	LeasedAt time.Time `json:"leasedAt,omitempty"`
}

type Lock struct {
	TaskID    string    `json:"taskId"`
	RunID     string    `json:"runId"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	Timestamp time.Time `json:"timestamp"`
}

// RunRecord is the ledger row for a run; Summary holds the persisted summary document.
type RunRecord struct {
	RunID       string          `json:"run_id"`
	TaskID      string          `json:"task_id"`
	Status      RunStatus       `json:"status"`
	Phase       Phase           `json:"phase"`
	ExitCode    int             `json:"exit_code"`
	Error       string          `json:"error,omitempty"`
	ArtifactDir string          `json:"artifact_dir"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Summary     json.RawMessage `json:"summary,omitempty"`
}

type LockEvent struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	RunID     string    `json:"run_id"`
	Action    string    `json:"action"`
	Hostname  string    `json:"hostname"`
	PID       int       `json:"pid"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Lifecycle is published by the scheduler as runs start and settle.
type Lifecycle struct {
	Kind   string    `json:"kind"`
	TaskID string    `json:"task_id"`
	RunID  string    `json:"run_id,omitempty"`
	Status RunStatus `json:"status,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

const (
	LifecycleRunStarted = "run_started"
	LifecycleRunSettled = "run_settled"
)

// AgentRequest is what the agent executor needs to run a phase of one task.
type AgentRequest struct {
	TaskID        string
	RunID         string
	WorkspacePath string
	ArtifactDir   string
}
