package orchestrator

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yardkit/internal/artifact"
	"yardkit/internal/config"
	"yardkit/internal/domain"
	"yardkit/internal/lock"
	"yardkit/internal/workspace"
)

type fakeTasks struct {
	mu       sync.Mutex
	ready    []string
	readyErr error
	claimErr map[string]error
	claimed  []string
	closed   []string
}

func (f *fakeTasks) Claim(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.claimErr[taskID]; err != nil {
		return err
	}
	f.claimed = append(f.claimed, taskID)
	return nil
}

func (f *fakeTasks) Close(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, taskID)
	return nil
}

func (f *fakeTasks) Ready(_ context.Context, _ string, limit int) ([]string, error) {
	if f.readyErr != nil {
		return nil, f.readyErr
	}
	ids := f.ready
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type fakeAgent struct {
	delay     time.Duration
	block     bool
	failTasks map[string]error

	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32

	mu         sync.Mutex
	workspaces []string
}

func (f *fakeAgent) enter(ctx context.Context, req domain.AgentRequest) error {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		cur := f.maxActive.Load()
		if n <= cur || f.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	f.mu.Lock()
	f.workspaces = append(f.workspaces, req.WorkspacePath)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.failTasks[req.TaskID]
}

func (f *fakeAgent) StartTask(ctx context.Context, req domain.AgentRequest) error {
	return f.enter(ctx, req)
}

func (f *fakeAgent) ExecuteTask(ctx context.Context, req domain.AgentRequest) error {
	return f.enter(ctx, req)
}

type fakeGates struct {
	code int
	err  error
}

func (f fakeGates) RunGates(context.Context, string) (int, error) {
	return f.code, f.err
}

type harness struct {
	tasks    *fakeTasks
	agent    *fakeAgent
	locks    *lock.Manager
	pool     *workspace.Manager
	recorder *artifact.Recorder
	registry *prometheus.Registry
	line     *Line
}

func newHarness(t *testing.T, capacity int, gates GateRunner) *harness {
	t.Helper()
	locks, err := lock.NewManager(t.TempDir(), "host-a", os.Getpid(), nil, zap.NewNop())
	require.NoError(t, err)
	pool, err := workspace.NewManager(t.TempDir(), capacity, workspace.DirProvisioner{}, "host-a", os.Getpid(), zap.NewNop())
	require.NoError(t, err)
	recorder, err := artifact.NewRecorder(t.TempDir(), nil, zap.NewNop())
	require.NoError(t, err)
	h := &harness{
		tasks:    &fakeTasks{},
		agent:    &fakeAgent{},
		locks:    locks,
		pool:     pool,
		recorder: recorder,
		registry: prometheus.NewRegistry(),
	}
	h.line = NewLine(LineDeps{
		Tasks:      h.tasks,
		Agent:      h.agent,
		Gates:      gates,
		Locks:      locks,
		Workspaces: pool,
		Recorder:   recorder,
		Metrics:    NewMetrics(h.registry),
	}, LineConfig{Timeouts: config.Timeouts{Prep: time.Minute, Execute: time.Minute, Gates: time.Minute}}, zap.NewNop())
	return h
}

func (h *harness) assertReleased(t *testing.T, taskID string) {
	t.Helper()
	_, held, err := h.locks.Get(taskID)
	require.NoError(t, err)
	assert.False(t, held, "lock for %s released", taskID)
	assert.Equal(t, 0, h.pool.InUse(), "workspace returned to the pool")
}

func phaseSequence(events []domain.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, string(ev.Phase)+":"+string(ev.Event))
	}
	return out
}

func TestLineSuccessRunsPhasesInOrder(t *testing.T) {
	h := newHarness(t, 2, fakeGates{})
	run, err := h.line.Run(context.Background(), LineRequest{TaskID: "bd-1"})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSuccess, run.Status)
	assert.Equal(t, domain.PhaseClose, run.Phase)
	assert.Equal(t, 0, run.ExitCode)
	assert.Empty(t, run.Error)
	assert.Equal(t, []string{
		"claim:phase_start", "claim:phase_complete",
		"prep:phase_start", "prep:phase_complete",
		"execute:phase_start", "execute:phase_complete",
		"gates:phase_start", "gates:phase_complete",
		"close:phase_start", "close:phase_complete",
	}, phaseSequence(run.Events))
	assert.Contains(t, run.Events[1].Data, "duration")

	summary, err := h.recorder.ReadSummary(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, summary.RunID)
	assert.Equal(t, domain.RunStatusSuccess, summary.Status)

	dir, err := h.recorder.Dir(run.RunID)
	require.NoError(t, err)
	timeline, err := artifact.ReadEvents(dir + "/" + artifact.EventsFile)
	require.NoError(t, err)
	assert.Equal(t, phaseSequence(run.Events), phaseSequence(timeline))

	assert.Equal(t, []string{"bd-1"}, h.tasks.claimed)
	assert.Equal(t, []string{"bd-1"}, h.tasks.closed)
	h.assertReleased(t, "bd-1")
}

func TestLineGateExitCodeThree(t *testing.T) {
	h := newHarness(t, 1, fakeGates{code: 3})
	run, err := h.line.Run(context.Background(), LineRequest{TaskID: "bd-2"})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrGateFailure)
	require.ErrorIs(t, err, ErrPhaseFailure)

	var perr *PhaseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, domain.PhaseGates, perr.Phase)
	assert.Equal(t, 3, perr.ExitCode)

	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.PhaseGates, run.Phase)
	assert.Equal(t, 1, run.ExitCode)
	last := run.Events[len(run.Events)-1]
	assert.Equal(t, domain.EventPhaseFailed, last.Event)
	assert.Equal(t, 3, last.Data["exit_code"])
	assert.Empty(t, h.tasks.closed, "close never runs after a failed gate")

	summary, err := h.recorder.ReadSummary(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ExitCode)
	assert.Equal(t, domain.PhaseGates, summary.Phase)
	persisted := summary.Events[len(summary.Events)-1]
	assert.Equal(t, domain.EventPhaseFailed, persisted.Event)
	assert.EqualValues(t, 3, persisted.Data["exit_code"])
	h.assertReleased(t, "bd-2")
}

func TestLineClaimFailureStopsBeforePrep(t *testing.T) {
	h := newHarness(t, 1, fakeGates{})
	h.tasks.claimErr = map[string]error{"bd-3": errors.New("tracker rejected update")}

	run, err := h.line.Run(context.Background(), LineRequest{TaskID: "bd-3"})
	require.ErrorIs(t, err, ErrClaim)
	assert.Equal(t, domain.PhaseClaim, run.Phase)
	assert.Equal(t, []string{"claim:phase_start", "claim:phase_failed"}, phaseSequence(run.Events))
	assert.Equal(t, "claim", run.Events[1].Data["kind"])
	assert.Zero(t, h.agent.calls.Load())
	h.assertReleased(t, "bd-3")
}

func TestLinePhaseTimeout(t *testing.T) {
	h := newHarness(t, 1, fakeGates{})
	h.agent.block = true

	started := time.Now()
	run, err := h.line.Run(context.Background(), LineRequest{TaskID: "bd-4", Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrPhaseTimeout)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, domain.PhasePrep, run.Phase)
	last := run.Events[len(run.Events)-1]
	assert.Equal(t, domain.EventPhaseFailed, last.Event)
	assert.Equal(t, "timeout", last.Data["kind"])
	h.assertReleased(t, "bd-4")
}

func TestLineAgentFailureCarriesExitCode(t *testing.T) {
	h := newHarness(t, 1, fakeGates{})
	h.agent.failTasks = map[string]error{"bd-5": exitErr{code: 2}}

	run, err := h.line.Run(context.Background(), LineRequest{TaskID: "bd-5"})
	require.ErrorIs(t, err, ErrPhaseFailure)
	assert.NotErrorIs(t, err, ErrGateFailure)
	assert.Equal(t, domain.PhasePrep, run.Phase)
	assert.Equal(t, 2, run.Events[len(run.Events)-1].Data["exit_code"])
}

type exitErr struct{ code int }

func (e exitErr) Error() string { return "agent crashed" }
func (e exitErr) ExitCode() int { return e.code }

func TestLineLockContentionLeavesHolderAlone(t *testing.T) {
	h := newHarness(t, 1, fakeGates{})
	_, err := h.locks.Acquire(context.Background(), "bd-6", "other-run")
	require.NoError(t, err)

	run, err := h.line.Run(context.Background(), LineRequest{TaskID: "bd-6"})
	require.ErrorIs(t, err, lock.ErrContention)
	assert.Empty(t, run.Events)
	assert.Empty(t, h.tasks.claimed)
	assert.Equal(t, 0, h.pool.InUse())

	holder, held, err := h.locks.Get("bd-6")
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, "other-run", holder.RunID)

	entries, err := os.ReadDir(h.recorder.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "no artifacts for a run that never started")
}

func TestLinePoolExhaustedReleasesLock(t *testing.T) {
	h := newHarness(t, 1, fakeGates{})
	_, err := h.pool.Lease(context.Background(), "squatter", "bd-x")
	require.NoError(t, err)

	_, err = h.line.Run(context.Background(), LineRequest{TaskID: "bd-7"})
	require.ErrorIs(t, err, workspace.ErrPoolExhausted)
	_, held, err := h.locks.Get("bd-7")
	require.NoError(t, err)
	assert.False(t, held)
	assert.Empty(t, h.tasks.claimed)
}

func TestLineCallerWorkspaceBypassesPool(t *testing.T) {
	h := newHarness(t, 1, fakeGates{})
	dir := t.TempDir()
	_, err := h.line.Run(context.Background(), LineRequest{TaskID: "bd-8", WorkspacePath: dir})
	require.NoError(t, err)
	assert.Equal(t, []string{dir, dir}, h.agent.workspaces)
	assert.DirExists(t, dir, "caller workspace is not torn down")
}

func TestLineMetrics(t *testing.T) {
	h := newHarness(t, 1, fakeGates{code: 1})
	_, err := h.line.Run(context.Background(), LineRequest{TaskID: "bd-9"})
	require.Error(t, err)

	values := gatherValues(t, h.registry)
	assert.Equal(t, 1.0, values["yardkit_runs_total,failed"])
	assert.Equal(t, 0.0, values["yardkit_active_runs"])
}

// scriptedAgent runs start for the prep phase and succeeds at execute.
type scriptedAgent struct {
	start func() error
}

func (a scriptedAgent) StartTask(context.Context, domain.AgentRequest) error { return a.start() }

func (a scriptedAgent) ExecuteTask(context.Context, domain.AgentRequest) error { return nil }

func TestLineAgentPanicFailsThePhase(t *testing.T) {
	h := newHarness(t, 1, fakeGates{})
	h.line.deps.Agent = scriptedAgent{start: func() error { panic("agent fault") }}

	run, err := h.line.Run(context.Background(), LineRequest{TaskID: "bd-10"})
	require.ErrorIs(t, err, ErrPhaseFailure)
	assert.ErrorContains(t, err, "agent fault")

	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.PhasePrep, run.Phase)
	assert.Equal(t, []string{
		"claim:phase_start", "claim:phase_complete",
		"prep:phase_start", "prep:phase_failed",
	}, phaseSequence(run.Events))
	assert.Equal(t, "failure", run.Events[3].Data["kind"])

	summary, err := h.recorder.ReadSummary(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, summary.Status)
	assert.Equal(t, domain.EventPhaseFailed, summary.Events[len(summary.Events)-1].Event)

	assert.Empty(t, h.tasks.closed)
	h.assertReleased(t, "bd-10")
	values := gatherValues(t, h.registry)
	assert.Equal(t, 0.0, values["yardkit_active_runs"])
	assert.Equal(t, 1.0, values["yardkit_runs_total,failed"])
}

func TestLineSuccessPastDeadlineCompletes(t *testing.T) {
	h := newHarness(t, 1, fakeGates{})
	h.line.deps.Agent = scriptedAgent{start: func() error {
		time.Sleep(40 * time.Millisecond)
		return nil
	}}

	run, err := h.line.Run(context.Background(), LineRequest{TaskID: "bd-11", Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, run.Status)
	assert.Equal(t, "prep:phase_complete", phaseSequence(run.Events)[3])
}

func gatherValues(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				key := mf.GetName()
				for _, lp := range m.GetLabel() {
					key += "," + lp.GetValue()
				}
				values[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	return values
}
