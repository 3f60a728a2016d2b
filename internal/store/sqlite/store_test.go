package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"yardkit/internal/domain"
)

func TestRunLifecycleRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	runID := uuid.NewString()
	started := time.Now().UTC()
	require.NoError(t, store.UpsertRun(ctx, domain.RunRecord{
		RunID:       runID,
		TaskID:      "bd-12",
		Phase:       domain.PhaseClaim,
		ArtifactDir: "/tmp/artifacts/" + runID,
		StartedAt:   started,
	}))

	events := []domain.Event{
		{Timestamp: started, Phase: domain.PhaseClaim, Event: domain.EventPhaseStart},
		{Timestamp: started.Add(time.Millisecond), Phase: domain.PhaseClaim, Event: domain.EventPhaseComplete, Data: map[string]any{"duration": 1}},
		{Timestamp: started.Add(2 * time.Millisecond), Phase: domain.PhasePrep, Event: domain.EventPhaseStart},
		{Timestamp: started.Add(3 * time.Millisecond), Phase: domain.PhasePrep, Event: domain.EventPhaseFailed, Data: map[string]any{"error": "boom"}},
	}
	for i, ev := range events {
		require.NoError(t, store.AppendRunEvent(ctx, runID, i, ev))
	}
	require.NoError(t, store.AppendRunEvent(ctx, runID, 0, events[0]), "replayed seq is ignored")

	rec, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, rec.Status)
	assert.Equal(t, domain.PhasePrep, rec.Phase)
	assert.Nil(t, rec.EndedAt)

	ended := started.Add(time.Second)
	summary, _ := json.Marshal(map[string]any{"runId": runID})
	require.NoError(t, store.UpsertRun(ctx, domain.RunRecord{
		RunID:    runID,
		TaskID:   "bd-12",
		Status:   domain.RunStatusFailed,
		Phase:    domain.PhasePrep,
		ExitCode: 1,
		Error:    "boom",
		EndedAt:  &ended,
		Summary:  summary,
	}))

	rec, err = store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, rec.Status)
	assert.Equal(t, 1, rec.ExitCode)
	assert.Equal(t, "/tmp/artifacts/"+runID, rec.ArtifactDir, "artifact dir survives the terminal update")
	require.NotNil(t, rec.EndedAt)
	assert.JSONEq(t, string(summary), string(rec.Summary))

	got, err := store.ListRunEvents(ctx, runID)
	require.NoError(t, err)
	require.Len(t, got, len(events))
	for i := range events {
		assert.Equal(t, events[i].Event, got[i].Event)
		assert.Equal(t, events[i].Phase, got[i].Phase)
	}
	assert.Equal(t, "boom", got[3].Data["error"])
}

func TestListRunsFiltersByTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	base := time.Now().UTC()
	for i, task := range []string{"bd-1", "bd-2", "bd-1"} {
		require.NoError(t, store.UpsertRun(ctx, domain.RunRecord{
			RunID:     uuid.NewString(),
			TaskID:    task,
			Phase:     domain.PhaseClaim,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := store.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.True(t, all[0].StartedAt.After(all[2].StartedAt), "newest first")

	one, err := store.ListRuns(ctx, "bd-1", 10)
	require.NoError(t, err)
	assert.Len(t, one, 2)

	counts, err := store.CountRunsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.RunStatus]int{domain.RunStatusRunning: 3}, counts)

	_, err = store.GetRun(ctx, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestLockEventHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for _, action := range []string{"acquired", "released"} {
		require.NoError(t, store.LogLockEvent(ctx, domain.LockEvent{
			TaskID:   "bd-7",
			RunID:    "run-1",
			Action:   action,
			Hostname: "host-a",
			PID:      42,
		}))
	}
	items, err := store.ListLockEvents(ctx, "bd-7", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "released", items[0].Action)
	assert.Equal(t, 42, items[1].PID)

	require.NoError(t, store.LogLockEvent(ctx, domain.LockEvent{TaskID: "bd-8", RunID: "run-2", Action: "acquired"}))
	all, err := store.ListLockEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "bd-8", all[0].TaskID)
}

func TestConcurrentWritersAllLand(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	const writers, events = 8, 100
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		runID := fmt.Sprintf("run-%d", w)
		g.Go(func() error {
			if err := store.UpsertRun(ctx, domain.RunRecord{RunID: runID, TaskID: "bd-1", Phase: domain.PhaseClaim}); err != nil {
				return err
			}
			for i := 0; i < events; i++ {
				ev := domain.Event{Timestamp: time.Now().UTC(), Phase: domain.PhaseExecute, Event: domain.EventPhaseStart}
				if err := store.AppendRunEvent(ctx, runID, i, ev); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	counts, err := store.CountRunsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers, counts[domain.RunStatusRunning])
	for w := 0; w < writers; w++ {
		got, err := store.ListRunEvents(ctx, fmt.Sprintf("run-%d", w))
		require.NoError(t, err)
		assert.Len(t, got, events)
	}
}

func TestPragmasApplyToEveryConnection(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	var timeout, foreignKeys int
	require.NoError(t, store.db.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout))
	require.NoError(t, store.db.QueryRow(`PRAGMA foreign_keys`).Scan(&foreignKeys))
	assert.Equal(t, 5000, timeout)
	assert.Equal(t, 1, foreignKeys)

	var mode string
	require.NoError(t, store.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
