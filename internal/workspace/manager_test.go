package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yardkit/internal/domain"
	"yardkit/internal/policy"
)

type countingProvisioner struct {
	mu          sync.Mutex
	provisioned int
	tornDown    int
	failNext    bool
}

func (p *countingProvisioner) Kind() domain.WorkspaceKind { return domain.WorkspaceDir }

func (p *countingProvisioner) Provision(ctx context.Context, slotDir, runID, taskID string) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return "", "", errors.New("disk full")
	}
	p.provisioned++
	return DirProvisioner{}.Provision(ctx, slotDir, runID, taskID)
}

func (p *countingProvisioner) Teardown(ctx context.Context, ws domain.Workspace) error {
	p.mu.Lock()
	p.tornDown++
	p.mu.Unlock()
	return DirProvisioner{}.Teardown(ctx, ws)
}

func TestLeaseExhaustsPoolAndRecoversAfterRelease(t *testing.T) {
	ctx := context.Background()
	prov := &countingProvisioner{}
	m, err := NewManager(t.TempDir(), 2, prov, "host-a", os.Getpid(), zap.NewNop())
	require.NoError(t, err)

	a, err := m.Lease(ctx, "run-a", "bd-1")
	require.NoError(t, err)
	b, err := m.Lease(ctx, "run-b", "bd-2")
	require.NoError(t, err)
	assert.NotEqual(t, a.Slot, b.Slot)
	assert.NotEqual(t, a.Path, b.Path)
	assert.True(t, a.Managed)
	assert.DirExists(t, a.Path)
	assert.Equal(t, 2, m.InUse())

	_, err = m.Lease(ctx, "run-c", "bd-3")
	require.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, m.Release(ctx, a))
	assert.NoDirExists(t, a.Path)
	assert.Equal(t, 1, m.InUse())

	c, err := m.Lease(ctx, "run-c", "bd-3")
	require.NoError(t, err)
	assert.Equal(t, a.Slot, c.Slot, "freed slot is reused")

	require.NoError(t, m.Release(ctx, b))
	require.NoError(t, m.Release(ctx, c))
	assert.Equal(t, 0, m.InUse())
	assert.Equal(t, prov.provisioned, prov.tornDown)
}

func TestConcurrentLeasesNeverShareASlot(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(t.TempDir(), 8, DirProvisioner{}, "host-a", os.Getpid(), zap.NewNop())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		slots = map[int]string{}
		wg    sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runID := "run-" + string(rune('a'+i))
			ws, err := m.Lease(ctx, runID, "bd-x")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, ok := slots[ws.Slot]; ok {
				t.Errorf("slot %d leased to %s and %s", ws.Slot, prev, runID)
			}
			slots[ws.Slot] = runID
		}(i)
	}
	wg.Wait()
	assert.Len(t, slots, 8)

	leases, err := m.Leases()
	require.NoError(t, err)
	assert.Len(t, leases, 8)
}

func TestFailedProvisionFreesSlot(t *testing.T) {
	ctx := context.Background()
	prov := &countingProvisioner{failNext: true}
	m, err := NewManager(t.TempDir(), 1, prov, "host-a", os.Getpid(), zap.NewNop())
	require.NoError(t, err)

	_, err = m.Lease(ctx, "run-a", "bd-1")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, m.InUse())

	ws, err := m.Lease(ctx, "run-b", "bd-1")
	require.NoError(t, err)
	assert.Equal(t, 0, ws.Slot)
}

func TestReleaseChecksOwnership(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(t.TempDir(), 1, DirProvisioner{}, "host-a", os.Getpid(), zap.NewNop())
	require.NoError(t, err)

	ws, err := m.Lease(ctx, "run-a", "bd-1")
	require.NoError(t, err)

	impostor := ws
	impostor.RunID = "run-b"
	require.ErrorIs(t, m.Release(ctx, impostor), ErrNotLeased)
	assert.DirExists(t, ws.Path)

	require.NoError(t, m.Release(ctx, ws))
	require.ErrorIs(t, m.Release(ctx, ws), ErrNotLeased)

	require.NoError(t, m.Release(ctx, domain.Workspace{Path: "/caller/owned", Managed: false}))
}

func TestReapFreesSlotsOfDeadHolders(t *testing.T) {
	ctx := context.Background()
	poolDir := t.TempDir()
	prov := &countingProvisioner{}
	live, err := NewManager(poolDir, 3, prov, "host-a", os.Getpid(), zap.NewNop())
	require.NoError(t, err)
	crashed, err := NewManager(poolDir, 3, prov, "host-a", 999999, zap.NewNop())
	require.NoError(t, err)
	remote, err := NewManager(poolDir, 3, prov, "host-b", 300, zap.NewNop())
	require.NoError(t, err)

	orphan, err := crashed.Lease(ctx, "run-dead", "bd-1")
	require.NoError(t, err)
	mine, err := live.Lease(ctx, "run-live", "bd-2")
	require.NoError(t, err)
	_, err = remote.Lease(ctx, "run-remote", "bd-3")
	require.NoError(t, err)
	_, err = live.Lease(ctx, "run-next", "bd-4")
	require.ErrorIs(t, err, ErrPoolExhausted)

	leases, err := live.Leases()
	require.NoError(t, err)
	require.Len(t, leases, 3)
	assert.Equal(t, 999999, leases[0].PID)
	assert.Equal(t, "host-a", leases[0].Hostname)
	assert.False(t, leases[0].LeasedAt.IsZero())

	judge := policy.New("host-a", func(pid int) bool { return pid == os.Getpid() })
	results, err := live.Reap(ctx, judge, false)
	require.NoError(t, err)
	require.Len(t, results, 3)
	verdicts := map[string]policy.Verdict{}
	for _, res := range results {
		verdicts[res.Workspace.RunID] = res.Verdict
		assert.Equal(t, res.Verdict == policy.VerdictStale, res.Removed, res.Workspace.RunID)
	}
	assert.Equal(t, map[string]policy.Verdict{
		"run-dead":   policy.VerdictStale,
		"run-live":   policy.VerdictLive,
		"run-remote": policy.VerdictUnknown,
	}, verdicts)
	assert.NoDirExists(t, orphan.Path, "reaped workspace is torn down")
	assert.DirExists(t, mine.Path)

	next, err := live.Lease(ctx, "run-next", "bd-4")
	require.NoError(t, err)
	assert.Equal(t, orphan.Slot, next.Slot)

	_, err = live.Reap(ctx, judge, true)
	require.NoError(t, err)
	leases, err = live.Leases()
	require.NoError(t, err)
	runs := []string{}
	for _, ws := range leases {
		runs = append(runs, ws.RunID)
	}
	assert.ElementsMatch(t, []string{"run-live", "run-next"}, runs)
}

func TestReapForceFreesUnreadableMarker(t *testing.T) {
	ctx := context.Background()
	poolDir := t.TempDir()
	m, err := NewManager(poolDir, 1, DirProvisioner{}, "host-a", os.Getpid(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(poolDir, markerName(0)), nil, 0o644))

	_, err = m.Lease(ctx, "run-a", "bd-1")
	require.ErrorIs(t, err, ErrPoolExhausted)

	judge := policy.New("host-a", nil)
	results, err := m.Reap(ctx, judge, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Workspace.Slot)
	assert.Equal(t, policy.VerdictUnknown, results[0].Verdict)
	assert.False(t, results[0].Removed)

	results, err = m.Reap(ctx, judge, true)
	require.NoError(t, err)
	require.True(t, results[0].Removed)

	_, err = m.Lease(ctx, "run-a", "bd-1")
	require.NoError(t, err)
}

func TestCloneProvisionerChecksOutSource(t *testing.T) {
	source := t.TempDir()
	repo, err := git.PlainInit(source, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(source, "README.md"), []byte("hello\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	commit, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "yard", Email: "yard@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	ctx := context.Background()
	m, err := NewManager(t.TempDir(), 1, CloneProvisioner{Source: source}, "host-a", os.Getpid(), zap.NewNop())
	require.NoError(t, err)

	ws, err := m.Lease(ctx, "run-a", "bd-1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkspaceClone, ws.Type)
	assert.Equal(t, commit.String(), ws.Handle)
	content, err := os.ReadFile(filepath.Join(ws.Path, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))

	require.NoError(t, m.Release(ctx, ws))
	assert.NoDirExists(t, ws.Path)
}

func TestWorktreeProvisionerCommands(t *testing.T) {
	var calls []string
	run := func(_ context.Context, dir, name string, args ...string) ([]byte, error) {
		calls = append(calls, name+" "+strings.Join(args, " "))
		return nil, nil
	}
	p := WorktreeProvisioner{RepoRoot: "/repo", Run: run}
	slot := t.TempDir()

	path, handle, err := p.Provision(context.Background(), slot, "run-a", "bd-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(slot, "work"), path)
	assert.Equal(t, path, handle)
	assert.Contains(t, calls, "git worktree add --detach "+path+" HEAD")

	calls = nil
	require.NoError(t, p.Teardown(context.Background(), domain.Workspace{Path: path}))
	assert.Equal(t, []string{"git worktree remove --force " + path}, calls)
}

func TestContainerProvisionerRunsAndRemovesContainer(t *testing.T) {
	var calls []string
	run := func(_ context.Context, _, name string, args ...string) ([]byte, error) {
		calls = append(calls, name+" "+strings.Join(args, " "))
		return nil, nil
	}
	p := ContainerProvisioner{Image: "node:20", Run: run}
	path, handle, err := p.Provision(context.Background(), t.TempDir(), "0123456789abcdef", "bd-1")
	require.NoError(t, err)
	assert.Equal(t, "yardkit-0123456789ab", handle)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1], "-v "+path+":/workspace")
	assert.Contains(t, calls[1], "node:20 sleep infinity")

	calls = nil
	require.NoError(t, p.Teardown(context.Background(), domain.Workspace{Path: path, Handle: handle}))
	assert.Equal(t, []string{"docker rm -f yardkit-0123456789ab"}, calls)

	_, _, err = ContainerProvisioner{Run: run}.Provision(context.Background(), t.TempDir(), "r", "t")
	require.Error(t, err)
}
