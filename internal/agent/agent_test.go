package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yardkit/internal/domain"
)

type recordedCall struct {
	dir  string
	line string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []recordedCall
	output map[string]string
	fail   map[string]error
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{dir: dir, line: line})
	if err, ok := f.fail[line]; ok {
		return []byte("boom"), err
	}
	return []byte(f.output[line]), nil
}

func (f *fakeRunner) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.line)
	}
	return out
}

func TestBeadsClaimAndClose(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	beads := NewBeads("", "/repo", runner, nil)

	require.NoError(t, beads.Claim(ctx, "bd-7"))
	require.NoError(t, beads.Close(ctx, "bd-7"))
	assert.Equal(t, []string{
		"bd sync --no-push",
		"bd update bd-7 --status in_progress",
		"bd close bd-7",
		"bd sync",
	}, runner.lines())
	assert.Equal(t, "/repo", runner.calls[0].dir)
}

func TestBeadsClaimStopsAtSyncFailure(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{"bd sync --no-push": &CommandError{Name: "bd", Code: 1}}}
	beads := NewBeads("bd", "/repo", runner, nil)

	err := beads.Claim(context.Background(), "bd-7")
	require.Error(t, err)
	assert.Equal(t, []string{"bd sync --no-push"}, runner.lines())
}

func TestBeadsReadyParsesObjectsAndStrings(t *testing.T) {
	runner := &fakeRunner{output: map[string]string{
		"bd list --status ready --json": `[{"id":"bd-1","title":"x"},"bd-2",{"id":"bd-1"},{"id":"bd-3"}]`,
		"bd list --status open --json":  "",
	}}
	beads := NewBeads("bd", "/repo", runner, nil)

	ids, err := beads.Ready(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"bd-1", "bd-2", "bd-3"}, ids)

	ids, err = beads.Ready(context.Background(), "ready", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"bd-1", "bd-2"}, ids)

	ids, err = beads.Ready(context.Background(), "open", 5)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestParseTaskListRejectsMissingIDs(t *testing.T) {
	_, err := parseTaskList([]byte(`[{"title":"no id"}]`))
	require.Error(t, err)
	_, err = parseTaskList([]byte(`{"id":"bd-1"}`))
	require.Error(t, err)
}

func TestKiloSessionHandoff(t *testing.T) {
	ctx := context.Background()
	artifacts := t.TempDir()
	runner := &fakeRunner{output: map[string]string{}}
	kilo := NewKilo("", runner, nil)
	req := domain.AgentRequest{TaskID: "bd-9", RunID: "run-1", WorkspacePath: "/ws", ArtifactDir: artifacts}

	runner.output["kilocode --auto --json /orchestrate-start-task --task bd-9 --export "+filepath.Join(artifacts, PrepSessionFile)] = "prepared"
	require.NoError(t, kilo.StartTask(ctx, req))
	require.NoError(t, kilo.ExecuteTask(ctx, req))

	lines := runner.lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "/orchestrate-execute-task --task bd-9 --import "+filepath.Join(artifacts, PrepSessionFile))
	assert.Contains(t, lines[1], "--export "+filepath.Join(artifacts, ExecuteSessionFile))
	assert.Equal(t, "/ws", runner.calls[0].dir)

	logged, err := os.ReadFile(filepath.Join(artifacts, "prep-output.log"))
	require.NoError(t, err)
	assert.Equal(t, "prepared", string(logged))
}

func TestExecRunnerReportsExitCode(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	out, err := ExecRunner{}.Run(context.Background(), t.TempDir(), "/bin/sh", "-c", "echo failing; exit 3")
	require.Error(t, err)
	var cerr *CommandError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 3, cerr.ExitCode())
	assert.Contains(t, string(out), "failing")
}

func TestExecRunnerHonoursDeadline(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := ExecRunner{WaitDelay: time.Second}.Run(ctx, "", "/bin/sh", "-c", "sleep 10")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestCommandGateExitCodes(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{fail: map[string]error{
		"make check": &CommandError{Name: "make", Code: 3},
		"make lint":  &CommandError{Name: "make", Code: -1, Err: errors.New("executable file not found")},
	}}

	code, err := NewCommandGate([]string{"make", "test"}, runner, nil).RunGates(ctx, "/ws")
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	code, err = NewCommandGate([]string{"make", "check"}, runner, nil).RunGates(ctx, "/ws")
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	_, err = NewCommandGate([]string{"make", "lint"}, runner, nil).RunGates(ctx, "/ws")
	require.Error(t, err)

	NewCommandGate(nil, runner, nil).RunGates(ctx, "/ws")
	assert.Equal(t, "npm run ci", runner.lines()[len(runner.lines())-1])
}
