package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yardkit/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	repo := t.TempDir()
	t.Setenv("SUPERVISOR_REPO_ROOT", repo)

	cfg, err := Load(filepath.Join(repo, "absent-is-not-read.toml"))
	require.Error(t, err, "an explicit path must exist")

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxParallel)
	assert.Equal(t, 900*time.Second, cfg.Timeouts.Prep)
	assert.Equal(t, 1800*time.Second, cfg.Timeouts.Execute)
	assert.Equal(t, 600*time.Second, cfg.Timeouts.Gates)
	assert.Equal(t, time.Duration(0), cfg.Timeouts.For(domain.PhaseClaim))
	assert.Equal(t, cfg.Timeouts.Gates, cfg.Timeouts.For(domain.PhaseGates))
	assert.Equal(t, filepath.Join(repo, "artifacts", "supervisor"), cfg.ArtifactsDir)
	assert.Equal(t, filepath.Join(repo, "artifacts", "supervisor", "locks"), cfg.LocksDir)
	assert.Equal(t, filepath.Join(repo, "templates", ".kilocode", "workflows"), cfg.TemplatesDir)
	assert.Equal(t, filepath.Join(repo, ".kilocode", "workflows"), cfg.WorkflowsDir)
	assert.Equal(t, filepath.Join(cfg.ArtifactsDir, "ledger.db"), cfg.LedgerPath)
	assert.Equal(t, domain.WorkspaceWorktree, cfg.WorkspaceKind)
	assert.Equal(t, 4, cfg.WorkspaceCapacity)
	assert.Equal(t, []string{"npm", "run", "ci"}, cfg.GateCommand)
	assert.Equal(t, "bd", cfg.BDBin)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	repo := t.TempDir()
	path := filepath.Join(repo, "yardkit.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_parallel = 3
artifacts_dir = "out/runs"
workspace_kind = "clone"

[timeout_seconds]
prep = 60
gates = 30

[collaborators]
gate_command = "make check"
`), 0o644))

	t.Setenv("SUPERVISOR_REPO_ROOT", repo)
	t.Setenv("SUPERVISOR_MAX_PARALLEL", "6")
	t.Setenv("SUPERVISOR_TIMEOUT_EXECUTE", "120")
	t.Setenv("SUPERVISOR_LOCKS_DIR", "/var/tmp/yard-locks")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, 6, cfg.MaxParallel, "environment wins over the file")
	assert.Equal(t, 60*time.Second, cfg.Timeouts.Prep)
	assert.Equal(t, 120*time.Second, cfg.Timeouts.Execute)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Gates)
	assert.Equal(t, filepath.Join(repo, "out", "runs"), cfg.ArtifactsDir)
	assert.Equal(t, "/var/tmp/yard-locks", cfg.LocksDir)
	assert.Equal(t, domain.WorkspaceClone, cfg.WorkspaceKind)
	assert.Equal(t, 6, cfg.WorkspaceCapacity)
	assert.Equal(t, []string{"make", "check"}, cfg.GateCommand)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("SUPERVISOR_REPO_ROOT", t.TempDir())

	t.Setenv("SUPERVISOR_MAX_PARALLEL", "zero")
	_, err := Load("")
	require.ErrorContains(t, err, "SUPERVISOR_MAX_PARALLEL")

	t.Setenv("SUPERVISOR_MAX_PARALLEL", "-2")
	_, err = Load("")
	require.ErrorContains(t, err, "positive integer")

	t.Setenv("SUPERVISOR_MAX_PARALLEL", "2")
	t.Setenv("SUPERVISOR_WORKSPACE_KIND", "vm")
	_, err = Load("")
	require.ErrorContains(t, err, "workspace_kind")
}
