package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"yardkit/internal/domain"
)

const EnvPrefix = "SUPERVISOR_"

const DefaultFileName = "yardkit.toml"

// Config is resolved once at startup and treated as immutable afterwards.
type Config struct {
	MaxParallel       int
	Timeouts          Timeouts
	ArtifactsDir      string
	WorkspacePoolDir  string
	WorkspaceKind     domain.WorkspaceKind
	WorkspaceCapacity int
	LocksDir          string
	ThinkingDir       string
	RepoRoot          string
	TemplatesDir      string
	WorkflowsDir      string
	LedgerPath        string
	ServeAddr         string
	BDBin             string
	KiloBin           string
	GateCommand       []string
	ContainerImage    string
	Path              string
}

type Timeouts struct {
	Prep    time.Duration
	Execute time.Duration
	Gates   time.Duration
}

// For returns the bound for a phase; zero means unbounded.
func (t Timeouts) For(phase domain.Phase) time.Duration {
	switch phase {
	case domain.PhasePrep:
		return t.Prep
	case domain.PhaseExecute:
		return t.Execute
	case domain.PhaseGates:
		return t.Gates
	default:
		return 0
	}
}

type fileConfig struct {
	MaxParallel       int          `toml:"max_parallel"`
	Timeouts          fileTimeouts `toml:"timeout_seconds"`
	ArtifactsDir      string       `toml:"artifacts_dir"`
	WorkspacePoolDir  string       `toml:"workspace_pool_dir"`
	WorkspaceKind     string       `toml:"workspace_kind"`
	WorkspaceCapacity int          `toml:"workspace_capacity"`
	LocksDir          string       `toml:"locks_dir"`
	ThinkingDir       string       `toml:"thinking_dir"`
	RepoRoot          string       `toml:"repo_root"`
	TemplatesDir      string       `toml:"templates_dir"`
	WorkflowsDir      string       `toml:"workflows_dir"`
	LedgerPath        string       `toml:"ledger_path"`
	ServeAddr         string       `toml:"serve_addr"`
	Collaborators     fileCollabs  `toml:"collaborators"`
}

type fileTimeouts struct {
	Prep    int `toml:"prep"`
	Execute int `toml:"execute"`
	Gates   int `toml:"gates"`
}

type fileCollabs struct {
	BDBin          string `toml:"bd_bin"`
	KiloBin        string `toml:"kilo_bin"`
	GateCommand    string `toml:"gate_command"`
	ContainerImage string `toml:"container_image"`
}

// Load reads the optional TOML file, applies SUPERVISOR_* environment overrides and fills defaults.
// An empty path falls back to ./yardkit.toml when that file exists.
func Load(path string) (Config, error) {
	var fc fileConfig
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}
	if resolved != "" {
		bytes, err := os.ReadFile(resolved)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
		}
		if _, err := toml.Decode(string(bytes), &fc); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
	}

	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if err := applyEnv(k, &fc); err != nil {
		return Config{}, err
	}

	cfg, err := resolve(fc)
	if err != nil {
		return Config{}, err
	}
	cfg.Path = resolved
	return cfg, nil
}

func resolvePath(path string) (string, error) {
	if path == "" {
		if _, err := os.Stat(DefaultFileName); err == nil {
			return DefaultFileName, nil
		}
		return "", nil
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(path, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		path = filepath.Join(home, trimmed)
	}
	return filepath.Clean(path), nil
}

func applyEnv(k *koanf.Koanf, fc *fileConfig) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"max_parallel", &fc.MaxParallel},
		{"timeout_prep", &fc.Timeouts.Prep},
		{"timeout_execute", &fc.Timeouts.Execute},
		{"timeout_gates", &fc.Timeouts.Gates},
		{"workspace_capacity", &fc.WorkspaceCapacity},
	}
	for _, item := range ints {
		raw := strings.TrimSpace(k.String(item.key))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, strings.ToUpper(item.key), err)
		}
		if v <= 0 {
			return fmt.Errorf("%s%s must be a positive integer, got %d", EnvPrefix, strings.ToUpper(item.key), v)
		}
		*item.dst = v
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"artifacts_dir", &fc.ArtifactsDir},
		{"workspace_pool_dir", &fc.WorkspacePoolDir},
		{"workspace_kind", &fc.WorkspaceKind},
		{"locks_dir", &fc.LocksDir},
		{"thinking_dir", &fc.ThinkingDir},
		{"repo_root", &fc.RepoRoot},
		{"templates_dir", &fc.TemplatesDir},
		{"workflows_dir", &fc.WorkflowsDir},
		{"ledger_path", &fc.LedgerPath},
		{"serve_addr", &fc.ServeAddr},
		{"bd_bin", &fc.Collaborators.BDBin},
		{"kilo_bin", &fc.Collaborators.KiloBin},
		{"gate_command", &fc.Collaborators.GateCommand},
		{"container_image", &fc.Collaborators.ContainerImage},
	}
	for _, item := range strs {
		if v := strings.TrimSpace(k.String(item.key)); v != "" {
			*item.dst = v
		}
	}
	return nil
}

func resolve(fc fileConfig) (Config, error) {
	var errs []error
	positive := func(name string, v int, def int) int {
		if v == 0 {
			return def
		}
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive integer, got %d", name, v))
		}
		return v
	}

	repoRoot := fc.RepoRoot
	if repoRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("resolve working directory: %w", err)
		}
		repoRoot = wd
	}
	repoRoot = filepath.Clean(repoRoot)

	cfg := Config{
		MaxParallel: positive("max_parallel", fc.MaxParallel, 1),
		Timeouts: Timeouts{
			Prep:    time.Duration(positive("timeout_seconds.prep", fc.Timeouts.Prep, 900)) * time.Second,
			Execute: time.Duration(positive("timeout_seconds.execute", fc.Timeouts.Execute, 1800)) * time.Second,
			Gates:   time.Duration(positive("timeout_seconds.gates", fc.Timeouts.Gates, 600)) * time.Second,
		},
		RepoRoot:       repoRoot,
		ArtifactsDir:   underRoot(repoRoot, firstNonEmpty(fc.ArtifactsDir, filepath.Join("artifacts", "supervisor"))),
		LocksDir:       underRoot(repoRoot, firstNonEmpty(fc.LocksDir, filepath.Join("artifacts", "supervisor", "locks"))),
		ThinkingDir:    underRoot(repoRoot, firstNonEmpty(fc.ThinkingDir, filepath.Join(".kilocode", "thinking"))),
		TemplatesDir:   underRoot(repoRoot, firstNonEmpty(fc.TemplatesDir, filepath.Join("templates", ".kilocode", "workflows"))),
		WorkflowsDir:   underRoot(repoRoot, firstNonEmpty(fc.WorkflowsDir, filepath.Join(".kilocode", "workflows"))),
		ServeAddr:      firstNonEmpty(fc.ServeAddr, ":8092"),
		BDBin:          firstNonEmpty(fc.Collaborators.BDBin, "bd"),
		KiloBin:        firstNonEmpty(fc.Collaborators.KiloBin, "kilocode"),
		GateCommand:    strings.Fields(firstNonEmpty(fc.Collaborators.GateCommand, "npm run ci")),
		ContainerImage: firstNonEmpty(fc.Collaborators.ContainerImage, "node:22-bookworm"),
	}

	pool := fc.WorkspacePoolDir
	if pool == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			pool = filepath.Join(".yardkit", "workspaces")
		} else {
			pool = filepath.Join(home, ".yardkit", "workspaces")
		}
	}
	cfg.WorkspacePoolDir = underRoot(repoRoot, expandHome(pool))
	cfg.LedgerPath = underRoot(repoRoot, firstNonEmpty(fc.LedgerPath, filepath.Join(cfg.ArtifactsDir, "ledger.db")))

	cfg.WorkspaceKind = domain.WorkspaceKind(firstNonEmpty(fc.WorkspaceKind, string(domain.WorkspaceWorktree)))
	switch cfg.WorkspaceKind {
	case domain.WorkspaceWorktree, domain.WorkspaceClone, domain.WorkspaceContainer, domain.WorkspaceDir:
	default:
		errs = append(errs, fmt.Errorf("workspace_kind %q is not one of worktree, clone, container, dir", cfg.WorkspaceKind))
	}
	cfg.WorkspaceCapacity = positive("workspace_capacity", fc.WorkspaceCapacity, max(4, cfg.MaxParallel))
	if len(cfg.GateCommand) == 0 {
		errs = append(errs, errors.New("gate_command is empty"))
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func underRoot(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
