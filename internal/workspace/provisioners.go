package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"yardkit/internal/domain"
)

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func ExecRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s %s failed: %w; output: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// DirProvisioner hands out an empty directory.
type DirProvisioner struct{}

func (DirProvisioner) Kind() domain.WorkspaceKind { return domain.WorkspaceDir }

func (DirProvisioner) Provision(_ context.Context, slotDir, _, _ string) (string, string, error) {
	path := filepath.Join(slotDir, "work")
	if err := resetDir(path); err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", "", fmt.Errorf("create %s: %w", path, err)
	}
	return path, "", nil
}

func (DirProvisioner) Teardown(_ context.Context, ws domain.Workspace) error {
	return os.RemoveAll(ws.Path)
}

// CloneProvisioner checks out an independent clone of Source into the slot.
type CloneProvisioner struct {
	Source string
	// Ref optionally names the branch to check out; the remote HEAD is used when empty.
	Ref string
}

func (p CloneProvisioner) Kind() domain.WorkspaceKind { return domain.WorkspaceClone }

func (p CloneProvisioner) Provision(ctx context.Context, slotDir, _, _ string) (string, string, error) {
	path := filepath.Join(slotDir, "work")
	if err := resetDir(path); err != nil {
		return "", "", err
	}
	opts := &git.CloneOptions{URL: p.Source}
	if strings.TrimSpace(p.Ref) != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(p.Ref)
		opts.SingleBranch = true
	}
	repo, err := git.PlainCloneContext(ctx, path, false, opts)
	if err != nil {
		_ = os.RemoveAll(path)
		return "", "", fmt.Errorf("clone %s: %w", p.Source, err)
	}
	head, err := repo.Head()
	if err != nil {
		return path, "", nil
	}
	return path, head.Hash().String(), nil
}

func (p CloneProvisioner) Teardown(_ context.Context, ws domain.Workspace) error {
	return os.RemoveAll(ws.Path)
}

// WorktreeProvisioner adds a detached git worktree of RepoRoot at HEAD.
type WorktreeProvisioner struct {
	RepoRoot string
	GitBin   string
	Run      Runner
}

func (p WorktreeProvisioner) Kind() domain.WorkspaceKind { return domain.WorkspaceWorktree }

func (p WorktreeProvisioner) Provision(ctx context.Context, slotDir, _, _ string) (string, string, error) {
	path := filepath.Join(slotDir, "work")
	// A worktree left behind by a crashed run blocks `worktree add`.
	_, _ = p.runner()(ctx, p.RepoRoot, p.git(), "worktree", "remove", "--force", path)
	if err := resetDir(path); err != nil {
		return "", "", err
	}
	_, _ = p.runner()(ctx, p.RepoRoot, p.git(), "worktree", "prune")
	if _, err := p.runner()(ctx, p.RepoRoot, p.git(), "worktree", "add", "--detach", path, "HEAD"); err != nil {
		return "", "", err
	}
	return path, path, nil
}

func (p WorktreeProvisioner) Teardown(ctx context.Context, ws domain.Workspace) error {
	if _, err := p.runner()(ctx, p.RepoRoot, p.git(), "worktree", "remove", "--force", ws.Path); err != nil {
		_ = os.RemoveAll(ws.Path)
		_, _ = p.runner()(ctx, p.RepoRoot, p.git(), "worktree", "prune")
		return err
	}
	return nil
}

func (p WorktreeProvisioner) git() string {
	if strings.TrimSpace(p.GitBin) == "" {
		return "git"
	}
	return p.GitBin
}

func (p WorktreeProvisioner) runner() Runner {
	if p.Run == nil {
		return ExecRunner
	}
	return p.Run
}

// ContainerProvisioner prepares files with Files and mounts them into a long-lived container.
// The container name is stored as the workspace handle.
type ContainerProvisioner struct {
	Image     string
	DockerBin string
	Files     Provisioner
	Run       Runner
}

func (p ContainerProvisioner) Kind() domain.WorkspaceKind { return domain.WorkspaceContainer }

func (p ContainerProvisioner) Provision(ctx context.Context, slotDir, runID, taskID string) (string, string, error) {
	if strings.TrimSpace(p.Image) == "" {
		return "", "", fmt.Errorf("container image is not configured")
	}
	files := p.Files
	if files == nil {
		files = DirProvisioner{}
	}
	path, _, err := files.Provision(ctx, slotDir, runID, taskID)
	if err != nil {
		return "", "", err
	}
	name := containerName(runID)
	run := p.runner()
	_, _ = run(ctx, "", p.docker(), "rm", "-f", name)
	if _, err := run(ctx, "", p.docker(), "run", "-d",
		"--name", name,
		"--label", "yardkit.task="+taskID,
		"--label", "yardkit.run="+runID,
		"-v", path+":/workspace",
		"-w", "/workspace",
		p.Image, "sleep", "infinity",
	); err != nil {
		_ = files.Teardown(ctx, domain.Workspace{Path: path})
		return "", "", err
	}
	return path, name, nil
}

func (p ContainerProvisioner) Teardown(ctx context.Context, ws domain.Workspace) error {
	var errs []error
	if ws.Handle != "" {
		if _, err := p.runner()(ctx, "", p.docker(), "rm", "-f", ws.Handle); err != nil {
			errs = append(errs, err)
		}
	}
	files := p.Files
	if files == nil {
		files = DirProvisioner{}
	}
	if err := files.Teardown(ctx, ws); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("teardown container workspace: %v", errs)
	}
	return nil
}

func (p ContainerProvisioner) docker() string {
	if strings.TrimSpace(p.DockerBin) == "" {
		return "docker"
	}
	return p.DockerBin
}

func (p ContainerProvisioner) runner() Runner {
	if p.Run == nil {
		return ExecRunner
	}
	return p.Run
}

func containerName(runID string) string {
	id := strings.ReplaceAll(runID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return "yardkit-" + id
}

// NewProvisioner builds the provisioner for kind.
func NewProvisioner(kind domain.WorkspaceKind, repoRoot, image string) (Provisioner, error) {
	switch kind {
	case domain.WorkspaceWorktree, "":
		return WorktreeProvisioner{RepoRoot: repoRoot}, nil
	case domain.WorkspaceClone:
		return CloneProvisioner{Source: repoRoot}, nil
	case domain.WorkspaceContainer:
		return ContainerProvisioner{Image: image, Files: CloneProvisioner{Source: repoRoot}}, nil
	case domain.WorkspaceDir:
		return DirProvisioner{}, nil
	default:
		return nil, fmt.Errorf("unknown workspace kind %q", kind)
	}
}
