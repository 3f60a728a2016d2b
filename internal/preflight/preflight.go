// Package preflight verifies that the installed workflow tree matches its canonical templates
// before any line is allowed to run.
package preflight

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrDirectoryMissing = errors.New("workflow directory missing")
	ErrDrift            = errors.New("installed workflows drifted from templates")
)

// ObservedMissing is the observed hash recorded for a file absent from the installed tree.
const ObservedMissing = "missing"

const guidance = `Remediation:
- Copy canonical templates into the repo root:
  cp -R templates/.kilocode ./.kilocode
- Re-run yardkit after syncing workflows.
- If you intentionally customized workflows, re-apply changes after copying.`

type Options struct {
	RepoRoot     string
	TemplatesDir string
	WorkflowsDir string
}

func (o Options) withDefaults() Options {
	if o.TemplatesDir == "" {
		o.TemplatesDir = filepath.Join(o.RepoRoot, "templates", ".kilocode", "workflows")
	}
	if o.WorkflowsDir == "" {
		o.WorkflowsDir = filepath.Join(o.RepoRoot, ".kilocode", "workflows")
	}
	return o
}

// Mismatch is one canonical file that is missing or stale in the installed tree. Path is
// slash-separated and relative to the tree roots.
type Mismatch struct {
	Path         string `json:"path"`
	ExpectedHash string `json:"expected_hash"`
	ObservedHash string `json:"observed_hash"`
}

type Report struct {
	TemplatesDir string     `json:"templates_dir"`
	WorkflowsDir string     `json:"workflows_dir"`
	Checked      int        `json:"checked"`
	Missing      []Mismatch `json:"missing"`
	Stale        []Mismatch `json:"stale"`
	Unexpected   []string   `json:"unexpected"`
	displayRoot  string
}

func (r Report) Clean() bool {
	return len(r.Missing) == 0 && len(r.Stale) == 0 && len(r.Unexpected) == 0
}

// Format renders the report with remediation guidance. A clean report renders one line.
func (r Report) Format() string {
	if r.Clean() {
		return fmt.Sprintf("Workflow preflight passed: %d workflows match templates.", r.Checked)
	}
	root := r.displayRoot
	if root == "" {
		root = r.WorkflowsDir
	}
	var b strings.Builder
	b.WriteString("Workflow preflight failed: repo-managed workflows are missing or stale.\n")
	fmt.Fprintf(&b, "Expect %s to match %s.\n", root, r.TemplatesDir)
	if len(r.Missing) > 0 {
		b.WriteString("Missing workflows:\n")
		for _, m := range r.Missing {
			fmt.Fprintf(&b, "- %s (expected %s, observed %s)\n", joinDisplay(root, m.Path), m.ExpectedHash, m.ObservedHash)
		}
	}
	if len(r.Stale) > 0 {
		b.WriteString("Stale workflows (content mismatch after CRLF normalization):\n")
		for _, m := range r.Stale {
			fmt.Fprintf(&b, "- %s (expected %s, observed %s)\n", joinDisplay(root, m.Path), m.ExpectedHash, m.ObservedHash)
		}
	}
	if len(r.Unexpected) > 0 {
		b.WriteString("Unexpected workflows (not in templates):\n")
		for _, p := range r.Unexpected {
			fmt.Fprintf(&b, "- %s\n", joinDisplay(root, p))
		}
	}
	b.WriteString(guidance)
	return b.String()
}

// DirectoryMissingError names the tree root that does not exist.
type DirectoryMissingError struct {
	Role string
	Path string
}

func (e *DirectoryMissingError) Error() string {
	return fmt.Sprintf("%s directory missing: %s\n%s", e.Role, e.Path, guidance)
}

func (e *DirectoryMissingError) Is(target error) bool {
	return target == ErrDirectoryMissing
}

// DriftError carries the full report of a failed validation.
type DriftError struct {
	Report Report
}

func (e *DriftError) Error() string {
	return e.Report.Format()
}

func (e *DriftError) Is(target error) bool {
	return target == ErrDrift
}

// Validate compares the two trees. The error is non-nil only when a tree could not be read;
// drift is reported through the Report.
func Validate(opts Options) (Report, error) {
	opts = opts.withDefaults()
	report := Report{
		TemplatesDir: opts.TemplatesDir,
		WorkflowsDir: opts.WorkflowsDir,
		Missing:      []Mismatch{},
		Stale:        []Mismatch{},
		Unexpected:   []string{},
		displayRoot:  displayPath(opts.RepoRoot, opts.WorkflowsDir),
	}
	if err := requireDir("Templates", opts.RepoRoot, opts.TemplatesDir); err != nil {
		return report, err
	}
	if err := requireDir("Installed workflows", opts.RepoRoot, opts.WorkflowsDir); err != nil {
		return report, err
	}

	templates, err := listFiles(opts.TemplatesDir)
	if err != nil {
		return report, err
	}
	installed, err := listFiles(opts.WorkflowsDir)
	if err != nil {
		return report, err
	}
	remaining := make(map[string]struct{}, len(installed))
	for _, p := range installed {
		remaining[p] = struct{}{}
	}

	for _, rel := range templates {
		expected, err := hashFile(filepath.Join(opts.TemplatesDir, filepath.FromSlash(rel)))
		if err != nil {
			return report, err
		}
		report.Checked++
		if _, ok := remaining[rel]; !ok {
			report.Missing = append(report.Missing, Mismatch{Path: rel, ExpectedHash: expected, ObservedHash: ObservedMissing})
			continue
		}
		delete(remaining, rel)
		observed, err := hashFile(filepath.Join(opts.WorkflowsDir, filepath.FromSlash(rel)))
		if err != nil {
			return report, err
		}
		if observed != expected {
			report.Stale = append(report.Stale, Mismatch{Path: rel, ExpectedHash: expected, ObservedHash: observed})
		}
	}
	for rel := range remaining {
		report.Unexpected = append(report.Unexpected, rel)
	}
	sort.Strings(report.Unexpected)
	return report, nil
}

// Check validates and fails closed: any drift is returned as *DriftError.
func Check(opts Options) error {
	report, err := Validate(opts)
	if err != nil {
		return err
	}
	if !report.Clean() {
		return &DriftError{Report: report}
	}
	return nil
}

func requireDir(role, repoRoot, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &DirectoryMissingError{Role: role, Path: displayPath(repoRoot, path)}
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return &DirectoryMissingError{Role: role, Path: displayPath(repoRoot, path)}
	}
	return nil
}

// listFiles returns sorted slash-separated paths of every regular file under root.
func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// hashFile returns the sha256 of the file with CRLF line endings folded to LF.
func hashFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}

func displayPath(repoRoot, path string) string {
	if repoRoot == "" {
		return path
	}
	rel, err := filepath.Rel(repoRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

func joinDisplay(root, rel string) string {
	return strings.TrimSuffix(filepath.ToSlash(root), "/") + "/" + rel
}
