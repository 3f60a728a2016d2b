package fs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrPathEscapesRoot = errors.New("path escapes root")
	ErrExists          = errors.New("file already exists")
)

// Gateway confines file operations to one root directory. Lock files, lease markers and
// run artifacts all go through it.
type Gateway struct {
	root string
}

func NewGateway(root string) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Gateway{root: absRoot}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

// Path resolves relPath below the root.
func (g *Gateway) Path(relPath string) (string, error) {
	abs, _, err := g.resolve(relPath)
	return abs, err
}

// CreateExclusive writes v as JSON to relPath only if the file does not exist yet.
// Creation uses O_EXCL, so concurrent callers race on the filesystem and exactly one wins.
func (g *Gateway) CreateExclusive(relPath string, v any) error {
	absPath, _, err := g.resolve(relPath)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	f, err := os.OpenFile(absPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, relPath)
		}
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		_ = os.Remove(absPath)
		return fmt.Errorf("write file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(absPath)
		return fmt.Errorf("sync file: %w", err)
	}
	return f.Close()
}

// WriteJSONAtomic replaces relPath with v through a synced temp file and rename, so a reader
// sees either the old document or the complete new one.
func (g *Gateway) WriteJSONAtomic(relPath string, v any) error {
	absPath, _, err := g.resolve(relPath)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(absPath), "."+filepath.Base(absPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), absPath); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (g *Gateway) ReadJSON(relPath string, v any) error {
	absPath, _, err := g.resolve(relPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", relPath, err)
	}
	return nil
}

// Remove deletes relPath; a missing file is not an error.
func (g *Gateway) Remove(relPath string) error {
	absPath, _, err := g.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(absPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// List returns the names of regular files directly under relDir with the given suffix.
func (g *Gateway) List(relDir, suffix string) ([]string, error) {
	dir := g.root
	if relDir != "" && relDir != "." {
		abs, _, err := g.resolve(relDir)
		if err != nil {
			return nil, err
		}
		dir = abs
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	abs := filepath.Join(g.root, filepath.FromSlash(normalized))
	absClean := filepath.Clean(abs)
	absRoot := filepath.Clean(g.root)

	rel, err := filepath.Rel(absRoot, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") || rel == "." {
		return "", "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, relPath)
	}
	return absClean, strings.ReplaceAll(rel, "\\", "/"), nil
}
