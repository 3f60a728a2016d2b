// Package workspace leases isolated execution environments from a bounded slot pool.
//
// Each slot owns a directory under the pool root. A slot is taken by creating its lease marker
// with O_EXCL; the marker is the per-slot compare-and-set key, so concurrent leases never share
// a slot. Provisioners decide what goes into the slot (worktree, clone, container, plain dir).
// Markers record the holder pid and host; Reap frees slots whose holder died without releasing.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"yardkit/internal/domain"
	"yardkit/internal/fs"
	"yardkit/internal/policy"
)

var (
	ErrPoolExhausted = errors.New("workspace pool exhausted")
	ErrUnavailable   = errors.New("workspace unavailable")
	ErrNotLeased     = errors.New("workspace is not leased by this run")
)

// Provisioner materialises a workspace inside a leased slot directory and tears it down again.
type Provisioner interface {
	Kind() domain.WorkspaceKind
	Provision(ctx context.Context, slotDir string, runID, taskID string) (path string, handle string, err error)
	Teardown(ctx context.Context, ws domain.Workspace) error
}

// Judge decides whether the holder of a lease is still alive.
type Judge interface {
	Judge(l domain.Lock) (policy.Verdict, string)
}

type Manager struct {
	files       *fs.Gateway
	capacity    int
	provisioner Provisioner
	hostname    string
	pid         int
	logger      *zap.Logger
	now         func() time.Time

	mu     sync.Mutex
	leased map[int]string
}

// NewManager returns a pool of capacity slots under poolDir. Leases are recorded as held by pid
// on hostname.
func NewManager(poolDir string, capacity int, provisioner Provisioner, hostname string, pid int, logger *zap.Logger) (*Manager, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("workspace capacity must be positive, got %d", capacity)
	}
	if provisioner == nil {
		return nil, fmt.Errorf("workspace provisioner is required")
	}
	files, err := fs.NewGateway(poolDir)
	if err != nil {
		return nil, fmt.Errorf("open workspace pool: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		files:       files,
		capacity:    capacity,
		provisioner: provisioner,
		hostname:    hostname,
		pid:         pid,
		logger:      logger.Named("workspace"),
		now:         func() time.Time { return time.Now().UTC() },
		leased:      make(map[int]string),
	}, nil
}

func (m *Manager) Capacity() int {
	return m.capacity
}

// Lease claims the first free slot and provisions it for runID.
func (m *Manager) Lease(ctx context.Context, runID, taskID string) (domain.Workspace, error) {
	for slot := 0; slot < m.capacity; slot++ {
		ws := domain.Workspace{
			Type:     m.provisioner.Kind(),
			RunID:    runID,
			TaskID:   taskID,
			Slot:     slot,
			Managed:  true,
			PID:      m.pid,
			Hostname: m.hostname,
			LeasedAt: m.now(),
		}
		err := m.files.CreateExclusive(markerName(slot), ws)
		if errors.Is(err, fs.ErrExists) {
			continue
		}
		if err != nil {
			return domain.Workspace{}, fmt.Errorf("%w: claim slot %d: %v", ErrUnavailable, slot, err)
		}

		slotDir, err := m.files.Path(slotName(slot))
		if err != nil {
			_ = m.files.Remove(markerName(slot))
			return domain.Workspace{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		path, handle, err := m.provisioner.Provision(ctx, slotDir, runID, taskID)
		if err != nil {
			_ = m.files.Remove(markerName(slot))
			return domain.Workspace{}, fmt.Errorf("%w: provision %s slot %d: %v", ErrUnavailable, ws.Type, slot, err)
		}
		ws.Path = path
		ws.Handle = handle
		if err := m.files.WriteJSONAtomic(markerName(slot), ws); err != nil {
			_ = m.provisioner.Teardown(ctx, ws)
			_ = m.files.Remove(markerName(slot))
			return domain.Workspace{}, fmt.Errorf("%w: record lease: %v", ErrUnavailable, err)
		}

		m.mu.Lock()
		m.leased[slot] = runID
		m.mu.Unlock()
		m.logger.Debug("workspace leased",
			zap.String("run_id", runID),
			zap.String("task_id", taskID),
			zap.Int("slot", slot),
			zap.String("path", path),
		)
		return ws, nil
	}
	return domain.Workspace{}, fmt.Errorf("%w: all %d slots are leased", ErrPoolExhausted, m.capacity)
}

// Release tears down ws and frees its slot. Unmanaged workspaces are left alone. The slot is
// freed even when teardown fails; the next Provision starts from a clean slot.
func (m *Manager) Release(ctx context.Context, ws domain.Workspace) error {
	if !ws.Managed {
		return nil
	}
	var marker domain.Workspace
	if err := m.files.ReadJSON(markerName(ws.Slot), &marker); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("release slot %d: %w", ws.Slot, ErrNotLeased)
		}
		return fmt.Errorf("release slot %d: %w", ws.Slot, err)
	}
	if marker.RunID != ws.RunID {
		return fmt.Errorf("release slot %d for run %s: %w (leased by %s)", ws.Slot, ws.RunID, ErrNotLeased, marker.RunID)
	}

	teardownErr := m.provisioner.Teardown(ctx, marker)
	if err := m.files.Remove(markerName(ws.Slot)); err != nil {
		return errors.Join(teardownErr, fmt.Errorf("free slot %d: %w", ws.Slot, err))
	}
	m.mu.Lock()
	delete(m.leased, ws.Slot)
	m.mu.Unlock()

	if teardownErr != nil {
		m.logger.Warn("workspace teardown failed", zap.Int("slot", ws.Slot), zap.Error(teardownErr))
		return fmt.Errorf("teardown slot %d: %w", ws.Slot, teardownErr)
	}
	m.logger.Debug("workspace released", zap.String("run_id", ws.RunID), zap.Int("slot", ws.Slot))
	return nil
}

// InUse returns the number of slots this process currently leases.
func (m *Manager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leased)
}

// Leases reads every lease marker in the pool, including ones held by other processes. A marker
// that cannot be decoded is reported with only its slot.
func (m *Manager) Leases() ([]domain.Workspace, error) {
	entries, err := m.entries()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Workspace, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ws)
	}
	return out, nil
}

type ReapResult struct {
	Workspace domain.Workspace `json:"workspace"`
	Verdict   policy.Verdict   `json:"verdict"`
	Reason    string           `json:"reason"`
	Removed   bool             `json:"removed"`
}

// Reap tears down and frees slots whose holder is judged stale. With force, slots whose holder
// cannot be judged (other hosts, unreadable markers) are freed too. Live holders are never touched.
func (m *Manager) Reap(ctx context.Context, judge Judge, force bool) ([]ReapResult, error) {
	entries, err := m.entries()
	if err != nil {
		return nil, err
	}
	results := make([]ReapResult, 0, len(entries))
	for _, e := range entries {
		res := ReapResult{Workspace: e.ws}
		if e.corrupt != nil {
			res.Verdict, res.Reason = policy.VerdictUnknown, "unreadable lease marker: "+e.corrupt.Error()
		} else {
			res.Verdict, res.Reason = judge.Judge(holder(e.ws))
		}
		if res.Verdict == policy.VerdictStale || (force && res.Verdict == policy.VerdictUnknown) {
			removed, err := m.reapEntry(ctx, e)
			if err != nil {
				return results, err
			}
			res.Removed = removed
			if removed {
				m.logger.Info("workspace reaped",
					zap.Int("slot", e.ws.Slot),
					zap.String("run_id", e.ws.RunID),
					zap.String("verdict", string(res.Verdict)),
					zap.String("reason", res.Reason),
				)
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// reapEntry tears down the workspace of e and removes its marker, unless the slot changed hands
// since it was judged. As with Release, the slot is freed even when teardown fails.
func (m *Manager) reapEntry(ctx context.Context, e leaseEntry) (bool, error) {
	var current domain.Workspace
	err := m.files.ReadJSON(e.name, &current)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	case e.corrupt != nil && err == nil:
		return false, nil
	case e.corrupt == nil && err != nil:
		return false, fmt.Errorf("reap slot %d: %w", e.ws.Slot, err)
	case e.corrupt == nil && (current.RunID != e.ws.RunID || current.PID != e.ws.PID):
		return false, nil
	}
	if e.corrupt == nil && current.Path != "" {
		if err := m.provisioner.Teardown(ctx, current); err != nil {
			m.logger.Warn("workspace teardown failed", zap.Int("slot", current.Slot), zap.Error(err))
		}
	}
	if err := m.files.Remove(e.name); err != nil {
		return false, fmt.Errorf("reap slot %d: %w", e.ws.Slot, err)
	}
	return true, nil
}

type leaseEntry struct {
	name    string
	ws      domain.Workspace
	corrupt error
}

func (m *Manager) entries() ([]leaseEntry, error) {
	names, err := m.files.List("", ".lease")
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	out := make([]leaseEntry, 0, len(names))
	for _, name := range names {
		e := leaseEntry{name: name}
		if err := m.files.ReadJSON(name, &e.ws); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			e.ws = domain.Workspace{Type: m.provisioner.Kind(), Managed: true}
			_, _ = fmt.Sscanf(name, "slot-%d.lease", &e.ws.Slot)
			e.corrupt = err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ws.Slot < out[j].ws.Slot
	})
	return out, nil
}

// holder presents a lease to the liveness judge the way a lock is presented.
func holder(ws domain.Workspace) domain.Lock {
	return domain.Lock{
		TaskID:    ws.TaskID,
		RunID:     ws.RunID,
		PID:       ws.PID,
		Hostname:  ws.Hostname,
		Timestamp: ws.LeasedAt,
	}
}

func slotName(slot int) string {
	return fmt.Sprintf("slot-%02d", slot)
}

func markerName(slot int) string {
	return slotName(slot) + ".lease"
}

// resetDir empties dir so a slot never carries files from a previous lease.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dir), err)
	}
	return nil
}
