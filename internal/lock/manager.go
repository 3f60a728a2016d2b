// Package lock grants at most one active run per task identifier.
//
// A lock is a JSON file in the lock directory created with O_EXCL, so the filesystem arbitrates
// concurrent acquires from this process, other processes, and other hosts sharing the directory.
// Locks never expire on a timer; stale holders are removed only through Reap.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"yardkit/internal/domain"
	"yardkit/internal/fs"
	"yardkit/internal/policy"
)

const fileSuffix = ".lock"

var (
	ErrContention = errors.New("task is already locked by an active run")
	ErrNotHolder  = errors.New("lock is held by a different run")
)

// ContentionError reports who holds the lock.
type ContentionError struct {
	TaskID string
	Holder domain.Lock
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("task %s is locked by run %s (pid %d on %s since %s)",
		e.TaskID, e.Holder.RunID, e.Holder.PID, e.Holder.Hostname, e.Holder.Timestamp.Format(time.RFC3339))
}

func (e *ContentionError) Is(target error) bool {
	return target == ErrContention
}

type Ledger interface {
	LogLockEvent(ctx context.Context, entry domain.LockEvent) error
}

type Judge interface {
	Judge(l domain.Lock) (policy.Verdict, string)
}

type Manager struct {
	files    *fs.Gateway
	hostname string
	pid      int
	ledger   Ledger
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager returns a manager rooted at dir. ledger may be nil.
func NewManager(dir, hostname string, pid int, ledger Ledger, logger *zap.Logger) (*Manager, error) {
	files, err := fs.NewGateway(dir)
	if err != nil {
		return nil, fmt.Errorf("open lock directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		files:    files,
		hostname: hostname,
		pid:      pid,
		ledger:   ledger,
		logger:   logger.Named("lock"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (m *Manager) Acquire(ctx context.Context, taskID, runID string) (domain.Lock, error) {
	if strings.TrimSpace(taskID) == "" || strings.TrimSpace(runID) == "" {
		return domain.Lock{}, fmt.Errorf("acquire lock: task id and run id are required")
	}
	l := domain.Lock{
		TaskID:    taskID,
		RunID:     runID,
		PID:       m.pid,
		Hostname:  m.hostname,
		Timestamp: m.now(),
	}
	err := m.files.CreateExclusive(FileName(taskID), l)
	if err == nil {
		m.record(ctx, l, "acquired", "")
		m.logger.Debug("lock acquired", zap.String("task_id", taskID), zap.String("run_id", runID))
		return l, nil
	}
	if !errors.Is(err, fs.ErrExists) {
		return domain.Lock{}, fmt.Errorf("acquire lock: %w", err)
	}

	holder, found, readErr := m.Get(taskID)
	if readErr != nil {
		// A holder mid-write or a corrupt file still means the task is taken.
		holder = domain.Lock{TaskID: taskID}
	} else if !found {
		return domain.Lock{}, &ContentionError{TaskID: taskID, Holder: domain.Lock{TaskID: taskID}}
	}
	m.record(ctx, domain.Lock{TaskID: taskID, RunID: runID, PID: m.pid, Hostname: m.hostname}, "contended", holder.RunID)
	return domain.Lock{}, &ContentionError{TaskID: taskID, Holder: holder}
}

// Release removes the lock held by runID. A missing lock is not an error; a lock held by a
// different run is left in place and reported as ErrNotHolder.
func (m *Manager) Release(ctx context.Context, taskID, runID string) error {
	holder, found, err := m.Get(taskID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if !found {
		m.logger.Debug("lock already absent", zap.String("task_id", taskID), zap.String("run_id", runID))
		return nil
	}
	if holder.RunID != runID {
		return fmt.Errorf("release lock for task %s by run %s: %w (holder %s)", taskID, runID, ErrNotHolder, holder.RunID)
	}
	if err := m.files.Remove(FileName(taskID)); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	m.record(ctx, holder, "released", "")
	return nil
}

func (m *Manager) Get(taskID string) (domain.Lock, bool, error) {
	var l domain.Lock
	if err := m.files.ReadJSON(FileName(taskID), &l); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Lock{}, false, nil
		}
		return domain.Lock{}, false, fmt.Errorf("read lock for %s: %w", taskID, err)
	}
	return l, true, nil
}

// List returns every lock in the directory. A file that cannot be decoded, such as one left
// empty by a crash right after creation, is listed with only TaskID (taken from the file name)
// so judges report it unknown instead of failing the listing.
func (m *Manager) List() ([]domain.Lock, error) {
	entries, err := m.entries()
	if err != nil {
		return nil, err
	}
	locks := make([]domain.Lock, 0, len(entries))
	for _, e := range entries {
		locks = append(locks, e.lock)
	}
	return locks, nil
}

type entry struct {
	name    string
	lock    domain.Lock
	corrupt error
}

func (m *Manager) entries() ([]entry, error) {
	names, err := m.files.List("", fileSuffix)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	out := make([]entry, 0, len(names))
	for _, name := range names {
		e := entry{name: name}
		if err := m.files.ReadJSON(name, &e.lock); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			e.lock = domain.Lock{TaskID: strings.TrimSuffix(name, fileSuffix)}
			e.corrupt = err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].lock.TaskID < out[j].lock.TaskID
	})
	return out, nil
}

type ReapResult struct {
	Lock    domain.Lock    `json:"lock"`
	Verdict policy.Verdict `json:"verdict"`
	Reason  string         `json:"reason"`
	Removed bool           `json:"removed"`
}

// Reap removes locks whose holder is judged stale. With force, locks whose liveness cannot be
// determined (other hosts, unreadable files) are removed as well. Live holders are never touched.
func (m *Manager) Reap(ctx context.Context, judge Judge, force bool) ([]ReapResult, error) {
	entries, err := m.entries()
	if err != nil {
		return nil, err
	}
	results := make([]ReapResult, 0, len(entries))
	for _, e := range entries {
		res := ReapResult{Lock: e.lock}
		if e.corrupt != nil {
			res.Verdict, res.Reason = policy.VerdictUnknown, "unreadable lock file: "+e.corrupt.Error()
		} else {
			res.Verdict, res.Reason = judge.Judge(e.lock)
		}
		if res.Verdict == policy.VerdictStale || (force && res.Verdict == policy.VerdictUnknown) {
			removed, err := m.reapEntry(e)
			if err != nil {
				return results, err
			}
			res.Removed = removed
			if removed {
				m.record(ctx, e.lock, "reaped", res.Reason)
				m.logger.Info("lock reaped",
					zap.String("task_id", e.lock.TaskID),
					zap.String("run_id", e.lock.RunID),
					zap.String("verdict", string(res.Verdict)),
					zap.String("reason", res.Reason),
				)
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// reapEntry removes the file of e unless it changed hands since it was judged.
func (m *Manager) reapEntry(e entry) (bool, error) {
	var current domain.Lock
	err := m.files.ReadJSON(e.name, &current)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	case e.corrupt != nil && err == nil:
		return false, nil
	case e.corrupt == nil && err != nil:
		return false, fmt.Errorf("reap lock %s: %w", e.lock.TaskID, err)
	case e.corrupt == nil && (current.RunID != e.lock.RunID || current.PID != e.lock.PID):
		return false, nil
	}
	if err := m.files.Remove(e.name); err != nil {
		return false, fmt.Errorf("reap lock %s: %w", e.lock.TaskID, err)
	}
	return true, nil
}

func (m *Manager) record(ctx context.Context, l domain.Lock, action, reason string) {
	if m.ledger == nil {
		return
	}
	if err := m.ledger.LogLockEvent(ctx, domain.LockEvent{
		TaskID:   l.TaskID,
		RunID:    l.RunID,
		Action:   action,
		Hostname: l.Hostname,
		PID:      l.PID,
		Reason:   reason,
	}); err != nil {
		m.logger.Warn("lock ledger write failed", zap.String("task_id", l.TaskID), zap.Error(err))
	}
}

// FileName maps a task id to its lock file. Ids that need escaping get a hash suffix so two
// different ids never share a file.
func FileName(taskID string) string {
	var b strings.Builder
	changed := false
	for _, r := range taskID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			changed = true
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	if changed || name != b.String() || name == "" {
		sum := sha256.Sum256([]byte(taskID))
		name += "-" + hex.EncodeToString(sum[:4])
	}
	return name + fileSuffix
}
