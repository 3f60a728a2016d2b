// Package artifact persists a run's event timeline and terminal summary.
//
// Layout per run, under the artifact root:
//
//	<runId>/events.jsonl      one Event per line, appended as the run progresses
//	<runId>/run-summary.json  written once, atomically, when the run terminates
//
// When an Index is configured every event and the summary are mirrored into it.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"yardkit/internal/domain"
	"yardkit/internal/fs"
)

const (
	EventsFile  = "events.jsonl"
	SummaryFile = "run-summary.json"
)

var (
	ErrSummaryWritten = errors.New("run summary already written")
	ErrClosed         = errors.New("run log is closed")
)

// Index mirrors the timeline into a queryable ledger.
type Index interface {
	UpsertRun(ctx context.Context, rec domain.RunRecord) error
	AppendRunEvent(ctx context.Context, runID string, seq int, event domain.Event) error
}

type Recorder struct {
	files  *fs.Gateway
	index  Index
	logger *zap.Logger
}

// NewRecorder returns a recorder rooted at root. index may be nil.
func NewRecorder(root string, index Index, logger *zap.Logger) (*Recorder, error) {
	files, err := fs.NewGateway(root)
	if err != nil {
		return nil, fmt.Errorf("open artifact root: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{files: files, index: index, logger: logger.Named("artifact")}, nil
}

func (r *Recorder) Root() string {
	return r.files.Root()
}

// Dir returns the artifact directory of runID.
func (r *Recorder) Dir(runID string) (string, error) {
	return r.files.Path(runID)
}

// Open creates the run directory and its timeline. Opening an existing run fails so a run id
// is never reused.
func (r *Recorder) Open(ctx context.Context, run domain.Run) (*RunLog, error) {
	dir, err := r.files.Path(run.RunID)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	if err := os.MkdirAll(r.files.Root(), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory %s: %w", run.RunID, err)
	}
	file, err := os.OpenFile(filepath.Join(dir, EventsFile), os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create event timeline: %w", err)
	}
	l := &RunLog{
		recorder: r,
		runID:    run.RunID,
		dir:      dir,
		file:     file,
		logger:   r.logger.With(zap.String("run_id", run.RunID)),
	}
	if r.index != nil {
		if err := r.index.UpsertRun(ctx, domain.RunRecord{
			RunID:       run.RunID,
			TaskID:      run.TaskID,
			Status:      domain.RunStatusRunning,
			Phase:       run.Phase,
			ArtifactDir: dir,
			StartedAt:   run.StartTime,
		}); err != nil {
			l.logger.Warn("index run start failed", zap.Error(err))
		}
	}
	return l, nil
}

// RunLog is the open timeline of one run. It is owned by a single run; the mutex only guards
// against a summary racing a late append.
type RunLog struct {
	recorder *Recorder
	runID    string
	dir      string
	logger   *zap.Logger

	mu      sync.Mutex
	file    *os.File
	seq     int
	summary bool
}

func (l *RunLog) Dir() string {
	return l.dir
}

func (l *RunLog) EventsPath() string {
	return filepath.Join(l.dir, EventsFile)
}

func (l *RunLog) SummaryPath() string {
	return filepath.Join(l.dir, SummaryFile)
}

// Append writes event as one line and syncs it before returning.
func (l *RunLog) Append(ctx context.Context, event domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrClosed
	}
	if l.summary {
		return fmt.Errorf("append event: %w", ErrSummaryWritten)
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync event timeline: %w", err)
	}
	l.seq++
	if idx := l.recorder.index; idx != nil {
		if err := idx.AppendRunEvent(ctx, l.runID, l.seq, event); err != nil {
			l.logger.Warn("index event failed", zap.Int("seq", l.seq), zap.Error(err))
		}
	}
	return nil
}

// WriteSummary persists the terminal run document. It may be called once.
func (l *RunLog) WriteSummary(ctx context.Context, run domain.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.summary {
		return ErrSummaryWritten
	}
	if err := l.recorder.files.WriteJSONAtomic(filepath.Join(l.runID, SummaryFile), run); err != nil {
		return fmt.Errorf("write run summary: %w", err)
	}
	l.summary = true

	if idx := l.recorder.index; idx != nil {
		raw, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("encode run summary: %w", err)
		}
		ended := run.EndTime
		if ended.IsZero() {
			ended = time.Now().UTC()
		}
		if err := idx.UpsertRun(ctx, domain.RunRecord{
			RunID:       run.RunID,
			TaskID:      run.TaskID,
			Status:      run.Status,
			Phase:       run.Phase,
			ExitCode:    run.ExitCode,
			Error:       run.Error,
			ArtifactDir: l.dir,
			StartedAt:   run.StartTime,
			EndedAt:     &ended,
			Summary:     raw,
		}); err != nil {
			l.logger.Warn("index run summary failed", zap.Error(err))
		}
	}
	return nil
}

func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadSummary loads the summary of runID.
func (r *Recorder) ReadSummary(runID string) (domain.Run, error) {
	var run domain.Run
	if err := r.files.ReadJSON(filepath.Join(runID, SummaryFile), &run); err != nil {
		return domain.Run{}, fmt.Errorf("read run summary %s: %w", runID, err)
	}
	return run, nil
}
