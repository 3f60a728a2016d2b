package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"yardkit/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	status TEXT NOT NULL,
	phase TEXT NOT NULL,
	exit_code INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	artifact_dir TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	ended_at INTEGER NULL,
	summary TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id, started_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at);

CREATE TABLE IF NOT EXISTS run_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	phase TEXT NOT NULL,
	kind TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(run_id, seq),
	FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS lock_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	action TEXT NOT NULL,
	hostname TEXT NOT NULL,
	pid INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lock_events_task ON lock_events(task_id, created_at);
`

// Store is the run ledger: an index over run artifacts and lock history.
type Store struct {
	db *sql.DB
}

// Open connects to the ledger at dbPath. Pragmas travel in the DSN so every pooled connection
// gets them; a single open connection serialises writers inside the process while busy_timeout
// covers other processes sharing the file.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func dsn(dbPath string) string {
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"foreign_keys(1)",
		"busy_timeout(5000)",
	}
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(dbPath)
	b.WriteString("?_txlock=immediate")
	for _, p := range pragmas {
		b.WriteString("&_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) UpsertRun(ctx context.Context, rec domain.RunRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = domain.RunStatusRunning
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs(run_id, task_id, status, phase, exit_code, error, artifact_dir, started_at, ended_at, summary)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			phase = excluded.phase,
			exit_code = excluded.exit_code,
			error = excluded.error,
			ended_at = excluded.ended_at,
			summary = excluded.summary`,
		rec.RunID, rec.TaskID, string(rec.Status), string(rec.Phase), rec.ExitCode, rec.Error, rec.ArtifactDir,
		rec.StartedAt.UnixMilli(), nullableMillis(rec.EndedAt), string(rec.Summary),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// AppendRunEvent stores the event at position seq; replays of the same position are ignored.
func (s *Store) AppendRunEvent(ctx context.Context, runID string, seq int, event domain.Event) error {
	data := []byte("{}")
	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		data = raw
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO run_events(run_id, seq, phase, kind, data, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		runID, seq, string(event.Phase), string(event.Event), string(data), event.Timestamp.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE runs SET phase = ? WHERE run_id = ? AND ended_at IS NULL`, string(event.Phase), runID)
	if err != nil {
		return fmt.Errorf("track run phase: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT run_id, task_id, status, phase, exit_code, error, artifact_dir, started_at, ended_at, summary
		FROM runs WHERE run_id = ?`,
		runID,
	)
	rec, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return domain.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

// ListRuns returns the newest runs first, optionally for one task.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT run_id, task_id, status, phase, exit_code, error, artifact_dir, started_at, ended_at, summary
		FROM runs`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.RunRecord, 0)
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

// CountRunsByStatus returns the number of ledger runs per status.
func (s *Store) CountRunsByStatus(ctx context.Context) (map[domain.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan run count: %w", err)
		}
		counts[domain.RunStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run counts: %w", err)
	}
	return counts, nil
}

func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT phase, kind, data, created_at FROM run_events WHERE run_id = ? ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Event, 0)
	for rows.Next() {
		var ev domain.Event
		var phase, kind, data string
		var created int64
		if err := rows.Scan(&phase, &kind, &data, &created); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.Phase = domain.Phase(phase)
		ev.Event = domain.EventKind(kind)
		ev.Timestamp = time.UnixMilli(created).UTC()
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
				return nil, fmt.Errorf("decode run event data: %w", err)
			}
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return result, nil
}

func (s *Store) LogLockEvent(ctx context.Context, entry domain.LockEvent) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO lock_events(task_id, run_id, action, hostname, pid, reason, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.RunID, entry.Action, entry.Hostname, entry.PID, entry.Reason, entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log lock event: %w", err)
	}
	return nil
}

func (s *Store) ListLockEvents(ctx context.Context, taskID string, limit int) ([]domain.LockEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id, task_id, run_id, action, hostname, pid, reason, created_at
		FROM lock_events`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list lock events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.LockEvent, 0, limit)
	for rows.Next() {
		var item domain.LockEvent
		var created int64
		if err := rows.Scan(&item.ID, &item.TaskID, &item.RunID, &item.Action, &item.Hostname, &item.PID, &item.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan lock event: %w", err)
		}
		item.CreatedAt = time.UnixMilli(created).UTC()
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lock events: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.RunRecord, error) {
	var rec domain.RunRecord
	var status, phase, summary string
	var started int64
	var ended sql.NullInt64
	if err := row.Scan(
		&rec.RunID, &rec.TaskID, &status, &phase, &rec.ExitCode, &rec.Error, &rec.ArtifactDir,
		&started, &ended, &summary,
	); err != nil {
		return domain.RunRecord{}, err
	}
	rec.Status = domain.RunStatus(status)
	rec.Phase = domain.Phase(phase)
	rec.StartedAt = time.UnixMilli(started).UTC()
	if ended.Valid && ended.Int64 > 0 {
		t := time.UnixMilli(ended.Int64).UTC()
		rec.EndedAt = &t
	}
	if summary != "" {
		rec.Summary = json.RawMessage(summary)
	}
	return rec, nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}
