package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Beads is the task source backed by the bd CLI.
type Beads struct {
	bin    string
	dir    string
	runner Runner
	logger *zap.Logger
}

func NewBeads(bin, repoRoot string, runner Runner, logger *zap.Logger) *Beads {
	if strings.TrimSpace(bin) == "" {
		bin = "bd"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Beads{bin: bin, dir: repoRoot, runner: runner, logger: logger.Named("beads")}
}

// Claim syncs without pushing and marks the task in progress.
func (b *Beads) Claim(ctx context.Context, taskID string) error {
	if _, err := b.runner.Run(ctx, b.dir, b.bin, "sync", "--no-push"); err != nil {
		return fmt.Errorf("sync tracker: %w", err)
	}
	if _, err := b.runner.Run(ctx, b.dir, b.bin, "update", taskID, "--status", "in_progress"); err != nil {
		return fmt.Errorf("mark %s in progress: %w", taskID, err)
	}
	b.logger.Debug("task claimed", zap.String("task_id", taskID))
	return nil
}

// Close marks the task closed and pushes the tracker state.
func (b *Beads) Close(ctx context.Context, taskID string) error {
	if _, err := b.runner.Run(ctx, b.dir, b.bin, "close", taskID); err != nil {
		return fmt.Errorf("close %s: %w", taskID, err)
	}
	if _, err := b.runner.Run(ctx, b.dir, b.bin, "sync"); err != nil {
		return fmt.Errorf("sync tracker: %w", err)
	}
	b.logger.Debug("task closed", zap.String("task_id", taskID))
	return nil
}

// Ready lists up to limit task ids in the given status. limit <= 0 means no limit.
func (b *Beads) Ready(ctx context.Context, queue string, limit int) ([]string, error) {
	if strings.TrimSpace(queue) == "" {
		queue = "ready"
	}
	out, err := b.runner.Run(ctx, b.dir, b.bin, "list", "--status", queue, "--json")
	if err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", queue, err)
	}
	ids, err := parseTaskList(out)
	if err != nil {
		return nil, fmt.Errorf("parse %s task list: %w", queue, err)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// parseTaskList accepts a JSON array of task objects with an "id" field or of bare id strings.
func parseTaskList(raw []byte) ([]string, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		var id string
		if err := json.Unmarshal(item, &id); err != nil {
			var obj struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(item, &obj); err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			id = obj.ID
		}
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("item %d has no id", i)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}
