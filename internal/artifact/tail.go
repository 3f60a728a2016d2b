package artifact

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"yardkit/internal/domain"
)

const maxEventLine = 4 << 20

// ReadEvents parses a complete timeline file.
func ReadEvents(path string) ([]domain.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open timeline: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	var events []domain.Event
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return events, fmt.Errorf("decode %s line %d: %w", filepath.Base(path), line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("read timeline: %w", err)
	}
	return events, nil
}

// Tail delivers every event in the timeline at path to fn, then follows appends until the run
// summary appears next to it or ctx is done. A partially written trailing line is held back
// until its newline arrives.
func Tail(ctx context.Context, path string, fn func(domain.Event) error) error {
	dir := filepath.Dir(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	t := &tailer{path: path, fn: fn}
	summary := filepath.Join(dir, SummaryFile)
	if err := t.drain(); err != nil {
		return err
	}
	if exists(summary) {
		return t.drain()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch filepath.Clean(event.Name) {
			case filepath.Clean(path):
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := t.drain(); err != nil {
						return err
					}
				}
			case filepath.Clean(summary):
				if event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0 {
					return t.drain()
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch timeline: %w", err)
		}
	}
}

type tailer struct {
	path    string
	fn      func(domain.Event) error
	offset  int64
	partial []byte
}

func (t *tailer) drain() error {
	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open timeline: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek timeline: %w", err)
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read timeline: %w", err)
	}
	t.offset += int64(len(chunk))
	buf := append(t.partial, chunk...)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		raw := bytes.TrimSpace(buf[:idx])
		buf = buf[idx+1:]
		if len(raw) == 0 {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("decode timeline event: %w", err)
		}
		if err := t.fn(ev); err != nil {
			return err
		}
	}
	t.partial = append([]byte(nil), buf...)
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
