package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"yardkit/internal/domain"
)

func renderRunsTable(table *tview.Table, runs []domain.RunRecord, selectedRunID string) {
	table.Clear()
	headers := []string{"Run", "Task", "Status", "Phase", "Started", "Duration"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, r := range runs {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(r.RunID)))
		table.SetCell(row, 1, tview.NewTableCell(r.TaskID))
		table.SetCell(row, 2, tview.NewTableCell(string(r.Status)).SetTextColor(statusColor(r.Status)))
		table.SetCell(row, 3, tview.NewTableCell(string(r.Phase)))
		table.SetCell(row, 4, tview.NewTableCell(r.StartedAt.Local().Format("01-02 15:04:05")))
		table.SetCell(row, 5, tview.NewTableCell(runDuration(r, time.Now())))
		if r.RunID == selectedRunID {
			table.Select(row, 0)
		}
	}
}

func statusColor(status domain.RunStatus) tcell.Color {
	switch status {
	case domain.RunStatusSuccess:
		return tcell.ColorGreen
	case domain.RunStatusFailed:
		return tcell.ColorRed
	default:
		return tcell.ColorYellow
	}
}

// runDuration is elapsed time so far for running runs.
func runDuration(r domain.RunRecord, now time.Time) string {
	end := now
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	if r.StartedAt.IsZero() || end.Before(r.StartedAt) {
		return "-"
	}
	return end.Sub(r.StartedAt).Round(time.Second).String()
}

func renderEvents(events []domain.Event) string {
	if len(events) == 0 {
		return "No events"
	}
	var b strings.Builder
	for _, ev := range events {
		color := "white"
		switch ev.Event {
		case domain.EventPhaseComplete:
			color = "green"
		case domain.EventPhaseFailed:
			color = "red"
		}
		fmt.Fprintf(&b, "%s  %-8s [%s]%s[-]", ev.Timestamp.Local().Format("15:04:05.000"), ev.Phase, color, ev.Event)
		if detail := dataSummary(ev.Data); detail != "" {
			b.WriteString("  " + tview.Escape(trimLine(detail, 120)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderSummary(rec domain.RunRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run:       %s\n", rec.RunID)
	fmt.Fprintf(&b, "Task:      %s\n", rec.TaskID)
	fmt.Fprintf(&b, "Status:    %s\n", rec.Status)
	fmt.Fprintf(&b, "Phase:     %s\n", rec.Phase)
	fmt.Fprintf(&b, "Started:   %s\n", rec.StartedAt.Local().Format(time.DateTime))
	if rec.EndedAt != nil {
		fmt.Fprintf(&b, "Ended:     %s (%s)\n", rec.EndedAt.Local().Format(time.DateTime), runDuration(rec, time.Now()))
		fmt.Fprintf(&b, "Exit code: %d\n", rec.ExitCode)
	}
	fmt.Fprintf(&b, "Artifacts: %s\n", rec.ArtifactDir)
	if rec.Error != "" {
		b.WriteString("Error:     " + tview.Escape(trimLine(rec.Error, 200)) + "\n")
	}
	if len(rec.Summary) > 0 {
		var run domain.Run
		if err := json.Unmarshal(rec.Summary, &run); err == nil {
			fmt.Fprintf(&b, "Events:    %d recorded in summary\n", len(run.Events))
		}
	}
	return b.String()
}

func renderLocks(locks []lockRow) string {
	if len(locks) == 0 {
		return "No locks held"
	}
	var b strings.Builder
	for _, l := range locks {
		color := "yellow"
		switch l.Verdict {
		case "live":
			color = "green"
		case "stale":
			color = "red"
		}
		fmt.Fprintf(&b, "%-14s run=%s %s:%d since=%s [%s]%s[-]\n",
			l.TaskID, shortID(l.RunID), l.Hostname, l.PID, l.Timestamp.Local().Format("15:04:05"), color, l.Verdict)
	}
	return b.String()
}

func renderPool(pool poolView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workspaces (%s): %d of %d leased\n", pool.Kind, len(pool.Leased), pool.Capacity)
	for _, ws := range pool.Leased {
		fmt.Fprintf(&b, "  slot %02d  %-14s run=%s", ws.Slot, ws.TaskID, shortID(ws.RunID))
		if ws.Hostname != "" {
			fmt.Fprintf(&b, "  %s:%d", ws.Hostname, ws.PID)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func dataSummary(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, ", ")
}

func trimLine(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
