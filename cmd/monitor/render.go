package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"halforge/internal/domain"
)

func renderRunsTable(table *tview.Table, runs []domain.Run, selectedRunID string) {
	table.Clear()
	headers := []string{"Run", "Status", "Tasks", "Started", "Took", "Input"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, r := range runs {
		row := i + 1
		took := "-"
		if r.FinishedAt != nil {
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		table.SetCell(row, 0, tview.NewTableCell(shortID(r.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(r.Status)).SetTextColor(runColor(r.Status)))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", r.TaskCount)))
		table.SetCell(row, 3, tview.NewTableCell(r.StartedAt.Local().Format("15:04:05")))
		table.SetCell(row, 4, tview.NewTableCell(took))
		table.SetCell(row, 5, tview.NewTableCell(trimLine(r.Input, 48)))
		if r.ID == selectedRunID {
			table.Select(row, 0)
		}
	}
}

func runColor(status domain.RunStatus) tcell.Color {
	switch status {
	case domain.RunStatusSucceeded:
		return tcell.ColorGreen
	case domain.RunStatusAborted:
		return tcell.ColorRed
	default:
		return tcell.ColorYellow
	}
}

func taskTag(status domain.TaskStatus) string {
	switch status {
	case domain.TaskStatusSucceeded:
		return "green"
	case domain.TaskStatusDegraded:
		return "yellow"
	case domain.TaskStatusFailed:
		return "red"
	case domain.TaskStatusRunning:
		return "aqua"
	default:
		return "white"
	}
}

// renderTasks groups tasks by wave so the dispatch order is visible.
func renderTasks(items []domain.Task) string {
	if len(items) == 0 {
		return "No tasks"
	}
	sorted := append([]domain.Task(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Wave != sorted[j].Wave {
			return sorted[i].Wave < sorted[j].Wave
		}
		return sorted[i].ID < sorted[j].ID
	})
	var b strings.Builder
	wave := -1
	for _, t := range sorted {
		if t.Wave != wave {
			wave = t.Wave
			b.WriteString(fmt.Sprintf("wave %d\n", wave))
		}
		b.WriteString(fmt.Sprintf(
			"  [%s]%-10s[-] %-28s units=%-3d chunks=%d attempts=%d %s\n",
			taskTag(t.Status),
			t.Status,
			trimLine(t.ID, 28),
			t.Complexity,
			t.Chunks,
			t.Attempts,
			t.Provenance,
		))
		if t.LastError != "" {
			b.WriteString("    error: " + trimLine(t.LastError, 100) + "\n")
		}
	}
	return b.String()
}

func renderAttempts(items []domain.Attempt) string {
	if len(items) == 0 {
		return "No attempts"
	}
	var b strings.Builder
	for i := len(items) - 1; i >= 0; i-- {
		a := items[i]
		b.WriteString(fmt.Sprintf(
			"[%s] %s#%d try=%d %-8s %s/%s %s\n",
			a.StartedAt.Local().Format("15:04:05"),
			trimLine(a.TaskID, 24),
			a.ChunkSeq,
			a.Number,
			a.Outcome,
			a.Duration.Round(100*time.Millisecond),
			a.Budget.Round(time.Second),
			a.Variant,
		))
		if a.Reason != "" {
			b.WriteString("  reason: " + trimLine(a.Reason, 90) + "\n")
		}
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s %s\n  reason: %s\n",
			d.CreatedAt.Local().Format("15:04:05"),
			d.Actor,
			d.Action,
			d.TaskID,
			trimLine(d.Reason, 100),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func renderStats(s statsResponse) string {
	if s.Stats.Total == 0 {
		return "No generations recorded yet"
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf(
		"overall %d/%d success=%.0f%% avg=%s dropped_events=%d\n",
		s.Stats.Successes,
		s.Stats.Total,
		s.Stats.SuccessRate*100,
		s.Stats.AvgGenerationTime.Round(100*time.Millisecond),
		s.DroppedEvents,
	))
	for _, g := range s.Stats.ByKind {
		b.WriteString(fmt.Sprintf("  %-14s %3d/%-3d %.0f%% avg=%s\n", g.Group, g.Successes, g.Total, g.SuccessRate*100, g.AvgGenerationTime.Round(100*time.Millisecond)))
	}
	if len(s.Stats.ByVariant) > 0 {
		parts := make([]string, 0, len(s.Stats.ByVariant))
		for _, g := range s.Stats.ByVariant {
			parts = append(parts, fmt.Sprintf("%s=%.0f%%", g.Group, g.SuccessRate*100))
		}
		b.WriteString("  variants: " + strings.Join(parts, " ") + "\n")
	}
	if len(s.LearningCurve) > 0 {
		b.WriteString("  curve: " + sparkline(s.LearningCurve) + "\n")
	}
	return b.String()
}

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

func sparkline(points []domain.LearningPoint) string {
	out := make([]rune, 0, len(points))
	for _, p := range points {
		idx := int(p.SuccessRate * float64(len(sparkBlocks)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sparkBlocks) {
			idx = len(sparkBlocks) - 1
		}
		out = append(out, sparkBlocks[idx])
	}
	return string(out)
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
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
