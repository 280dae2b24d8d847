package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/YoshitsuguKoike/storyflow/internal/application/pipeline"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// Stage marks used in summary and status tables
const (
	markSucceeded = "✓"
	markBlocked   = "■"
	markFailed    = "✗"
	markTimedOut  = "⏱"
	markNotRun    = "·"
	markSkipped   = "skip"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))

	stateColors = map[story.State]lipgloss.Color{
		story.StateComplete:         lipgloss.Color("#50FA7B"),
		story.StateBlocked:          lipgloss.Color("#F1FA8C"),
		story.StateChangesRequested: lipgloss.Color("#F1FA8C"),
		story.StateFailed:           lipgloss.Color("#FF5555"),
	}
)

// stageMark renders the outcome of one stage
func stageMark(r story.StageResult, ok bool) string {
	if !ok {
		return markNotRun
	}
	switch r.Outcome {
	case story.OutcomeSucceeded:
		return markSucceeded
	case story.OutcomeBlocked:
		return markBlocked
	case story.OutcomeTimedOut:
		return markTimedOut
	default:
		return markFailed
	}
}

// stageMarks returns one mark per stage, in pipeline order
func stageMarks(history []story.StageResult) []string {
	byStage := make(map[story.Stage]story.StageResult, len(history))
	for _, r := range history {
		byStage[r.Stage] = r
	}
	marks := make([]string, 0, 4)
	for _, s := range story.Stages() {
		r, ok := byStage[s]
		marks = append(marks, stageMark(r, ok))
	}
	return marks
}

// newTable returns a table styled like every storyflow listing
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func summaryRows(summary pipeline.CollectionSummary) [][]string {
	rows := make([][]string, 0, len(summary.Reports))
	for _, r := range summary.Reports {
		row := []string{r.Unit.ID, truncateCell(r.Unit.Title, 32)}
		switch {
		case r.Skipped:
			row = append(row, markSkipped, markSkipped, markSkipped, markSkipped, "Complete", "checkpoint")
		default:
			row = append(row, stageMarks(r.History)...)
			state := string(r.State)
			if state == "" {
				state = "Interrupted"
			}
			reason := r.Reason
			if r.Err != nil && reason == "" {
				reason = r.Err.Error()
			}
			row = append(row, colorState(r.State, state), truncateCell(reason, 48))
		}
		rows = append(rows, row)
	}
	return rows
}

// renderSummary prints the per-unit table and the totals line
func renderSummary(w io.Writer, summary pipeline.CollectionSummary) {
	t := newTable("STORY", "TITLE", "DRAFT", "VALIDATE", "IMPLEMENT", "VERIFY", "STATE", "REASON")
	t.Rows(summaryRows(summary)...)

	fmt.Fprintln(w, titleStyle.Render("Collection "+summary.CollectionID))
	fmt.Fprintln(w, t.String())
	fmt.Fprintf(w, "completed %d  blocked %d  changes %d  failed %d  skipped %d  pending %d  in %s\n",
		summary.Completed(), summary.Blocked(), summary.ChangesRequested(),
		summary.Failed(), summary.Skipped(), summary.Pending(),
		summary.Duration().Round(time.Second))
	if summary.Interrupted {
		fmt.Fprintln(w, "run interrupted; unfinished stories will run again on the next invocation")
	}
}

func colorState(state story.State, text string) string {
	c, ok := stateColors[state]
	if !ok {
		return text
	}
	return lipgloss.NewStyle().Foreground(c).Render(text)
}

func truncateCell(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
