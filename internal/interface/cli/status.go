package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/app/handoff"
	"github.com/YoshitsuguKoike/storyflow/internal/app/planning"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/checkpoint"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	var unitID string

	cmd := &cobra.Command{
		Use:   "status <collection>",
		Short: "Show checkpoint progress of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := root.load(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if unitID != "" {
				return showUnit(env, args[0], unitID)
			}
			return showCollection(cmd.Context(), env, args[0])
		},
	}

	cmd.Flags().StringVar(&unitID, "unit", "", "Show the handoff and journal of one story")
	return cmd
}

// showCollection prints one row per story: planned stories first, in
// collection order, then any checkpoint records no longer planned
func showCollection(ctx context.Context, env *environment, collectionID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	checkpoints, closer, err := checkpoint.Open(ctx, env.cfg.CheckpointBackend(), env.fs, env.paths)
	if err != nil {
		return err
	}
	defer closer.Close()

	cp, err := checkpoints.Load(ctx, collectionID)
	if err != nil {
		return err
	}

	var units []story.Unit
	collection, err := planning.Load(env.fs, env.paths, collectionID)
	switch {
	case err == nil:
		units = collection.Units
	case errors.Is(err, planning.ErrCollectionNotFound):
		env.logger.Debug("status: %v", err)
	default:
		return err
	}

	fmt.Fprintln(env.out, titleStyle.Render("Collection "+collectionID))
	fmt.Fprintln(env.out, statusTable(cp, units))
	fmt.Fprintf(env.out, "completed %d  failed %d  pending %d\n",
		len(cp.Completed), len(cp.Failed), pendingCount(cp, units))
	if !cp.UpdatedAt.IsZero() {
		fmt.Fprintf(env.out, "updated %s\n", cp.UpdatedAt.Local().Format(time.DateTime))
	}
	return nil
}

func statusTable(cp *story.Checkpoint, units []story.Unit) string {
	t := newTable("STORY", "TITLE", "DRAFT", "VALIDATE", "IMPLEMENT", "VERIFY", "STATE", "ATTEMPTS", "REASON")

	seen := make(map[string]bool, len(units))
	for _, u := range units {
		seen[u.ID] = true
		t.Row(statusRow(cp, u.ID, u.Title)...)
	}
	for _, id := range cp.CompletedIDs() {
		if !seen[id] {
			seen[id] = true
			t.Row(statusRow(cp, id, "")...)
		}
	}
	for _, id := range cp.FailedIDs() {
		if !seen[id] {
			t.Row(statusRow(cp, id, "")...)
		}
	}
	return t.String()
}

func statusRow(cp *story.Checkpoint, id, title string) []string {
	if rec, ok := cp.Completed[id]; ok {
		if title == "" {
			title = rec.Title
		}
		row := []string{id, truncateCell(title, 32)}
		row = append(row, stageMarks(rec.History)...)
		return append(row, colorState(rec.Outcome, string(rec.Outcome)), "", "")
	}
	if rec, ok := cp.Failed[id]; ok {
		if title == "" {
			title = rec.Title
		}
		row := []string{id, truncateCell(title, 32)}
		row = append(row, stageMarks(rec.History)...)
		return append(row, colorState(rec.Outcome, string(rec.Outcome)), fmt.Sprint(rec.Attempts), truncateCell(rec.Reason, 48))
	}
	row := []string{id, truncateCell(title, 32)}
	row = append(row, stageMarks(nil)...)
	return append(row, "Pending", "", "")
}

func pendingCount(cp *story.Checkpoint, units []story.Unit) int {
	n := 0
	for _, u := range units {
		_, done := cp.Completed[u.ID]
		_, failed := cp.Failed[u.ID]
		if !done && !failed {
			n++
		}
	}
	return n
}

// showUnit prints the handoff sidecar and the journal lines of one story
func showUnit(env *environment, collectionID, unitID string) error {
	h, err := handoff.Load(env.fs, env.paths.Handoff, unitID)
	switch {
	case err == nil:
		writeHandoff(env.out, h)
	case errors.Is(err, handoff.ErrNoHandoff):
		fmt.Fprintf(env.out, "Story %s has not run yet\n", unitID)
	default:
		return err
	}

	entries, err := app.ReadJournal(env.fs, env.paths.Journal, collectionID)
	if err != nil {
		return err
	}
	t := newTable("TIME", "RUN", "STAGE", "OUTCOME", "DECISION", "ELAPSED", "REASON")
	rows := 0
	for _, e := range entries {
		if e.Unit != unitID || e.Kind != app.KindStage {
			continue
		}
		rows++
		t.Row(shortTime(e.TS), shortRunID(e.RunID), e.Stage, e.Outcome, e.Decision,
			(time.Duration(e.ElapsedMs) * time.Millisecond).Round(time.Second).String(), e.Reason)
	}
	if rows > 0 {
		fmt.Fprintln(env.out, t.String())
	}
	return nil
}

func writeHandoff(w io.Writer, h handoff.Handoff) {
	title := "Story " + h.UnitID
	if h.Title != "" {
		title += ": " + h.Title
	}
	fmt.Fprintln(w, titleStyle.Render(title))
	fmt.Fprintf(w, "State:   %s\n", colorState(h.State, string(h.State)))
	fmt.Fprintf(w, "Updated: %s\n", h.UpdatedAt.Local().Format(time.DateTime))
	for _, s := range h.Stages {
		line := fmt.Sprintf("  %-9s %s", s.Stage, s.Outcome)
		if s.Decision != "" {
			line += " (" + string(s.Decision) + ")"
		}
		if s.Summary != "" {
			line += ": " + truncateCell(s.Summary, 80)
		}
		fmt.Fprintln(w, line)
	}
	if len(h.FilesModified) > 0 {
		fmt.Fprintf(w, "Files:   %s\n", strings.Join(h.FilesModified, ", "))
	}
	for _, b := range h.Blockers {
		fmt.Fprintf(w, "Blocker: %s\n", b)
	}
}

func shortTime(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format(time.DateTime)
}

func shortRunID(id string) string {
	if len(id) > 10 {
		return id[len(id)-10:]
	}
	return id
}
