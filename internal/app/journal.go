package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// Journal entry kinds
const (
	KindStage = "stage"
	KindUnit  = "unit"
)

// JournalEntry is one NDJSON line of the audit journal
type JournalEntry struct {
	TS         string   `json:"ts"`
	RunID      string   `json:"run_id"`
	Kind       string   `json:"kind"`
	Collection string   `json:"collection"`
	Unit       string   `json:"unit"`
	Stage      string   `json:"stage"`
	Outcome    string   `json:"outcome"`
	Decision   string   `json:"decision"`
	State      string   `json:"state"`
	ElapsedMs  int64    `json:"elapsed_ms"`
	Code       string   `json:"code,omitempty"`
	Reason     string   `json:"reason"`
	Artifacts  []string `json:"artifacts"`
}

// StageEntry builds the journal line of a finished stage
func StageEntry(collectionID string, run *story.RunState, res story.StageResult) JournalEntry {
	return JournalEntry{
		TS:         res.CompletedAt.UTC().Format(time.RFC3339Nano),
		Kind:       KindStage,
		Collection: collectionID,
		Unit:       run.Unit.ID,
		Stage:      string(res.Stage),
		Outcome:    string(res.Outcome),
		Decision:   string(res.Decision),
		State:      string(run.Current),
		ElapsedMs:  res.Elapsed.Milliseconds(),
		Code:       res.Code,
		Reason:     res.Reason,
		Artifacts:  res.FileList(),
	}
}

// UnitEntry builds the journal line of a unit reaching a terminal state
func UnitEntry(collectionID string, run *story.RunState) JournalEntry {
	e := JournalEntry{
		Kind:       KindUnit,
		Collection: collectionID,
		Unit:       run.Unit.ID,
		State:      string(run.Current),
		Reason:     run.Reason,
		Artifacts:  run.FileList(),
	}
	if last, ok := run.Last(); ok {
		e.Stage = string(last.Stage)
		e.Outcome = string(last.Outcome)
		e.Decision = string(last.Decision)
	}
	var total time.Duration
	for _, r := range run.History {
		total += r.Elapsed
	}
	e.ElapsedMs = total.Milliseconds()
	return e
}

// NormalizeJournalEntry fills the fields every line must carry
func NormalizeJournalEntry(e *JournalEntry) JournalEntry {
	var out JournalEntry
	if e != nil {
		out = *e
	}
	if out.TS == "" || out.TS == (time.Time{}).Format(time.RFC3339Nano) {
		out.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if out.Kind == "" {
		out.Kind = KindStage
	}
	if out.Artifacts == nil {
		out.Artifacts = []string{}
	}
	return out
}

// ValidateJournalEntry checks enum fields of a normalized entry
func ValidateJournalEntry(e JournalEntry) error {
	if e.TS == "" {
		return errors.New("ts is empty")
	}
	if e.Unit == "" {
		return errors.New("unit is empty")
	}
	if e.Artifacts == nil {
		return errors.New("artifacts is nil")
	}
	switch e.Kind {
	case KindStage:
		if !story.Stage(e.Stage).IsValid() {
			return fmt.Errorf("invalid stage %q", e.Stage)
		}
		if !story.Outcome(e.Outcome).IsValid() {
			return fmt.Errorf("invalid outcome %q", e.Outcome)
		}
	case KindUnit:
		if !story.State(e.State).IsTerminal() {
			return fmt.Errorf("unit entry with non-terminal state %q", e.State)
		}
	default:
		return fmt.Errorf("invalid kind %q", e.Kind)
	}
	if e.Decision != "" && !story.Decision(e.Decision).IsValid() {
		return fmt.Errorf("invalid decision %q", e.Decision)
	}
	return nil
}
