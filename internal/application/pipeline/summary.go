package pipeline

import (
	"time"

	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// UnitReport is the scheduler's view of one unit after a run
type UnitReport struct {
	Unit    story.Unit
	State   story.State // terminal state; empty when skipped or interrupted
	Reason  string
	History []story.StageResult
	Skipped bool
	Err     error // infrastructure error that aborted the unit, if any
}

// Finished reports whether the unit reached a terminal state in this run
func (r UnitReport) Finished() bool {
	return r.State.IsTerminal()
}

// CollectionSummary is the result of one scheduler run, in input order
type CollectionSummary struct {
	CollectionID string
	Reports      []UnitReport
	StartedAt    time.Time
	FinishedAt   time.Time
	Interrupted  bool
}

func (s CollectionSummary) count(pred func(UnitReport) bool) int {
	n := 0
	for _, r := range s.Reports {
		if pred(r) {
			n++
		}
	}
	return n
}

// Completed counts units that reached Complete in this run
func (s CollectionSummary) Completed() int {
	return s.count(func(r UnitReport) bool { return r.State == story.StateComplete })
}

// Blocked counts units stopped by a BLOCKED decision
func (s CollectionSummary) Blocked() int {
	return s.count(func(r UnitReport) bool { return r.State == story.StateBlocked })
}

// ChangesRequested counts units sent back for re-planning
func (s CollectionSummary) ChangesRequested() int {
	return s.count(func(r UnitReport) bool { return r.State == story.StateChangesRequested })
}

// Failed counts units that ended Failed, including aborted units
func (s CollectionSummary) Failed() int {
	return s.count(func(r UnitReport) bool { return r.State == story.StateFailed })
}

// Skipped counts units already completed by an earlier run
func (s CollectionSummary) Skipped() int {
	return s.count(func(r UnitReport) bool { return r.Skipped })
}

// Pending counts units not processed because the run was interrupted
func (s CollectionSummary) Pending() int {
	return s.count(func(r UnitReport) bool { return !r.Skipped && !r.Finished() })
}

// Duration returns the wall time of the run
func (s CollectionSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// OK reports whether no unit failed
func (s CollectionSummary) OK() bool {
	return s.Failed() == 0
}
