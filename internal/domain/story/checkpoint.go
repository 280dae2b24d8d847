package story

import (
	"sort"
	"time"
)

// CheckpointVersion is the version written into new checkpoint documents
const CheckpointVersion = 1

// CompletedRecord summarises a unit that reached Complete
type CompletedRecord struct {
	UnitID      string        `yaml:"-" json:"unit_id"`
	Title       string        `yaml:"title,omitempty" json:"title,omitempty"`
	Outcome     State         `yaml:"outcome" json:"outcome"`
	LastStage   Stage         `yaml:"last_stage" json:"last_stage"`
	Summary     string        `yaml:"summary,omitempty" json:"summary,omitempty"`
	Files       []string      `yaml:"files,omitempty" json:"files,omitempty"`
	History     []StageResult `yaml:"history,omitempty" json:"history,omitempty"`
	CompletedAt time.Time     `yaml:"completed_at" json:"completed_at"`
}

// FailedRecord describes a unit that ended in any non-Complete terminal state
type FailedRecord struct {
	UnitID   string        `yaml:"-" json:"unit_id"`
	Title    string        `yaml:"title,omitempty" json:"title,omitempty"`
	Outcome  State         `yaml:"outcome" json:"outcome"`
	Stage    Stage         `yaml:"stage" json:"stage"`
	Reason   string        `yaml:"reason" json:"reason"`
	Attempts int           `yaml:"attempts" json:"attempts"`
	History  []StageResult `yaml:"history,omitempty" json:"history,omitempty"`
	FailedAt time.Time     `yaml:"failed_at" json:"failed_at"`
}

// Checkpoint is the durable progress record of one collection. The
// completed set alone decides whether a unit is skipped on resume.
type Checkpoint struct {
	CollectionID string                     `yaml:"collection_id"`
	Version      int                        `yaml:"version"`
	Completed    map[string]CompletedRecord `yaml:"completed"`
	Failed       map[string]FailedRecord    `yaml:"failed"`
	UpdatedAt    time.Time                  `yaml:"updated_at"`
}

// NewCheckpoint returns an empty checkpoint for a collection
func NewCheckpoint(collectionID string) *Checkpoint {
	return &Checkpoint{
		CollectionID: collectionID,
		Version:      CheckpointVersion,
		Completed:    make(map[string]CompletedRecord),
		Failed:       make(map[string]FailedRecord),
	}
}

// Normalize fills maps and unit IDs after decoding
func (c *Checkpoint) Normalize() {
	if c.Completed == nil {
		c.Completed = make(map[string]CompletedRecord)
	}
	if c.Failed == nil {
		c.Failed = make(map[string]FailedRecord)
	}
	if c.Version == 0 {
		c.Version = CheckpointVersion
	}
	for id, rec := range c.Completed {
		rec.UnitID = id
		c.Completed[id] = rec
	}
	for id, rec := range c.Failed {
		rec.UnitID = id
		c.Failed[id] = rec
	}
}

// RecordSuccess marks a unit completed and drops any earlier failure
func (c *Checkpoint) RecordSuccess(rec CompletedRecord, now time.Time) {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = now
	}
	rec.CompletedAt = rec.CompletedAt.UTC()
	c.Completed[rec.UnitID] = rec
	delete(c.Failed, rec.UnitID)
	c.UpdatedAt = now.UTC()
}

// RecordFailure stores the latest failure of a unit, counting attempts
func (c *Checkpoint) RecordFailure(rec FailedRecord, now time.Time) {
	if rec.FailedAt.IsZero() {
		rec.FailedAt = now
	}
	rec.FailedAt = rec.FailedAt.UTC()
	rec.Attempts = c.Failed[rec.UnitID].Attempts + 1
	c.Failed[rec.UnitID] = rec
	delete(c.Completed, rec.UnitID)
	c.UpdatedAt = now.UTC()
}

// ShouldSkip reports whether the unit is in the completed set
func (c *Checkpoint) ShouldSkip(unitID string) bool {
	_, ok := c.Completed[unitID]
	return ok
}

// CompletedIDs returns the completed unit IDs in sorted order
func (c *Checkpoint) CompletedIDs() []string {
	return sortedKeys(c.Completed)
}

// FailedIDs returns the failed unit IDs in sorted order
func (c *Checkpoint) FailedIDs() []string {
	return sortedKeys(c.Failed)
}

// IsEmpty reports whether nothing has been recorded yet
func (c *Checkpoint) IsEmpty() bool {
	return len(c.Completed) == 0 && len(c.Failed) == 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CompletedRecordOf summarises a run that reached Complete
func CompletedRecordOf(run *RunState) CompletedRecord {
	rec := CompletedRecord{
		UnitID:  run.Unit.ID,
		Title:   run.Unit.Title,
		Outcome: run.Current,
		Files:   run.FileList(),
		History: historyCopy(run.History),
	}
	if last, ok := run.Last(); ok {
		rec.LastStage = last.Stage
		rec.Summary = last.Summary
		rec.CompletedAt = last.CompletedAt
	}
	return rec
}

// FailedRecordOf summarises a run that ended Blocked, ChangesRequested or Failed
func FailedRecordOf(run *RunState) FailedRecord {
	rec := FailedRecord{
		UnitID:  run.Unit.ID,
		Title:   run.Unit.Title,
		Outcome: run.Current,
		Reason:  run.Reason,
		History: historyCopy(run.History),
		Stage:   StageDraft,
	}
	if last, ok := run.Last(); ok {
		rec.Stage = last.Stage
		rec.FailedAt = last.CompletedAt
	}
	return rec
}

func historyCopy(in []StageResult) []StageResult {
	if len(in) == 0 {
		return nil
	}
	out := make([]StageResult, len(in))
	for i, r := range in {
		out[i] = r.Freeze()
	}
	return out
}
