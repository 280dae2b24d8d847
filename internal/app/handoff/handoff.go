// Package handoff keeps a per-unit YAML digest of what each stage left
// behind, so an operator (or the next agent) can pick a unit up without
// rereading the whole story file.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/persistence/file"
)

const (
	// MaxSummary bounds each stage summary, in characters
	MaxSummary = 2000
	// MaxFiles bounds the files-modified list; the most recent are kept
	MaxFiles = 20
)

// StageNote is the digest of one stage
type StageNote struct {
	Stage       story.Stage    `yaml:"stage"`
	Outcome     story.Outcome  `yaml:"outcome"`
	Decision    story.Decision `yaml:"decision,omitempty"`
	Summary     string         `yaml:"summary,omitempty"`
	CompletedAt time.Time      `yaml:"completed_at"`
}

// Handoff is the sidecar document of one unit
type Handoff struct {
	UnitID        string      `yaml:"unit_id"`
	Title         string      `yaml:"title,omitempty"`
	Collection    string      `yaml:"collection"`
	State         story.State `yaml:"state"`
	Stages        []StageNote `yaml:"stages"`
	Decisions     []string    `yaml:"decisions,omitempty"`
	FilesModified []string    `yaml:"files_modified,omitempty"`
	Blockers      []string    `yaml:"blockers,omitempty"`
	UpdatedAt     time.Time   `yaml:"updated_at"`
}

// Build derives the handoff document from a run
func Build(collectionID string, run *story.RunState, now time.Time) Handoff {
	h := Handoff{
		UnitID:     run.Unit.ID,
		Title:      run.Unit.Title,
		Collection: collectionID,
		State:      run.Current,
		UpdatedAt:  now.UTC(),
	}

	var files []string
	for _, r := range run.History {
		h.Stages = append(h.Stages, StageNote{
			Stage:       r.Stage,
			Outcome:     r.Outcome,
			Decision:    r.Decision,
			Summary:     truncate(r.Summary, MaxSummary),
			CompletedAt: r.CompletedAt,
		})
		files = append(files, r.Artifacts...)

		if r.Outcome.IsSuccess() {
			continue
		}
		blocker := fmt.Sprintf("%s %s", r.Stage, r.Outcome)
		if r.Code != "" {
			blocker += " [" + r.Code + "]"
		}
		if r.Summary != "" {
			blocker += ": " + truncate(r.Summary, 200)
		}
		h.Blockers = append(h.Blockers, blocker)
	}

	for _, d := range run.Decisions() {
		h.Decisions = append(h.Decisions, string(d))
	}
	if len(files) > MaxFiles {
		files = files[len(files)-MaxFiles:]
	}
	h.FilesModified = files
	return h
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// Writer stores handoff documents under one directory
type Writer struct {
	fs     afero.Fs
	dir    string
	logger app.Logger
	now    func() time.Time
}

// NewWriter creates a handoff writer
func NewWriter(fs afero.Fs, dir string, logger app.Logger) *Writer {
	return &Writer{fs: fs, dir: dir, logger: app.LoggerOr(logger), now: time.Now}
}

// Path returns the handoff file of a unit
func (w *Writer) Path(unitID string) string {
	return filepath.Join(w.dir, unitID+".yaml")
}

// Save writes the handoff document of a run
func (w *Writer) Save(collectionID string, run *story.RunState) error {
	data, err := yaml.Marshal(Build(collectionID, run, w.now()))
	if err != nil {
		return fmt.Errorf("encode handoff: %w", err)
	}
	if err := w.fs.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create handoff dir: %w", err)
	}
	return file.WriteAtomic(w.fs, w.Path(run.Unit.ID), data, 0o644)
}

// StageFinished refreshes the document after every stage
func (w *Writer) StageFinished(ctx context.Context, collectionID string, run *story.RunState, result story.StageResult) {
	if err := w.Save(collectionID, run); err != nil {
		w.logger.Warn("handoff %s: %v", run.Unit.ID, err)
	}
}

// UnitFinished is a no-op; the last stage already wrote the final state
func (w *Writer) UnitFinished(ctx context.Context, collectionID string, run *story.RunState) {}

// ErrNoHandoff is returned by Load when a unit has no handoff yet
var ErrNoHandoff = errors.New("no handoff recorded")

// Load reads a unit's handoff document
func Load(fs afero.Fs, dir, unitID string) (Handoff, error) {
	data, err := afero.ReadFile(fs, filepath.Join(dir, unitID+".yaml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Handoff{}, ErrNoHandoff
		}
		return Handoff{}, err
	}
	var h Handoff
	if err := yaml.Unmarshal(data, &h); err != nil {
		return Handoff{}, fmt.Errorf("parse handoff %s: %w", unitID, err)
	}
	return h, nil
}
