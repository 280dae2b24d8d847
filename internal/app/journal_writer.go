package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// JournalWriter appends NDJSON lines to the audit journal. One writer
// belongs to one scheduler run and stamps every line with its run ID.
type JournalWriter struct {
	fs     afero.Fs
	path   string
	runID  string
	logger Logger

	mu sync.Mutex
}

// NewJournalWriter creates a writer with a fresh ULID run ID
func NewJournalWriter(fs afero.Fs, path string, logger Logger) *JournalWriter {
	return &JournalWriter{
		fs:     fs,
		path:   path,
		runID:  ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		logger: LoggerOr(logger),
	}
}

// RunID returns the ID written into every line of this run
func (w *JournalWriter) RunID() string {
	return w.runID
}

// Path returns the journal file
func (w *JournalWriter) Path() string {
	return w.path
}

// Append normalizes entry and writes it as one fsynced line
func (w *JournalWriter) Append(entry JournalEntry) error {
	if entry.RunID == "" {
		entry.RunID = w.runID
	}
	e := NormalizeJournalEntry(&entry)
	if err := ValidateJournalEntry(e); err != nil {
		w.logger.Warn("journal schema validation: %v", err)
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fs.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	f, err := w.fs.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if _, err := bw.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		// the line is written; durability is best effort
		w.logger.Warn("failed to fsync journal: %v", err)
	}
	return nil
}

// StageFinished journals a stage result. Journal failures are logged only.
func (w *JournalWriter) StageFinished(ctx context.Context, collectionID string, run *story.RunState, result story.StageResult) {
	if err := w.Append(StageEntry(collectionID, run, result)); err != nil {
		w.logger.Warn("journal %s/%s: %v", run.Unit.ID, result.Stage, err)
	}
}

// UnitFinished journals a unit's terminal state
func (w *JournalWriter) UnitFinished(ctx context.Context, collectionID string, run *story.RunState) {
	if err := w.Append(UnitEntry(collectionID, run)); err != nil {
		w.logger.Warn("journal %s: %v", run.Unit.ID, err)
	}
}

// ReadJournal returns the entries of a collection, oldest first. Lines
// that do not decode, such as a torn last line, are skipped.
func ReadJournal(fs afero.Fs, path, collectionID string) ([]JournalEntry, error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []JournalEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e JournalEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if collectionID == "" || e.Collection == collectionID {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}
