package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

const (
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// SQLiteStore keeps checkpoint records in a SQLite database
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	// single writer; SQLite serializes anyway but attempts need read-modify-write
	mu sync.Mutex
}

// OpenSQLite opens (or creates) the database at dsn and migrates it.
// ":memory:" is accepted for tests.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	// One connection keeps ":memory:" a single database
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

var _ output.CheckpointStore = (*SQLiteStore)(nil)

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load assembles the checkpoint document from the collection's rows
func (s *SQLiteStore) Load(ctx context.Context, collectionID string) (*story.Checkpoint, error) {
	cp := story.NewCheckpoint(collectionID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT unit_id, status, title, outcome, stage, reason, summary, files, history, attempts, recorded_at
		FROM checkpoint_units WHERE collection_id = ?`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoint %s: %w", collectionID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			unitID, status, title, outcome, stage string
			reason, summary, filesJSON, histJSON  string
			attempts                              int
			recordedAt                            string
		)
		if err := rows.Scan(&unitID, &status, &title, &outcome, &stage, &reason, &summary, &filesJSON, &histJSON, &attempts, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}

		var files []string
		var history []story.StageResult
		if err := json.Unmarshal([]byte(filesJSON), &files); err != nil {
			return nil, fmt.Errorf("decode files of %s: %w", unitID, err)
		}
		if err := json.Unmarshal([]byte(histJSON), &history); err != nil {
			return nil, fmt.Errorf("decode history of %s: %w", unitID, err)
		}
		at, _ := time.Parse(time.RFC3339Nano, recordedAt)

		switch status {
		case statusCompleted:
			cp.Completed[unitID] = story.CompletedRecord{
				UnitID:      unitID,
				Title:       title,
				Outcome:     story.State(outcome),
				LastStage:   story.Stage(stage),
				Summary:     summary,
				Files:       files,
				History:     history,
				CompletedAt: at,
			}
		case statusFailed:
			cp.Failed[unitID] = story.FailedRecord{
				UnitID:   unitID,
				Title:    title,
				Outcome:  story.State(outcome),
				Stage:    story.Stage(stage),
				Reason:   reason,
				Attempts: attempts,
				History:  history,
				FailedAt: at,
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var updated string
	err = s.db.QueryRowContext(ctx, "SELECT updated_at FROM checkpoint_collections WHERE collection_id = ?", collectionID).Scan(&updated)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("query checkpoint %s: %w", collectionID, err)
	default:
		cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	}
	return cp, nil
}

// RecordSuccess upserts a completed row, replacing any failure
func (s *SQLiteStore) RecordSuccess(ctx context.Context, collectionID string, rec story.CompletedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	at := rec.CompletedAt
	if at.IsZero() {
		at = now
	}
	return s.upsert(ctx, collectionID, row{
		unitID:     rec.UnitID,
		status:     statusCompleted,
		title:      rec.Title,
		outcome:    string(rec.Outcome),
		stage:      string(rec.LastStage),
		summary:    rec.Summary,
		files:      rec.Files,
		history:    rec.History,
		recordedAt: at.UTC(),
	}, now)
}

// RecordFailure upserts a failed row, incrementing attempts
func (s *SQLiteStore) RecordFailure(ctx context.Context, collectionID string, rec story.FailedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev int
	err := s.db.QueryRowContext(ctx,
		"SELECT attempts FROM checkpoint_units WHERE collection_id = ? AND unit_id = ? AND status = ?",
		collectionID, rec.UnitID, statusFailed).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read attempts of %s: %w", rec.UnitID, err)
	}

	now := s.now().UTC()
	at := rec.FailedAt
	if at.IsZero() {
		at = now
	}
	return s.upsert(ctx, collectionID, row{
		unitID:     rec.UnitID,
		status:     statusFailed,
		title:      rec.Title,
		outcome:    string(rec.Outcome),
		stage:      string(rec.Stage),
		reason:     rec.Reason,
		history:    rec.History,
		attempts:   prev + 1,
		recordedAt: at.UTC(),
	}, now)
}

type row struct {
	unitID, status, title, outcome, stage, reason, summary string
	files                                                  []string
	history                                                []story.StageResult
	attempts                                               int
	recordedAt                                             time.Time
}

func (s *SQLiteStore) upsert(ctx context.Context, collectionID string, r row, now time.Time) error {
	if r.files == nil {
		r.files = []string{}
	}
	if r.history == nil {
		r.history = []story.StageResult{}
	}
	files, err := json.Marshal(r.files)
	if err != nil {
		return err
	}
	history, err := json.Marshal(r.history)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_units
			(collection_id, unit_id, status, title, outcome, stage, reason, summary, files, history, attempts, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection_id, unit_id) DO UPDATE SET
			status = excluded.status,
			title = excluded.title,
			outcome = excluded.outcome,
			stage = excluded.stage,
			reason = excluded.reason,
			summary = excluded.summary,
			files = excluded.files,
			history = excluded.history,
			attempts = excluded.attempts,
			recorded_at = excluded.recorded_at`,
		collectionID, r.unitID, r.status, r.title, r.outcome, r.stage, r.reason, r.summary,
		string(files), string(history), r.attempts, r.recordedAt.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("write checkpoint row %s: %w", r.unitID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_collections (collection_id, updated_at) VALUES (?, ?)
		ON CONFLICT(collection_id) DO UPDATE SET updated_at = excluded.updated_at`,
		collectionID, now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("touch collection %s: %w", collectionID, err)
	}
	return tx.Commit()
}

// ShouldSkip reports whether the unit has a completed row
func (s *SQLiteStore) ShouldSkip(ctx context.Context, collectionID, unitID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM checkpoint_units WHERE collection_id = ? AND unit_id = ? AND status = ?",
		collectionID, unitID, statusCompleted).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query checkpoint %s: %w", collectionID, err)
	}
	return n > 0, nil
}

// Reset deletes every row of the collection
func (s *SQLiteStore) Reset(ctx context.Context, collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM checkpoint_units WHERE collection_id = ?",
		"DELETE FROM checkpoint_collections WHERE collection_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, collectionID); err != nil {
			return fmt.Errorf("reset checkpoint %s: %w", collectionID, err)
		}
	}
	return tx.Commit()
}
