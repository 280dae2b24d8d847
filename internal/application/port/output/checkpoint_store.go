package output

import (
	"context"

	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// CheckpointStore persists per-collection progress. Every write is a
// whole-record read-modify-write; implementations serialize writes per
// collection so concurrent units never drop each other's records.
type CheckpointStore interface {
	// Load returns the collection's checkpoint, empty if none was saved
	Load(ctx context.Context, collectionID string) (*story.Checkpoint, error)

	RecordSuccess(ctx context.Context, collectionID string, rec story.CompletedRecord) error
	RecordFailure(ctx context.Context, collectionID string, rec story.FailedRecord) error

	// ShouldSkip is true iff the unit is in the completed set
	ShouldSkip(ctx context.Context, collectionID, unitID string) (bool, error)

	// Reset forgets everything recorded for the collection
	Reset(ctx context.Context, collectionID string) error
}
