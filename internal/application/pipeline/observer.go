package pipeline

import (
	"context"

	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// Observer is notified as units move through the pipeline. Observers must
// not fail the run; they log their own errors.
type Observer interface {
	StageFinished(ctx context.Context, collectionID string, run *story.RunState, result story.StageResult)
	UnitFinished(ctx context.Context, collectionID string, run *story.RunState)
}

// Observers fans notifications out to several observers in order
type Observers []Observer

func (o Observers) StageFinished(ctx context.Context, collectionID string, run *story.RunState, result story.StageResult) {
	for _, obs := range o {
		obs.StageFinished(ctx, collectionID, run, result)
	}
}

func (o Observers) UnitFinished(ctx context.Context, collectionID string, run *story.RunState) {
	for _, obs := range o {
		obs.UnitFinished(ctx, collectionID, run)
	}
}
