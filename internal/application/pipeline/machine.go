package pipeline

import (
	"context"
	"fmt"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// StageRunner runs one stage of one unit
type StageRunner interface {
	Run(ctx context.Context, unit story.Unit, stage story.Stage) (story.StageResult, error)
}

// ArtifactPreparer readies a unit's artifact before its first stage: a
// stub when none exists, otherwise the previous run's stage outputs are
// cleared so no stage resolves from stale content.
type ArtifactPreparer interface {
	CreateStub(unit story.Unit) (bool, error)
	ClearStageOutputs(unitID string) (bool, error)
}

// Machine drives one unit through draft, validate, implement and verify.
// Stages run strictly in sequence and a terminal state is never left.
type Machine struct {
	runner   StageRunner
	stubs    ArtifactPreparer
	observer Observer
	logger   app.Logger
}

// NewMachine creates a unit state machine. observer may be nil.
func NewMachine(runner StageRunner, stubs ArtifactPreparer, observer Observer, logger app.Logger) *Machine {
	if observer == nil {
		observer = Observers(nil)
	}
	return &Machine{
		runner:   runner,
		stubs:    stubs,
		observer: observer,
		logger:   app.LoggerOr(logger),
	}
}

// Process runs the unit to a terminal state. The returned error is either
// a cancellation of ctx or an infrastructure failure before the first
// stage; the run is then incomplete and must not be recorded.
func (m *Machine) Process(ctx context.Context, collectionID string, unit story.Unit) (*story.RunState, error) {
	if err := unit.Validate(); err != nil {
		return nil, err
	}
	run := story.NewRunState(unit)

	if m.stubs != nil {
		created, err := m.stubs.CreateStub(unit)
		if err != nil {
			return run, fmt.Errorf("create artifact for %s: %w", unit.ID, err)
		}
		if created {
			m.logger.Debug("created artifact stub for %s", unit.ID)
		} else {
			cleared, err := m.stubs.ClearStageOutputs(unit.ID)
			if err != nil {
				return run, fmt.Errorf("prepare artifact for %s: %w", unit.ID, err)
			}
			if cleared {
				m.logger.Info("%s: cleared stage results of an earlier run", unit.ID)
			}
		}
	}

	for !run.IsTerminal() {
		stage := run.Current.Stage()
		m.logger.Info("▶ %s: %s", unit.DisplayName(), stage)

		result, err := m.runner.Run(ctx, unit, stage)
		if err != nil {
			return run, err
		}
		next, err := run.Apply(result)
		if err != nil {
			return run, err
		}
		m.observer.StageFinished(ctx, collectionID, run, result)
		m.logger.Debug("%s: %s -> %s", unit.ID, stage, next)
	}

	m.observer.UnitFinished(ctx, collectionID, run)
	return run, nil
}
