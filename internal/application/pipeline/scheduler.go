package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// ErrCheckpointPersistence wraps checkpoint failures; they end the run.
// Match it with story.IsCheckpointPersistence.
var ErrCheckpointPersistence = story.ErrCheckpointPersistence

// UnitProcessor drives one unit to a terminal state
type UnitProcessor interface {
	Process(ctx context.Context, collectionID string, unit story.Unit) (*story.RunState, error)
}

// SchedulerOptions tunes the scheduler
type SchedulerOptions struct {
	// Pause is inserted between units so released sessions are gone
	// before the next unit claims new ones
	Pause time.Duration

	// Parallel bounds how many units run at once; values below 2 mean
	// sequential processing
	Parallel int
}

// Scheduler runs a collection of units, skipping those the checkpoint
// already marks completed and recording every terminal outcome.
type Scheduler struct {
	units       UnitProcessor
	checkpoints output.CheckpointStore
	opts        SchedulerOptions
	logger      app.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

// NewScheduler creates a scheduler
func NewScheduler(units UnitProcessor, checkpoints output.CheckpointStore, opts SchedulerOptions, logger app.Logger) *Scheduler {
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	return &Scheduler{
		units:       units,
		checkpoints: checkpoints,
		opts:        opts,
		logger:      app.LoggerOr(logger),
		sleep:       sleepCtx,
		now:         time.Now,
	}
}

// Run processes units in order. Unit failures only show up in the
// summary; the returned error is a checkpoint failure or ctx's error.
// On cancellation the interrupted units are not recorded.
func (s *Scheduler) Run(ctx context.Context, collectionID string, units []story.Unit) (CollectionSummary, error) {
	summary := CollectionSummary{
		CollectionID: collectionID,
		Reports:      make([]UnitReport, len(units)),
		StartedAt:    s.now(),
	}
	cp, err := s.checkpoints.Load(ctx, collectionID)
	if err != nil {
		summary.FinishedAt = s.now()
		return summary, persistErr("load", collectionID, err)
	}

	var todo []int
	for i, u := range units {
		summary.Reports[i].Unit = u
		if cp.ShouldSkip(u.ID) {
			summary.Reports[i].Skipped = true
			s.logger.Info("⏭ %s already completed", u.DisplayName())
			continue
		}
		todo = append(todo, i)
	}
	s.logger.Info("collection %s: %d units, %d to run, %d skipped", collectionID, len(units), len(todo), len(units)-len(todo))

	if s.opts.Parallel > 1 {
		err = s.runParallel(ctx, collectionID, units, todo, &summary)
	} else {
		err = s.runSequential(ctx, collectionID, units, todo, &summary)
	}

	summary.FinishedAt = s.now()
	if ctx.Err() != nil {
		summary.Interrupted = true
	}
	return summary, err
}

func (s *Scheduler) runSequential(ctx context.Context, collectionID string, units []story.Unit, todo []int, summary *CollectionSummary) error {
	for n, i := range todo {
		if n > 0 {
			if err := s.sleep(ctx, s.opts.Pause); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		report, err := s.processOne(ctx, collectionID, units[i])
		summary.Reports[i] = report
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runParallel(ctx context.Context, collectionID string, units []story.Unit, todo []int, summary *CollectionSummary) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, s.opts.Parallel)
		errOnce  sync.Once
		firstErr error
	)

	for n, i := range todo {
		if n > 0 && s.sleep(ctx, s.opts.Pause) != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			report, err := s.processOne(ctx, collectionID, units[i])
			summary.Reports[i] = report
			if err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(i)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// processOne runs a unit and records its terminal state. Only a
// checkpoint failure or cancellation is returned as an error.
func (s *Scheduler) processOne(ctx context.Context, collectionID string, unit story.Unit) (UnitReport, error) {
	report := UnitReport{Unit: unit}

	run, err := s.units.Process(ctx, collectionID, unit)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Warn("%s interrupted; it will run again on resume", unit.DisplayName())
			return report, ctx.Err()
		}
		// Unit-local infrastructure trouble (stub creation, bad ID) fails the unit only
		s.logger.Error("%s aborted: %v", unit.DisplayName(), err)
		report.State = story.StateFailed
		report.Reason = err.Error()
		report.Err = err
		stage := story.StageDraft
		if run != nil {
			report.History = run.History
			if st := run.Current.Stage(); st != "" {
				stage = st
			}
		}
		rec := story.FailedRecord{
			UnitID:  unit.ID,
			Title:   unit.Title,
			Outcome: story.StateFailed,
			Stage:   stage,
			Reason:  err.Error(),
			History: report.History,
		}
		return report, s.record(ctx, collectionID, func(ctx context.Context) error {
			return s.checkpoints.RecordFailure(ctx, collectionID, rec)
		})
	}

	report.State = run.Current
	report.Reason = run.Reason
	report.History = run.History

	if run.Current == story.StateComplete {
		s.logger.Info("✅ %s complete", unit.DisplayName())
		return report, s.record(ctx, collectionID, func(ctx context.Context) error {
			return s.checkpoints.RecordSuccess(ctx, collectionID, story.CompletedRecordOf(run))
		})
	}

	s.logger.Warn("❌ %s ended %s (%s)", unit.DisplayName(), run.Current, run.Reason)
	return report, s.record(ctx, collectionID, func(ctx context.Context) error {
		return s.checkpoints.RecordFailure(ctx, collectionID, story.FailedRecordOf(run))
	})
}

// record persists a finished unit even when shutdown started meanwhile
func (s *Scheduler) record(ctx context.Context, collectionID string, write func(context.Context) error) error {
	if err := write(context.WithoutCancel(ctx)); err != nil {
		return persistErr("write", collectionID, err)
	}
	return nil
}

func persistErr(op, collectionID string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrCheckpointPersistence, op, collectionID, err)
}

// IsFatal reports whether err from Run ended the collection early
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
