package stage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/app/config"
	"github.com/YoshitsuguKoike/storyflow/internal/application/detector"
	"github.com/YoshitsuguKoike/storyflow/internal/application/service"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// StoryPlaceholder is replaced by the unit ID in command templates
const StoryPlaceholder = "{story}"

const maxSummaryRunes = 500

// Leaser hands out single-use session leases
type Leaser interface {
	Lease(ctx context.Context, stage story.Stage, unitID string) (*service.Lease, error)
}

// Waiter blocks until a predicate over the unit's artifact holds
type Waiter interface {
	Wait(ctx context.Context, unitID string, pred detector.Predicate, timeout, interval time.Duration) (detector.Outcome, error)
}

// Policy holds per-stage timing and the commands injected into sessions
type Policy struct {
	Timeouts      map[story.Stage]time.Duration
	PollInterval  time.Duration
	MinDraftBytes int
	Commands      map[story.Stage][]string
}

// PolicyFromConfig builds a Policy from resolved settings
func PolicyFromConfig(cfg config.Config) Policy {
	p := Policy{
		Timeouts:      make(map[story.Stage]time.Duration),
		PollInterval:  cfg.PollInterval(),
		MinDraftBytes: cfg.MinDraftBytes(),
		Commands:      make(map[story.Stage][]string),
	}
	for _, s := range story.Stages() {
		p.Timeouts[s] = cfg.StageTimeout(s)
		p.Commands[s] = cfg.Commands(s)
	}
	return p
}

// Runner executes one stage for one unit: lease a fresh session, inject
// the stage commands, wait for the stage condition and release.
type Runner struct {
	sessions Leaser
	waiter   Waiter
	policy   Policy
	logger   app.Logger
	now      func() time.Time
}

// NewRunner creates a stage runner
func NewRunner(sessions Leaser, waiter Waiter, policy Policy, logger app.Logger) *Runner {
	return &Runner{
		sessions: sessions,
		waiter:   waiter,
		policy:   policy,
		logger:   app.LoggerOr(logger),
		now:      time.Now,
	}
}

// Run executes stage for unit. Every unit-local failure is reported in
// the returned StageResult; an error is returned only when ctx was
// cancelled, in which case the result must be discarded.
func (r *Runner) Run(ctx context.Context, unit story.Unit, stage story.Stage) (story.StageResult, error) {
	start := r.now()

	lease, err := r.sessions.Lease(ctx, stage, unit.ID)
	if err != nil {
		if ctx.Err() != nil {
			return story.StageResult{}, ctx.Err()
		}
		r.logger.Warn("%s %s: session acquisition failed: %v", unit.ID, stage, err)
		return r.finish(failed(stage, story.CodeSessionAcquisition, err.Error()), start), nil
	}
	defer func() {
		// Teardown must still run when the run is being cancelled
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("%s %s: release session %s: %v", unit.ID, stage, lease.Handle.Name, err)
		}
	}()

	for _, cmd := range r.commands(stage, unit.ID) {
		if err := lease.Inject(ctx, cmd); err != nil {
			if ctx.Err() != nil {
				return story.StageResult{}, ctx.Err()
			}
			r.logger.Warn("%s %s: inject %q: %v", unit.ID, stage, cmd, err)
			return r.finish(failed(stage, story.CodeSessionAcquisition, err.Error()), start), nil
		}
	}

	timeout := r.policy.Timeouts[stage]
	r.logger.Info("%s %s: waiting up to %s for %s", unit.ID, stage, timeout, stage.Agent())

	out, err := r.waiter.Wait(ctx, unit.ID, detector.ForStage(stage, r.policy.MinDraftBytes), timeout, r.policy.PollInterval)
	switch {
	case errors.Is(err, detector.ErrTimedOut):
		return r.finish(timedOut(stage, out), start), nil
	case err != nil:
		return story.StageResult{}, err
	}

	return r.finish(resolve(stage, out.Parsed), start), nil
}

func (r *Runner) commands(stage story.Stage, unitID string) []string {
	templates := r.policy.Commands[stage]
	out := make([]string, 0, len(templates))
	for _, t := range templates {
		out = append(out, strings.ReplaceAll(t, StoryPlaceholder, unitID))
	}
	return out
}

func (r *Runner) finish(res story.StageResult, start time.Time) story.StageResult {
	now := r.now()
	res.Elapsed = now.Sub(start)
	res.CompletedAt = now.UTC()
	r.logger.Info("%s finished: %s %s", res.Stage, res.Outcome, res.Decision)
	return res
}

