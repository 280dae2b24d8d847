package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/storyflow/internal/adapter/gateway/session"
	"github.com/YoshitsuguKoike/storyflow/internal/adapter/gateway/storage"
	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/app/handoff"
	"github.com/YoshitsuguKoike/storyflow/internal/app/planning"
	"github.com/YoshitsuguKoike/storyflow/internal/application/detector"
	"github.com/YoshitsuguKoike/storyflow/internal/application/pipeline"
	"github.com/YoshitsuguKoike/storyflow/internal/application/service"
	"github.com/YoshitsuguKoike/storyflow/internal/application/stage"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/artifact"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/checkpoint"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/runlock"
)

// Dry runs finish in seconds; the simulated agents write synchronously
const (
	dryRunTimeout      = 10 * time.Second
	dryRunPollInterval = 50 * time.Millisecond
)

// runOptions are the flags of the run command
type runOptions struct {
	dryRun            bool
	clean             bool
	parallel          int
	skipPlanningCheck bool
	interactive       bool
	units             []string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run <collection>",
		Short: "Run every story of a collection through the pipeline",
		Long: `Run drives each story of docs/epics/<collection>/stories.yaml through
draft, validate, implement and verify, one fresh agent session per stage.
Completed stories recorded in the checkpoint are skipped; failed ones run again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := root.load(cmd.OutOrStdout())
			if err != nil {
				return err
			}

			ctx, cancel := setupSignalHandler(cmd.Context())
			defer cancel()

			_, err = runCollection(ctx, env, args[0], opts)
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Simulate agents instead of starting tmux sessions")
	cmd.Flags().BoolVar(&opts.clean, "clean", false, "Discard the checkpoint and start from the first story")
	cmd.Flags().IntVar(&opts.parallel, "parallel", 0, "Stories processed concurrently (default from settings)")
	cmd.Flags().BoolVar(&opts.skipPlanningCheck, "skip-planning-check", false, "Start even if planning documents are missing")
	cmd.Flags().BoolVar(&opts.interactive, "interactive", false, "Ask before resuming from an existing checkpoint")
	cmd.Flags().StringSliceVar(&opts.units, "unit", nil, "Only run the given story IDs")

	return cmd
}

// runCollection wires the pipeline for one collection and runs it
func runCollection(ctx context.Context, env *environment, collectionID string, opts runOptions) (pipeline.CollectionSummary, error) {
	var summary pipeline.CollectionSummary

	collection, err := planning.Load(env.fs, env.paths, collectionID)
	if err != nil {
		return summary, err
	}
	if !opts.skipPlanningCheck {
		if missing := planning.Verify(env.fs, env.paths, collectionID); len(missing) > 0 {
			return summary, fmt.Errorf("planning prerequisites missing (use --skip-planning-check to override):\n  %s",
				strings.Join(missing, "\n  "))
		}
	}

	units, err := selectUnits(collection, opts.units)
	if err != nil {
		return summary, err
	}

	unlock, err := runlock.New(env.fs, env.paths.Var).Acquire(collectionID, checkpoint.Slug(collectionID))
	if err != nil {
		return summary, err
	}
	defer func() {
		if err := unlock(); err != nil {
			env.logger.Warn("release run lock: %v", err)
		}
	}()

	store := artifact.NewStore(env.fs, env.paths.Root).WithSidecarDir(env.paths.Home)

	policy := stage.PolicyFromConfig(env.cfg)
	pause := env.cfg.UnitPause()
	if opts.dryRun {
		for s := range policy.Timeouts {
			policy.Timeouts[s] = dryRunTimeout
		}
		policy.PollInterval = dryRunPollInterval
		pause = 0
	} else if err := session.CheckTmux(ctx, session.ExecRunner{}, ""); err != nil {
		return summary, err
	}

	sessions := session.New(session.Options{
		DryRun: opts.dryRun,
		Tmux: session.TmuxConfig{
			AgentBin: env.cfg.AgentBin(),
			WorkDir:  env.paths.Root,
			Startup:  env.cfg.AgentStartup(),
		},
		MinDraftBytes: policy.MinDraftBytes,
	}, store, env.logger)
	pool := service.NewSessionPool(sessions, service.SessionPoolConfig{
		MaxPerAgent: env.cfg.MaxSessionsPerAgent(),
	}, env.logger)
	defer func() {
		if err := pool.ReleaseAll(context.WithoutCancel(ctx)); err != nil {
			env.logger.Warn("release sessions: %v", err)
		}
	}()

	gateway, err := storage.NewGateway(ctx, env.cfg.Archive(), env.fs, env.paths.Archive)
	if err != nil {
		return summary, fmt.Errorf("archive: %w", err)
	}

	journal := app.NewJournalWriter(env.fs, env.paths.Journal, env.logger)
	observers := pipeline.Observers{
		journal,
		handoff.NewWriter(env.fs, env.paths.Handoff, env.logger),
		service.NewArchiveService(gateway, store, env.logger),
	}

	runner := stage.NewRunner(pool, detector.New(store, env.logger), policy, env.logger)
	machine := pipeline.NewMachine(runner, store, observers, env.logger)

	checkpoints, closer, err := checkpoint.Open(ctx, env.cfg.CheckpointBackend(), env.fs, env.paths)
	if err != nil {
		return summary, err
	}
	defer closer.Close()

	if err := prepareCheckpoint(ctx, env, checkpoints, collectionID, opts); err != nil {
		return summary, err
	}

	parallel := opts.parallel
	if parallel <= 0 {
		parallel = env.cfg.MaxParallel()
	}
	scheduler := pipeline.NewScheduler(machine, checkpoints, pipeline.SchedulerOptions{
		Pause:    pause,
		Parallel: parallel,
	}, env.logger)

	env.logger.Info("run %s: collection %s, %d stories, parallel %d", journal.RunID(), collectionID, len(units), parallel)
	summary, err = scheduler.Run(ctx, collectionID, units)

	renderSummary(env.out, summary)
	if err != nil {
		return summary, err
	}
	if summary.Interrupted {
		return summary, fmt.Errorf("run interrupted: %w", context.Canceled)
	}
	if summary.Failed() > 0 {
		return summary, fmt.Errorf("%w: %d of %d", ErrUnitsFailed, summary.Failed(), len(summary.Reports))
	}
	return summary, nil
}

// selectUnits keeps the requested IDs, in collection order
func selectUnits(c *planning.Collection, ids []string) ([]story.Unit, error) {
	if len(ids) == 0 {
		return c.Units, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := c.Find(id); !ok {
			return nil, fmt.Errorf("story %q is not part of collection %s", id, c.ID)
		}
		want[id] = true
	}
	var units []story.Unit
	for _, u := range c.Units {
		if want[u.ID] {
			units = append(units, u)
		}
	}
	return units, nil
}

// prepareCheckpoint applies --clean and --interactive before the run
func prepareCheckpoint(ctx context.Context, env *environment, checkpoints checkpointResetter, collectionID string, opts runOptions) error {
	if opts.clean {
		env.logger.Info("discarding checkpoint of %s", collectionID)
		return checkpoints.Reset(ctx, collectionID)
	}
	if !opts.interactive {
		return nil
	}

	cp, err := checkpoints.Load(ctx, collectionID)
	if err != nil {
		return err
	}
	if cp.IsEmpty() {
		return nil
	}

	label := fmt.Sprintf("Resume %s (%d completed, %d failed)", collectionID, len(cp.Completed), len(cp.Failed))
	resume, err := confirm(label)
	if err != nil {
		return err
	}
	if !resume {
		return checkpoints.Reset(ctx, collectionID)
	}
	return nil
}

// checkpointResetter is the part of the checkpoint store prepareCheckpoint needs
type checkpointResetter interface {
	Load(ctx context.Context, collectionID string) (*story.Checkpoint, error)
	Reset(ctx context.Context, collectionID string) error
}
