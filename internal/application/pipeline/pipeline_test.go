package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/application/detector"
	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
	"github.com/YoshitsuguKoike/storyflow/internal/application/service"
	"github.com/YoshitsuguKoike/storyflow/internal/application/stage"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/artifact"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/checkpoint"
	"github.com/YoshitsuguKoike/storyflow/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	fs          afero.Fs
	store       *artifact.Store
	sessions    *testutil.ScriptedSession
	checkpoints *checkpoint.FileStore
	recorder    *recordingObserver
	scheduler   *Scheduler
}

func newHarness(t *testing.T, fs afero.Fs, replies testutil.ReplyFunc) *harness {
	t.Helper()

	store := artifact.NewStore(fs, "proj")
	sessions := testutil.NewScriptedSession(store, replies)
	pool := service.NewSessionPool(sessions, service.SessionPoolConfig{}, app.NopLogger{})

	timeout := 120 * time.Millisecond
	runner := stage.NewRunner(pool, detector.New(store, app.NopLogger{}), stage.Policy{
		Timeouts: map[story.Stage]time.Duration{
			story.StageDraft: timeout, story.StageValidate: timeout,
			story.StageImplement: timeout, story.StageVerify: timeout,
		},
		PollInterval:  2 * time.Millisecond,
		MinDraftBytes: 1000,
		Commands: map[story.Stage][]string{
			story.StageDraft:     {"/sm", "*create {story}"},
			story.StageValidate:  {"/po", "*validate-story {story}"},
			story.StageImplement: {"/dev", "*develop-story {story}"},
			story.StageVerify:    {"/qa", "*review {story}"},
		},
	}, app.NopLogger{})

	recorder := &recordingObserver{}
	checkpoints := checkpoint.NewFileStore(fs, "proj/.storyflow/checkpoints")
	machine := NewMachine(runner, store, recorder, app.NopLogger{})

	return &harness{
		fs:          fs,
		store:       store,
		sessions:    sessions,
		checkpoints: checkpoints,
		recorder:    recorder,
		scheduler:   NewScheduler(machine, checkpoints, SchedulerOptions{}, app.NopLogger{}),
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	stages   []string
	finished []string
}

func (r *recordingObserver) StageFinished(ctx context.Context, collectionID string, run *story.RunState, result story.StageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, run.Unit.ID+"/"+string(result.Stage))
}

func (r *recordingObserver) UnitFinished(ctx context.Context, collectionID string, run *story.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, run.Unit.ID+"="+string(run.Current))
}

func units(ids ...string) []story.Unit {
	out := make([]story.Unit, len(ids))
	for i, id := range ids {
		out[i] = story.Unit{ID: id, Title: "Story " + id}
	}
	return out
}

func TestScenario_BlockedAtValidate(t *testing.T) {
	replies := testutil.Override(testutil.HappyPath, "1.1", story.StageValidate,
		[]testutil.Section{{Heading: "PO Decision", Body: "Decision: BLOCKED\n\nDepends on 1.0"}})
	h := newHarness(t, afero.NewMemMapFs(), replies)
	ctx := context.Background()

	summary, err := h.scheduler.Run(ctx, "epic-1", units("1.1"))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Blocked())
	assert.Equal(t, 0, summary.Failed())
	assert.True(t, summary.OK())
	assert.Equal(t, story.StateBlocked, summary.Reports[0].State)
	assert.Equal(t, []story.Stage{story.StageDraft, story.StageValidate}, h.sessions.StagesFor("1.1"))

	cp, err := h.checkpoints.Load(ctx, "epic-1")
	require.NoError(t, err)
	require.Contains(t, cp.Failed, "1.1")
	assert.Equal(t, story.StageValidate, cp.Failed["1.1"].Stage)
	assert.Equal(t, story.StateBlocked, cp.Failed["1.1"].Outcome)
	assert.Empty(t, cp.Completed)
}

func TestScenario_CompleteWithFileList(t *testing.T) {
	h := newHarness(t, afero.NewMemMapFs(), testutil.HappyPath)
	ctx := context.Background()

	summary, err := h.scheduler.Run(ctx, "epic-1", units("1.2"))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed())
	assert.Equal(t, story.StateComplete, summary.Reports[0].State)
	assert.Len(t, summary.Reports[0].History, 4)

	cp, err := h.checkpoints.Load(ctx, "epic-1")
	require.NoError(t, err)
	require.Contains(t, cp.Completed, "1.2")
	assert.Equal(t, []string{"internal/feature/1.2.go", "internal/feature/1.2_test.go"}, cp.Completed["1.2"].Files)
	assert.Equal(t, story.StageVerify, cp.Completed["1.2"].LastStage)

	assert.Equal(t, []string{"1.2/draft", "1.2/validate", "1.2/implement", "1.2/verify"}, h.recorder.stages)
	assert.Equal(t, []string{"1.2=Complete"}, h.recorder.finished)
	assert.Empty(t, h.sessions.Leaked())
}

func TestScenario_ImplementTimeoutDoesNotStopCollection(t *testing.T) {
	h := newHarness(t, afero.NewMemMapFs(), testutil.Override(testutil.HappyPath, "2", story.StageImplement, nil))

	summary, err := h.scheduler.Run(context.Background(), "epic-3", units("1", "2", "3"))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Completed())
	assert.Equal(t, 1, summary.Failed())
	assert.False(t, summary.OK())
	assert.Equal(t, "implement-timeout", summary.Reports[1].Reason)
	assert.Equal(t, story.StateComplete, summary.Reports[2].State)
	assert.Len(t, h.sessions.StagesFor("3"), 4)
	assert.Equal(t, []story.Stage{story.StageDraft, story.StageValidate, story.StageImplement}, h.sessions.StagesFor("2"))
}

func TestScenario_RerunIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	first := newHarness(t, fs, testutil.HappyPath)
	ctx := context.Background()

	_, err := first.scheduler.Run(ctx, "epic-1", units("1.1", "1.2"))
	require.NoError(t, err)

	second := newHarness(t, fs, testutil.HappyPath)
	summary, err := second.scheduler.Run(ctx, "epic-1", units("1.1", "1.2"))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Skipped())
	assert.Equal(t, 0, summary.Completed())
	assert.Empty(t, second.sessions.Handles(), "completed units are never re-executed")
}

func TestScenario_ChangesRequestedIsTerminal(t *testing.T) {
	h := newHarness(t, afero.NewMemMapFs(), testutil.Override(testutil.HappyPath, "4", story.StageValidate,
		[]testutil.Section{{Heading: "PO Decision", Body: "CHANGES"}}))

	summary, err := h.scheduler.Run(context.Background(), "epic", units("4"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ChangesRequested())
	assert.Equal(t, "validate-changes-requested", summary.Reports[0].Reason)
	assert.Len(t, h.sessions.StagesFor("4"), 2)
}

func TestScenario_RerunIgnoresEarlierStageResults(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	blocked := newHarness(t, fs, testutil.Override(testutil.HappyPath, "1.1", story.StageValidate,
		[]testutil.Section{{Heading: "PO Decision", Body: "Decision: BLOCKED"}}))
	summary, err := blocked.scheduler.Run(ctx, "epic-1", units("1.1"))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Blocked())

	// The second PO never answers; the BLOCKED left in the story must not
	// answer in its place.
	silent := newHarness(t, fs, testutil.Override(testutil.HappyPath, "1.1", story.StageValidate, nil))
	summary, err = silent.scheduler.Run(ctx, "epic-1", units("1.1"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed())
	report := summary.Reports[0]
	assert.Equal(t, story.StateFailed, report.State)
	require.Len(t, report.History, 2)
	assert.Equal(t, story.OutcomeTimedOut, report.History[1].Outcome)
	assert.Equal(t, story.DecisionTimeout, report.History[1].Decision)

	cp, err := silent.checkpoints.Load(ctx, "epic-1")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Failed["1.1"].Attempts)

	approved := newHarness(t, fs, testutil.HappyPath)
	summary, err = approved.scheduler.Run(ctx, "epic-1", units("1.1"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed())
	assert.Len(t, approved.sessions.StagesFor("1.1"), 4)
}

// fakeProcessor finishes units instantly with a scripted terminal state
type fakeProcessor struct {
	mu       sync.Mutex
	calls    []string
	states   map[string]story.State
	onUnit   func(ctx context.Context, unitID string) error
	running  int32
	maxSeen  int32
	duration time.Duration
}

func (f *fakeProcessor) Process(ctx context.Context, collectionID string, unit story.Unit) (*story.RunState, error) {
	n := atomic.AddInt32(&f.running, 1)
	defer atomic.AddInt32(&f.running, -1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, unit.ID)
	f.mu.Unlock()

	if f.onUnit != nil {
		if err := f.onUnit(ctx, unit.ID); err != nil {
			return nil, err
		}
	}
	if f.duration > 0 {
		time.Sleep(f.duration)
	}

	run := story.NewRunState(unit)
	state := story.StateComplete
	if s, ok := f.states[unit.ID]; ok {
		state = s
	}
	run.Current = state
	return run, nil
}

func TestScheduler_ResumeAfterInterrupt(t *testing.T) {
	fs := afero.NewMemMapFs()
	checkpoints := checkpoint.NewFileStore(fs, "cp")
	ids := units("1", "2", "3")

	ctx, cancel := context.WithCancel(context.Background())
	killed := &fakeProcessor{onUnit: func(_ context.Context, id string) error {
		if id == "2" {
			cancel()
			return context.Canceled
		}
		return nil
	}}
	summary, err := NewScheduler(killed, checkpoints, SchedulerOptions{}, app.NopLogger{}).Run(ctx, "epic", ids)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsFatal(err))
	assert.True(t, summary.Interrupted)
	assert.Equal(t, 1, summary.Completed())
	assert.Equal(t, 2, summary.Pending())

	cp, err := checkpoints.Load(context.Background(), "epic")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, cp.CompletedIDs())
	assert.Empty(t, cp.Failed, "an interrupted unit is not recorded")

	resumed := &fakeProcessor{}
	summary, err = NewScheduler(resumed, checkpoints, SchedulerOptions{}, app.NopLogger{}).Run(context.Background(), "epic", ids)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, resumed.calls)
	assert.Equal(t, 1, summary.Skipped())

	cp, err = checkpoints.Load(context.Background(), "epic")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, cp.CompletedIDs())
}

func TestScheduler_FailedUnitsRunAgain(t *testing.T) {
	checkpoints := checkpoint.NewFileStore(afero.NewMemMapFs(), "cp")
	ids := units("1", "2")

	first := &fakeProcessor{states: map[string]story.State{"2": story.StateFailed}}
	_, err := NewScheduler(first, checkpoints, SchedulerOptions{}, app.NopLogger{}).Run(context.Background(), "epic", ids)
	require.NoError(t, err)

	second := &fakeProcessor{}
	_, err = NewScheduler(second, checkpoints, SchedulerOptions{}, app.NopLogger{}).Run(context.Background(), "epic", ids)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, second.calls)
}

type failingStore struct {
	output.CheckpointStore
	writes int
}

func (f *failingStore) RecordSuccess(ctx context.Context, collectionID string, rec story.CompletedRecord) error {
	f.writes++
	return errors.New("disk full")
}

func TestScheduler_CheckpointFailureIsFatal(t *testing.T) {
	store := &failingStore{CheckpointStore: checkpoint.NewFileStore(afero.NewMemMapFs(), "cp")}
	proc := &fakeProcessor{}

	summary, err := NewScheduler(proc, store, SchedulerOptions{}, app.NopLogger{}).Run(context.Background(), "epic", units("1", "2"))
	require.Error(t, err)
	assert.True(t, story.IsCheckpointPersistence(err))
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []string{"1"}, proc.calls, "the run stops after the failed write")
	assert.Equal(t, 1, store.writes)
	assert.Equal(t, 1, summary.Pending())
}

func TestScheduler_UnitErrorFailsOnlyThatUnit(t *testing.T) {
	checkpoints := checkpoint.NewFileStore(afero.NewMemMapFs(), "cp")
	proc := &fakeProcessor{onUnit: func(_ context.Context, id string) error {
		if id == "1" {
			return errors.New("create artifact: permission denied")
		}
		return nil
	}}

	summary, err := NewScheduler(proc, checkpoints, SchedulerOptions{}, app.NopLogger{}).Run(context.Background(), "epic", units("1", "2"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed())
	assert.Equal(t, 1, summary.Completed())

	cp, err := checkpoints.Load(context.Background(), "epic")
	require.NoError(t, err)
	assert.Equal(t, story.StageDraft, cp.Failed["1"].Stage)
	assert.Contains(t, cp.Failed["1"].Reason, "permission denied")
}

func TestScheduler_ParallelIsBounded(t *testing.T) {
	checkpoints := checkpoint.NewFileStore(afero.NewMemMapFs(), "cp")
	proc := &fakeProcessor{duration: 20 * time.Millisecond, states: map[string]story.State{"c": story.StateBlocked}}
	ids := units("a", "b", "c", "d", "e", "f")

	summary, err := NewScheduler(proc, checkpoints, SchedulerOptions{Parallel: 2}, app.NopLogger{}).Run(context.Background(), "epic", ids)
	require.NoError(t, err)

	assert.LessOrEqual(t, atomic.LoadInt32(&proc.maxSeen), int32(2))
	assert.Equal(t, 5, summary.Completed())
	assert.Equal(t, 1, summary.Blocked())
	for i, r := range summary.Reports {
		assert.Equal(t, ids[i].ID, r.Unit.ID, "reports keep input order")
	}

	cp, err := checkpoints.Load(context.Background(), "epic")
	require.NoError(t, err)
	assert.Len(t, cp.Completed, 5)
	assert.Len(t, cp.Failed, 1)
}

func TestScheduler_PauseBetweenUnits(t *testing.T) {
	proc := &fakeProcessor{}
	s := NewScheduler(proc, checkpoint.NewFileStore(afero.NewMemMapFs(), "cp"), SchedulerOptions{Pause: time.Second}, app.NopLogger{})

	var pauses []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	_, err := s.Run(context.Background(), "epic", units("1", "2", "3"))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, pauses)
}

func TestMachine_RunnerErrorStopsUnit(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, unit story.Unit, s story.Stage) (story.StageResult, error) {
		if s == story.StageValidate {
			return story.StageResult{}, context.Canceled
		}
		return story.StageResult{Stage: s, Outcome: story.OutcomeSucceeded}, nil
	})
	obs := &recordingObserver{}
	m := NewMachine(runner, nil, obs, app.NopLogger{})

	run, err := m.Process(context.Background(), "epic", story.Unit{ID: "9"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, story.StateValidate, run.Current)
	assert.Equal(t, []string{"9/draft"}, obs.stages)
	assert.Empty(t, obs.finished)
}

func TestMachine_RejectsInvalidUnit(t *testing.T) {
	m := NewMachine(runnerFunc(nil), nil, nil, app.NopLogger{})
	_, err := m.Process(context.Background(), "epic", story.Unit{ID: "a/b"})
	assert.Error(t, err)
}

type runnerFunc func(ctx context.Context, unit story.Unit, s story.Stage) (story.StageResult, error)

func (f runnerFunc) Run(ctx context.Context, unit story.Unit, s story.Stage) (story.StageResult, error) {
	return f(ctx, unit, s)
}
