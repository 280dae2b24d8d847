package detector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/artifact"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeReader serves whatever content was last set
type fakeReader struct {
	mu      sync.Mutex
	content []byte
	present bool
	err     error
	reads   int
}

func (f *fakeReader) set(content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content = []byte(content)
	f.present = true
}

func (f *fakeReader) Read(unitID string) (artifact.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return artifact.Snapshot{}, f.err
	}
	if !f.present {
		return artifact.Snapshot{}, artifact.ErrNotFound
	}
	return artifact.Snapshot{UnitID: unitID, Content: append([]byte(nil), f.content...)}, nil
}

func never(*artifact.Parsed) bool { return false }

func TestWaitTimesOutNoEarlierThanTimeout(t *testing.T) {
	tests := []struct {
		name     string
		timeout  time.Duration
		interval time.Duration
	}{
		{"interval divides timeout", 200 * time.Millisecond, 50 * time.Millisecond},
		{"interval does not divide timeout", 230 * time.Millisecond, 70 * time.Millisecond},
		{"interval larger than timeout", 100 * time.Millisecond, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &fakeReader{}
			reader.set("## Status\n\nDraft\n")
			d := New(reader, app.NopLogger{})

			start := time.Now()
			out, err := d.Wait(context.Background(), "1.1", never, tt.timeout, tt.interval)
			elapsed := time.Since(start)

			require.ErrorIs(t, err, ErrTimedOut)
			assert.False(t, out.Satisfied)
			assert.GreaterOrEqual(t, elapsed, tt.timeout)
			assert.Less(t, elapsed, tt.timeout+tt.interval+150*time.Millisecond)
			assert.NotNil(t, out.Parsed)
		})
	}
}

func TestWaitSucceedsWhenArtifactAppears(t *testing.T) {
	reader := &fakeReader{}
	d := New(reader, app.NopLogger{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(40 * time.Millisecond)
		reader.set("## PO Decision\n\nAPPRO")
		time.Sleep(40 * time.Millisecond)
		reader.set("## PO Decision\n\nAPPROVED\n")
	}()

	out, err := d.Wait(context.Background(), "1.1", DecisionMade(), 2*time.Second, 10*time.Millisecond)
	<-done

	require.NoError(t, err)
	assert.True(t, out.Satisfied)
	assert.Equal(t, story.DecisionApproved, out.Parsed.Decision)
	assert.Less(t, out.Elapsed, 2*time.Second)
}

func TestWaitDebouncesIdenticalContent(t *testing.T) {
	reader := &fakeReader{}
	reader.set("## Status\n\nIn Progress\n")
	d := New(reader, app.NopLogger{})

	out, err := d.Wait(context.Background(), "1.1", Implemented(), 120*time.Millisecond, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Greater(t, out.Polls, 3)
	assert.Equal(t, 1, out.Parses)
}

func TestWaitToleratesReadErrors(t *testing.T) {
	reader := &fakeReader{err: errors.New("permission denied")}
	d := New(reader, app.NopLogger{})

	out, err := d.Wait(context.Background(), "1.1", Implemented(), 60*time.Millisecond, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Nil(t, out.Parsed)
	assert.Greater(t, out.Polls, 1)
}

func TestWaitStopsOnContextCancel(t *testing.T) {
	reader := &fakeReader{}
	d := New(reader, app.NopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	start := time.Now()
	_, err := d.Wait(ctx, "1.1", never, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitWithStoreAndWholesaleRewrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := artifact.NewStore(fs, "/proj")
	d := New(store, app.NopLogger{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		_ = afero.WriteFile(fs, store.Path("1.2"), []byte("## Status\n\nIn Progress\n"), 0o644)
		time.Sleep(20 * time.Millisecond)
		_ = fs.Remove(store.Path("1.2"))
		time.Sleep(20 * time.Millisecond)
		_ = afero.WriteFile(fs, store.Path("1.2"), []byte("## Status\n\nReady for Review\n"), 0o644)
	}()

	out, err := d.Wait(context.Background(), "1.2", Implemented(), 2*time.Second, 5*time.Millisecond)
	<-done
	require.NoError(t, err)
	assert.Equal(t, "Ready for Review", out.Parsed.Status)
}

func draftBody(size int) string {
	head := "# Story 1.1\n\n## Acceptance Criteria\n\n1. works\n\n## Tasks\n\n- [ ] do it\n\n## Dev Notes\n\n"
	if len(head) >= size {
		return head
	}
	return head + strings.Repeat("x", size-len(head))
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name    string
		pred    Predicate
		content string
		want    bool
	}{
		{"draft below threshold", DraftReady(1000), draftBody(999), false},
		{"draft at threshold", DraftReady(1000), draftBody(1000), true},
		{"draft missing tasks", DraftReady(10), "## Acceptance Criteria\n\n1. x\n", false},
		{"draft with subtasks heading", DraftReady(10), "## Acceptance Criteria\n\n1. x\n\n## Subtasks\n\n- y\n", true},
		{"decision approved", DecisionMade(), "## PO Decision\n\nAPPROVED\n", true},
		{"decision blocked", DecisionMade(), "## PO Decision\n\nBLOCKED\n", true},
		{"decision unrecognized", DecisionMade(), "## PO Decision\n\nLGTM\n", false},
		{"decision ambiguous", DecisionMade(), "## PO Decision\n\nAPPROVED\nBLOCKED\n", false},
		{"implemented ready", Implemented(), "## Status\n\nReady for Review\n", true},
		{"implemented done", Implemented(), "## Status\n\nDone\n", true},
		{"implemented in progress", Implemented(), "## Status\n\nIn Progress\n", false},
		{"verified pass", Verified(), "## QA Results\n\nStatus: PASS\n", true},
		{"verified fail still resolves", Verified(), "## QA Results\n\nStatus: FAIL\n", true},
		{"verified without token", Verified(), "## QA Results\n\nreviewing...\n", false},
		{"verified by phrase alone", Verified(), "## QA Results\n\nAll tests passed.\n", false},
		{"verified gate after phrase", Verified(), "## QA Results\n\nAll tests passed.\n\nGate: PASS ✅\n", true},
		{"pass token outside verify section", Verified(), "## Notes\n\nStatus: PASS\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pred(artifact.Parse([]byte(tt.content))))
		})
	}
}

func TestForStage(t *testing.T) {
	approved := artifact.Parse([]byte("## PO Decision\n\nAPPROVED\n"))
	assert.True(t, ForStage(story.StageValidate, 1000)(approved))
	assert.False(t, ForStage(story.StageImplement, 1000)(approved))
	assert.False(t, ForStage(story.Stage("deploy"), 1000)(approved))
}
