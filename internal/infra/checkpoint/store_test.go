package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

func stores(t *testing.T) map[string]output.CheckpointStore {
	t.Helper()

	sqlStore, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]output.CheckpointStore{
		"file":   NewFileStore(afero.NewMemMapFs(), "proj/.storyflow/checkpoints"),
		"sqlite": sqlStore,
	}
}

func completed(unitID string, files ...string) story.CompletedRecord {
	return story.CompletedRecord{
		UnitID:    unitID,
		Title:     "Story " + unitID,
		Outcome:   story.StateComplete,
		LastStage: story.StageVerify,
		Summary:   "Gate: PASS",
		Files:     files,
		History: []story.StageResult{
			{Stage: story.StageImplement, Outcome: story.OutcomeSucceeded, Artifacts: files, CompletedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		},
		CompletedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestStore_EmptyCheckpoint(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			cp, err := s.Load(context.Background(), "epic-1")
			require.NoError(t, err)
			assert.True(t, cp.IsEmpty())
			assert.Equal(t, "epic-1", cp.CollectionID)

			skip, err := s.ShouldSkip(context.Background(), "epic-1", "1.1")
			require.NoError(t, err)
			assert.False(t, skip)
		})
	}
}

func TestStore_RecordAndLoad(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.RecordSuccess(ctx, "epic-1", completed("1.2", "a.go", "b.go")))
			require.NoError(t, s.RecordFailure(ctx, "epic-1", story.FailedRecord{
				UnitID: "1.1", Outcome: story.StateBlocked, Stage: story.StageValidate, Reason: "validate-blocked",
			}))
			require.NoError(t, s.RecordFailure(ctx, "epic-1", story.FailedRecord{
				UnitID: "1.1", Outcome: story.StateBlocked, Stage: story.StageValidate, Reason: "validate-blocked",
			}))

			cp, err := s.Load(ctx, "epic-1")
			require.NoError(t, err)

			done := cp.Completed["1.2"]
			assert.Equal(t, "1.2", done.UnitID)
			assert.Equal(t, []string{"a.go", "b.go"}, done.Files)
			assert.Equal(t, story.StageVerify, done.LastStage)
			require.Len(t, done.History, 1)
			assert.Equal(t, story.StageImplement, done.History[0].Stage)
			assert.True(t, done.CompletedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

			failed := cp.Failed["1.1"]
			assert.Equal(t, story.StageValidate, failed.Stage)
			assert.Equal(t, story.StateBlocked, failed.Outcome)
			assert.Equal(t, 2, failed.Attempts)
			assert.False(t, cp.UpdatedAt.IsZero())

			skip, err := s.ShouldSkip(ctx, "epic-1", "1.2")
			require.NoError(t, err)
			assert.True(t, skip)
			skip, err = s.ShouldSkip(ctx, "epic-1", "1.1")
			require.NoError(t, err)
			assert.False(t, skip, "failed units are retried")
		})
	}
}

func TestStore_SuccessClearsFailure(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.RecordFailure(ctx, "c", story.FailedRecord{UnitID: "2", Stage: story.StageImplement, Reason: "implement-timeout", Outcome: story.StateFailed}))
			require.NoError(t, s.RecordSuccess(ctx, "c", completed("2")))

			cp, err := s.Load(ctx, "c")
			require.NoError(t, err)
			assert.Empty(t, cp.Failed)
			assert.Equal(t, []string{"2"}, cp.CompletedIDs())
		})
	}
}

func TestStore_CollectionsAreIndependentAndResettable(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.RecordSuccess(ctx, "a", completed("1")))
			require.NoError(t, s.RecordSuccess(ctx, "b", completed("1")))

			require.NoError(t, s.Reset(ctx, "a"))
			require.NoError(t, s.Reset(ctx, "a"))

			a, err := s.Load(ctx, "a")
			require.NoError(t, err)
			assert.True(t, a.IsEmpty())

			b, err := s.Load(ctx, "b")
			require.NoError(t, err)
			assert.True(t, b.ShouldSkip("1"))
		})
	}
}

func TestStore_ConcurrentWritesKeepEveryUnit(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 20

			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := fmt.Sprintf("u%02d", i)
					if i%2 == 0 {
						assert.NoError(t, s.RecordSuccess(ctx, "epic", completed(id)))
					} else {
						assert.NoError(t, s.RecordFailure(ctx, "epic", story.FailedRecord{UnitID: id, Stage: story.StageDraft, Outcome: story.StateFailed}))
					}
				}(i)
			}
			wg.Wait()

			cp, err := s.Load(ctx, "epic")
			require.NoError(t, err)
			assert.Len(t, cp.Completed, n/2)
			assert.Len(t, cp.Failed, n/2)
		})
	}
}

func TestFileStore_PathAndFormat(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewFileStore(fs, "proj/.storyflow/checkpoints")
	ctx := context.Background()

	assert.Equal(t, "proj/.storyflow/checkpoints/epic-2-auth.yaml", s.Path("epic 2/auth"))

	require.NoError(t, s.RecordSuccess(ctx, "epic-1", completed("1.2", "a.go")))
	data, err := afero.ReadFile(fs, s.Path("epic-1"))
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "collection_id: epic-1")
	assert.Contains(t, text, "completed:")
	assert.Contains(t, text, "\"1.2\":")
	assert.Contains(t, text, "- a.go")
	assert.NotContains(t, text, "unit_id")
}

func TestFileStore_MalformedCheckpointIsAnError(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewFileStore(fs, "cp")
	require.NoError(t, afero.WriteFile(fs, s.Path("epic-1"), []byte("completed: [unterminated"), 0o644))

	_, err := s.Load(context.Background(), "epic-1")
	assert.Error(t, err)

	err = s.RecordSuccess(context.Background(), "epic-1", completed("1"))
	assert.Error(t, err, "never overwrite a checkpoint that cannot be read")
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewFileStore(fs, "cp")
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordSuccess(context.Background(), "epic", completed(fmt.Sprint(i))))
	}

	entries, err := afero.ReadDir(fs, "cp")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "epic.yaml", entries[0].Name())
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "epic-1", Slug("epic-1"))
	assert.Equal(t, "epic-2-auth", Slug(" epic 2/auth "))
	assert.Equal(t, "v1.2", Slug("v1.2"))
	assert.Equal(t, "default", Slug("../"))
}

func TestOpen(t *testing.T) {
	store, closer, err := Open(context.Background(), "", afero.NewMemMapFs(), pathsFor(t))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)
	assert.NoError(t, closer.Close())

	store, closer, err = Open(context.Background(), BackendSQLite, afero.NewOsFs(), pathsFor(t))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	assert.NoError(t, closer.Close())

	_, _, err = Open(context.Background(), "redis", afero.NewMemMapFs(), pathsFor(t))
	assert.Error(t, err)
}

func pathsFor(t *testing.T) app.Paths {
	t.Setenv("STORYFLOW_HOME", "")
	return app.ResolvePaths(t.TempDir())
}
