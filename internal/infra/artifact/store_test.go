package artifact

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePath(t *testing.T) {
	s := NewStore(afero.NewMemMapFs(), "/proj")
	assert.Equal(t, filepath.Join("/proj", "docs", "stories", "1.2.story.md"), s.Path("1.2"))
	assert.Equal(t, filepath.Join("/proj", ".storyflow", "handoff", "1.2.yaml"), s.SidecarPath("handoff/1.2.yaml"))
}

func TestStoreReadMissing(t *testing.T) {
	s := NewStore(afero.NewMemMapFs(), "/proj")

	_, err := s.Read("9.9")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Exists("9.9"))

	_, err = s.Size("9.9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreReadReflectsRewrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/proj")
	require.NoError(t, afero.WriteFile(fs, s.Path("1.1"), []byte("first"), 0o644))

	snap, err := s.Read("1.1")
	require.NoError(t, err)
	assert.Equal(t, "first", string(snap.Content))
	assert.Equal(t, int64(5), snap.Size())

	require.NoError(t, afero.WriteFile(fs, s.Path("1.1"), []byte("second version"), 0o644))
	snap, err = s.Read("1.1")
	require.NoError(t, err)
	assert.Equal(t, "second version", string(snap.Content))

	size, err := s.Size("1.1")
	require.NoError(t, err)
	assert.Equal(t, int64(14), size)
}

func TestStoreCreateStubNeverOverwrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/proj")
	unit := story.Unit{ID: "1.1", Title: "Project setup"}

	created, err := s.CreateStub(unit)
	require.NoError(t, err)
	assert.True(t, created)

	snap, err := s.Read("1.1")
	require.NoError(t, err)
	assert.Contains(t, string(snap.Content), "# Story 1.1: Project setup")
	assert.Equal(t, "Draft", Parse(snap.Content).Status)

	require.NoError(t, afero.WriteFile(fs, s.Path("1.1"), []byte("worker content"), 0o644))
	created, err = s.CreateStub(unit)
	require.NoError(t, err)
	assert.False(t, created)

	snap, err = s.Read("1.1")
	require.NoError(t, err)
	assert.Equal(t, "worker content", string(snap.Content))
}

func TestStoreClearStageOutputs(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/proj")
	require.NoError(t, afero.WriteFile(fs, s.Path("1.2"), []byte(fullStory), 0o644))

	cleared, err := s.ClearStageOutputs("1.2")
	require.NoError(t, err)
	assert.True(t, cleared)

	snap, err := s.Read("1.2")
	require.NoError(t, err)
	p := Parse(snap.Content)
	assert.Equal(t, "Draft", p.Status)
	assert.Equal(t, story.DecisionNone, p.Decision)
	assert.Equal(t, VerdictNone, p.Verdict)
	assert.Empty(t, p.FileList)
	assert.False(t, p.Has(SectionDecision))
	assert.False(t, p.Has(SectionVerify))

	// The drafted story survives
	assert.Equal(t, "Story 1.2: User login", p.Title)
	assert.True(t, p.Has(SectionAcceptanceCriteria))
	assert.True(t, p.Has(SectionTasks))
	assert.Contains(t, string(snap.Content), "## Dev Agent Record")

	cleared, err = s.ClearStageOutputs("1.2")
	require.NoError(t, err)
	assert.False(t, cleared, "a cleared artifact is left alone")
}

func TestStoreClearStageOutputsStatusVariants(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/proj")

	// Aliased status heading is rewritten in place
	require.NoError(t, afero.WriteFile(fs, s.Path("1"), []byte("# Story 1\n\n## Story Status\n\nDone\n\n## Tasks\n\n- x\n"), 0o644))
	_, err := s.ClearStageOutputs("1")
	require.NoError(t, err)
	snap, err := s.Read("1")
	require.NoError(t, err)
	assert.Equal(t, "Draft", Parse(snap.Content).Status)
	assert.Equal(t, 1, strings.Count(string(snap.Content), "Status"))

	// A bare status line gets overridden by a Status section
	require.NoError(t, afero.WriteFile(fs, s.Path("2"), []byte("# Story 2\n\nStatus: Done\n"), 0o644))
	_, err = s.ClearStageOutputs("2")
	require.NoError(t, err)
	snap, err = s.Read("2")
	require.NoError(t, err)
	assert.Equal(t, "Draft", Parse(snap.Content).Status)

	// Headings inside code fences are not sections
	fenced := "# Story 3\n\n## Status\n\nDraft\n\n## Dev Notes\n\n```\n## QA Results\nStatus: PASS\n```\n"
	require.NoError(t, afero.WriteFile(fs, s.Path("3"), []byte(fenced), 0o644))
	cleared, err := s.ClearStageOutputs("3")
	require.NoError(t, err)
	assert.False(t, cleared)

	cleared, err = s.ClearStageOutputs("missing")
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestStoreUpsertSection(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/proj")
	require.NoError(t, afero.WriteFile(fs, s.Path("1.1"),
		[]byte("# Story 1.1\n\n## Status\n\nDraft\n\n## Acceptance Criteria\n\n1. works\n"), 0o644))

	require.NoError(t, s.UpsertSection("1.1", "Status", "Ready for Review"))
	require.NoError(t, s.UpsertSection("1.1", "PO Decision", "APPROVED"))

	snap, err := s.Read("1.1")
	require.NoError(t, err)
	p := Parse(snap.Content)
	assert.Equal(t, "Ready for Review", p.Status)
	assert.Equal(t, story.DecisionApproved, p.Decision)
	assert.Equal(t, "1. works", p.Body(SectionAcceptanceCriteria))
	assert.NotContains(t, string(snap.Content), "Draft")
}

func TestUpsertSectionKeepsFollowingSections(t *testing.T) {
	in := "## A\n\nold\n\n## B\n\nkeep\n"
	out := upsertSection(in, "A", "new")
	assert.Equal(t, "## A\n\nnew\n\n## B\n\nkeep\n", out)

	out = upsertSection("", "C", "body")
	assert.Equal(t, "## C\n\nbody\n", out)

	out = upsertSection("text", "C", "body")
	assert.Equal(t, "text\n\n## C\n\nbody\n", out)
}

func TestStoreSidecars(t *testing.T) {
	s := NewStore(afero.NewMemMapFs(), "/proj")

	_, ok, err := s.ReadSidecar("checkpoints/e1.yaml")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.WriteSidecar("checkpoints/e1.yaml", []byte("a: 1\n")))
	data, ok, err := s.ReadSidecar("checkpoints/e1.yaml")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a: 1\n", string(data))

	require.NoError(t, s.RemoveSidecar("checkpoints/e1.yaml"))
	require.NoError(t, s.RemoveSidecar("checkpoints/e1.yaml"))
}
