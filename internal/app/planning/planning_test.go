package planning

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
)

const epicStories = `stories:
  - id: "1.1"
    title: Project setup
    acceptance_criteria:
      - repository builds
  - id: "1.2"
    title: Login form
  - id: "1.10"
    title: Audit log
`

func testPaths() app.Paths {
	return app.Paths{
		Root:         "/proj",
		Epics:        "/proj/docs/epics",
		PRD:          "/proj/docs/prd.md",
		Architecture: "/proj/docs/architecture.md",
	}
}

func TestLoad_PreservesOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	paths := testPaths()
	require.NoError(t, afero.WriteFile(fs, paths.StoriesFile("epic-1"), []byte(epicStories), 0o644))

	c, err := Load(fs, paths, "epic-1")
	require.NoError(t, err)
	assert.Equal(t, "epic-1", c.ID)
	require.Len(t, c.Units, 3)
	assert.Equal(t, "1.1", c.Units[0].ID)
	assert.Equal(t, "1.2", c.Units[1].ID)
	assert.Equal(t, "1.10", c.Units[2].ID)
	assert.Equal(t, []string{"repository builds"}, c.Units[0].AcceptanceCriteria)

	u, ok := c.Find("1.2")
	require.True(t, ok)
	assert.Equal(t, "Login form", u.Title)
	_, ok = c.Find("9")
	assert.False(t, ok)
}

func TestLoad_MissingCollection(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), testPaths(), "epic-9")
	assert.ErrorIs(t, err, ErrCollectionNotFound)

	_, err = Load(afero.NewMemMapFs(), testPaths(), " ")
	assert.Error(t, err)
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"empty":        "stories: []\n",
		"blank id":     "stories:\n  - id: \"\"\n    title: x\n",
		"duplicate id": "stories:\n  - id: \"1\"\n  - id: \" 1 \"\n",
		"path in id":   "stories:\n  - id: a/b\n",
		"slug clash":   "stories:\n  - id: \"1.2\"\n  - id: \"1-2\"\n",
		"malformed":    "stories: [\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestVerify(t *testing.T) {
	fs := afero.NewMemMapFs()
	paths := testPaths()

	missing := Verify(fs, paths, "epic-1")
	assert.Equal(t, []string{
		paths.PRD,
		paths.Architecture,
		filepath.Join(paths.Epics, "epic-1", "stories.yaml"),
	}, missing)

	require.NoError(t, afero.WriteFile(fs, paths.PRD, []byte("# PRD"), 0o644))
	require.NoError(t, afero.WriteFile(fs, paths.Architecture, []byte("# Arch"), 0o644))
	require.NoError(t, afero.WriteFile(fs, paths.StoriesFile("epic-1"), []byte(epicStories), 0o644))
	assert.Empty(t, Verify(fs, paths, "epic-1"))
}
