package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// NewTestWorkspace creates a project root under t.TempDir with the planning
// documents and an empty stories directory. It returns the root.
func NewTestWorkspace(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	for _, dir := range []string{
		filepath.Join("docs", "stories"),
		filepath.Join("docs", "epics"),
		".storyflow",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	WriteFile(t, root, filepath.Join("docs", "prd.md"), "# PRD\n")
	WriteFile(t, root, filepath.Join("docs", "architecture.md"), "# Architecture\n")
	return root
}

// WriteFile writes content at rel under root, creating parent directories
func WriteFile(t *testing.T, root, rel, content string) string {
	t.Helper()

	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// WriteStories writes a stories.yaml for the collection
func WriteStories(t *testing.T, root, collectionID, content string) string {
	t.Helper()
	return WriteFile(t, root, filepath.Join("docs", "epics", collectionID, "stories.yaml"), content)
}
