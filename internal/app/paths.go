package app

import (
	"os"
	"path/filepath"
)

// Paths holds every location the orchestrator reads or writes
type Paths struct {
	Root string // project root

	// Planning inputs
	Docs         string // <root>/docs
	Stories      string // <root>/docs/stories
	Epics        string // <root>/docs/epics
	PRD          string // <root>/docs/prd.md
	Architecture string // <root>/docs/architecture.md

	// Orchestrator state
	Home         string // <root>/.storyflow
	Settings     string // .storyflow/setting.json
	Checkpoints  string // .storyflow/checkpoints
	Handoff      string // .storyflow/handoff
	Archive      string // .storyflow/archive
	Var          string // .storyflow/var
	Journal      string // .storyflow/var/journal.ndjson
	CheckpointDB string // .storyflow/var/checkpoints.db
}

// ResolvePaths derives all paths from the project root. STORYFLOW_HOME
// relocates the state directory; a relative value is taken from root.
func ResolvePaths(root string) Paths {
	if root == "" {
		root = "."
	}
	home := os.Getenv("STORYFLOW_HOME")
	switch {
	case home == "":
		home = filepath.Join(root, ".storyflow")
	case !filepath.IsAbs(home):
		home = filepath.Join(root, home)
	}

	p := Paths{
		Root: root,
		Docs: filepath.Join(root, "docs"),
		Home: home,
		Var:  filepath.Join(home, "var"),
	}

	p.Stories = filepath.Join(p.Docs, "stories")
	p.Epics = filepath.Join(p.Docs, "epics")
	p.PRD = filepath.Join(p.Docs, "prd.md")
	p.Architecture = filepath.Join(p.Docs, "architecture.md")

	p.Settings = filepath.Join(home, "setting.json")
	p.Checkpoints = filepath.Join(home, "checkpoints")
	p.Handoff = filepath.Join(home, "handoff")
	p.Archive = filepath.Join(home, "archive")
	p.Journal = filepath.Join(p.Var, "journal.ndjson")
	p.CheckpointDB = filepath.Join(p.Var, "checkpoints.db")

	return p
}

// StoriesFile returns the collection's stories.yaml path
func (p Paths) StoriesFile(collectionID string) string {
	return filepath.Join(p.Epics, collectionID, "stories.yaml")
}
