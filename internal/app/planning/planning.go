// Package planning loads the story collections produced by the planning
// phase and checks that the documents the agents rely on are present.
package planning

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// ErrCollectionNotFound is returned when a collection has no stories file
var ErrCollectionNotFound = errors.New("story collection not found")

// Collection is an ordered list of units sharing one checkpoint
type Collection struct {
	ID    string
	Path  string
	Units []story.Unit
}

type storiesFile struct {
	Stories []story.Unit `yaml:"stories"`
}

// Load reads docs/epics/<collection>/stories.yaml
func Load(fs afero.Fs, paths app.Paths, collectionID string) (*Collection, error) {
	if strings.TrimSpace(collectionID) == "" {
		return nil, fmt.Errorf("collection id is required")
	}

	path := paths.StoriesFile(collectionID)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, path)
		}
		return nil, fmt.Errorf("read stories file: %w", err)
	}

	units, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Collection{ID: collectionID, Path: path, Units: units}, nil
}

// Parse decodes a stories document and validates its units
func Parse(data []byte) ([]story.Unit, error) {
	var doc storiesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse stories: %w", err)
	}
	if len(doc.Stories) == 0 {
		return nil, fmt.Errorf("no stories defined")
	}

	seen := make(map[string]int, len(doc.Stories))
	slugs := make(map[string]string, len(doc.Stories))
	units := make([]story.Unit, 0, len(doc.Stories))
	for i, u := range doc.Stories {
		u.ID = strings.TrimSpace(u.ID)
		u.Title = strings.TrimSpace(u.Title)
		if err := u.Validate(); err != nil {
			return nil, fmt.Errorf("story #%d: %w", i+1, err)
		}
		if prev, dup := seen[u.ID]; dup {
			return nil, fmt.Errorf("story #%d: duplicate id %q (first at #%d)", i+1, u.ID, prev)
		}
		// Units share tmux session names when their slugs match
		slug := story.UnitSlug(u.ID)
		if other, clash := slugs[slug]; clash {
			return nil, fmt.Errorf("story #%d: id %q collides with %q (both map to %q)", i+1, u.ID, other, slug)
		}
		seen[u.ID] = i + 1
		slugs[slug] = u.ID
		units = append(units, u)
	}
	return units, nil
}

// Verify returns the planning inputs that are missing for a collection.
// An empty result means the run may start.
func Verify(fs afero.Fs, paths app.Paths, collectionID string) []string {
	var missing []string
	for _, path := range []string{paths.PRD, paths.Architecture, paths.StoriesFile(collectionID)} {
		if ok, _ := afero.Exists(fs, path); !ok {
			missing = append(missing, path)
		}
	}
	return missing
}

// Find returns the unit with the given ID
func (c *Collection) Find(unitID string) (story.Unit, bool) {
	for _, u := range c.Units {
		if u.ID == unitID {
			return u, true
		}
	}
	return story.Unit{}, false
}
