package story

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Unit is one story processed end-to-end through the pipeline.
// It is immutable once a run begins.
type Unit struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria,omitempty"`
}

// Validate checks the fields required to drive a unit
func (u Unit) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("unit id is required")
	}
	if strings.ContainsAny(u.ID, `/\`) {
		return fmt.Errorf("unit id %q must not contain path separators", u.ID)
	}
	return nil
}

// DisplayName returns "<id>: <title>" or the bare id when untitled
func (u Unit) DisplayName() string {
	if u.Title == "" {
		return u.ID
	}
	return u.ID + ": " + u.Title
}

var unsafeSlug = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// UnitSlug reduces a unit ID to the characters tmux accepts in session
// names: "1.2" becomes "1-2". Distinct IDs may share a slug, so a
// collection must not hold two of them.
func UnitSlug(unitID string) string {
	slug := unsafeSlug.ReplaceAllString(norm.NFKC.String(strings.TrimSpace(unitID)), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "unit"
	}
	return slug
}
