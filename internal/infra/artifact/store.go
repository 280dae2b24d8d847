package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/persistence/file"
	"github.com/spf13/afero"
)

// ErrNotFound is returned when a unit has no artifact yet
var ErrNotFound = errors.New("artifact not found")

// StoriesDir is where artifacts live, relative to the project root
const StoriesDir = "docs/stories"

// SidecarDir holds orchestrator-owned files, relative to the project root
const SidecarDir = ".storyflow"

// Snapshot is the content of an artifact at one point in time
type Snapshot struct {
	UnitID  string
	Path    string
	Content []byte
	ModTime time.Time
}

// Size returns the snapshot length in bytes
func (s Snapshot) Size() int64 {
	return int64(len(s.Content))
}

// Store gives read access to unit artifacts and read/write access to
// sidecar files. It applies no policy of its own.
type Store struct {
	fs      afero.Fs
	root    string
	sidecar string
}

// NewStore creates a store rooted at the project directory
func NewStore(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: root, sidecar: filepath.Join(root, SidecarDir)}
}

// WithSidecarDir relocates sidecar files, e.g. when STORYFLOW_HOME is set
func (s *Store) WithSidecarDir(dir string) *Store {
	cp := *s
	cp.sidecar = dir
	return &cp
}

// Fs returns the underlying filesystem
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Root returns the project root
func (s *Store) Root() string {
	return s.root
}

// Path returns the deterministic artifact path for a unit
func (s *Store) Path(unitID string) string {
	return filepath.Join(s.root, StoriesDir, unitID+".story.md")
}

// Read loads the artifact with a fresh open each call; it keeps no handle
// so a worker may rewrite the file wholesale between reads.
func (s *Store) Read(unitID string) (Snapshot, error) {
	path := s.Path(unitID)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("read artifact %s: %w", unitID, err)
	}
	snap := Snapshot{UnitID: unitID, Path: path, Content: data}
	if info, err := s.fs.Stat(path); err == nil {
		snap.ModTime = info.ModTime()
	}
	return snap, nil
}

// Exists reports whether the artifact file is present
func (s *Store) Exists(unitID string) bool {
	ok, err := afero.Exists(s.fs, s.Path(unitID))
	return err == nil && ok
}

// Size returns the artifact size, or ErrNotFound
func (s *Store) Size(unitID string) (int64, error) {
	info, err := s.fs.Stat(s.Path(unitID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

// CreateStub writes a minimal artifact for a unit that has none. Existing
// content is never touched; created reports whether a stub was written.
func (s *Store) CreateStub(unit story.Unit) (created bool, err error) {
	path := s.Path(unit.ID)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create stories dir: %w", err)
	}

	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create stub %s: %w", unit.ID, err)
	}
	defer f.Close()

	if _, err := f.WriteString(stubContent(unit)); err != nil {
		return false, fmt.Errorf("write stub %s: %w", unit.ID, err)
	}
	return true, nil
}

const stubStatus = "Draft"

func stubContent(unit story.Unit) string {
	var b strings.Builder
	if unit.Title != "" {
		fmt.Fprintf(&b, "# Story %s: %s\n\n", unit.ID, unit.Title)
	} else {
		fmt.Fprintf(&b, "# Story %s\n\n", unit.ID)
	}
	b.WriteString("## Status\n\n" + stubStatus + "\n")
	return b.String()
}

// ClearStageOutputs prepares an existing artifact for another run of its
// unit. The decision, file list and verify sections written by an earlier
// run are removed and the status goes back to Draft, so every stage has
// to produce its result again. Drafted content is kept. A missing
// artifact is not an error; cleared reports whether anything changed.
func (s *Store) ClearStageOutputs(unitID string) (cleared bool, err error) {
	path := s.Path(unitID)
	data, ok, err := file.ReadIfExists(s.fs, path)
	if err != nil {
		return false, fmt.Errorf("read artifact %s: %w", unitID, err)
	}
	if !ok {
		return false, nil
	}

	content := removeSections(string(data), SectionDecision, SectionFileList, SectionVerify)
	if parsed := Parse([]byte(content)); parsed.Status != stubStatus {
		heading := HeadingFor(SectionStatus)
		if sec, ok := parsed.Section(SectionStatus); ok {
			heading = sec.Heading
		}
		content = upsertSection(content, heading, stubStatus)
	}
	if content == string(data) {
		return false, nil
	}
	if err := file.WriteAtomic(s.fs, path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("clear artifact %s: %w", unitID, err)
	}
	return true, nil
}

// removeSections drops every section of the given kinds together with its
// nested subsections. Headings inside code fences are not sections.
func removeSections(content string, kinds ...SectionKind) string {
	drop := make(map[SectionKind]bool, len(kinds))
	for _, k := range kinds {
		drop[k] = true
	}

	lines := strings.Split(content, "\n")
	kept := make([]string, 0, len(lines))
	inFence := false
	skipLevel := 0 // level of the section being dropped, 0 when keeping
	cut := false   // a section was just dropped; swallow the doubled blank line

	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		fence := strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
		if !inFence && !fence {
			if lvl, title, ok := headingOf(l); ok {
				if skipLevel > 0 && lvl <= skipLevel {
					skipLevel = 0
				}
				if skipLevel == 0 && lvl >= 2 && drop[KindOf(title)] {
					skipLevel = lvl
					cut = true
				}
			}
		}
		if fence {
			inFence = !inFence
		}
		if skipLevel > 0 {
			continue
		}
		if cut && trimmed == "" && len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
			continue
		}
		if trimmed != "" {
			cut = false
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

// UpsertSection replaces the body of the section with the given heading,
// or appends the section when absent. Other sections are left intact.
func (s *Store) UpsertSection(unitID, heading, body string) error {
	path := s.Path(unitID)
	data, _, err := file.ReadIfExists(s.fs, path)
	if err != nil {
		return fmt.Errorf("read artifact %s: %w", unitID, err)
	}
	updated := upsertSection(string(data), heading, body)
	return file.WriteAtomic(s.fs, path, []byte(updated), 0o644)
}

func upsertSection(content, heading, body string) string {
	body = strings.TrimRight(body, "\n") + "\n"
	target := normalizeHeading(heading)

	lines := strings.Split(content, "\n")
	start, level := -1, 0
	for i, l := range lines {
		if lvl, title, ok := headingOf(l); ok && lvl >= 2 && normalizeHeading(title) == target {
			start, level = i, lvl
			break
		}
	}

	if start < 0 {
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		if content != "" {
			content += "\n"
		}
		return content + "## " + heading + "\n\n" + body
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if lvl, _, ok := headingOf(lines[i]); ok && lvl <= level {
			end = i
			break
		}
	}

	var b strings.Builder
	b.WriteString(strings.Join(lines[:start+1], "\n"))
	b.WriteString("\n\n")
	b.WriteString(body)
	if end < len(lines) {
		b.WriteString("\n")
		b.WriteString(strings.Join(lines[end:], "\n"))
	}
	return b.String()
}

// SidecarPath returns the absolute path of an orchestrator-owned file
func (s *Store) SidecarPath(rel string) string {
	return filepath.Join(s.sidecar, rel)
}

// ReadSidecar returns the content of a sidecar file; ok is false if absent
func (s *Store) ReadSidecar(rel string) ([]byte, bool, error) {
	return file.ReadIfExists(s.fs, s.SidecarPath(rel))
}

// WriteSidecar atomically replaces a sidecar file
func (s *Store) WriteSidecar(rel string, data []byte) error {
	return file.WriteAtomic(s.fs, s.SidecarPath(rel), data, 0o644)
}

// RemoveSidecar deletes a sidecar file; a missing file is not an error
func (s *Store) RemoveSidecar(rel string) error {
	err := s.fs.Remove(s.SidecarPath(rel))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
