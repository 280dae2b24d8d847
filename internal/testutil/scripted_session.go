package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// Section is one heading and body an agent writes into the artifact
type Section struct {
	Heading string
	Body    string
}

// ReplyFunc returns what the agent writes for a stage. An empty result
// means the agent stays silent and the stage eventually times out.
type ReplyFunc func(stage story.Stage, unitID string) []Section

// SectionWriter is the artifact access a scripted agent needs
type SectionWriter interface {
	UpsertSection(unitID, heading, body string) error
}

// ScriptedSession is an AgentSession double. It records every injected
// command per handle and answers through the artifact like a real agent.
type ScriptedSession struct {
	writer  SectionWriter
	replies ReplyFunc

	// AcquireErr, when set, fails every acquisition for the given stage
	AcquireErr map[story.Stage]error

	mu       sync.Mutex
	seq      int
	handles  []output.SessionHandle
	injected map[string][]string
	released map[string]int
}

// NewScriptedSession creates a double that answers with replies
func NewScriptedSession(writer SectionWriter, replies ReplyFunc) *ScriptedSession {
	return &ScriptedSession{
		writer:   writer,
		replies:  replies,
		injected: make(map[string][]string),
		released: make(map[string]int),
	}
}

var _ output.AgentSession = (*ScriptedSession)(nil)

func (s *ScriptedSession) Acquire(ctx context.Context, stage story.Stage, unitID string) (output.SessionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.AcquireErr[stage]; err != nil {
		return output.SessionHandle{}, err
	}
	s.seq++
	h := output.SessionHandle{
		ID:         fmt.Sprintf("handle-%d", s.seq),
		Name:       fmt.Sprintf("%s-%s", stage.Agent(), unitID),
		Stage:      stage,
		UnitID:     unitID,
		AcquiredAt: time.Now(),
	}
	s.handles = append(s.handles, h)
	return h, nil
}

// Inject records the command and, on the last line of a stage command
// sequence (anything not starting with '/'), writes the scripted reply.
func (s *ScriptedSession) Inject(ctx context.Context, h output.SessionHandle, command string) error {
	s.mu.Lock()
	if s.released[h.ID] > 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", output.ErrSessionGone, h.Name)
	}
	s.injected[h.ID] = append(s.injected[h.ID], command)
	s.mu.Unlock()

	if strings.HasPrefix(command, "/") || s.replies == nil {
		return nil
	}
	for _, sec := range s.replies(h.Stage, h.UnitID) {
		if err := s.writer.UpsertSection(h.UnitID, sec.Heading, sec.Body); err != nil {
			return err
		}
	}
	return nil
}

func (s *ScriptedSession) Release(ctx context.Context, h output.SessionHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released[h.ID]++
	return nil
}

// Handles returns every acquired handle in acquisition order
func (s *ScriptedSession) Handles() []output.SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]output.SessionHandle(nil), s.handles...)
}

// Injected returns the commands sent to one handle
func (s *ScriptedSession) Injected(handleID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.injected[handleID]...)
}

// Released reports how often a handle was released
func (s *ScriptedSession) Released(handleID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released[handleID]
}

// Leaked returns handles that were never released
func (s *ScriptedSession) Leaked() []output.SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []output.SessionHandle
	for _, h := range s.handles {
		if s.released[h.ID] == 0 {
			out = append(out, h)
		}
	}
	return out
}

// StagesFor lists the stages acquired for a unit, in order
func (s *ScriptedSession) StagesFor(unitID string) []story.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []story.Stage
	for _, h := range s.handles {
		if h.UnitID == unitID {
			out = append(out, h.Stage)
		}
	}
	return out
}

// HappyPath answers every stage the way a cooperative agent does
func HappyPath(stage story.Stage, unitID string) []Section {
	switch stage {
	case story.StageDraft:
		return []Section{
			{"Acceptance Criteria", "1. The feature works for " + unitID},
			{"Tasks / Subtasks", "- [ ] Build it (AC: 1)"},
			{"Dev Notes", strings.Repeat("Context the developer needs. ", 50)},
		}
	case story.StageValidate:
		return []Section{{"PO Decision", "Decision: APPROVED"}}
	case story.StageImplement:
		return []Section{
			{"Status", "Ready for Review"},
			{"File List", "- `internal/feature/" + unitID + ".go`\n- `internal/feature/" + unitID + "_test.go`"},
		}
	case story.StageVerify:
		return []Section{{"QA Results", "Gate: PASS\n\nAll tests passed."}}
	}
	return nil
}

// Override replaces the reply for one (stage, unit) pair. A nil sections
// value makes the agent silent there.
func Override(base ReplyFunc, unitID string, stage story.Stage, sections []Section) ReplyFunc {
	return func(s story.Stage, u string) []Section {
		if s == stage && u == unitID {
			return sections
		}
		return base(s, u)
	}
}
