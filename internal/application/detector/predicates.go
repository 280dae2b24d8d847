package detector

import (
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/artifact"
)

// DraftReady holds once the drafted story has real content: at least
// minBytes bytes with both acceptance criteria and tasks sections.
func DraftReady(minBytes int) Predicate {
	return func(p *artifact.Parsed) bool {
		return p.Size >= minBytes &&
			p.Has(artifact.SectionAcceptanceCriteria) &&
			p.Has(artifact.SectionTasks)
	}
}

// DecisionMade holds once the decision section carries exactly one
// recognized token.
func DecisionMade() Predicate {
	return func(p *artifact.Parsed) bool {
		return p.Decision != story.DecisionNone
	}
}

// Implemented holds once the status reads Ready for Review or Done
func Implemented() Predicate {
	return func(p *artifact.Parsed) bool {
		return p.IsImplemented()
	}
}

// Verified holds once the verify section carries a keyed verdict line
// ("Status: PASS", "Gate: FAIL"). A free-text "All tests passed" alone
// is not a finished review. Whether it passed is decided by the caller.
func Verified() Predicate {
	return func(p *artifact.Parsed) bool {
		return p.Has(artifact.SectionVerify) && p.VerdictMarked
	}
}

// ForStage returns the completion predicate of a stage
func ForStage(stage story.Stage, minDraftBytes int) Predicate {
	switch stage {
	case story.StageDraft:
		return DraftReady(minDraftBytes)
	case story.StageValidate:
		return DecisionMade()
	case story.StageImplement:
		return Implemented()
	case story.StageVerify:
		return Verified()
	default:
		return func(*artifact.Parsed) bool { return false }
	}
}
