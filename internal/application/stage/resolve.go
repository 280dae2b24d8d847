package stage

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/YoshitsuguKoike/storyflow/internal/application/detector"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/artifact"
)

func failed(stage story.Stage, code, summary string) story.StageResult {
	return story.StageResult{
		Stage:   stage,
		Outcome: story.OutcomeFailed,
		Code:    code,
		Summary: summarize(summary),
	}
}

// timedOut records a stage whose condition never held. A validate timeout
// resolves to the TIMEOUT decision, never to an assumed approval.
func timedOut(stage story.Stage, out detector.Outcome) story.StageResult {
	res := story.StageResult{
		Stage:   stage,
		Outcome: story.OutcomeTimedOut,
		Code:    story.CodeStageTimeout,
	}

	if stage == story.StageValidate {
		res.Decision = story.DecisionTimeout
	}

	switch {
	case out.Parsed == nil:
		res.Summary = "artifact never appeared"
	case stage == story.StageValidate:
		res.Code = story.CodeAmbiguousDecision
		if out.Parsed.DecisionAmbiguous {
			res.Summary = "decision section holds conflicting tokens"
		} else if out.Parsed.Has(artifact.SectionDecision) {
			res.Summary = "decision section has no APPROVED, BLOCKED or CHANGES token"
		} else {
			res.Summary = "no decision section"
		}
	default:
		res.Summary = fmt.Sprintf("%s condition not met after %d polls", stage, out.Polls)
	}
	return res
}

// resolve extracts the StageResult fields from an artifact that satisfied
// the stage predicate.
func resolve(stage story.Stage, p *artifact.Parsed) story.StageResult {
	res := story.StageResult{Stage: stage, Outcome: story.OutcomeSucceeded}

	switch stage {
	case story.StageDraft:
		res.Summary = summarize(p.Body(artifact.SectionAcceptanceCriteria))

	case story.StageValidate:
		res.Decision = p.Decision
		res.Summary = summarize(p.Body(artifact.SectionDecision))
		switch p.Decision {
		case story.DecisionBlocked:
			res.Outcome = story.OutcomeBlocked
			res.Code = story.CodeDecisionBlocked
		case story.DecisionChanges:
			res.Outcome = story.OutcomeBlocked
			res.Code = story.CodeChangesRequested
		}

	case story.StageImplement:
		res.Artifacts = append([]string(nil), p.FileList...)
		res.Summary = summarize(fmt.Sprintf("status %q, %d files", p.Status, len(p.FileList)))
		if len(p.FileList) == 0 {
			res.Code = story.CodeParseDegraded
		}

	case story.StageVerify:
		res.Summary = summarize(p.Body(artifact.SectionVerify))
		if p.Verdict != artifact.VerdictPass {
			res.Outcome = story.OutcomeFailed
			res.Code = story.CodeVerifyFailed
			res.Reason = "verify-failed"
		}
	}
	return res
}

// summarize trims a section body to a single bounded paragraph
func summarize(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxSummaryRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxSummaryRunes-1]) + "…"
}
