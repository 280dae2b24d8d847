package artifact

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// SectionKind identifies a section the pipeline knows how to read
type SectionKind string

const (
	SectionUnknown            SectionKind = ""
	SectionStatus             SectionKind = "status"
	SectionAcceptanceCriteria SectionKind = "acceptance_criteria"
	SectionTasks              SectionKind = "tasks"
	SectionDecision           SectionKind = "decision"
	SectionFileList           SectionKind = "file_list"
	SectionVerify             SectionKind = "verify"
)

// SchemaVersion is bumped whenever a heading spelling is added
const SchemaVersion = 2

// headingAliases maps normalized heading text to a section kind. Older
// story templates used different spellings; all of them stay readable.
var headingAliases = map[string]SectionKind{
	"status":       SectionStatus,
	"story status": SectionStatus,

	"acceptance criteria":  SectionAcceptanceCriteria,
	"acceptance criterion": SectionAcceptanceCriteria,

	"tasks":              SectionTasks,
	"subtasks":           SectionTasks,
	"tasks / subtasks":   SectionTasks,
	"tasks/subtasks":     SectionTasks,
	"tasks and subtasks": SectionTasks,

	"po decision":         SectionDecision,
	"decision":            SectionDecision,
	"validation decision": SectionDecision,
	"po validation":       SectionDecision,

	"file list":      SectionFileList,
	"files modified": SectionFileList,
	"modified files": SectionFileList,

	"qa results":   SectionVerify,
	"qa result":    SectionVerify,
	"test results": SectionVerify,
	"qa review":    SectionVerify,
	"verification": SectionVerify,
}

// HeadingFor returns the canonical heading written for a section kind
func HeadingFor(kind SectionKind) string {
	switch kind {
	case SectionStatus:
		return "Status"
	case SectionAcceptanceCriteria:
		return "Acceptance Criteria"
	case SectionTasks:
		return "Tasks / Subtasks"
	case SectionDecision:
		return "PO Decision"
	case SectionFileList:
		return "File List"
	case SectionVerify:
		return "QA Results"
	default:
		return ""
	}
}

// KindOf classifies a raw heading
func KindOf(heading string) SectionKind {
	return headingAliases[normalizeHeading(heading)]
}

// normalizeHeading folds width variants, case, emphasis, trailing colons
// and leading decorations such as emoji so that "✅ **QA Results:**" and
// "qa results" compare equal.
func normalizeHeading(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == '*' || r == '_' || r == '`' {
			return -1
		}
		return r
	}, s)
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	s = strings.TrimRight(s, " \t:#")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
