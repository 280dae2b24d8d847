package story

import "strings"

// Stage is one of the four ordered pipeline phases
type Stage string

const (
	StageDraft     Stage = "draft"     // Story drafted by the scrum master agent
	StageValidate  Stage = "validate"  // Product owner validation
	StageImplement Stage = "implement" // Developer implementation
	StageVerify    Stage = "verify"    // QA review
)

var orderedStages = []Stage{StageDraft, StageValidate, StageImplement, StageVerify}

// Stages returns all stages in pipeline order
func Stages() []Stage {
	out := make([]Stage, len(orderedStages))
	copy(out, orderedStages)
	return out
}

// String returns the string representation of the stage
func (s Stage) String() string {
	return string(s)
}

// IsValid returns true if the stage is one of the known pipeline stages
func (s Stage) IsValid() bool {
	switch s {
	case StageDraft, StageValidate, StageImplement, StageVerify:
		return true
	default:
		return false
	}
}

// Agent returns the short agent role that executes the stage
func (s Stage) Agent() string {
	switch s {
	case StageDraft:
		return "sm"
	case StageValidate:
		return "po"
	case StageImplement:
		return "dev"
	case StageVerify:
		return "qa"
	default:
		return ""
	}
}

// Index returns the position of the stage in the pipeline, or -1
func (s Stage) Index() int {
	for i, st := range orderedStages {
		if st == s {
			return i
		}
	}
	return -1
}

// ParseStage parses a stage name, accepting agent aliases (sm, po, dev, qa)
func ParseStage(s string) (Stage, bool) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for _, st := range orderedStages {
		if normalized == string(st) || normalized == st.Agent() {
			return st, true
		}
	}
	return "", false
}
