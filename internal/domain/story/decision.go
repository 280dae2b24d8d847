package story

import "strings"

// Decision is the validation verdict written into the decision section.
// The vocabulary is closed: anything other than the three tokens is
// treated as no decision at all.
type Decision string

const (
	DecisionNone     Decision = ""
	DecisionApproved Decision = "APPROVED"
	DecisionBlocked  Decision = "BLOCKED"
	DecisionChanges  Decision = "CHANGES"
	DecisionTimeout  Decision = "TIMEOUT" // No decision appeared before the stage deadline
)

// String returns the string representation of the decision
func (d Decision) String() string {
	return string(d)
}

// IsValid returns true if the decision belongs to the known vocabulary
func (d Decision) IsValid() bool {
	switch d {
	case DecisionApproved, DecisionBlocked, DecisionChanges, DecisionTimeout:
		return true
	default:
		return false
	}
}

// IsApproved reports whether the unit may proceed to implementation
func (d Decision) IsApproved() bool {
	return d == DecisionApproved
}

// ParseDecisionToken maps a single token to a Decision.
// Matching is exact and case-sensitive. "CHANGES REQUESTED" and
// "CHANGES_REQUESTED" are historical spellings of CHANGES.
func ParseDecisionToken(s string) Decision {
	switch strings.TrimSpace(s) {
	case "APPROVED":
		return DecisionApproved
	case "BLOCKED":
		return DecisionBlocked
	case "CHANGES", "CHANGES REQUESTED", "CHANGES_REQUESTED":
		return DecisionChanges
	default:
		return DecisionNone
	}
}
