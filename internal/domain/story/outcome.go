package story

// Outcome is the result of a single stage attempt
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// String returns the string representation of the outcome
func (o Outcome) String() string {
	return string(o)
}

// IsValid returns true if the outcome is known
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSucceeded, OutcomeBlocked, OutcomeFailed, OutcomeTimedOut:
		return true
	default:
		return false
	}
}

// IsSuccess returns true if the stage succeeded
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSucceeded
}

// State is a node of the per-unit state machine. The four stage states
// are transient, the remaining four are terminal.
type State string

const (
	StateDraft            State = "Draft"
	StateValidate         State = "Validate"
	StateImplement        State = "Implement"
	StateVerify           State = "Verify"
	StateComplete         State = "Complete"
	StateBlocked          State = "Blocked"
	StateChangesRequested State = "ChangesRequested"
	StateFailed           State = "Failed"
)

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true for states that end a unit's run
func (s State) IsTerminal() bool {
	switch s {
	case StateComplete, StateBlocked, StateChangesRequested, StateFailed:
		return true
	default:
		return false
	}
}

// IsValid returns true if the state is known
func (s State) IsValid() bool {
	switch s {
	case StateDraft, StateValidate, StateImplement, StateVerify,
		StateComplete, StateBlocked, StateChangesRequested, StateFailed:
		return true
	default:
		return false
	}
}

// StateOf returns the transient state that runs the given stage
func StateOf(stage Stage) State {
	switch stage {
	case StageDraft:
		return StateDraft
	case StageValidate:
		return StateValidate
	case StageImplement:
		return StateImplement
	case StageVerify:
		return StateVerify
	default:
		return ""
	}
}

// Stage returns the stage executed in this state, or "" for terminal states
func (s State) Stage() Stage {
	switch s {
	case StateDraft:
		return StageDraft
	case StateValidate:
		return StageValidate
	case StateImplement:
		return StageImplement
	case StateVerify:
		return StageVerify
	default:
		return ""
	}
}

// CanTransitionTo checks if the state graph allows moving to next
func (s State) CanTransitionTo(next State) bool {
	validTransitions := map[State][]State{
		StateDraft:     {StateValidate, StateFailed},
		StateValidate:  {StateImplement, StateBlocked, StateChangesRequested, StateFailed},
		StateImplement: {StateVerify, StateFailed},
		StateVerify:    {StateComplete, StateFailed},
	}

	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
