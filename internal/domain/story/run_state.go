package story

import "fmt"

// RunState tracks one unit's traversal of the stage graph
type RunState struct {
	Unit    Unit
	Current State
	History []StageResult
	Reason  string
}

// NewRunState creates a run positioned at the draft stage
func NewRunState(unit Unit) *RunState {
	return &RunState{
		Unit:    unit,
		Current: StateDraft,
	}
}

// Route computes the state that follows a stage result. It is a pure
// function of the result; it never re-enters an earlier stage.
func Route(result StageResult) (State, string) {
	switch result.Stage {
	case StageDraft:
		if result.Outcome.IsSuccess() {
			return StateValidate, ""
		}
		return StateFailed, failureReason(result)

	case StageValidate:
		if result.Outcome.IsSuccess() && result.Decision == DecisionApproved {
			return StateImplement, ""
		}
		switch result.Decision {
		case DecisionBlocked:
			return StateBlocked, "validate-blocked"
		case DecisionChanges:
			return StateChangesRequested, "validate-changes-requested"
		}
		return StateFailed, failureReason(result)

	case StageImplement:
		if result.Outcome.IsSuccess() {
			return StateVerify, ""
		}
		return StateFailed, failureReason(result)

	case StageVerify:
		if result.Outcome.IsSuccess() {
			return StateComplete, ""
		}
		return StateFailed, failureReason(result)
	}

	return StateFailed, "unknown-stage"
}

func failureReason(result StageResult) string {
	if result.Reason != "" {
		return result.Reason
	}
	if result.Outcome == OutcomeTimedOut {
		return fmt.Sprintf("%s-timeout", result.Stage)
	}
	return fmt.Sprintf("%s-failed", result.Stage)
}

// Apply appends a stage result and advances the state machine.
// The result must belong to the stage of the current state.
func (r *RunState) Apply(result StageResult) (State, error) {
	if r.Current.IsTerminal() {
		return r.Current, ErrRunFinished.WithDetails(map[string]interface{}{
			"unit":  r.Unit.ID,
			"state": r.Current.String(),
		})
	}
	if result.Stage != r.Current.Stage() {
		return r.Current, NewPipelineError(CodeInvalidTransition,
			fmt.Sprintf("result for stage %s applied in state %s", result.Stage, r.Current), nil)
	}

	next, reason := Route(result)
	if !r.Current.CanTransitionTo(next) {
		return r.Current, NewPipelineError(CodeInvalidTransition,
			fmt.Sprintf("%s -> %s is not allowed", r.Current, next), nil)
	}

	r.History = append(r.History, result.Freeze())
	r.Current = next
	if next.IsTerminal() {
		r.Reason = reason
	}
	return next, nil
}

// IsTerminal reports whether the run has ended
func (r *RunState) IsTerminal() bool {
	return r.Current.IsTerminal()
}

// Last returns the most recent stage result
func (r *RunState) Last() (StageResult, bool) {
	if len(r.History) == 0 {
		return StageResult{}, false
	}
	return r.History[len(r.History)-1], true
}

// Result returns the recorded result for a stage, if that stage ran
func (r *RunState) Result(stage Stage) (StageResult, bool) {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Stage == stage {
			return r.History[i], true
		}
	}
	return StageResult{}, false
}

// FileList returns the file list extracted by the implement stage
func (r *RunState) FileList() []string {
	if res, ok := r.Result(StageImplement); ok {
		return res.FileList()
	}
	return nil
}

// Decisions returns the decisions recorded along the run, in order
func (r *RunState) Decisions() []Decision {
	var out []Decision
	for _, res := range r.History {
		if res.Decision != DecisionNone {
			out = append(out, res.Decision)
		}
	}
	return out
}
