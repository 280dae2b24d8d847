package story

import (
	"errors"
	"fmt"
)

// Error codes for pipeline failures
const (
	CodeStageTimeout       = "STAGE_TIMEOUT"
	CodeAmbiguousDecision  = "AMBIGUOUS_DECISION"
	CodeParseDegraded      = "ARTIFACT_PARSE_DEGRADED"
	CodeSessionAcquisition = "SESSION_ACQUISITION_FAILURE"
	CodeCheckpointPersist  = "CHECKPOINT_PERSISTENCE_FAILURE"
	CodeVerifyFailed       = "VERIFY_FAILED"
	CodeDecisionBlocked    = "DECISION_BLOCKED"
	CodeChangesRequested   = "CHANGES_REQUESTED"
	CodeCancelled          = "CANCELLED"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeRunFinished        = "RUN_FINISHED"
	CodeUnitValidation     = "UNIT_INVALID"
)

// PipelineError represents domain-specific errors raised while driving units
type PipelineError struct {
	Code    string
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (e PipelineError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Common pipeline errors
var (
	ErrStageTimeout = PipelineError{
		Code:    CodeStageTimeout,
		Message: "Stage condition was not met before the deadline",
	}

	ErrAmbiguousDecision = PipelineError{
		Code:    CodeAmbiguousDecision,
		Message: "Decision section is absent or not one of APPROVED, BLOCKED, CHANGES",
	}

	ErrSessionAcquisition = PipelineError{
		Code:    CodeSessionAcquisition,
		Message: "Agent session could not be acquired",
	}

	ErrCheckpointPersistence = PipelineError{
		Code:    CodeCheckpointPersist,
		Message: "Checkpoint could not be persisted",
	}

	ErrRunFinished = PipelineError{
		Code:    CodeRunFinished,
		Message: "Run already reached a terminal state",
	}
)

// NewPipelineError creates a new pipeline error with details
func NewPipelineError(code, message string, details map[string]interface{}) PipelineError {
	return PipelineError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WithDetails adds details to an existing error
func (e PipelineError) WithDetails(details map[string]interface{}) PipelineError {
	e.Details = details
	return e
}

func hasCode(err error, code string) bool {
	var pe PipelineError
	return errors.As(err, &pe) && pe.Code == code
}

// IsStageTimeout checks if the error is a stage timeout
func IsStageTimeout(err error) bool {
	return hasCode(err, CodeStageTimeout)
}

// IsAmbiguousDecision checks if the error is an ambiguous decision
func IsAmbiguousDecision(err error) bool {
	return hasCode(err, CodeAmbiguousDecision)
}

// IsSessionAcquisition checks if the error is a session acquisition failure
func IsSessionAcquisition(err error) bool {
	return hasCode(err, CodeSessionAcquisition)
}

// IsCheckpointPersistence checks if the error is a checkpoint persistence failure
func IsCheckpointPersistence(err error) bool {
	return hasCode(err, CodeCheckpointPersist)
}

// IsInvalidTransition checks if the error is an invalid transition error
func IsInvalidTransition(err error) bool {
	return hasCode(err, CodeInvalidTransition) || hasCode(err, CodeRunFinished)
}
