package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the orchestration core. Callers branch with errors.Is.
var (
	// ErrNoEligibleCandidate means a selection pool was empty before any
	// fallback could apply. Stage-fatal.
	ErrNoEligibleCandidate = errors.New("no eligible candidate")
	// ErrLowQuality marks a generation whose quality score fell below the
	// acceptance floor. The slot stays retriable.
	ErrLowQuality = errors.New("quality score below acceptance floor")
	// ErrConcurrentModification is an optimistic-lock violation: the slot
	// changed since it was read. Re-fetch and retry.
	ErrConcurrentModification = errors.New("slot modified concurrently")
	// ErrAlreadyResolved guards against duplicate approval callbacks.
	ErrAlreadyResolved = errors.New("approval already resolved")
	// ErrSlotNotFound is returned for unknown slot IDs.
	ErrSlotNotFound = errors.New("slot not found")
	// ErrInvalidTransition is returned when an operation is not legal from
	// the slot's current status (e.g. retry on a non-failed slot).
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Stage-error reason codes persisted on the slot.
const (
	ReasonNoEligibleCandidate = "no_eligible_candidate"
	ReasonLowQuality          = "low_quality"
	ReasonExternalCall        = "external_call_failure"
	ReasonApprovalTimeout     = "approval_timeout"
	ReasonStageFailure        = "stage_failure"
)

// ExternalCallError wraps a collaborator failure with the stage and the
// collaborator that failed. Never auto-retried; an operator retry re-runs
// the pipeline.
type ExternalCallError struct {
	Collaborator string
	Stage        Stage
	Err          error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("%s call failed at %s: %v", e.Collaborator, e.Stage, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// NewExternalCallError wraps err, returning nil when there is nothing to wrap.
func NewExternalCallError(collaborator string, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalCallError{Collaborator: collaborator, Stage: stage, Err: err}
}
