package workflow

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrOrgUnitPaused is returned when the kill switch blocks triggering.
	ErrOrgUnitPaused = errors.New("org unit is paused")

	// ErrRunNotResumable is returned when resume is called on a run that is
	// not waiting on an approval.
	ErrRunNotResumable = errors.New("run is not pending approval")
)

// PolicyViolationError is fatal to the step and never retried. The governor has
// already recorded an incident by the time this surfaces.
type PolicyViolationError struct {
	Rule   string
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("Policy violation: %s", e.Reason)
}

// ApprovalRequiredError suspends the run in pending_approval. The run resumes
// only via an explicit resume call after the approval is granted.
type ApprovalRequiredError struct {
	ApprovalID uuid.UUID
	Reason     string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("Approval required: %s", e.ApprovalID)
}

// ToolError wraps a failed tool call. Whether it is retried is up to the
// step's retryable flag; the router has already applied the tool's own policy.
type ToolError struct {
	Tool      string
	Operation string
	Message   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s.%s failed: %s", e.Tool, e.Operation, e.Message)
}

// UnknownStepTypeError is a configuration error, always fatal.
type UnknownStepTypeError struct {
	StepID string
	Type   StepType
}

func (e *UnknownStepTypeError) Error() string {
	return fmt.Sprintf("step %s has unknown type %q", e.StepID, e.Type)
}

// retryableError reports whether the error class may be retried at all.
// Governance outcomes and configuration errors are final regardless of the
// step's retryable flag.
func retryableError(err error) bool {
	var pv *PolicyViolationError
	var ar *ApprovalRequiredError
	var us *UnknownStepTypeError
	if errors.As(err, &pv) || errors.As(err, &ar) || errors.As(err, &us) {
		return false
	}
	return true
}
