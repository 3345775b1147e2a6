package orchestrator

import "errors"

var (
	// ErrInvalidTransition means an operator command does not apply to
	// the workflow's current status. Nothing is mutated.
	ErrInvalidTransition = errors.New("invalid transition for workflow status")

	// ErrApprovalExpired means a decision arrived after the approval
	// deadline. The tick loop fails the workflow independently.
	ErrApprovalExpired = errors.New("approval deadline has passed")

	// ErrNotApprover means the deciding operator is not in the step's
	// approver set.
	ErrNotApprover = errors.New("operator is not a listed approver")

	// ErrWorkflowNotFound means no workflow exists with the given id.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrDuplicateTask means the task already has a live workflow.
	ErrDuplicateTask = errors.New("task already has an active workflow")

	// ErrNoApprovalPending means the workflow has no open approval gate.
	ErrNoApprovalPending = errors.New("no approval is pending for workflow")
)
