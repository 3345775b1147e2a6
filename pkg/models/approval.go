package models

import "time"

// ApprovalDecision is the state of a pending approval gate.
type ApprovalDecision string

const (
	// ApprovalPending means no decision has arrived yet.
	ApprovalPending ApprovalDecision = "pending"
	// ApprovalApproved means an operator approved the step.
	ApprovalApproved ApprovalDecision = "approved"
	// ApprovalDenied means an operator denied the step.
	ApprovalDenied ApprovalDecision = "denied"
)

// PendingApproval is a gate blocking step advancement until a human
// decision arrives or the deadline passes.
type PendingApproval struct {
	// WorkflowID is the gated workflow.
	WorkflowID string
	// StepName is the gated step within the workflow.
	StepName string
	// Approvers lists who may decide. Empty means any operator.
	Approvers []string
	// Deadline is when the gate expires and the workflow auto-fails.
	Deadline time.Time
	// Decision is the current state of the gate.
	Decision ApprovalDecision
	// DecidedBy is the operator who resolved the gate, if any.
	DecidedBy string
	// CreatedAt is when the gate was opened.
	CreatedAt time.Time
	// DecidedAt is when the gate was resolved, if it has been.
	DecidedAt *time.Time
}

// AllowedApprover reports whether the given operator may decide this
// approval. An empty approver set means any operator may decide.
func (p *PendingApproval) AllowedApprover(who string) bool {
	if len(p.Approvers) == 0 {
		return true
	}
	for _, a := range p.Approvers {
		if a == who {
			return true
		}
	}
	return false
}

// Expired reports whether the deadline has passed at the given time.
func (p *PendingApproval) Expired(now time.Time) bool {
	return now.After(p.Deadline)
}
