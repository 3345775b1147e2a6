package models

import "time"

// EventKind classifies an audit event.
type EventKind string

const (
	// EventStarted records workflow creation.
	EventStarted EventKind = "STARTED"
	// EventLaunched records an agent process launch for a step.
	EventLaunched EventKind = "LAUNCHED"
	// EventTimeoutKill records a stuck agent process being terminated.
	EventTimeoutKill EventKind = "TIMEOUT_KILL"
	// EventRetry records a step being re-launched as a new attempt.
	EventRetry EventKind = "RETRY"
	// EventStepCompleted records a step resolving as succeeded.
	EventStepCompleted EventKind = "STEP_COMPLETED"
	// EventStepSkipped records a step's guard evaluating false.
	EventStepSkipped EventKind = "STEP_SKIPPED"
	// EventFailed records a step or workflow failing permanently.
	EventFailed EventKind = "FAILED"
	// EventPaused records an operator pause.
	EventPaused EventKind = "PAUSED"
	// EventResumed records an operator resume.
	EventResumed EventKind = "RESUMED"
	// EventStopped records an operator stop.
	EventStopped EventKind = "STOPPED"
	// EventCompleted records the workflow reaching its terminal success.
	EventCompleted EventKind = "COMPLETED"
	// EventApprovalRequested records an approval gate being opened.
	EventApprovalRequested EventKind = "APPROVAL_REQUESTED"
	// EventApprovalGranted records a human approving a gated step.
	EventApprovalGranted EventKind = "APPROVAL_GRANTED"
	// EventApprovalDenied records a human denying a gated step.
	EventApprovalDenied EventKind = "APPROVAL_DENIED"
	// EventApprovalExpired records an approval deadline passing with no
	// decision taken.
	EventApprovalExpired EventKind = "APPROVAL_EXPIRED"
)

// ActorSystem is the actor recorded for transitions the engine takes on
// its own, as opposed to operator-issued commands.
const ActorSystem = "system"

// AuditEvent is an immutable record of a state transition. Events are
// append-only and totally ordered by timestamp, then insertion order.
type AuditEvent struct {
	// ID is the insertion order assigned by the store.
	ID int64
	// WorkflowID is the workflow the event belongs to.
	WorkflowID string
	// Kind classifies the transition.
	Kind EventKind
	// Detail is free-text context for the transition.
	Detail string
	// Actor is ActorSystem or an operator identity.
	Actor string
	// Timestamp is when the transition occurred.
	Timestamp time.Time
}
