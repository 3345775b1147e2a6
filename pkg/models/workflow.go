// Package models defines the shared domain types for nexus workflows.
package models

import "time"

// WorkflowStatus is the overall status of a workflow instance.
type WorkflowStatus string

const (
	// WorkflowRunning means the workflow is advancing through its steps.
	WorkflowRunning WorkflowStatus = "running"
	// WorkflowPaused means automatic advancement is frozen; a running
	// step keeps running but no new step launches until resume.
	WorkflowPaused WorkflowStatus = "paused"
	// WorkflowAwaitingApproval means the current step is gated on a
	// human decision.
	WorkflowAwaitingApproval WorkflowStatus = "awaiting_approval"
	// WorkflowStopped is terminal: an operator stopped the workflow.
	WorkflowStopped WorkflowStatus = "stopped"
	// WorkflowCompleted is terminal: every step resolved.
	WorkflowCompleted WorkflowStatus = "completed"
	// WorkflowFailed is terminal: a step exhausted retries or an
	// approval was denied or expired.
	WorkflowFailed WorkflowStatus = "failed"
)

// Terminal returns true for statuses that admit no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStopped, WorkflowCompleted, WorkflowFailed:
		return true
	default:
		return false
	}
}

// StepStatus is the status of a single step within a workflow.
type StepStatus string

const (
	// StepPending means the step has not been launched yet.
	StepPending StepStatus = "pending"
	// StepRunning means an agent process is executing the step.
	StepRunning StepStatus = "running"
	// StepSkipped means the step's guard condition evaluated false.
	StepSkipped StepStatus = "skipped"
	// StepSucceeded means the step produced a completion signal.
	StepSucceeded StepStatus = "succeeded"
	// StepFailed means the step exhausted its retry budget or was
	// blocked by the agent.
	StepFailed StepStatus = "failed"
)

// ApprovalRequirement gates a step on an explicit human decision before
// it is launched.
type ApprovalRequirement struct {
	// Approvers lists who may decide. Empty means any operator.
	Approvers []string `yaml:"approvers"`
	// Timeout is how long the gate waits before the workflow auto-fails.
	// Zero means use the configured default.
	Timeout time.Duration `yaml:"timeout"`
}

// Step is one unit of work within a workflow, bound to exactly one
// external agent role.
type Step struct {
	// Name identifies the step within its workflow.
	Name string
	// Agent is the external agent role that executes the step.
	Agent string
	// Description is the human-readable summary shown in status output.
	Description string
	// Inputs names prior step outputs this step consumes.
	Inputs []string
	// DeclaredOutputs names the outputs this step is expected to produce.
	DeclaredOutputs []string
	// Guard is an optional boolean expression over prior outputs.
	// An empty guard always passes.
	Guard string
	// Approval, when non-nil, requires a human decision before launch.
	Approval *ApprovalRequirement
	// Final marks the step that closes out the task on success.
	Final bool

	// Status is the current lifecycle state of the step.
	Status StepStatus
	// Attempts counts launches of this step, including the initial one.
	Attempts int
	// PID is the external process id while the step is running.
	PID int
	// ArtifactPath is the step's output artifact, watched for progress.
	ArtifactPath string
	// LastProgressAt is when an external signal was last observed.
	LastProgressAt time.Time
	// LastLaunchedAt is when the step was last launched. Used to guard
	// against duplicate launches across overlapping polls and restarts.
	LastLaunchedAt time.Time
	// Outputs holds the named values the step actually produced.
	Outputs map[string]string
	// Reason records why a step was skipped or failed.
	Reason string
}

// Workflow is one multi-step execution instance of a task.
type Workflow struct {
	// ID uniquely identifies the workflow instance.
	ID string
	// TaskRef is the owning task reference on the issue platform.
	TaskRef string
	// Tier names the workflow definition the steps came from.
	Tier Tier
	// Steps is the ordered step list instantiated from the definition.
	Steps []Step
	// Current indexes into Steps. It equals len(Steps) only when the
	// workflow is completed or failed.
	Current int
	// Status is the overall workflow status.
	Status WorkflowStatus
	// CreatedAt is when the workflow was accepted.
	CreatedAt time.Time
	// UpdatedAt is when the workflow last transitioned.
	UpdatedAt time.Time
}

// CurrentStep returns the step at the current index, or nil when the
// index is past the end of the list.
func (w *Workflow) CurrentStep() *Step {
	if w.Current < 0 || w.Current >= len(w.Steps) {
		return nil
	}
	return &w.Steps[w.Current]
}

// RunningStep returns the step currently in StepRunning status, or nil.
// At most one step per workflow is ever running.
func (w *Workflow) RunningStep() *Step {
	for i := range w.Steps {
		if w.Steps[i].Status == StepRunning {
			return &w.Steps[i]
		}
	}
	return nil
}

// CompletedSteps counts steps that resolved as succeeded or skipped.
func (w *Workflow) CompletedSteps() int {
	n := 0
	for i := range w.Steps {
		if w.Steps[i].Status == StepSucceeded || w.Steps[i].Status == StepSkipped {
			n++
		}
	}
	return n
}

// Progress returns the completion percentage across the step list.
func (w *Workflow) Progress() float64 {
	if len(w.Steps) == 0 {
		return 0
	}
	return float64(w.CompletedSteps()) / float64(len(w.Steps)) * 100
}

// PriorOutputs merges the outputs of every resolved step before the
// current index. Later steps win on name collisions.
func (w *Workflow) PriorOutputs() map[string]string {
	merged := make(map[string]string)
	for i := 0; i < w.Current && i < len(w.Steps); i++ {
		for k, v := range w.Steps[i].Outputs {
			merged[k] = v
		}
	}
	return merged
}

// Snapshot is the read-only view of a workflow returned to callers.
type Snapshot struct {
	ID             string
	TaskRef        string
	Tier           Tier
	Status         WorkflowStatus
	Current        int
	TotalSteps     int
	CompletedSteps int
	Progress       float64
	Steps          []StepSnapshot
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StepSnapshot summarizes one step for status output.
type StepSnapshot struct {
	Name        string
	Agent       string
	Description string
	Status      StepStatus
	Attempts    int
	Final       bool
	Reason      string
}

// Snapshot builds the external view of the workflow.
func (w *Workflow) Snapshot() Snapshot {
	snap := Snapshot{
		ID:             w.ID,
		TaskRef:        w.TaskRef,
		Tier:           w.Tier,
		Status:         w.Status,
		Current:        w.Current,
		TotalSteps:     len(w.Steps),
		CompletedSteps: w.CompletedSteps(),
		Progress:       w.Progress(),
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	}
	for i := range w.Steps {
		s := &w.Steps[i]
		snap.Steps = append(snap.Steps, StepSnapshot{
			Name:        s.Name,
			Agent:       s.Agent,
			Description: s.Description,
			Status:      s.Status,
			Attempts:    s.Attempts,
			Final:       s.Final,
			Reason:      s.Reason,
		})
	}
	return snap
}
