// Package launcher defines the agent-launch collaborator contract and
// its os/exec implementation. Agents are opaque external processes: the
// engine only ever starts them, kills them, and checks liveness.
package launcher

import (
	"context"
	"fmt"
	"time"
)

// Spec describes the step an agent should execute.
type Spec struct {
	// WorkflowID is the workflow the step belongs to.
	WorkflowID string
	// TaskRef is the owning task reference on the issue platform.
	TaskRef string
	// StepName is the step being executed.
	StepName string
	// Agent is the agent role to launch.
	Agent string
	// Inputs carries named values from prior step outputs.
	Inputs map[string]string
	// Attempt is the launch attempt number, 1-indexed.
	Attempt int
}

// Handle is the opaque reference to a launched agent process. It is
// owned exclusively by the running step; only the timeout monitor and
// operator stop may terminate it.
type Handle struct {
	// PID is the external process id.
	PID int
	// ArtifactPath is the file the agent appends output to. Progress
	// watching keys off this path.
	ArtifactPath string
	// StartedAt is when the process was launched.
	StartedAt time.Time
}

// Launcher starts, terminates, and health-checks agent processes.
type Launcher interface {
	// Launch starts an agent for the step and returns its handle.
	// Failures are returned as *LaunchError.
	Launch(ctx context.Context, spec Spec) (Handle, error)

	// Terminate kills the process behind the handle. Terminating an
	// already-dead process is not an error.
	Terminate(h Handle) error

	// IsAlive reports whether the process behind the handle is still
	// running.
	IsAlive(h Handle) bool
}

// LaunchError means the external agent failed to start. The engine
// treats it as an immediately failed attempt that consumes a retry.
type LaunchError struct {
	Agent string
	Err   error
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch agent %s: %v", e.Agent, e.Err)
}

// Unwrap returns the underlying cause.
func (e *LaunchError) Unwrap() error {
	return e.Err
}
