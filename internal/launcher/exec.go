package launcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// ExecLauncher implements Launcher by starting a configured agent
// command as a detached subprocess. The agent's combined output is
// redirected to an artifact file under ArtifactDir, which also serves
// as the progress signal for the timeout monitor.
type ExecLauncher struct {
	// Command is the agent runner executable.
	Command string
	// ArtifactDir is where per-step output artifacts are written.
	ArtifactDir string
}

// NewExecLauncher creates an ExecLauncher running the given command
// with artifacts under artifactDir.
func NewExecLauncher(command, artifactDir string) *ExecLauncher {
	return &ExecLauncher{Command: command, ArtifactDir: artifactDir}
}

// Launch starts the agent runner for the step. The runner is invoked as
//
//	<command> --agent <role> --task <ref> --step <name>
//
// with the step inputs passed as KEY=VALUE environment variables
// prefixed NEXUS_INPUT_.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if err := os.MkdirAll(l.ArtifactDir, 0755); err != nil {
		return Handle{}, &LaunchError{Agent: spec.Agent, Err: err}
	}

	artifact := filepath.Join(l.ArtifactDir,
		fmt.Sprintf("%s-%s-attempt%d.log", spec.WorkflowID, spec.StepName, spec.Attempt))
	out, err := os.OpenFile(artifact, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return Handle{}, &LaunchError{Agent: spec.Agent, Err: err}
	}

	cmd := exec.Command(l.Command,
		"--agent", spec.Agent,
		"--task", spec.TaskRef,
		"--step", spec.StepName,
	)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = os.Environ()
	for k, v := range spec.Inputs {
		cmd.Env = append(cmd.Env, fmt.Sprintf("NEXUS_INPUT_%s=%s", k, v))
	}
	// New process group so the agent survives an orchestrator restart
	// and can be killed as a unit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		out.Close()
		return Handle{}, &LaunchError{Agent: spec.Agent, Err: err}
	}
	out.Close()

	pid := cmd.Process.Pid
	log.Printf("[launcher] started agent %s for %s/%s (PID: %d, attempt %d)",
		spec.Agent, spec.WorkflowID, spec.StepName, pid, spec.Attempt)

	// Reap the child so a finished agent doesn't linger as a zombie.
	go func() {
		_ = cmd.Wait()
	}()

	return Handle{
		PID:          pid,
		ArtifactPath: artifact,
		StartedAt:    time.Now(),
	}, nil
}

// Terminate kills the process group behind the handle.
func (l *ExecLauncher) Terminate(h Handle) error {
	if h.PID <= 0 {
		return nil
	}
	// Negative pid targets the whole process group.
	if err := syscall.Kill(-h.PID, syscall.SIGKILL); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		// Fall back to the single process if the group is gone.
		if err := syscall.Kill(h.PID, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("kill PID %d: %w", h.PID, err)
		}
	}
	log.Printf("[launcher] terminated agent process PID %d", h.PID)
	return nil
}

// IsAlive reports whether the process behind the handle still exists.
func (l *ExecLauncher) IsAlive(h Handle) bool {
	if h.PID <= 0 {
		return false
	}
	process, err := os.FindProcess(h.PID)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without delivering anything.
	return process.Signal(syscall.Signal(0)) == nil
}

// Verify ExecLauncher implements Launcher at compile time.
var _ Launcher = (*ExecLauncher)(nil)
