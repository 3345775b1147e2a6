package orchestrator

import (
	"fmt"
	"log"
	"time"

	"github.com/kharren/nexus/internal/launcher"
	"github.com/kharren/nexus/internal/monitor"
	"github.com/kharren/nexus/pkg/models"
)

// Recover reloads every non-terminal workflow after a restart and
// re-validates recorded process handles. A step recorded running whose
// process died while the engine was down is routed through the normal
// timeout and retry path rather than assumed complete or dropped.
// Returns the number of workflows recovered.
func (o *Orchestrator) Recover() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	wfs, err := o.store.ListWorkflows(
		models.WorkflowRunning, models.WorkflowPaused, models.WorkflowAwaitingApproval)
	if err != nil {
		return 0, fmt.Errorf("list live workflows: %w", err)
	}

	for _, wf := range wfs {
		step := wf.RunningStep()
		if step == nil {
			log.Printf("[recovery] workflow %s (%s) reloaded, no step was running", wf.ID, wf.Status)
			continue
		}

		h := launcher.Handle{PID: step.PID, ArtifactPath: step.ArtifactPath}
		if o.launcher.IsAlive(h) {
			log.Printf("[recovery] workflow %s step %s still alive (pid %d)", wf.ID, step.Name, step.PID)
			// Progress watches died with the old process; re-arm the
			// hook so the surviving agent is not killed as stuck, and
			// restart its staleness window since engine downtime says
			// nothing about the agent.
			if o.onLaunch != nil && step.ArtifactPath != "" {
				o.onLaunch(wf.ID, step.ArtifactPath)
			}
			step.LastProgressAt = o.now()
			wf.UpdatedAt = o.now()
			if err := o.store.UpdateWorkflow(wf, nil); err != nil {
				return 0, fmt.Errorf("persist recovery of %s: %w", wf.ID, err)
			}
			continue
		}

		log.Printf("[recovery] workflow %s step %s process %d is dead, applying retry policy",
			wf.ID, step.Name, step.PID)
		var events []models.AuditEvent
		events = append(events, o.event(wf.ID, models.EventTimeoutKill,
			fmt.Sprintf("step=%s attempt=%d pid=%d dead after restart", step.Name, step.Attempts, step.PID)))
		if o.monitor.ShouldRetry(step) == monitor.Retry {
			step.Status = models.StepPending
			step.PID = 0
			step.Outputs = nil
			step.LastProgressAt = time.Time{}
			step.Reason = ""
			events = append(events, o.event(wf.ID, models.EventRetry,
				fmt.Sprintf("step=%s attempt=%d failed: process died during restart", step.Name, step.Attempts)))
		} else {
			o.failWorkflow(wf, step, fmt.Sprintf("retries exhausted after %d attempts: process died during restart", step.Attempts), &events)
		}

		wf.UpdatedAt = o.now()
		if err := o.store.UpdateWorkflow(wf, nil, events...); err != nil {
			return 0, fmt.Errorf("persist recovery of %s: %w", wf.ID, err)
		}
	}
	return len(wfs), nil
}
