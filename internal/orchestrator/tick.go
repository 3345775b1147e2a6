package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kharren/nexus/internal/detect"
	"github.com/kharren/nexus/internal/launcher"
	"github.com/kharren/nexus/internal/monitor"
	"github.com/kharren/nexus/pkg/models"
)

// Tick runs one polling pass over every live workflow. It is safe to
// call repeatedly with no new external signals: a tick that observes
// nothing changes nothing. A failure processing one workflow never
// blocks the others.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	wfs, err := o.store.ListWorkflows(
		models.WorkflowRunning, models.WorkflowPaused, models.WorkflowAwaitingApproval)
	if err != nil {
		return fmt.Errorf("list live workflows: %w", err)
	}

	for _, wf := range wfs {
		if err := o.processWorkflow(ctx, wf); err != nil {
			log.Printf("[orchestrator] tick workflow %s: %v", wf.ID, err)
		}
	}
	return nil
}

// processWorkflow runs one workflow's share of a tick: fold in observed
// signals, apply monitor and detector verdicts to the running step,
// expire overdue approvals, then advance and launch when the workflow
// is running. All resulting mutations persist in a single transaction
// with their audit events.
func (o *Orchestrator) processWorkflow(ctx context.Context, wf *models.Workflow) error {
	now := o.now()
	var events []models.AuditEvent
	var approval *models.PendingApproval
	changed := false

	sigs, err := o.platform.ReadSignals(wf.TaskRef)
	if err != nil {
		log.Printf("[orchestrator] read signals for %s: %v", wf.TaskRef, err)
		sigs = nil
	}

	if step := wf.RunningStep(); step != nil {
		if o.observeProgress(wf, step, sigs, now) {
			changed = true
		}

		res := detect.Detect(sigs)
		switch res.Kind {
		case detect.Succeeded:
			o.completeStep(wf, step, res, &events)
			changed = true
		case detect.Failed:
			if res.Blocked {
				// A blocked agent needs manual input. Escalate instead
				// of burning the retry budget.
				o.failWorkflow(wf, step, res.Reason, &events)
			} else {
				o.terminateStep(step)
				o.resolveFailedAttempt(wf, step, res.Reason, &events)
			}
			changed = true
		case detect.Incomplete:
			if o.monitor.CheckTimeout(step) == monitor.Stuck {
				if err := o.monitor.OnStuck(step); err != nil {
					log.Printf("[orchestrator] terminate stuck step %s/%s: %v", wf.ID, step.Name, err)
				}
				events = append(events, o.event(wf.ID, models.EventTimeoutKill,
					fmt.Sprintf("step=%s attempt=%d no progress within %v", step.Name, step.Attempts, o.monitor.Threshold)))
				o.resolveFailedAttempt(wf, step,
					fmt.Sprintf("no progress within %v", o.monitor.Threshold), &events)
				changed = true
			}
		}
	}

	switch wf.Status {
	case models.WorkflowAwaitingApproval:
		expired, ap, err := o.expireOverdueApproval(wf, now, &events)
		if err != nil {
			return err
		}
		if expired {
			approval = ap
			changed = true
		}
	case models.WorkflowRunning:
		advanced, ap, err := o.advance(ctx, wf, now, &events)
		if err != nil {
			return err
		}
		if ap != nil {
			approval = ap
		}
		if advanced {
			changed = true
		}
	}

	if !changed && len(events) == 0 {
		return nil
	}
	wf.UpdatedAt = now
	return o.store.UpdateWorkflow(wf, approval, events...)
}

// observeProgress refreshes the running step's last-progress timestamp
// from watcher observations and platform signals.
func (o *Orchestrator) observeProgress(wf *models.Workflow, step *models.Step, sigs []models.Signal, now time.Time) bool {
	changed := false
	if at, ok := o.drainProgress(wf.ID); ok && at.After(step.LastProgressAt) {
		step.LastProgressAt = at
		changed = true
	}
	if len(sigs) > 0 {
		at := sigs[len(sigs)-1].ObservedAt
		if at.IsZero() {
			at = now
		}
		if at.After(step.LastProgressAt) {
			step.LastProgressAt = at
			changed = true
		}
	}
	return changed
}

// advance moves a running workflow forward until it launches a step,
// opens an approval gate, completes, or has nothing left to do. Skipped
// and succeeded steps at the current index are stepped over first.
func (o *Orchestrator) advance(ctx context.Context, wf *models.Workflow, now time.Time, events *[]models.AuditEvent) (bool, *models.PendingApproval, error) {
	if wf.RunningStep() != nil {
		return false, nil, nil
	}

	changed := false
	for wf.Status == models.WorkflowRunning {
		step := wf.CurrentStep()
		if step == nil {
			o.completeWorkflow(wf, events)
			return true, nil, nil
		}

		switch step.Status {
		case models.StepSucceeded, models.StepSkipped:
			wf.Current++
			changed = true
			continue

		case models.StepFailed:
			// A failure recorded while the workflow was paused applies
			// its terminal transition here, on the first tick after
			// resume.
			o.finalizeFailure(wf, step, events)
			return true, nil, nil

		case models.StepRunning:
			return changed, nil, nil

		case models.StepPending:
			pass, err := EvalGuard(step.Guard, wf.PriorOutputs())
			if err != nil {
				// A malformed guard cannot be satisfied; skip with the
				// parse error on record rather than wedging the workflow.
				pass = false
				step.Reason = err.Error()
			}
			if !pass {
				if step.Reason == "" {
					step.Reason = fmt.Sprintf("guard %q evaluated false", step.Guard)
				}
				step.Status = models.StepSkipped
				*events = append(*events, o.event(wf.ID, models.EventStepSkipped,
					fmt.Sprintf("step=%s reason=%s", step.Name, step.Reason)))
				wf.Current++
				changed = true
				continue
			}

			if step.Approval != nil {
				gate, ap, err := o.checkApprovalGate(wf, step, now, events)
				if err != nil {
					return changed, nil, err
				}
				if gate {
					return true, ap, nil
				}
			}

			launched := o.launchStep(ctx, wf, step, now, events)
			return changed || launched, nil, nil
		}
	}
	return changed, nil, nil
}

// checkApprovalGate resolves the approval state for a pending gated
// step. It returns gate=true when the workflow must wait, along with
// the approval record to persist when one was just opened.
func (o *Orchestrator) checkApprovalGate(wf *models.Workflow, step *models.Step, now time.Time, events *[]models.AuditEvent) (bool, *models.PendingApproval, error) {
	ap, err := o.store.GetApproval(wf.ID, step.Name)
	if err != nil {
		return false, nil, fmt.Errorf("load approval %s/%s: %w", wf.ID, step.Name, err)
	}

	if ap == nil {
		ap = &models.PendingApproval{
			WorkflowID: wf.ID,
			StepName:   step.Name,
			Approvers:  step.Approval.Approvers,
			Deadline:   now.Add(step.Approval.Timeout),
			Decision:   models.ApprovalPending,
			CreatedAt:  now,
		}
		wf.Status = models.WorkflowAwaitingApproval
		*events = append(*events, o.event(wf.ID, models.EventApprovalRequested,
			fmt.Sprintf("step=%s approvers=%v deadline=%s", step.Name, ap.Approvers, ap.Deadline.Format(time.RFC3339))))
		o.postUpdate(wf, fmt.Sprintf("Step %q requires approval before launch (deadline %s).",
			step.Name, ap.Deadline.Format(time.RFC3339)))
		o.notify("approval_requested", map[string]string{
			"workflow": wf.ID, "task": wf.TaskRef, "step": step.Name,
		})
		return true, ap, nil
	}

	switch ap.Decision {
	case models.ApprovalApproved:
		return false, nil, nil
	case models.ApprovalPending:
		wf.Status = models.WorkflowAwaitingApproval
		return true, nil, nil
	default:
		// Denied gates fail the workflow at decision time; reaching
		// here means state is inconsistent, so hold position.
		return true, nil, nil
	}
}

// launchStep starts the agent process for the current step. A launch
// within the recent-launch window is suppressed so overlapping polls
// and restarts never double-launch an attempt.
func (o *Orchestrator) launchStep(ctx context.Context, wf *models.Workflow, step *models.Step, now time.Time, events *[]models.AuditEvent) bool {
	if !step.LastLaunchedAt.IsZero() && now.Sub(step.LastLaunchedAt) < o.cfg.Retry.RecentLaunchWindow {
		log.Printf("[orchestrator] suppressing duplicate launch of %s/%s (last launch %v ago)",
			wf.ID, step.Name, now.Sub(step.LastLaunchedAt))
		return false
	}

	prevLaunchedAt := step.LastLaunchedAt
	step.Attempts++
	step.LastLaunchedAt = now

	// The attempt is durable before the process exists, so a crash
	// between spawn and the end-of-tick persist cannot double-launch
	// the same attempt on restart. Events gathered so far this tick
	// ride along to keep the audit trail ahead of the state it covers.
	wf.UpdatedAt = now
	if err := o.store.UpdateWorkflow(wf, nil, *events...); err != nil {
		log.Printf("[orchestrator] persist launch intent %s/%s: %v", wf.ID, step.Name, err)
		step.Attempts--
		step.LastLaunchedAt = prevLaunchedAt
		return false
	}
	*events = (*events)[:0]

	h, err := o.launcher.Launch(ctx, launcher.Spec{
		WorkflowID: wf.ID,
		TaskRef:    wf.TaskRef,
		StepName:   step.Name,
		Agent:      step.Agent,
		Inputs:     o.stepInputs(wf, step),
		Attempt:    step.Attempts,
	})
	if err != nil {
		// A failed start is a failed attempt. The retry, if any,
		// happens on a later tick once the launch window passes.
		log.Printf("[orchestrator] launch %s/%s attempt %d: %v", wf.ID, step.Name, step.Attempts, err)
		o.resolveFailedAttempt(wf, step, err.Error(), events)
		return true
	}

	step.Status = models.StepRunning
	step.PID = h.PID
	step.ArtifactPath = h.ArtifactPath
	step.LastProgressAt = time.Time{}
	*events = append(*events, o.event(wf.ID, models.EventLaunched,
		fmt.Sprintf("step=%s agent=%s attempt=%d pid=%d", step.Name, step.Agent, step.Attempts, h.PID)))
	o.postUpdate(wf, fmt.Sprintf("@%s launched for step %q (attempt %d).", step.Agent, step.Name, step.Attempts))
	log.Printf("[orchestrator] launched @%s for %s/%s (attempt %d, pid %d)",
		step.Agent, wf.ID, step.Name, step.Attempts, h.PID)

	if o.onLaunch != nil {
		o.onLaunch(wf.ID, h.ArtifactPath)
	}
	return true
}

// stepInputs selects the prior outputs the step declares as inputs. A
// step declaring none receives everything accumulated so far.
func (o *Orchestrator) stepInputs(wf *models.Workflow, step *models.Step) map[string]string {
	prior := wf.PriorOutputs()
	if len(step.Inputs) == 0 {
		return prior
	}
	selected := make(map[string]string, len(step.Inputs))
	for _, name := range step.Inputs {
		if v, ok := prior[name]; ok {
			selected[name] = v
		}
	}
	return selected
}

// completeStep resolves a running step as succeeded. The workflow's
// index only advances later, in the advance phase, so a paused
// workflow holds position until resumed.
func (o *Orchestrator) completeStep(wf *models.Workflow, step *models.Step, res detect.Result, events *[]models.AuditEvent) {
	step.Status = models.StepSucceeded
	step.PID = 0
	if len(res.Outputs) > 0 {
		step.Outputs = res.Outputs
	}
	o.monitor.ResetRetries(step)

	detail := fmt.Sprintf("step=%s agent=%s marker=%q", step.Name, step.Agent, res.Marker)
	if res.NextHint != "" {
		detail += " next=" + res.NextHint
		if next := o.nextPendingAgent(wf); next != "" && res.NextHint != next {
			log.Printf("[orchestrator] %s/%s hinted next agent %s but definition says %s",
				wf.ID, step.Name, res.NextHint, next)
		}
	}
	*events = append(*events, o.event(wf.ID, models.EventStepCompleted, detail))
	o.postUpdate(wf, fmt.Sprintf("Step %q completed by @%s.", step.Name, step.Agent))
	log.Printf("[orchestrator] step %s/%s completed by @%s", wf.ID, step.Name, step.Agent)
}

// nextPendingAgent returns the agent of the step after the current one.
func (o *Orchestrator) nextPendingAgent(wf *models.Workflow) string {
	if wf.Current+1 < len(wf.Steps) {
		return wf.Steps[wf.Current+1].Agent
	}
	return ""
}

// resolveFailedAttempt applies retry policy to a step whose attempt
// just failed: back to pending while budget remains, otherwise the
// workflow fails with the last failure reason preserved.
func (o *Orchestrator) resolveFailedAttempt(wf *models.Workflow, step *models.Step, reason string, events *[]models.AuditEvent) {
	if o.monitor.ShouldRetry(step) == monitor.Retry {
		step.Status = models.StepPending
		step.PID = 0
		step.Outputs = nil
		step.LastProgressAt = time.Time{}
		step.Reason = ""
		*events = append(*events, o.event(wf.ID, models.EventRetry,
			fmt.Sprintf("step=%s attempt=%d failed: %s", step.Name, step.Attempts, reason)))
		return
	}
	o.failWorkflow(wf, step, fmt.Sprintf("retries exhausted after %d attempts: %s", step.Attempts, reason), events)
}

// failWorkflow marks the step permanently failed. The workflow follows
// immediately unless it is paused: a paused workflow holds its status
// and the terminal transition lands when the operator resumes it.
func (o *Orchestrator) failWorkflow(wf *models.Workflow, step *models.Step, reason string, events *[]models.AuditEvent) {
	step.Status = models.StepFailed
	step.PID = 0
	step.Reason = reason
	if wf.Status == models.WorkflowPaused {
		log.Printf("[orchestrator] step %s/%s failed while paused: %s (workflow fails on resume)",
			wf.ID, step.Name, reason)
		return
	}
	o.finalizeFailure(wf, step, events)
}

// finalizeFailure applies the terminal transition for a failed step and
// records the FAILED event.
func (o *Orchestrator) finalizeFailure(wf *models.Workflow, step *models.Step, events *[]models.AuditEvent) {
	wf.Status = models.WorkflowFailed
	*events = append(*events, o.event(wf.ID, models.EventFailed,
		fmt.Sprintf("step=%s reason=%s", step.Name, step.Reason)))
	o.postUpdate(wf, fmt.Sprintf("Workflow failed at step %q: %s", step.Name, step.Reason))
	o.notify("workflow_failed", map[string]string{
		"workflow": wf.ID, "task": wf.TaskRef, "step": step.Name, "reason": step.Reason,
	})
	log.Printf("[orchestrator] workflow %s failed at step %s: %s", wf.ID, step.Name, step.Reason)
}

// completeWorkflow finishes a workflow whose last step resolved. The
// task is closed out on the platform.
func (o *Orchestrator) completeWorkflow(wf *models.Workflow, events *[]models.AuditEvent) {
	wf.Status = models.WorkflowCompleted
	*events = append(*events, o.event(wf.ID, models.EventCompleted,
		fmt.Sprintf("steps=%d completed=%d", len(wf.Steps), wf.CompletedSteps())))
	o.postUpdate(wf, "Workflow complete. All steps resolved.")
	if err := o.platform.Close(wf.TaskRef); err != nil {
		log.Printf("[orchestrator] close task %s: %v", wf.TaskRef, err)
	}
	o.notify("workflow_completed", map[string]string{
		"workflow": wf.ID, "task": wf.TaskRef,
	})
	log.Printf("[orchestrator] workflow %s completed", wf.ID)
}

// expireOverdueApproval fails a workflow whose approval gate passed its
// deadline with no decision.
func (o *Orchestrator) expireOverdueApproval(wf *models.Workflow, now time.Time, events *[]models.AuditEvent) (bool, *models.PendingApproval, error) {
	step := wf.CurrentStep()
	if step == nil {
		return false, nil, nil
	}
	ap, err := o.store.GetApproval(wf.ID, step.Name)
	if err != nil {
		return false, nil, fmt.Errorf("load approval %s/%s: %w", wf.ID, step.Name, err)
	}
	if ap == nil || ap.Decision != models.ApprovalPending || !ap.Expired(now) {
		return false, nil, nil
	}

	ap.Decision = models.ApprovalDenied
	ap.DecidedBy = "deadline"
	decidedAt := now
	ap.DecidedAt = &decidedAt
	*events = append(*events, o.event(wf.ID, models.EventApprovalExpired,
		fmt.Sprintf("step=%s deadline=%s", step.Name, ap.Deadline.Format(time.RFC3339))))
	o.failWorkflow(wf, step, "approval deadline expired with no decision", events)
	return true, ap, nil
}

// terminateStep kills the process behind a step, if one is recorded.
func (o *Orchestrator) terminateStep(step *models.Step) {
	if step.PID == 0 {
		return
	}
	h := launcher.Handle{PID: step.PID, ArtifactPath: step.ArtifactPath}
	if err := o.launcher.Terminate(h); err != nil {
		log.Printf("[orchestrator] terminate step %s (pid %d): %v", step.Name, step.PID, err)
	}
}

// postUpdate appends a status comment to the workflow's task. Platform
// write failures are logged; they never affect orchestration.
func (o *Orchestrator) postUpdate(wf *models.Workflow, text string) {
	if err := o.platform.PostUpdate(wf.TaskRef, text); err != nil {
		log.Printf("[orchestrator] post update to %s: %v", wf.TaskRef, err)
	}
}
