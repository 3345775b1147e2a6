package orchestrator

import (
	"fmt"
	"log"

	"github.com/kharren/nexus/pkg/models"
)

// loadWorkflow fetches a workflow or reports ErrWorkflowNotFound.
// Callers hold o.mu.
func (o *Orchestrator) loadWorkflow(id string) (*models.Workflow, error) {
	wf, err := o.store.GetWorkflow(id)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	if wf == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return wf, nil
}

// Pause freezes automatic advancement. A running step keeps running
// and its completion is still detected, but no new step launches until
// Resume. Pausing a workflow that is not running reports
// ErrInvalidTransition without mutating state.
func (o *Orchestrator) Pause(workflowID, operator string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	wf, err := o.loadWorkflow(workflowID)
	if err != nil {
		return err
	}
	if wf.Status != models.WorkflowRunning {
		return fmt.Errorf("%w: cannot pause %s workflow", ErrInvalidTransition, wf.Status)
	}

	wf.Status = models.WorkflowPaused
	wf.UpdatedAt = o.now()
	ev := o.operatorEvent(wf.ID, models.EventPaused, "advancement frozen", operator)
	if err := o.store.UpdateWorkflow(wf, nil, ev); err != nil {
		return fmt.Errorf("persist pause: %w", err)
	}
	o.postUpdate(wf, fmt.Sprintf("Workflow paused by %s.", operator))
	log.Printf("[orchestrator] workflow %s paused by %s", wf.ID, operator)
	return nil
}

// Resume unfreezes a paused workflow. Advancement picks up on the next
// tick. Resuming a workflow that is not paused reports
// ErrInvalidTransition without mutating state.
func (o *Orchestrator) Resume(workflowID, operator string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	wf, err := o.loadWorkflow(workflowID)
	if err != nil {
		return err
	}
	if wf.Status != models.WorkflowPaused {
		return fmt.Errorf("%w: cannot resume %s workflow", ErrInvalidTransition, wf.Status)
	}

	wf.Status = models.WorkflowRunning
	wf.UpdatedAt = o.now()
	ev := o.operatorEvent(wf.ID, models.EventResumed, "advancement resumed", operator)
	if err := o.store.UpdateWorkflow(wf, nil, ev); err != nil {
		return fmt.Errorf("persist resume: %w", err)
	}
	o.postUpdate(wf, fmt.Sprintf("Workflow resumed by %s.", operator))
	log.Printf("[orchestrator] workflow %s resumed by %s", wf.ID, operator)
	return nil
}

// Stop terminates the workflow permanently. The running step's process,
// if any, is killed. Stopping a workflow already in a terminal status
// reports ErrInvalidTransition without mutating state.
func (o *Orchestrator) Stop(workflowID, operator string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	wf, err := o.loadWorkflow(workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return fmt.Errorf("%w: workflow is already %s", ErrInvalidTransition, wf.Status)
	}

	detail := "no step was running"
	if step := wf.RunningStep(); step != nil {
		o.terminateStep(step)
		detail = fmt.Sprintf("terminated step=%s pid=%d", step.Name, step.PID)
		step.Status = models.StepPending
		step.PID = 0
		step.Reason = fmt.Sprintf("stopped by %s mid-run", operator)
	}

	wf.Status = models.WorkflowStopped
	wf.UpdatedAt = o.now()
	ev := o.operatorEvent(wf.ID, models.EventStopped, detail, operator)
	if err := o.store.UpdateWorkflow(wf, nil, ev); err != nil {
		return fmt.Errorf("persist stop: %w", err)
	}
	o.postUpdate(wf, fmt.Sprintf("Workflow stopped by %s.", operator))
	o.notify("workflow_stopped", map[string]string{
		"workflow": wf.ID, "task": wf.TaskRef, "operator": operator,
	})
	log.Printf("[orchestrator] workflow %s stopped by %s", wf.ID, operator)
	return nil
}

// DecideApproval resolves the workflow's open approval gate. Approval
// returns the workflow to running status; the gated step launches on
// the next tick. Denial fails the step and the workflow. Deciding an
// expired gate reports ErrApprovalExpired; the tick loop fails the
// workflow on its own.
func (o *Orchestrator) DecideApproval(workflowID string, decision models.ApprovalDecision, approver string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	wf, err := o.loadWorkflow(workflowID)
	if err != nil {
		return err
	}
	if wf.Status != models.WorkflowAwaitingApproval {
		return fmt.Errorf("%w: workflow is %s, not awaiting approval", ErrInvalidTransition, wf.Status)
	}

	step := wf.CurrentStep()
	if step == nil {
		return fmt.Errorf("%w: %s", ErrNoApprovalPending, workflowID)
	}
	ap, err := o.store.GetApproval(wf.ID, step.Name)
	if err != nil {
		return fmt.Errorf("load approval %s/%s: %w", wf.ID, step.Name, err)
	}
	if ap == nil || ap.Decision != models.ApprovalPending {
		return fmt.Errorf("%w: %s", ErrNoApprovalPending, workflowID)
	}

	now := o.now()
	if ap.Expired(now) {
		return fmt.Errorf("%w: deadline was %s", ErrApprovalExpired, ap.Deadline.Format("2006-01-02 15:04:05"))
	}
	if !ap.AllowedApprover(approver) {
		return fmt.Errorf("%w: %s may not decide step %q", ErrNotApprover, approver, step.Name)
	}

	ap.DecidedBy = approver
	ap.DecidedAt = &now
	wf.UpdatedAt = now

	switch decision {
	case models.ApprovalApproved:
		ap.Decision = models.ApprovalApproved
		wf.Status = models.WorkflowRunning
		ev := o.operatorEvent(wf.ID, models.EventApprovalGranted,
			fmt.Sprintf("step=%s", step.Name), approver)
		if err := o.store.UpdateWorkflow(wf, ap, ev); err != nil {
			return fmt.Errorf("persist approval: %w", err)
		}
		o.postUpdate(wf, fmt.Sprintf("Step %q approved by %s.", step.Name, approver))
		log.Printf("[orchestrator] %s/%s approved by %s", wf.ID, step.Name, approver)
		return nil

	case models.ApprovalDenied:
		ap.Decision = models.ApprovalDenied
		var events []models.AuditEvent
		events = append(events, o.operatorEvent(wf.ID, models.EventApprovalDenied,
			fmt.Sprintf("step=%s", step.Name), approver))
		o.failWorkflow(wf, step, fmt.Sprintf("approval denied by %s", approver), &events)
		if err := o.store.UpdateWorkflow(wf, ap, events...); err != nil {
			return fmt.Errorf("persist denial: %w", err)
		}
		log.Printf("[orchestrator] %s/%s denied by %s", wf.ID, step.Name, approver)
		return nil

	default:
		return fmt.Errorf("%w: decision must be approved or denied, got %q", ErrInvalidTransition, decision)
	}
}
