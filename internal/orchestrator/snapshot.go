package orchestrator

import (
	"fmt"

	"github.com/kharren/nexus/pkg/models"
)

// GetStatus returns the read-only snapshot of a workflow.
func (o *Orchestrator) GetStatus(workflowID string) (models.Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	wf, err := o.loadWorkflow(workflowID)
	if err != nil {
		return models.Snapshot{}, err
	}
	return wf.Snapshot(), nil
}

// GetStatusByTask returns the snapshot of the workflow owning a task.
func (o *Orchestrator) GetStatusByTask(taskRef string) (models.Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	wf, err := o.store.GetWorkflowByTaskRef(taskRef)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("load workflow for %s: %w", taskRef, err)
	}
	if wf == nil {
		return models.Snapshot{}, fmt.Errorf("%w: task %s", ErrWorkflowNotFound, taskRef)
	}
	return wf.Snapshot(), nil
}

// ListSnapshots returns snapshots of every workflow in the given
// statuses, or all workflows when none are given.
func (o *Orchestrator) ListSnapshots(statuses ...models.WorkflowStatus) ([]models.Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	wfs, err := o.store.ListWorkflows(statuses...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	snaps := make([]models.Snapshot, 0, len(wfs))
	for _, wf := range wfs {
		snaps = append(snaps, wf.Snapshot())
	}
	return snaps, nil
}

// GetAuditTrail returns a workflow's audit events in occurrence order.
// A positive limit keeps only the most recent events.
func (o *Orchestrator) GetAuditTrail(workflowID string, limit int) ([]models.AuditEvent, error) {
	return o.store.AuditTrail(workflowID, limit)
}

// PendingApprovals returns every undecided approval gate.
func (o *Orchestrator) PendingApprovals() ([]*models.PendingApproval, error) {
	return o.store.ListPendingApprovals()
}
