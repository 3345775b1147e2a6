// Package state provides the SQLite-backed persistent store for nexus.
package state

import (
	"io"
	"time"

	"github.com/kharren/nexus/pkg/models"
)

// WorkflowStore handles workflow persistence. Every write is applied
// atomically with its audit events: the record of a transition is never
// missing when the transition itself is visible.
type WorkflowStore interface {
	CreateWorkflow(wf *models.Workflow, events ...models.AuditEvent) error
	UpdateWorkflow(wf *models.Workflow, approval *models.PendingApproval, events ...models.AuditEvent) error
	GetWorkflow(id string) (*models.Workflow, error)
	GetWorkflowByTaskRef(taskRef string) (*models.Workflow, error)
	ListWorkflows(statuses ...models.WorkflowStatus) ([]*models.Workflow, error)
}

// ApprovalStore handles pending approval persistence.
type ApprovalStore interface {
	SaveApproval(ap *models.PendingApproval) error
	GetApproval(workflowID, stepName string) (*models.PendingApproval, error)
	ListPendingApprovals() ([]*models.PendingApproval, error)
}

// AuditStore handles the append-only audit log. Events are write-only
// from the engine's perspective and read-only to external viewers.
type AuditStore interface {
	AppendEvents(events ...models.AuditEvent) error
	AuditTrail(workflowID string, limit int) ([]models.AuditEvent, error)
	AllAuditEvents(since time.Time) ([]models.AuditEvent, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// Store is the full persistence contract the orchestrator depends on.
// It composes focused sub-interfaces so callers can depend on less.
type Store interface {
	io.Closer
	Migrator
	WorkflowStore
	ApprovalStore
	AuditStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store         = (*DB)(nil)
	_ Migrator      = (*DB)(nil)
	_ WorkflowStore = (*DB)(nil)
	_ ApprovalStore = (*DB)(nil)
	_ AuditStore    = (*DB)(nil)
)
