package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kharren/nexus/pkg/models"
)

// ErrTerminal reports a refused write against a workflow whose stored
// status is already terminal. Another process may finish or stop a
// workflow between a reader loading it and writing it back; the stored
// terminal status wins.
var ErrTerminal = errors.New("workflow is in a terminal status")

// CreateWorkflow persists a new workflow, its step rows, and the given
// audit events in one transaction. Audit events are written before the
// workflow rows so a transition is never visible without its record.
func (db *DB) CreateWorkflow(wf *models.Workflow, events ...models.AuditEvent) error {
	return db.Transaction(func(tx *sql.Tx) error {
		if err := insertEvents(tx, events); err != nil {
			return err
		}

		_, err := tx.Exec(`
			INSERT INTO workflows (id, task_ref, tier, status, current_step, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, wf.ID, wf.TaskRef, string(wf.Tier), string(wf.Status), wf.Current,
			formatTime(wf.CreatedAt), formatTime(wf.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert workflow %s: %w", wf.ID, err)
		}

		return replaceSteps(tx, wf)
	})
}

// UpdateWorkflow persists a workflow transition: audit events first,
// then the workflow and step rows, and optionally an approval record,
// all in one transaction. A row already in a terminal status is never
// overwritten; the write fails with ErrTerminal instead, so a stopped
// workflow stays stopped even when another process raced the stop.
func (db *DB) UpdateWorkflow(wf *models.Workflow, approval *models.PendingApproval, events ...models.AuditEvent) error {
	return db.Transaction(func(tx *sql.Tx) error {
		if err := insertEvents(tx, events); err != nil {
			return err
		}

		res, err := tx.Exec(`
			UPDATE workflows SET task_ref = ?, tier = ?, status = ?, current_step = ?, updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?, ?)
		`, wf.TaskRef, string(wf.Tier), string(wf.Status), wf.Current,
			formatTime(wf.UpdatedAt), wf.ID,
			string(models.WorkflowCompleted), string(models.WorkflowFailed), string(models.WorkflowStopped))
		if err != nil {
			return fmt.Errorf("update workflow %s: %w", wf.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			var status string
			err := tx.QueryRow("SELECT status FROM workflows WHERE id = ?", wf.ID).Scan(&status)
			if err == sql.ErrNoRows {
				return fmt.Errorf("workflow %s not found", wf.ID)
			}
			if err != nil {
				return fmt.Errorf("check workflow %s: %w", wf.ID, err)
			}
			return fmt.Errorf("workflow %s is %s: %w", wf.ID, status, ErrTerminal)
		}

		if err := replaceSteps(tx, wf); err != nil {
			return err
		}

		if approval != nil {
			if err := upsertApproval(tx, approval); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetWorkflow loads a workflow and its steps by id. Returns nil if not
// found.
func (db *DB) GetWorkflow(id string) (*models.Workflow, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow(`
		SELECT id, task_ref, tier, status, current_step, created_at, updated_at
		FROM workflows WHERE id = ?
	`, id)

	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}

	if err := db.loadSteps(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// GetWorkflowByTaskRef returns the most recent workflow for a task
// reference, or nil if none exists.
func (db *DB) GetWorkflowByTaskRef(taskRef string) (*models.Workflow, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow(`
		SELECT id, task_ref, tier, status, current_step, created_at, updated_at
		FROM workflows WHERE task_ref = ? ORDER BY created_at DESC LIMIT 1
	`, taskRef)

	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow for task %s: %w", taskRef, err)
	}

	if err := db.loadSteps(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns workflows in the given statuses, oldest first.
// With no statuses it returns every workflow.
func (db *DB) ListWorkflows(statuses ...models.WorkflowStatus) ([]*models.Workflow, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	query := `
		SELECT id, task_ref, tier, status, current_step, created_at, updated_at
		FROM workflows
	`
	var args []any
	if len(statuses) > 0 {
		query += " WHERE status IN ("
		for i, s := range statuses {
			if i > 0 {
				query += ", "
			}
			query += "?"
			args = append(args, string(s))
		}
		query += ")"
	}
	query += " ORDER BY created_at ASC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}

	for _, wf := range workflows {
		if err := db.loadSteps(wf); err != nil {
			return nil, err
		}
	}
	return workflows, nil
}

// scanner abstracts sql.Row and sql.Rows for workflow scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(s scanner) (*models.Workflow, error) {
	var wf models.Workflow
	var tier, status, createdAt, updatedAt string
	if err := s.Scan(&wf.ID, &wf.TaskRef, &tier, &status, &wf.Current, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	wf.Tier = models.Tier(tier)
	wf.Status = models.WorkflowStatus(status)
	wf.CreatedAt, _ = parseTime(createdAt)
	wf.UpdatedAt, _ = parseTime(updatedAt)
	return &wf, nil
}

// loadSteps populates the step list of a workflow. Callers must hold at
// least a read lock.
func (db *DB) loadSteps(wf *models.Workflow) error {
	rows, err := db.conn.Query(`
		SELECT name, agent, description, inputs, declared_outputs, guard,
		       approval, final, status, attempts, pid, artifact_path,
		       last_progress_at, last_launched_at, outputs, reason
		FROM steps WHERE workflow_id = ? ORDER BY idx ASC
	`, wf.ID)
	if err != nil {
		return fmt.Errorf("load steps for %s: %w", wf.ID, err)
	}
	defer rows.Close()

	wf.Steps = nil
	for rows.Next() {
		var s models.Step
		var inputs, declaredOutputs, outputs, status string
		var approval sql.NullString
		var final int
		var lastProgress, lastLaunched sql.NullString

		err := rows.Scan(&s.Name, &s.Agent, &s.Description, &inputs, &declaredOutputs,
			&s.Guard, &approval, &final, &status, &s.Attempts, &s.PID,
			&s.ArtifactPath, &lastProgress, &lastLaunched, &outputs, &s.Reason)
		if err != nil {
			return fmt.Errorf("scan step: %w", err)
		}

		s.Status = models.StepStatus(status)
		s.Final = final != 0
		s.LastProgressAt = parseNullableTime(lastProgress)
		s.LastLaunchedAt = parseNullableTime(lastLaunched)

		if err := json.Unmarshal([]byte(inputs), &s.Inputs); err != nil {
			return fmt.Errorf("decode step inputs: %w", err)
		}
		if err := json.Unmarshal([]byte(declaredOutputs), &s.DeclaredOutputs); err != nil {
			return fmt.Errorf("decode step declared outputs: %w", err)
		}
		if err := json.Unmarshal([]byte(outputs), &s.Outputs); err != nil {
			return fmt.Errorf("decode step outputs: %w", err)
		}
		if approval.Valid && approval.String != "" {
			var req models.ApprovalRequirement
			if err := json.Unmarshal([]byte(approval.String), &req); err != nil {
				return fmt.Errorf("decode step approval: %w", err)
			}
			s.Approval = &req
		}

		wf.Steps = append(wf.Steps, s)
	}
	return rows.Err()
}

// replaceSteps rewrites the step rows of a workflow inside a transaction.
func replaceSteps(tx *sql.Tx, wf *models.Workflow) error {
	if _, err := tx.Exec("DELETE FROM steps WHERE workflow_id = ?", wf.ID); err != nil {
		return fmt.Errorf("clear steps for %s: %w", wf.ID, err)
	}

	for i := range wf.Steps {
		s := &wf.Steps[i]
		inputs, err := json.Marshal(emptySliceIfNil(s.Inputs))
		if err != nil {
			return fmt.Errorf("encode step inputs: %w", err)
		}
		declaredOutputs, err := json.Marshal(emptySliceIfNil(s.DeclaredOutputs))
		if err != nil {
			return fmt.Errorf("encode step declared outputs: %w", err)
		}
		outputs, err := json.Marshal(emptyMapIfNil(s.Outputs))
		if err != nil {
			return fmt.Errorf("encode step outputs: %w", err)
		}

		var approval any
		if s.Approval != nil {
			raw, err := json.Marshal(s.Approval)
			if err != nil {
				return fmt.Errorf("encode step approval: %w", err)
			}
			approval = string(raw)
		}

		_, err = tx.Exec(`
			INSERT INTO steps (workflow_id, idx, name, agent, description, inputs,
			                   declared_outputs, guard, approval, final, status,
			                   attempts, pid, artifact_path, last_progress_at,
			                   last_launched_at, outputs, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, wf.ID, i, s.Name, s.Agent, s.Description, string(inputs),
			string(declaredOutputs), s.Guard, approval, boolToInt(s.Final),
			string(s.Status), s.Attempts, s.PID, s.ArtifactPath,
			nullableTime(s.LastProgressAt), nullableTime(s.LastLaunchedAt),
			string(outputs), s.Reason)
		if err != nil {
			return fmt.Errorf("insert step %s/%d: %w", wf.ID, i, err)
		}
	}
	return nil
}

func emptySliceIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyMapIfNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
