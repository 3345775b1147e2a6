package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kharren/nexus/pkg/models"
)

// SaveApproval creates or replaces the approval record for a workflow
// step.
func (db *DB) SaveApproval(ap *models.PendingApproval) error {
	return db.Transaction(func(tx *sql.Tx) error {
		return upsertApproval(tx, ap)
	})
}

// upsertApproval writes an approval record inside a transaction.
func upsertApproval(tx *sql.Tx, ap *models.PendingApproval) error {
	approvers, err := json.Marshal(emptySliceIfNil(ap.Approvers))
	if err != nil {
		return fmt.Errorf("encode approvers: %w", err)
	}

	var decidedAt any
	if ap.DecidedAt != nil {
		decidedAt = formatTime(*ap.DecidedAt)
	}

	_, err = tx.Exec(`
		INSERT INTO approvals (workflow_id, step_name, approvers, deadline, decision, decided_by, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, step_name) DO UPDATE SET
			approvers = excluded.approvers,
			deadline = excluded.deadline,
			decision = excluded.decision,
			decided_by = excluded.decided_by,
			decided_at = excluded.decided_at
	`, ap.WorkflowID, ap.StepName, string(approvers), formatTime(ap.Deadline),
		string(ap.Decision), ap.DecidedBy, formatTime(ap.CreatedAt), decidedAt)
	if err != nil {
		return fmt.Errorf("upsert approval %s/%s: %w", ap.WorkflowID, ap.StepName, err)
	}
	return nil
}

// GetApproval returns the approval record for a workflow step, or nil
// if none exists.
func (db *DB) GetApproval(workflowID, stepName string) (*models.PendingApproval, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow(`
		SELECT workflow_id, step_name, approvers, deadline, decision, decided_by, created_at, decided_at
		FROM approvals WHERE workflow_id = ? AND step_name = ?
	`, workflowID, stepName)

	ap, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approval %s/%s: %w", workflowID, stepName, err)
	}
	return ap, nil
}

// ListPendingApprovals returns every approval still awaiting a decision.
func (db *DB) ListPendingApprovals() ([]*models.PendingApproval, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT workflow_id, step_name, approvers, deadline, decision, decided_by, created_at, decided_at
		FROM approvals WHERE decision = ? ORDER BY created_at ASC
	`, string(models.ApprovalPending))
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*models.PendingApproval
	for rows.Next() {
		ap, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, ap)
	}
	return approvals, rows.Err()
}

func scanApproval(s scanner) (*models.PendingApproval, error) {
	var ap models.PendingApproval
	var approvers, deadline, decision, createdAt string
	var decidedAt sql.NullString

	err := s.Scan(&ap.WorkflowID, &ap.StepName, &approvers, &deadline,
		&decision, &ap.DecidedBy, &createdAt, &decidedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(approvers), &ap.Approvers); err != nil {
		return nil, fmt.Errorf("decode approvers: %w", err)
	}
	ap.Deadline, _ = parseTime(deadline)
	ap.Decision = models.ApprovalDecision(decision)
	ap.CreatedAt, _ = parseTime(createdAt)
	if decidedAt.Valid {
		t := parseNullableTime(decidedAt)
		if !t.IsZero() {
			ap.DecidedAt = &t
		}
	}
	return &ap, nil
}

// PurgeDecidedApprovals deletes resolved approval records older than the
// given age. Returns the number deleted.
func (db *DB) PurgeDecidedApprovals(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	var count int64
	err := db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM approvals WHERE decision != ? AND decided_at < ?
		`, string(models.ApprovalPending), cutoff)
		if err != nil {
			return fmt.Errorf("purge approvals: %w", err)
		}
		count, err = res.RowsAffected()
		return err
	})
	return count, err
}
