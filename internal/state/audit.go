package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kharren/nexus/pkg/models"
)

// AppendEvents records audit events outside of a workflow transition.
// Used for transitions with no state change to persist, such as rejected
// operator commands.
func (db *DB) AppendEvents(events ...models.AuditEvent) error {
	return db.Transaction(func(tx *sql.Tx) error {
		return insertEvents(tx, events)
	})
}

// insertEvents writes audit events inside a transaction.
func insertEvents(tx *sql.Tx, events []models.AuditEvent) error {
	for _, e := range events {
		_, err := tx.Exec(`
			INSERT INTO audit_events (workflow_id, kind, detail, actor, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, e.WorkflowID, string(e.Kind), e.Detail, e.Actor, formatTime(e.Timestamp))
		if err != nil {
			return fmt.Errorf("insert audit event %s/%s: %w", e.WorkflowID, e.Kind, err)
		}
	}
	return nil
}

// AuditTrail returns the audit events for a workflow in occurrence
// order: timestamp first, insertion order as the tie-breaker. A limit
// of 0 means no limit.
func (db *DB) AuditTrail(workflowID string, limit int) ([]models.AuditEvent, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	query := `
		SELECT id, workflow_id, kind, detail, actor, created_at
		FROM audit_events WHERE workflow_id = ?
		ORDER BY created_at ASC, id ASC
	`
	args := []any{workflowID}
	if limit > 0 {
		// Keep the most recent events while preserving ascending order.
		query = `
			SELECT id, workflow_id, kind, detail, actor, created_at FROM (
				SELECT id, workflow_id, kind, detail, actor, created_at
				FROM audit_events WHERE workflow_id = ?
				ORDER BY created_at DESC, id DESC LIMIT ?
			) ORDER BY created_at ASC, id ASC
		`
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit trail for %s: %w", workflowID, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// AllAuditEvents returns audit events across every workflow, oldest
// first. A zero since time means no age filter.
func (db *DB) AllAuditEvents(since time.Time) ([]models.AuditEvent, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	query := `
		SELECT id, workflow_id, kind, detail, actor, created_at
		FROM audit_events
	`
	var args []any
	if !since.IsZero() {
		query += " WHERE created_at >= ?"
		args = append(args, formatTime(since))
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var kind, createdAt string
		if err := rows.Scan(&e.ID, &e.WorkflowID, &kind, &e.Detail, &e.Actor, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Kind = models.EventKind(kind)
		e.Timestamp, _ = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
