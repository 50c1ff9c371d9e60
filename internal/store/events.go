package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAudit appends an entry to the audit log. Entries are never updated or deleted.
func (s *SQLiteStore) AppendAudit(ctx context.Context, a *AuditRecord) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, entity_id, action, timestamp, project_id, branch, author)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EntityID, a.Action, formatTime(a.Timestamp), a.ProjectID, a.Branch, a.Author,
	)
	if err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// ListAudit returns the audit trail for one entity, oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, entityID string) ([]*AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, action, timestamp, project_id, branch, author
		 FROM audit_log WHERE entity_id = ?
		 ORDER BY timestamp ASC, rowid ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("listing audit for %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var a AuditRecord
		var ts string
		if err := rows.Scan(&a.ID, &a.EntityID, &a.Action, &ts, &a.ProjectID, &a.Branch, &a.Author); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing audit timestamp: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
