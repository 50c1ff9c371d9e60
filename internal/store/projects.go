package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TouchProject increments the project's event count and advances its last
// activity timestamp. The timestamp never moves backwards.
func (s *SQLiteStore) TouchProject(ctx context.Context, projectID string, at time.Time) error {
	ts := formatTime(at)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_activity (project_id, last_activity_at, event_count)
		 VALUES (?, ?, 1)
		 ON CONFLICT(project_id) DO UPDATE SET
			event_count = event_count + 1,
			last_activity_at = MAX(last_activity_at, excluded.last_activity_at)`,
		projectID, ts,
	)
	if err != nil {
		return fmt.Errorf("updating activity for project %s: %w", projectID, err)
	}
	return nil
}

// GetActivity returns the activity aggregate for a project.
func (s *SQLiteStore) GetActivity(ctx context.Context, projectID string) (*ProjectActivity, error) {
	var (
		a  ProjectActivity
		ts string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, last_activity_at, event_count FROM project_activity WHERE project_id = ?`,
		projectID,
	).Scan(&a.ProjectID, &ts, &a.EventCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("getting activity for project %s: %w", projectID, ErrNotFound)
		}
		return nil, fmt.Errorf("getting activity for project %s: %w", projectID, err)
	}
	if a.LastActivityAt, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	return &a, nil
}
