package store

import (
	"database/sql"
	"fmt"
	"time"
)

// schemaVersion is bumped whenever bootstrap DDL changes shape.
const schemaVersion = "1"

// timeLayout is fixed-width so TEXT timestamps sort and range-compare correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// migrate creates all tables if they don't exist and seeds metadata.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS context_records (
			event_id      TEXT PRIMARY KEY,
			project_id    TEXT NOT NULL,
			branch        TEXT NOT NULL,
			composite_key TEXT NOT NULL,
			author        TEXT NOT NULL,
			commit_hash   TEXT,
			status        TEXT NOT NULL CHECK(status IN ('uncommitted','complete','failed')),
			extracted_at  TEXT NOT NULL,
			committed_at  TEXT,
			model_version TEXT NOT NULL DEFAULT '',
			embedding     BLOB,
			error         TEXT,
			feature       TEXT NOT NULL DEFAULT '',
			decision      TEXT NOT NULL DEFAULT '',
			tasks         TEXT NOT NULL DEFAULT '[]',
			stage         TEXT NOT NULL DEFAULT '',
			risk          TEXT NOT NULL DEFAULT '',
			confidence    REAL NOT NULL DEFAULT 0,
			entities      TEXT NOT NULL DEFAULT '[]',
			created_at    TEXT NOT NULL,
			CHECK (status != 'uncommitted' OR commit_hash IS NULL)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_context_records_key_time
			ON context_records(composite_key, extracted_at)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id         TEXT PRIMARY KEY,
			entity_id  TEXT NOT NULL,
			action     TEXT NOT NULL CHECK(action IN ('context_extracted','commit_linked')),
			timestamp  TEXT NOT NULL,
			project_id TEXT NOT NULL,
			branch     TEXT NOT NULL,
			author     TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS project_activity (
			project_id       TEXT PRIMARY KEY,
			last_activity_at TEXT NOT NULL,
			event_count      INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning bootstrap transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing bootstrap DDL: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bootstrap DDL: %w", err)
	}
	return nil
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return value == "true", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

func (s *SQLiteStore) seedMeta() error {
	defaults := map[string]string{
		"schema_version":       schemaVersion,
		"embedding_dimensions": fmt.Sprintf("%d", EmbeddingDimensions),
		"created_at":           time.Now().UTC().Format(time.RFC3339),
	}

	for k, v := range defaults {
		_, err := s.db.Exec(
			"INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", k, v,
		)
		if err != nil {
			return fmt.Errorf("seeding meta key %q: %w", k, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}
