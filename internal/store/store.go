// Package store provides the persistence layer for devctx.
//
// A single SQLite database file holds:
// - Context records, one per logical development action (keyed by event id)
// - The append-only audit log of terminal pipeline transitions
// - Per-project activity aggregates
//
// The DynamoDB backend in store/dynamostore implements the same Store interface.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.devctx/devctx.db"

// EmbeddingDimensions is the only embedding length a context record accepts.
const EmbeddingDimensions = 1536

// Record status values.
const (
	StatusUncommitted = "uncommitted"
	StatusComplete    = "complete"
	StatusFailed      = "failed"
)

// Audit actions.
const (
	ActionContextExtracted = "context_extracted"
	ActionCommitLinked     = "commit_linked"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrBindConflict is returned when a bind targets a record that is no longer uncommitted.
	ErrBindConflict = errors.New("record is no longer uncommitted")

	// ErrDuplicateEvent is returned when a record with the same event id already exists.
	ErrDuplicateEvent = errors.New("event already recorded")
)

// ContextRecord is the persisted outcome of one logical development action.
// Extraction fields are populated only when Status is complete or uncommitted.
type ContextRecord struct {
	EventID      string     `json:"eventId"`
	ProjectID    string     `json:"projectId"`
	Branch       string     `json:"branch"`
	Author       string     `json:"author"`
	CommitHash   *string    `json:"commitHash"`
	Status       string     `json:"status"`
	ExtractedAt  time.Time  `json:"extractedAt"`
	CommittedAt  *time.Time `json:"committedAt,omitempty"`
	ModelVersion string     `json:"modelVersion"`
	Embedding    []float32  `json:"embedding,omitempty"`
	Error        *string    `json:"error"`
	CreatedAt    time.Time  `json:"createdAt"`

	Feature    string   `json:"feature,omitempty"`
	Decision   string   `json:"decision,omitempty"`
	Tasks      []string `json:"tasks,omitempty"`
	Stage      string   `json:"stage,omitempty"`
	Risk       string   `json:"risk,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Entities   []string `json:"entities,omitempty"`
}

// CompositeKey returns the projectId#branch key records are grouped under.
func (r *ContextRecord) CompositeKey() string {
	return CompositeKey(r.ProjectID, r.Branch)
}

// CompositeKey joins a project id and branch into the lookup key used for reconciliation.
func CompositeKey(projectID, branch string) string {
	return projectID + "#" + branch
}

// AuditRecord is one entry in the append-only audit log.
type AuditRecord struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entityId"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	ProjectID string    `json:"projectId"`
	Branch    string    `json:"branch"`
	Author    string    `json:"author"`
}

// ProjectActivity aggregates successful pipeline outcomes per project.
type ProjectActivity struct {
	ProjectID      string    `json:"projectId"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	EventCount     int64     `json:"eventCount"`
}

// Store defines the persistence operations the pipeline consumes.
type Store interface {
	// Context records
	PutRecord(ctx context.Context, r *ContextRecord) error
	GetRecord(ctx context.Context, eventID string) (*ContextRecord, error)
	// FindUncommitted returns uncommitted records under projectID#branch whose
	// extractedAt lies in [from, to], newest first.
	FindUncommitted(ctx context.Context, projectID, branch string, from, to time.Time) ([]*ContextRecord, error)
	// BindCommit moves an uncommitted record to complete. It returns ErrBindConflict
	// if the record is not uncommitted at write time.
	BindCommit(ctx context.Context, eventID, commitHash string, committedAt time.Time) error

	// Audit
	AppendAudit(ctx context.Context, a *AuditRecord) error
	ListAudit(ctx context.Context, entityID string) ([]*AuditRecord, error)

	// Activity
	TouchProject(ctx context.Context, projectID string, at time.Time) error
	GetActivity(ctx context.Context, projectID string) (*ProjectActivity, error)

	Close() error
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath string
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = ExpandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would otherwise see its own empty database.
	if cfg.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		dbPath: cfg.DBPath,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
