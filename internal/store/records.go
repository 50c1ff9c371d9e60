package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const recordColumns = `event_id, project_id, branch, author, commit_hash, status, extracted_at,
	committed_at, model_version, embedding, error, feature, decision, tasks, stage, risk,
	confidence, entities, created_at`

// PutRecord inserts a new context record. Records are never overwritten;
// a second put for the same event id returns ErrDuplicateEvent.
func (s *SQLiteStore) PutRecord(ctx context.Context, r *ContextRecord) error {
	if r.Status == StatusUncommitted && r.CommitHash != nil {
		return fmt.Errorf("putting record %s: uncommitted record cannot carry a commit hash", r.EventID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	tasks, err := json.Marshal(nonNil(r.Tasks))
	if err != nil {
		return fmt.Errorf("encoding tasks: %w", err)
	}
	entities, err := json.Marshal(nonNil(r.Entities))
	if err != nil {
		return fmt.Errorf("encoding entities: %w", err)
	}

	var embedding []byte
	if len(r.Embedding) > 0 {
		embedding = float32ToBytes(r.Embedding)
	}

	var committedAt *string
	if r.CommittedAt != nil {
		v := formatTime(*r.CommittedAt)
		committedAt = &v
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO context_records (`+recordColumns+`, composite_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.ProjectID, r.Branch, r.Author, r.CommitHash, r.Status,
		formatTime(r.ExtractedAt), committedAt, r.ModelVersion, embedding, r.Error,
		r.Feature, r.Decision, string(tasks), r.Stage, r.Risk, r.Confidence,
		string(entities), formatTime(r.CreatedAt), r.CompositeKey(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("putting record %s: %w", r.EventID, ErrDuplicateEvent)
		}
		return fmt.Errorf("putting record %s: %w", r.EventID, err)
	}
	return nil
}

// GetRecord fetches a context record by event id.
func (s *SQLiteStore) GetRecord(ctx context.Context, eventID string) (*ContextRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM context_records WHERE event_id = ?`, eventID)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("getting record %s: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("getting record %s: %w", eventID, err)
	}
	return r, nil
}

// FindUncommitted lists uncommitted records under projectID#branch with
// extracted_at in [from, to], most recent first.
func (s *SQLiteStore) FindUncommitted(ctx context.Context, projectID, branch string, from, to time.Time) ([]*ContextRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+`
		 FROM context_records
		 WHERE composite_key = ?
		   AND status = ?
		   AND extracted_at >= ?
		   AND extracted_at <= ?
		 ORDER BY extracted_at DESC`,
		CompositeKey(projectID, branch), StatusUncommitted, formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("querying uncommitted records: %w", err)
	}
	defer rows.Close()

	var out []*ContextRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BindCommit sets commit hash, status=complete and committed_at in one conditional
// update. Only a record still in the uncommitted state is bound.
func (s *SQLiteStore) BindCommit(ctx context.Context, eventID, commitHash string, committedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE context_records
		 SET commit_hash = ?, status = ?, committed_at = ?
		 WHERE event_id = ? AND status = ?`,
		commitHash, StatusComplete, formatTime(committedAt), eventID, StatusUncommitted,
	)
	if err != nil {
		return fmt.Errorf("binding commit to %s: %w", eventID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("binding commit to %s: %w", eventID, err)
	}
	if n == 0 {
		return fmt.Errorf("binding commit to %s: %w", eventID, ErrBindConflict)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ContextRecord, error) {
	var (
		r           ContextRecord
		commitHash  sql.NullString
		extractedAt string
		committedAt sql.NullString
		embedding   []byte
		errText     sql.NullString
		tasks       string
		entities    string
		createdAt   string
	)
	err := row.Scan(&r.EventID, &r.ProjectID, &r.Branch, &r.Author, &commitHash, &r.Status,
		&extractedAt, &committedAt, &r.ModelVersion, &embedding, &errText, &r.Feature,
		&r.Decision, &tasks, &r.Stage, &r.Risk, &r.Confidence, &entities, &createdAt)
	if err != nil {
		return nil, err
	}

	if commitHash.Valid {
		r.CommitHash = &commitHash.String
	}
	if errText.Valid {
		r.Error = &errText.String
	}
	if r.ExtractedAt, err = parseTime(extractedAt); err != nil {
		return nil, fmt.Errorf("parsing extracted_at: %w", err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if committedAt.Valid {
		t, err := parseTime(committedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing committed_at: %w", err)
		}
		r.CommittedAt = &t
	}
	if len(embedding) > 0 {
		r.Embedding = bytesToFloat32(embedding)
	}
	if err := json.Unmarshal([]byte(tasks), &r.Tasks); err != nil {
		return nil, fmt.Errorf("decoding tasks: %w", err)
	}
	if err := json.Unmarshal([]byte(entities), &r.Entities); err != nil {
		return nil, fmt.Errorf("decoding entities: %w", err)
	}
	return &r, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: context_records.event_id")
}

// float32ToBytes encodes a vector as little-endian float32s.
func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func bytesToFloat32(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
