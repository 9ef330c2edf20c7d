// ABOUTME: SQLite persistence for artifacts and their ordered parts
// ABOUTME: Artifacts are written once in a transaction and never updated

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateArtifact stores an artifact and its parts atomically. An artifact
// without parts is rejected with ErrEmptyArtifact.
func (s *SQLiteStore) CreateArtifact(ctx context.Context, a *Artifact) error {
	if len(a.Parts) == 0 {
		return ErrEmptyArtifact
	}
	metadata, err := marshalNullable(a.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts (id, task_id, name, type, metadata, created_at)
		SELECT ?, id, ?, ?, ?, ? FROM tasks WHERE id = ?
	`, a.ID, a.Name, a.Type, metadata, formatTime(a.CreatedAt), a.TaskID)
	if err != nil {
		return fmt.Errorf("inserting artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	for i, p := range a.Parts {
		content, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding part %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO artifact_parts (artifact_id, position, kind, content) VALUES (?, ?, ?, ?)
		`, a.ID, i, string(p.Kind), string(content)); err != nil {
			return fmt.Errorf("inserting part %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing artifact: %w", err)
	}

	s.logger.Debug("created artifact",
		"artifact_id", a.ID,
		"task_id", a.TaskID,
		"type", a.Type,
		"parts", len(a.Parts),
	)
	return nil
}

// GetArtifactParts returns the parts of an artifact in order
func (s *SQLiteStore) GetArtifactParts(ctx context.Context, artifactID string) ([]Part, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE id = ?`, artifactID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying artifact: %w", err)
	}
	return s.queryParts(ctx, s.db, artifactID)
}

// ListArtifactsByTask returns the task's artifacts with parts, oldest first.
// A task without artifacts, including a deleted task, yields an empty slice.
func (s *SQLiteStore) ListArtifactsByTask(ctx context.Context, taskID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, name, type, metadata, created_at
		FROM artifacts WHERE task_id = ?
		ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}

	var artifacts []*Artifact
	for rows.Next() {
		a := &Artifact{}
		var metadata sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Name, &a.Type, &metadata, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decoding artifact metadata: %w", err)
			}
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating artifacts: %w", err)
	}
	// Close before issuing part queries; :memory: stores hold a single connection.
	rows.Close()

	for _, a := range artifacts {
		if a.Parts, err = s.queryParts(ctx, s.db, a.ID); err != nil {
			return nil, err
		}
	}
	if artifacts == nil {
		artifacts = []*Artifact{}
	}
	return artifacts, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) queryParts(ctx context.Context, q queryer, artifactID string) ([]Part, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT content FROM artifact_parts WHERE artifact_id = ? ORDER BY position ASC
	`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("querying parts: %w", err)
	}
	defer rows.Close()

	parts := []Part{}
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scanning part: %w", err)
		}
		var p Part
		if err := json.Unmarshal([]byte(content), &p); err != nil {
			return nil, fmt.Errorf("decoding part: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}
