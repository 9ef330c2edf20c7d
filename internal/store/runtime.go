// ABOUTME: SQLite persistence for execution steps, push notification configs and agent desired state
// ABOUTME: Steps are upserted by id so progress updates overwrite the running entry

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SaveStep inserts or updates an execution step
func (s *SQLiteStore) SaveStep(ctx context.Context, step *ExecutionStep) error {
	var endedAt sql.NullString
	if step.EndedAt != nil {
		endedAt = sql.NullString{String: formatTime(*step.EndedAt), Valid: true}
	}
	var stepErr sql.NullString
	if step.Error != "" {
		stepErr = sql.NullString{String: step.Error, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_steps (id, task_id, sequence, name, status, started_at, ended_at, error)
		SELECT ?, id, ?, ?, ?, ?, ?, ? FROM tasks WHERE id = ?
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			error = excluded.error
	`,
		step.ID,
		step.Sequence,
		step.Name,
		string(step.Status),
		formatTime(step.StartedAt),
		endedAt,
		stepErr,
		step.TaskID,
	)
	if err != nil {
		return fmt.Errorf("saving step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) listSteps(ctx context.Context, taskID string) ([]ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, sequence, name, status, started_at, ended_at, error
		FROM execution_steps WHERE task_id = ?
		ORDER BY sequence ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying steps: %w", err)
	}
	defer rows.Close()

	var steps []ExecutionStep
	for rows.Next() {
		var st ExecutionStep
		var status, startedAt string
		var endedAt, stepErr sql.NullString
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Sequence, &st.Name, &status, &startedAt, &endedAt, &stepErr); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		st.Status = StepStatus(status)
		if st.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			t, err := parseTime(endedAt.String)
			if err != nil {
				return nil, err
			}
			st.EndedAt = &t
		}
		st.Error = stepErr.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// SetPushConfig stores the push notification config of a task, replacing
// any previous one.
func (s *SQLiteStore) SetPushConfig(ctx context.Context, cfg *PushConfig) error {
	schemes, err := marshalNullable(cfg.AuthSchemes)
	if err != nil {
		return fmt.Errorf("encoding auth schemes: %w", err)
	}
	var token sql.NullString
	if cfg.Token != "" {
		token = sql.NullString{String: cfg.Token, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO push_configs (task_id, url, token, auth_schemes)
		SELECT id, ?, ?, ? FROM tasks WHERE id = ?
		ON CONFLICT(task_id) DO UPDATE SET
			url = excluded.url,
			token = excluded.token,
			auth_schemes = excluded.auth_schemes
	`, cfg.URL, token, schemes, cfg.TaskID)
	if err != nil {
		return fmt.Errorf("saving push config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPushConfig returns the push notification config of a task
func (s *SQLiteStore) GetPushConfig(ctx context.Context, taskID string) (*PushConfig, error) {
	cfg := &PushConfig{TaskID: taskID}
	var token, schemes sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT url, token, auth_schemes FROM push_configs WHERE task_id = ?`, taskID,
	).Scan(&cfg.URL, &token, &schemes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying push config: %w", err)
	}
	cfg.Token = token.String
	if schemes.Valid {
		if err := json.Unmarshal([]byte(schemes.String), &cfg.AuthSchemes); err != nil {
			return nil, fmt.Errorf("decoding auth schemes: %w", err)
		}
	}
	return cfg, nil
}

// SetAgentDesired records whether the named agent should be running
func (s *SQLiteStore) SetAgentDesired(ctx context.Context, name string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (name, enabled, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at
	`, name, enabled, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving agent desired state: %w", err)
	}
	return nil
}

// ListAgentDesired returns every persisted desired state ordered by name
func (s *SQLiteStore) ListAgentDesired(ctx context.Context) ([]AgentDesired, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, enabled, updated_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var out []AgentDesired
	for rows.Next() {
		var d AgentDesired
		var updatedAt string
		if err := rows.Scan(&d.Name, &d.Enabled, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
