// ABOUTME: SQLite persistence for contexts, tasks and task message history
// ABOUTME: Deleting a context or task cascades through foreign keys to every dependent row

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-runtime/internal/task"
)

// EnsureContext returns the context with the given id, creating it for
// agentName when it does not exist yet.
func (s *SQLiteStore) EnsureContext(ctx context.Context, id, agentName string) (*Context, error) {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contexts (id, agent_name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, id, agentName, now, now)
	if err != nil {
		return nil, fmt.Errorf("upserting context: %w", err)
	}
	return s.GetContext(ctx, id)
}

// GetContext retrieves a context by id
func (s *SQLiteStore) GetContext(ctx context.Context, id string) (*Context, error) {
	c := &Context{}
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_name, created_at, updated_at FROM contexts WHERE id = ?`, id,
	).Scan(&c.ID, &c.AgentName, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContextNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying context: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteContext removes a context and, by cascade, all of its tasks
func (s *SQLiteStore) DeleteContext(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrContextNotFound
	}
	s.logger.Debug("deleted context", "context_id", id)
	return nil
}

// CreateTask inserts a task together with its initial history in one
// transaction. Its context must already exist.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	if _, err := s.GetContext(ctx, t.ContextID); err != nil {
		return err
	}

	statusMsg, err := marshalNullable(t.Status.Message)
	if err != nil {
		return fmt.Errorf("encoding status message: %w", err)
	}
	metadata, err := marshalNullable(t.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status.Timestamp.IsZero() {
		t.Status.Timestamp = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, context_id, agent_name, state, status_message, status_timestamp, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID,
		t.ContextID,
		t.AgentName,
		string(t.Status.State),
		statusMsg,
		formatTime(t.Status.Timestamp),
		metadata,
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	for i := range t.History {
		if err := insertMessage(ctx, tx, t.ID, &t.History[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing task: %w", err)
	}

	s.logger.Debug("created task", "task_id", t.ID, "context_id", t.ContextID, "agent", t.AgentName)
	return nil
}

// UpdateTaskState overwrites the task's status. Callers validate the
// transition before persisting it.
func (s *SQLiteStore) UpdateTaskState(ctx context.Context, id string, status TaskStatus) error {
	statusMsg, err := marshalNullable(status.Message)
	if err != nil {
		return fmt.Errorf("encoding status message: %w", err)
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, status_message = ?, status_timestamp = ?, updated_at = ?
		WHERE id = ?
	`, string(status.State), statusMsg, formatTime(status.Timestamp), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating task state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTask retrieves a task with its history, artifacts and steps
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, context_id, agent_name, state, status_message, status_timestamp, metadata, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if t.History, err = s.listMessages(ctx, id); err != nil {
		return nil, err
	}
	artifacts, err := s.ListArtifactsByTask(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, a := range artifacts {
		t.Artifacts = append(t.Artifacts, *a)
	}
	if t.Steps, err = s.listSteps(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasksByContext returns the tasks of a context, oldest first, without
// their history.
func (s *SQLiteStore) ListTasksByContext(ctx context.Context, contextID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, context_id, agent_name, state, status_message, status_timestamp, metadata, created_at, updated_at
		FROM tasks WHERE context_id = ?
		ORDER BY created_at ASC, id ASC
	`, contextID)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTask removes a task; messages, artifacts, parts, steps and push
// configs go with it.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted task", "task_id", id)
	return nil
}

// AppendMessage adds a message to the end of the task's history
func (s *SQLiteStore) AppendMessage(ctx context.Context, taskID string, msg *Message) error {
	return insertMessage(ctx, s.db, taskID, msg)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertMessage appends msg at the next position of the task's history.
// Message ids are client-chosen, so they are only unique within a task's
// history by convention and are not part of the key.
func insertMessage(ctx context.Context, db execer, taskID string, msg *Message) error {
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("encoding parts: %w", err)
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO task_messages (task_id, position, message_id, role, parts, created_at)
		SELECT id, (SELECT COALESCE(MAX(position), -1) + 1 FROM task_messages WHERE task_id = ?), ?, ?, ?, ?
		FROM tasks WHERE id = ?
	`, taskID, msg.MessageID, string(msg.Role), string(parts), formatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) listMessages(ctx context.Context, taskID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.message_id, m.role, m.parts, t.context_id
		FROM task_messages m JOIN tasks t ON t.id = m.task_id
		WHERE m.task_id = ?
		ORDER BY m.position ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var role, parts string
		if err := rows.Scan(&m.MessageID, &role, &parts, &m.ContextID); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
			return nil, fmt.Errorf("decoding parts: %w", err)
		}
		m.Kind = "message"
		m.Role = Role(role)
		m.TaskID = taskID
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{Kind: "task"}
	var state, statusTS, createdAt, updatedAt string
	var statusMsg, metadata sql.NullString

	err := row.Scan(
		&t.ID,
		&t.ContextID,
		&t.AgentName,
		&state,
		&statusMsg,
		&statusTS,
		&metadata,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status.State = task.State(state)
	if statusMsg.Valid {
		t.Status.Message = &Message{}
		if err := json.Unmarshal([]byte(statusMsg.String), t.Status.Message); err != nil {
			return nil, fmt.Errorf("decoding status message: %w", err)
		}
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	if t.Status.Timestamp, err = parseTime(statusTS); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return t, nil
}

// marshalNullable encodes v as JSON, mapping nil pointers and empty maps to NULL.
func marshalNullable(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case *Message:
		if x == nil {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
