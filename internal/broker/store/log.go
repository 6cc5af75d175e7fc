package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogEntry is an audit record of a broker-side decision: reservations,
// timeout requeues, evictions, recovery actions.
type LogEntry struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendLog writes an audit entry. Failures are returned but callers
// typically log and continue: the audit trail is best effort.
func (s *Store) AppendLog(ctx context.Context, e *LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`INSERT INTO logs (id, level, component, message, task_id, agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.Level, e.Component, e.Message, e.TaskID, e.AgentID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// ListLogs returns recent audit entries, newest first.
func (s *Store) ListLogs(ctx context.Context, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	query := s.ro.Rebind(`SELECT id, level, component, message, task_id, agent_id, created_at
		FROM logs ORDER BY created_at DESC LIMIT ?`)
	rows, err := s.ro.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Level, &e.Component, &e.Message, &e.TaskID, &e.AgentID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
