package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/taskhive/taskhive/internal/common/tracing"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

const taskColumns = `id, title, prompt, from_type, from_id, from_name, to_agent_id,
	capabilities, workspace_id, priority, priority_rank, status, context,
	dependencies, history, response, created_at, completed_at, last_progress_at`

// CreateTaskTx inserts a task within an existing transaction.
func (s *Store) CreateTaskTx(ctx context.Context, tx *sqlx.Tx, t *v1.Task) error {
	caps, deps, hist, ctxJSON, resp, err := marshalTaskColumns(t)
	if err != nil {
		return err
	}

	query := tx.Rebind(`INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query,
		t.ID, t.Title, t.Prompt,
		string(t.From.Type), t.From.ID, t.From.Name,
		t.To.AgentID, caps, t.To.WorkspaceID,
		string(t.Priority), t.Priority.Rank(), string(t.Status),
		ctxJSON, deps, hist, resp,
		t.CreatedAt, nullTime(t.CompletedAt), nullTime(t.LastProgressAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// UpdateTaskTx persists the full mutable state of a task within a transaction.
func (s *Store) UpdateTaskTx(ctx context.Context, tx *sqlx.Tx, t *v1.Task) error {
	caps, deps, hist, ctxJSON, resp, err := marshalTaskColumns(t)
	if err != nil {
		return err
	}

	query := tx.Rebind(`UPDATE tasks SET
		title = ?, to_agent_id = ?, capabilities = ?, workspace_id = ?,
		priority = ?, priority_rank = ?, status = ?, context = ?,
		dependencies = ?, history = ?, response = ?,
		completed_at = ?, last_progress_at = ?
		WHERE id = ?`)
	res, err := tx.ExecContext(ctx, query,
		t.Title, t.To.AgentID, caps, t.To.WorkspaceID,
		string(t.Priority), t.Priority.Rank(), string(t.Status), ctxJSON,
		deps, hist, resp,
		nullTime(t.CompletedAt), nullTime(t.LastProgressAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteTaskTx removes a task and, via cascade, its messages and pending ack.
func (s *Store) DeleteTaskTx(ctx context.Context, tx *sqlx.Tx, taskID string) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tasks WHERE id = ?`), taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetTask loads a task by ID. Returns sql.ErrNoRows when absent.
func (s *Store) GetTask(ctx context.Context, taskID string) (*v1.Task, error) {
	query := s.ro.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`)
	return scanTask(s.ro.QueryRowContext(ctx, query, taskID))
}

// GetTaskTx loads a task inside a write transaction so subsequent mutations
// in the same transaction observe a consistent row.
func (s *Store) GetTaskTx(ctx context.Context, tx *sqlx.Tx, taskID string) (*v1.Task, error) {
	query := tx.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`)
	return scanTask(tx.QueryRowContext(ctx, query, taskID))
}

// TaskFilter narrows ListTasks results. Zero values match everything.
type TaskFilter struct {
	Status  v1.TaskStatus
	AgentID string
	FromID  string
	Limit   int
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*v1.Task, error) {
	ctx, span := tracing.Tracer("taskhive-db").Start(ctx, "db.ListTasks")
	defer span.End()
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.AgentID != "" {
		query += ` AND to_agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.FromID != "" {
		query += ` AND from_id = ?`
		args = append(args, f.FromID)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListQueuedTasksTx returns reservable tasks in dispatch order: priority rank
// descending, then FIFO by creation time. Runs inside the scheduler's
// transaction so ordering and reservation are atomic.
func (s *Store) ListQueuedTasksTx(ctx context.Context, tx *sqlx.Tx) ([]*v1.Task, error) {
	query := tx.Rebind(`SELECT ` + taskColumns + ` FROM tasks
		WHERE status IN (?, ?)
		ORDER BY priority_rank DESC, created_at ASC`)
	rows, err := tx.QueryContext(ctx, query,
		string(v1.TaskStatusQueued), string(v1.TaskStatusApprovedQueued))
	if err != nil {
		return nil, fmt.Errorf("failed to list queued tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ActiveTaskForAgentTx returns the claimed task bound to the agent, or
// sql.ErrNoRows when the agent holds nothing.
func (s *Store) ActiveTaskForAgentTx(ctx context.Context, tx *sqlx.Tx, agentID string) (*v1.Task, error) {
	query := tx.Rebind(`SELECT ` + taskColumns + ` FROM tasks
		WHERE to_agent_id = ? AND status IN (?, ?, ?, ?)
		ORDER BY created_at ASC LIMIT 1`)
	return scanTask(tx.QueryRowContext(ctx, query, agentID,
		string(v1.TaskStatusPendingAck), string(v1.TaskStatusApprovedPendingAck),
		string(v1.TaskStatusAssigned), string(v1.TaskStatusInProgress)))
}

// ListTasksByStatuses returns all tasks in any of the given statuses.
func (s *Store) ListTasksByStatuses(ctx context.Context, statuses ...v1.TaskStatus) ([]*v1.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	in := make([]any, len(statuses))
	ph := ""
	for i, st := range statuses {
		in[i] = string(st)
		if i > 0 {
			ph += ", "
		}
		ph += "?"
	}
	query := s.ro.Rebind(`SELECT ` + taskColumns + ` FROM tasks
		WHERE status IN (` + ph + `) ORDER BY created_at ASC`)
	rows, err := s.ro.QueryContext(ctx, query, in...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListStaleInProgress returns IN_PROGRESS tasks whose last progress signal is
// older than the cutoff. Used by the heartbeat reaper.
func (s *Store) ListStaleInProgress(ctx context.Context, cutoff time.Time) ([]*v1.Task, error) {
	query := s.ro.Rebind(`SELECT ` + taskColumns + ` FROM tasks
		WHERE status = ? AND last_progress_at IS NOT NULL AND last_progress_at < ?`)
	rows, err := s.ro.QueryContext(ctx, query, string(v1.TaskStatusInProgress), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CountTasksByStatus returns a count per status for all tasks.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[v1.TaskStatus]int, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[v1.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[v1.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*v1.Task, error) {
	var (
		t                           v1.Task
		fromType                    string
		priority, status            string
		caps, ctxJSON, deps, hist   string
		resp                        string
		priorityRank                int
		completedAt, lastProgressAt sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.Title, &t.Prompt, &fromType, &t.From.ID, &t.From.Name,
		&t.To.AgentID, &caps, &t.To.WorkspaceID,
		&priority, &priorityRank, &status, &ctxJSON,
		&deps, &hist, &resp,
		&t.CreatedAt, &completedAt, &lastProgressAt,
	)
	if err != nil {
		return nil, err
	}

	t.From.Type = v1.OriginType(fromType)
	t.Priority = v1.TaskPriority(priority)
	t.Status = v1.TaskStatus(status)
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	if lastProgressAt.Valid {
		at := lastProgressAt.Time
		t.LastProgressAt = &at
	}

	if err := unmarshalJSON(caps, &t.To.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("failed to decode task capabilities: %w", err)
	}
	if err := unmarshalJSON(ctxJSON, &t.Context); err != nil {
		return nil, fmt.Errorf("failed to decode task context: %w", err)
	}
	if err := unmarshalJSON(deps, &t.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode task dependencies: %w", err)
	}
	if err := unmarshalJSON(hist, &t.History); err != nil {
		return nil, fmt.Errorf("failed to decode task history: %w", err)
	}
	if resp != "" {
		var r v1.TaskResponse
		if err := json.Unmarshal([]byte(resp), &r); err != nil {
			return nil, fmt.Errorf("failed to decode task response: %w", err)
		}
		t.Response = &r
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*v1.Task, error) {
	var tasks []*v1.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func marshalTaskColumns(t *v1.Task) (caps, deps, hist, ctxJSON, resp string, err error) {
	if caps, err = marshalJSON(t.To.RequiredCapabilities, "[]"); err != nil {
		return
	}
	if deps, err = marshalJSON(t.Dependencies, "[]"); err != nil {
		return
	}
	if hist, err = marshalJSON(t.History, "[]"); err != nil {
		return
	}
	if ctxJSON, err = marshalJSON(t.Context, "{}"); err != nil {
		return
	}
	if t.Response != nil {
		var b []byte
		if b, err = json.Marshal(t.Response); err != nil {
			err = fmt.Errorf("failed to encode task response: %w", err)
			return
		}
		resp = string(b)
	}
	return
}

func marshalJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	s := string(b)
	if s == "null" {
		return empty, nil
	}
	return s, nil
}

func unmarshalJSON(s string, dst any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
