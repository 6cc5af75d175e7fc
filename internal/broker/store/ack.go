package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// CreatePendingAckTx records a reservation awaiting agent confirmation.
func (s *Store) CreatePendingAckTx(ctx context.Context, tx *sqlx.Tx, a *v1.PendingAck) error {
	query := tx.Rebind(`INSERT INTO pending_acks (task_id, agent_id, sent_at) VALUES (?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, query, a.TaskID, a.AgentID, a.SentAt); err != nil {
		return fmt.Errorf("failed to create pending ack: %w", err)
	}
	return nil
}

// GetPendingAckTx loads the pending ack for a task, or sql.ErrNoRows.
func (s *Store) GetPendingAckTx(ctx context.Context, tx *sqlx.Tx, taskID string) (*v1.PendingAck, error) {
	var (
		a         v1.PendingAck
		delivered sql.NullTime
	)
	query := tx.Rebind(`SELECT task_id, agent_id, sent_at, delivered_at FROM pending_acks WHERE task_id = ?`)
	if err := tx.QueryRowContext(ctx, query, taskID).Scan(&a.TaskID, &a.AgentID, &a.SentAt, &delivered); err != nil {
		return nil, err
	}
	if delivered.Valid {
		a.DeliveredAt = &delivered.Time
	}
	return &a, nil
}

// MarkAckDeliveredTx stamps the reservation as handed to the agent. Exactly
// one caller wins; the rest get sql.ErrNoRows and must not deliver.
func (s *Store) MarkAckDeliveredTx(ctx context.Context, tx *sqlx.Tx, taskID string, at time.Time) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE pending_acks SET delivered_at = ? WHERE task_id = ? AND delivered_at IS NULL`),
		at, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark ack delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeletePendingAckTx removes the pending ack for a task. Returns
// sql.ErrNoRows when no ack was outstanding, so callers can detect races
// with the ack reaper.
func (s *Store) DeletePendingAckTx(ctx context.Context, tx *sqlx.Tx, taskID string) error {
	res, err := tx.ExecContext(ctx,
		tx.Rebind(`DELETE FROM pending_acks WHERE task_id = ?`), taskID)
	if err != nil {
		return fmt.Errorf("failed to delete pending ack: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListExpiredAcksTx returns acks sent before the cutoff, for the ack reaper.
func (s *Store) ListExpiredAcksTx(ctx context.Context, tx *sqlx.Tx, cutoff time.Time) ([]*v1.PendingAck, error) {
	query := tx.Rebind(`SELECT task_id, agent_id, sent_at FROM pending_acks
		WHERE sent_at < ? ORDER BY sent_at ASC`)
	rows, err := tx.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired acks: %w", err)
	}
	defer rows.Close()

	var acks []*v1.PendingAck
	for rows.Next() {
		var a v1.PendingAck
		if err := rows.Scan(&a.TaskID, &a.AgentID, &a.SentAt); err != nil {
			return nil, err
		}
		acks = append(acks, &a)
	}
	return acks, rows.Err()
}

// ListPendingAcks returns all outstanding acks, used for startup recovery.
func (s *Store) ListPendingAcks(ctx context.Context) ([]*v1.PendingAck, error) {
	rows, err := s.ro.QueryContext(ctx,
		`SELECT task_id, agent_id, sent_at FROM pending_acks ORDER BY sent_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending acks: %w", err)
	}
	defer rows.Close()

	var acks []*v1.PendingAck
	for rows.Next() {
		var a v1.PendingAck
		if err := rows.Scan(&a.TaskID, &a.AgentID, &a.SentAt); err != nil {
			return nil, err
		}
		acks = append(acks, &a)
	}
	return acks, rows.Err()
}

// CountPendingAcks returns the number of outstanding acks.
func (s *Store) CountPendingAcks(ctx context.Context) (int, error) {
	var n int
	if err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_acks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending acks: %w", err)
	}
	return n, nil
}
