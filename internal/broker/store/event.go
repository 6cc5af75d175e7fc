package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/taskhive/taskhive/internal/common/tracing"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// AllocSeqTx increments and returns the global event sequence counter within
// the caller's transaction. Because all writes go through the single writer
// connection, sequence numbers are gap-free in commit order.
func (s *Store) AllocSeqTx(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE event_seq SET seq = seq + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("failed to advance event seq: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM event_seq WHERE id = 1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read event seq: %w", err)
	}
	return seq, nil
}

// AppendEventTx persists an event row in the same transaction as the state
// change it describes, so a committed change and its event are inseparable.
func (s *Store) AppendEventTx(ctx context.Context, tx *sqlx.Tx, e *v1.Event) error {
	query := tx.Rebind(`INSERT INTO events (seq, kind, payload, created_at) VALUES (?, ?, ?, ?)`)
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	if _, err := tx.ExecContext(ctx, query, e.Seq, e.Kind, payload, e.CreatedAt); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEventsSince returns persisted events with seq greater than the given
// value, in seq order, capped at limit.
func (s *Store) ListEventsSince(ctx context.Context, sinceSeq int64, limit int) ([]*v1.Event, error) {
	ctx, span := tracing.Tracer("taskhive-db").Start(ctx, "db.ListEventsSince")
	defer span.End()
	if limit <= 0 {
		limit = 500
	}
	query := s.ro.Rebind(`SELECT seq, kind, payload, created_at FROM events
		WHERE seq > ? ORDER BY seq ASC LIMIT ?`)
	rows, err := s.ro.QueryContext(ctx, query, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*v1.Event
	for rows.Next() {
		var (
			e       v1.Event
			payload string
		)
		if err := rows.Scan(&e.Seq, &e.Kind, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// MaxSeq returns the current value of the event sequence counter.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.ro.QueryRowContext(ctx, `SELECT seq FROM event_seq WHERE id = 1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read event seq: %w", err)
	}
	return seq, nil
}

// PruneEvents deletes the oldest event rows beyond the retention count. The
// sequence counter is never reset, so pruning does not disturb seq ordering.
func (s *Store) PruneEvents(ctx context.Context, retain int) (int64, error) {
	if retain <= 0 {
		return 0, nil
	}
	query := s.db.Rebind(`DELETE FROM events WHERE seq <= (
		SELECT seq FROM event_seq WHERE id = 1
	) - ?`)
	res, err := s.db.ExecContext(ctx, query, retain)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
