package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/broker/events"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// ReserveForAgent matches and reserves a queued task for the agent in one
// transaction. Returns nil when nothing is eligible.
func (s *Service) ReserveForAgent(ctx context.Context, agentID string, capabilities []string, ws *v1.WorkspaceContext) (*v1.Task, error) {
	var (
		batch events.Batch
		task  *v1.Task
	)
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		task, err = s.matcher.ReserveTaskForAgent(ctx, tx, agentID, capabilities, ws)
		if err != nil || task == nil {
			return err
		}
		if err := s.reserveTx(ctx, tx, &batch, task, agentID); err != nil {
			return err
		}
		// The task is returned to the caller directly, so the reservation is
		// delivered in the same transaction that creates it.
		return s.store.MarkAckDeliveredTx(ctx, tx, task.ID, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	s.recorder.Broadcast(ctx, &batch)
	return task, nil
}

// TakeReservedTask returns the task currently reserved to the agent and
// awaiting its ack, marking the reservation delivered in the same
// transaction. Concurrent polls of one agent race here; only the winner
// gets the task, every later call returns nil until the reservation is
// requeued.
func (s *Service) TakeReservedTask(ctx context.Context, agentID string) (*v1.Task, error) {
	var task *v1.Task
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.ActiveTaskForAgentTx(ctx, tx, agentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if t.Status != v1.TaskStatusPendingAck && t.Status != v1.TaskStatusApprovedPendingAck {
			return nil
		}
		if err := s.store.MarkAckDeliveredTx(ctx, tx, t.ID, time.Now().UTC()); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil // already handed out by a concurrent poll
			}
			return err
		}
		task = t
		return nil
	})
	return task, err
}

// RollbackReservation undoes a reservation the agent will never see because
// its poll was cancelled mid-handoff. Taking the reservation first keeps a
// concurrent poll from delivering it mid-rollback. Best effort: if the
// requeue races with an ack, the ack wins and the reaper is not needed.
func (s *Service) RollbackReservation(ctx context.Context, agentID string) {
	task, err := s.TakeReservedTask(ctx, agentID)
	if err != nil || task == nil {
		return
	}
	if err := s.requeue(ctx, task.ID, "poll-cancelled"); err != nil &&
		!errors.Is(err, ErrStateConflict) && !errors.Is(err, ErrNotFound) {
		s.log.Warn("Failed to roll back reservation",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}
