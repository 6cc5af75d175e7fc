package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/broker/events"
	"github.com/taskhive/taskhive/internal/broker/store"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// RecoverOnStartup resets in-flight delivery state after a restart. Every
// poll session died with the process, so PENDING_ACK tasks return to their
// queued variant and the waiting set is emptied.
func (s *Service) RecoverOnStartup(ctx context.Context) error {
	pending, err := s.store.ListTasksByStatuses(ctx,
		v1.TaskStatusPendingAck, v1.TaskStatusApprovedPendingAck)
	if err != nil {
		return err
	}

	for _, task := range pending {
		if err := s.requeue(ctx, task.ID, "restart-recovery"); err != nil {
			s.log.Error("Failed to recover task",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	if err := s.store.ClearWaiting(ctx); err != nil {
		return err
	}

	if len(pending) > 0 {
		_ = s.store.AppendLog(ctx, &store.LogEntry{
			Level:     "info",
			Component: "lifecycle",
			Message:   fmt.Sprintf("restart recovery requeued %d tasks", len(pending)),
		})
	}
	s.log.Info("Startup recovery complete", zap.Int("requeued", len(pending)))
	return nil
}

// ReapExpiredAcks requeues tasks whose reservation was never acknowledged
// within the ack window. The agent is not re-added to the waiting set; it
// must poll again.
func (s *Service) ReapExpiredAcks(ctx context.Context, ackTimeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ackTimeout)

	var expired []*v1.PendingAck
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		expired, err = s.store.ListExpiredAcksTx(ctx, tx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, ack := range expired {
		if err := s.requeue(ctx, ack.TaskID, "ack-timeout"); err != nil {
			if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrNotFound) {
				continue // acked or cancelled since the scan
			}
			s.log.Error("Failed to requeue task after ack timeout",
				zap.String("task_id", ack.TaskID), zap.Error(err))
			continue
		}
		requeued++
		_ = s.store.AppendLog(ctx, &store.LogEntry{
			Level:     "warn",
			Component: "scheduler",
			Message:   "ack-timeout requeue",
			TaskID:    ack.TaskID,
			AgentID:   ack.AgentID,
		})
	}
	return requeued, nil
}

// requeue returns a pending-ack task to its queued variant with the given
// history note.
func (s *Service) requeue(ctx context.Context, taskID, note string) error {
	var batch events.Batch
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}

		var next v1.TaskStatus
		switch task.Status {
		case v1.TaskStatusPendingAck:
			next = v1.TaskStatusQueued
			task.To.AgentID = ""
		case v1.TaskStatusApprovedPendingAck:
			// Keep the agent binding: the approved finalization must return
			// to the same agent.
			next = v1.TaskStatusApprovedQueued
		default:
			return fmt.Errorf("%w: task %s is %s", ErrStateConflict, taskID, task.Status)
		}

		if err := s.store.DeletePendingAckTx(ctx, tx, taskID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		applyTransition(task, next, "", note, time.Now().UTC())
		if err := s.store.UpdateTaskTx(ctx, tx, task); err != nil {
			return err
		}
		return s.recorder.StageTx(ctx, tx, &batch, v1.EventTaskUpdated, task)
	})
	if err != nil {
		return err
	}
	s.recorder.Broadcast(ctx, &batch)
	return nil
}

// ReapStaleProgress fails tasks whose owner went silent for longer than the
// heartbeat window. ASSIGNED tasks that never reported progress fall back
// to their last history timestamp.
func (s *Service) ReapStaleProgress(ctx context.Context, heartbeat time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-heartbeat)

	active, err := s.store.ListTasksByStatuses(ctx,
		v1.TaskStatusAssigned, v1.TaskStatusInProgress)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, task := range active {
		last := task.CreatedAt
		if task.LastProgressAt != nil {
			last = *task.LastProgressAt
		} else if n := len(task.History); n > 0 {
			last = task.History[n-1].Timestamp
		}
		if !last.Before(cutoff) {
			continue
		}

		msg := fmt.Sprintf("no progress for %s, marking failed", heartbeat)
		if _, err := s.failStale(ctx, task.ID, msg); err != nil {
			if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrNotFound) {
				continue
			}
			s.log.Error("Failed to reap stale task",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		failed++
		_ = s.store.AppendLog(ctx, &store.LogEntry{
			Level:     "warn",
			Component: "scheduler",
			Message:   "heartbeat-timeout failure",
			TaskID:    task.ID,
			AgentID:   task.To.AgentID,
		})
	}
	return failed, nil
}

func (s *Service) failStale(ctx context.Context, taskID, message string) (*v1.Task, error) {
	task, err := s.adminTransition(ctx, taskID, v1.TaskStatusFailed, message,
		func(t *v1.Task) error {
			if t.Status != v1.TaskStatusAssigned && t.Status != v1.TaskStatusInProgress {
				return fmt.Errorf("%w: task %s is %s", ErrStateConflict, taskID, t.Status)
			}
			return nil
		}, nil)
	if err != nil {
		return nil, err
	}
	s.notifier.CompleteTask(taskID)
	return task, nil
}
