package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/broker/events"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// Ack confirms receipt of a reserved task. The pending-ack row is removed
// and the task moves to ASSIGNED; an approved re-reservation follows the
// same path and finishes on the agent's next send_response. Returns any
// unread user comments, which are marked read.
func (s *Service) Ack(ctx context.Context, taskID, agentID string) (*v1.Task, []*v1.TaskMessage, error) {
	var (
		batch  events.Batch
		task   *v1.Task
		unread []*v1.TaskMessage
	)
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		task, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != v1.TaskStatusPendingAck && task.Status != v1.TaskStatusApprovedPendingAck {
			return fmt.Errorf("%w: task %s is %s, expected pending ack", ErrStateConflict, taskID, task.Status)
		}
		if task.To.AgentID != agentID {
			return fmt.Errorf("%w: task %s is reserved to %s", ErrUnauthorized, taskID, task.To.AgentID)
		}

		if err := s.store.DeletePendingAckTx(ctx, tx, taskID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		applyTransition(task, v1.TaskStatusAssigned, agentID, "acknowledged", time.Now().UTC())
		if err := s.store.UpdateTaskTx(ctx, tx, task); err != nil {
			return err
		}

		if unread, err = s.consumeUnreadTx(ctx, tx, taskID); err != nil {
			return err
		}
		return s.recorder.StageTx(ctx, tx, &batch, v1.EventTaskUpdated, task)
	})
	if err != nil {
		return nil, nil, err
	}

	s.recorder.Broadcast(ctx, &batch)
	s.log.Info("Task acknowledged",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID))
	return task, unread, nil
}

// Progress records a progress update from the owning agent: a progress
// message, a touched heartbeat, and the ASSIGNED to IN_PROGRESS move on the
// first update. Returns unread user comments, marked read.
func (s *Service) Progress(ctx context.Context, taskID, agentID, phase string, percentage int, message string) (*v1.Task, []*v1.TaskMessage, error) {
	var (
		batch  events.Batch
		task   *v1.Task
		unread []*v1.TaskMessage
	)
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		task, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return fmt.Errorf("%w: task %s is %s", ErrStateConflict, taskID, task.Status)
		}
		if task.To.AgentID != agentID {
			return fmt.Errorf("%w: task %s is owned by %s", ErrUnauthorized, taskID, task.To.AgentID)
		}

		now := time.Now().UTC()
		if task.Status == v1.TaskStatusAssigned {
			applyTransition(task, v1.TaskStatusInProgress, agentID, "started", now)
		}
		task.LastProgressAt = &now

		meta := map[string]any{}
		if phase != "" {
			meta["phase"] = phase
		}
		if percentage > 0 {
			meta["percentage"] = percentage
		}
		if err := s.store.CreateMessageTx(ctx, tx, &v1.TaskMessage{
			ID:        uuid.NewString(),
			TaskID:    taskID,
			Timestamp: now,
			Role:      v1.RoleAgent,
			Content:   message,
			IsRead:    true,
			Type:      v1.MessageProgress,
			Metadata:  meta,
		}); err != nil {
			return err
		}

		if err := s.store.UpdateTaskTx(ctx, tx, task); err != nil {
			return err
		}
		if unread, err = s.consumeUnreadTx(ctx, tx, taskID); err != nil {
			return err
		}
		return s.recorder.StageTx(ctx, tx, &batch, v1.EventTaskUpdated, task)
	})
	if err != nil {
		return nil, nil, err
	}

	s.recorder.Broadcast(ctx, &batch)
	return task, unread, nil
}

// ResponseRequest is the structured result an agent submits.
type ResponseRequest struct {
	Status        v1.TaskStatus `json:"status"`
	Message       string        `json:"message,omitempty"`
	Artifacts     []string      `json:"artifacts,omitempty"`
	Diff          string        `json:"diff,omitempty"`
	BlockedReason string        `json:"blocked_reason,omitempty"`
}

// SendResponse submits a result, moving the task to IN_REVIEW, a terminal
// status, or BLOCKED. Review submissions on code tasks must carry a diff.
func (s *Service) SendResponse(ctx context.Context, taskID, agentID string, req ResponseRequest) (*v1.Task, error) {
	switch req.Status {
	case v1.TaskStatusInReview, v1.TaskStatusCompleted, v1.TaskStatusFailed, v1.TaskStatusBlocked, v1.TaskStatusPendingRes:
	default:
		return nil, fmt.Errorf("%w: %s is not a valid response status", ErrValidation, req.Status)
	}

	var (
		batch events.Batch
		task  *v1.Task
	)
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		task, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !respondable(task.Status) {
			return fmt.Errorf("%w: task %s is %s", ErrNotAcked, taskID, task.Status)
		}
		if agentID != "" && task.To.AgentID != agentID {
			return fmt.Errorf("%w: task %s is owned by %s", ErrUnauthorized, taskID, task.To.AgentID)
		}
		if req.Status == v1.TaskStatusInReview && task.RequiresDiff() && len(req.Diff) < minDiffLen {
			return fmt.Errorf("%w: task %s carries a code capability", ErrMissingDiff, taskID)
		}
		if !canTransition(task.Status, req.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrStateConflict, task.Status, req.Status)
		}

		now := time.Now().UTC()
		task.Response = &v1.TaskResponse{
			Message:       req.Message,
			Artifacts:     req.Artifacts,
			Diff:          req.Diff,
			BlockedReason: req.BlockedReason,
		}
		applyTransition(task, req.Status, task.To.AgentID, req.Message, now)

		if req.Status.Terminal() || req.Status == v1.TaskStatusBlocked {
			if err := s.store.DeletePendingAckTx(ctx, tx, taskID); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}
		if req.Status == v1.TaskStatusBlocked {
			if err := s.store.CreateMessageTx(ctx, tx, &v1.TaskMessage{
				ID:        uuid.NewString(),
				TaskID:    taskID,
				Timestamp: now,
				Role:      v1.RoleSystem,
				Content:   req.BlockedReason,
				IsRead:    true,
				Type:      v1.MessageBlockEvent,
			}); err != nil {
				return err
			}
		}

		if err := s.store.UpdateTaskTx(ctx, tx, task); err != nil {
			return err
		}
		return s.recorder.StageTx(ctx, tx, &batch, v1.EventTaskUpdated, task)
	})
	if err != nil {
		return nil, err
	}

	s.recorder.Broadcast(ctx, &batch)
	if task.Status.Terminal() {
		s.notifier.CompleteTask(taskID)
	}
	s.notifier.KickScheduler()

	s.log.Info("Task response recorded",
		zap.String("task_id", taskID),
		zap.String("status", string(task.Status)))
	return task, nil
}

// consumeUnreadTx returns unread user comments and marks them read. The
// read transition is one-way.
func (s *Service) consumeUnreadTx(ctx context.Context, tx *sqlx.Tx, taskID string) ([]*v1.TaskMessage, error) {
	unread, err := s.store.UnreadUserMessagesTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if len(unread) == 0 {
		return nil, nil
	}
	ids := make([]string, len(unread))
	for i, m := range unread {
		ids[i] = m.ID
	}
	if err := s.store.MarkMessagesReadTx(ctx, tx, ids); err != nil {
		return nil, err
	}
	return unread, nil
}
