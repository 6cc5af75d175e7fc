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

// Approve accepts a review, moving the task to APPROVED_QUEUED. The agent
// binding is kept so the scheduler re-reserves to the same agent for
// finalization.
func (s *Service) Approve(ctx context.Context, taskID, reviewer string) (*v1.Task, error) {
	task, err := s.adminTransition(ctx, taskID, v1.TaskStatusApprovedQueued, "approved",
		func(t *v1.Task) error {
			if t.Status != v1.TaskStatusInReview && t.Status != v1.TaskStatusPendingRes {
				return fmt.Errorf("%w: task %s is %s, expected review", ErrStateConflict, taskID, t.Status)
			}
			return nil
		}, nil)
	if err != nil {
		return nil, err
	}

	if err := s.recordReview(ctx, taskID, reviewer, "approve", ""); err != nil {
		s.log.Warn("Failed to record review comment", zap.Error(err))
	}
	s.notifier.KickScheduler()
	return task, nil
}

// Reject sends a review back: a review_feedback message is appended, the
// task returns to QUEUED, and the agent binding is cleared so any eligible
// agent can pick it up.
func (s *Service) Reject(ctx context.Context, taskID, reviewer, feedback string) (*v1.Task, error) {
	task, err := s.adminTransition(ctx, taskID, v1.TaskStatusQueued, "rejected",
		func(t *v1.Task) error {
			if t.Status != v1.TaskStatusInReview && t.Status != v1.TaskStatusPendingRes {
				return fmt.Errorf("%w: task %s is %s, expected review", ErrStateConflict, taskID, t.Status)
			}
			t.To.AgentID = ""
			t.Response = nil
			return nil
		},
		func(ctx context.Context, tx *sqlx.Tx, t *v1.Task, now time.Time) error {
			return s.store.CreateMessageTx(ctx, tx, &v1.TaskMessage{
				ID:        uuid.NewString(),
				TaskID:    taskID,
				Timestamp: now,
				Role:      v1.RoleUser,
				Content:   feedback,
				Type:      v1.MessageReviewFeedback,
			})
		})
	if err != nil {
		return nil, err
	}

	if err := s.recordReview(ctx, taskID, reviewer, "reject", feedback); err != nil {
		s.log.Warn("Failed to record review comment", zap.Error(err))
	}
	s.notifier.KickScheduler()
	return task, nil
}

// BlockRequest carries the question raised when an agent blocks a task.
type BlockRequest struct {
	Reason   string   `json:"reason"`
	Question string   `json:"question"`
	Summary  string   `json:"summary,omitempty"`
	Notes    string   `json:"notes,omitempty"`
	Files    []string `json:"files,omitempty"`
}

// Block moves any non-terminal task to BLOCKED, awaiting human input.
func (s *Service) Block(ctx context.Context, taskID, agentID string, req BlockRequest) (*v1.Task, error) {
	if req.Question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrValidation)
	}
	return s.adminTransition(ctx, taskID, v1.TaskStatusBlocked, req.Reason,
		func(t *v1.Task) error {
			if t.Status.Terminal() {
				return fmt.Errorf("%w: task %s is %s", ErrStateConflict, taskID, t.Status)
			}
			if agentID != "" && t.To.AgentID != "" && t.To.AgentID != agentID {
				return fmt.Errorf("%w: task %s is owned by %s", ErrUnauthorized, taskID, t.To.AgentID)
			}
			if t.Response == nil {
				t.Response = &v1.TaskResponse{}
			}
			t.Response.BlockedReason = req.Reason
			return nil
		},
		func(ctx context.Context, tx *sqlx.Tx, t *v1.Task, now time.Time) error {
			if err := s.store.DeletePendingAckTx(ctx, tx, taskID); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			meta := map[string]any{"reason": req.Reason}
			if req.Summary != "" {
				meta["summary"] = req.Summary
			}
			if req.Notes != "" {
				meta["notes"] = req.Notes
			}
			if len(req.Files) > 0 {
				meta["files"] = req.Files
			}
			return s.store.CreateMessageTx(ctx, tx, &v1.TaskMessage{
				ID:        uuid.NewString(),
				TaskID:    taskID,
				Timestamp: now,
				Role:      v1.RoleSystem,
				Content:   req.Question,
				IsRead:    true,
				Type:      v1.MessageBlockEvent,
				Metadata:  meta,
			})
		})
}

// Answer resolves a BLOCKED task: the answer is appended as an unread user
// message and the task returns to QUEUED for rematching. The agent binding
// is cleared; the original agent may or may not pick it up again.
func (s *Service) Answer(ctx context.Context, taskID, answer string) (*v1.Task, error) {
	if answer == "" {
		return nil, fmt.Errorf("%w: answer is required", ErrValidation)
	}
	task, err := s.adminTransition(ctx, taskID, v1.TaskStatusQueued, "answered",
		func(t *v1.Task) error {
			if t.Status != v1.TaskStatusBlocked {
				return fmt.Errorf("%w: task %s is %s, expected BLOCKED", ErrStateConflict, taskID, t.Status)
			}
			t.To.AgentID = ""
			return nil
		},
		func(ctx context.Context, tx *sqlx.Tx, t *v1.Task, now time.Time) error {
			return s.store.CreateMessageTx(ctx, tx, &v1.TaskMessage{
				ID:        uuid.NewString(),
				TaskID:    taskID,
				Timestamp: now,
				Role:      v1.RoleUser,
				Content:   answer,
				Type:      v1.MessageComment,
			})
		})
	if err != nil {
		return nil, err
	}
	s.notifier.KickScheduler()
	return task, nil
}

// Cancel moves any non-terminal task to CANCELLED. Cancelled tasks are
// never deleted; they are hidden from default views.
func (s *Service) Cancel(ctx context.Context, taskID string) (*v1.Task, error) {
	task, err := s.adminTransition(ctx, taskID, v1.TaskStatusCancelled, "cancelled",
		func(t *v1.Task) error {
			if t.Status.Terminal() {
				return fmt.Errorf("%w: task %s is %s", ErrStateConflict, taskID, t.Status)
			}
			return nil
		},
		func(ctx context.Context, tx *sqlx.Tx, t *v1.Task, now time.Time) error {
			if err := s.store.DeletePendingAckTx(ctx, tx, taskID); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	s.notifier.CompleteTask(taskID)
	return task, nil
}

// Retry returns a failed, cancelled, or stuck task to QUEUED, clearing the
// agent binding, response, and completion timestamp.
func (s *Service) Retry(ctx context.Context, taskID string) (*v1.Task, error) {
	task, err := s.adminTransition(ctx, taskID, v1.TaskStatusQueued, "retried",
		func(t *v1.Task) error {
			if !retryable(t.Status) {
				return fmt.Errorf("%w: task %s is %s", ErrStateConflict, taskID, t.Status)
			}
			t.To.AgentID = ""
			t.Response = nil
			t.CompletedAt = nil
			t.LastProgressAt = nil
			return nil
		},
		func(ctx context.Context, tx *sqlx.Tx, t *v1.Task, now time.Time) error {
			if err := s.store.DeletePendingAckTx(ctx, tx, taskID); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	s.notifier.KickScheduler()
	return task, nil
}

// UpdateRequest patches the limited mutable fields of a task.
type UpdateRequest struct {
	Capabilities *[]string        `json:"capabilities,omitempty"`
	WorkspaceID  *string          `json:"workspace_id,omitempty"`
	Priority     *v1.TaskPriority `json:"priority,omitempty"`
}

// Update patches routing fields on a non-terminal task.
func (s *Service) Update(ctx context.Context, taskID string, req UpdateRequest) (*v1.Task, error) {
	if req.Priority != nil && !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, *req.Priority)
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
		if task.Status.Terminal() {
			return fmt.Errorf("%w: task %s is %s", ErrStateConflict, taskID, task.Status)
		}
		if req.Capabilities != nil {
			task.To.RequiredCapabilities = *req.Capabilities
		}
		if req.WorkspaceID != nil {
			task.To.WorkspaceID = *req.WorkspaceID
		}
		if req.Priority != nil {
			task.Priority = *req.Priority
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
	s.notifier.KickScheduler()
	return task, nil
}

// AddComment appends a user comment to the task thread. The comment starts
// unread and is handed to the agent on its next ack, progress, or context
// fetch; an assigned agent is also woken immediately.
func (s *Service) AddComment(ctx context.Context, taskID, content string, images []string) (*v1.TaskMessage, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}

	msg := &v1.TaskMessage{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Role:      v1.RoleUser,
		Content:   content,
		Type:      v1.MessageComment,
		Images:    images,
	}

	var batch events.Batch
	var task *v1.Task
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		task, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := s.store.CreateMessageTx(ctx, tx, msg); err != nil {
			return err
		}
		return s.recorder.StageTx(ctx, tx, &batch, v1.EventTaskUpdated, task)
	})
	if err != nil {
		return nil, err
	}

	s.recorder.Broadcast(ctx, &batch)
	if task.To.AgentID != "" {
		s.notifier.WakeAgent(task.To.AgentID)
	}
	return msg, nil
}

// adminTransition is the shared shape of the administrative operations:
// load, check, mutate, transition, persist, event, broadcast.
func (s *Service) adminTransition(
	ctx context.Context,
	taskID string,
	to v1.TaskStatus,
	note string,
	check func(*v1.Task) error,
	extra func(context.Context, *sqlx.Tx, *v1.Task, time.Time) error,
) (*v1.Task, error) {
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
		if err := check(task); err != nil {
			return err
		}
		if !canTransition(task.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrStateConflict, task.Status, to)
		}

		now := time.Now().UTC()
		applyTransition(task, to, task.To.AgentID, note, now)
		if extra != nil {
			if err := extra(ctx, tx, task, now); err != nil {
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
	s.log.Info("Task transition",
		zap.String("task_id", taskID),
		zap.String("status", string(to)),
		zap.String("note", note))
	return task, nil
}

func (s *Service) recordReview(ctx context.Context, taskID, author, verdict, feedback string) error {
	return s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.store.CreateReviewCommentTx(ctx, tx, &v1.ReviewComment{
			ID:        uuid.NewString(),
			TaskID:    taskID,
			Author:    author,
			Verdict:   verdict,
			Feedback:  feedback,
			CreatedAt: time.Now().UTC(),
		})
	})
}
