// Package lifecycle applies task state transitions. Every operation runs in
// one store transaction: the state write, its history entry, and the event
// row commit together or not at all.
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

	"github.com/taskhive/taskhive/internal/broker/capinfer"
	"github.com/taskhive/taskhive/internal/broker/events"
	"github.com/taskhive/taskhive/internal/broker/matching"
	"github.com/taskhive/taskhive/internal/broker/notify"
	"github.com/taskhive/taskhive/internal/broker/security"
	"github.com/taskhive/taskhive/internal/broker/store"
	"github.com/taskhive/taskhive/internal/common/logger"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// minDiffLen is the smallest diff accepted on a review submission for tasks
// carrying a code/test capability.
const minDiffLen = 20

// Service owns all task state transitions.
type Service struct {
	store    *store.Store
	recorder *events.Recorder
	notifier *notify.Notifier
	matcher  *matching.Service
	scanner  security.Scanner
	log      *logger.Logger
}

// New creates a lifecycle Service.
func New(st *store.Store, rec *events.Recorder, n *notify.Notifier, m *matching.Service, scanner security.Scanner, log *logger.Logger) *Service {
	if scanner == nil {
		scanner = security.NopScanner{}
	}
	return &Service{
		store:    st,
		recorder: rec,
		notifier: n,
		matcher:  m,
		scanner:  scanner,
		log:      log.WithFields(zap.String("component", "lifecycle")),
	}
}

// EnqueueRequest describes a task submission.
type EnqueueRequest struct {
	ID           string               `json:"id,omitempty"`
	Prompt       string               `json:"prompt"`
	Title        string               `json:"title,omitempty"`
	From         v1.Origin            `json:"from"`
	AgentID      string               `json:"agent_id,omitempty"`
	Capabilities []string             `json:"capabilities,omitempty"`
	WorkspaceID  string               `json:"workspace_id,omitempty"`
	Priority     v1.TaskPriority      `json:"priority,omitempty"`
	Dependencies []string             `json:"dependencies,omitempty"`
	Context      map[string]any       `json:"context,omitempty"`
	Workspace    *v1.WorkspaceContext `json:"workspace,omitempty"`
}

// Enqueue validates and persists a new task, then attempts immediate
// reservation against the waiting pool in the same transaction so an
// enqueue with waiting agents delivers in one round trip, not one tick.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*v1.Task, error) {
	task, err := s.buildTask(req)
	if err != nil {
		return nil, err
	}

	if findings := s.scanner.Scan(task.Prompt); security.HasCritical(findings) {
		s.log.Warn("Prompt rejected by security scan",
			zap.String("task_id", task.ID),
			zap.Any("findings", findings))
		return nil, fmt.Errorf("%w: %s", ErrBlocked, findings[0].Rule)
	}

	var (
		batch      events.Batch
		reservedTo string
	)
	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.store.GetTaskTx(ctx, tx, task.ID); err == nil {
			return fmt.Errorf("%w: task %s already exists", ErrValidation, task.ID)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if err := s.validateDependencies(ctx, tx, task); err != nil {
			return err
		}

		if err := s.store.CreateTaskTx(ctx, tx, task); err != nil {
			return err
		}
		if err := s.recorder.StageTx(ctx, tx, &batch, v1.EventTaskCreated, task); err != nil {
			return err
		}

		// Immediate reservation attempt against the waiting pool.
		agent, err := s.matcher.ReserveAgentForTask(ctx, tx, task)
		if err != nil {
			return err
		}
		if agent != nil {
			if err := s.reserveTx(ctx, tx, &batch, task, agent.AgentID); err != nil {
				return err
			}
			reservedTo = agent.AgentID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recorder.Broadcast(ctx, &batch)
	if reservedTo != "" {
		s.notifier.WakeAgent(reservedTo)
	}
	s.notifier.KickScheduler()

	s.log.Info("Task enqueued",
		zap.String("task_id", task.ID),
		zap.String("priority", string(task.Priority)),
		zap.String("reserved_to", reservedTo))
	return task, nil
}

func (s *Service) buildTask(req EnqueueRequest) (*v1.Task, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	priority := req.Priority
	if priority == "" {
		priority = v1.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, req.Priority)
	}
	for _, c := range req.Capabilities {
		if c == "" {
			return nil, fmt.Errorf("%w: empty capability", ErrValidation)
		}
	}
	if req.From.Type != v1.OriginHuman && req.From.Type != v1.OriginAgent {
		return nil, fmt.Errorf("%w: unknown origin type %q", ErrValidation, req.From.Type)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	title := req.Title
	if title == "" {
		title = v1.DeriveTitle(req.Prompt)
	}

	caps := req.Capabilities
	if len(caps) == 0 && req.From.Type == v1.OriginAgent && req.AgentID == "" {
		caps = capinfer.Infer(req.Prompt)
	}

	taskCtx := req.Context
	if req.From.Type == v1.OriginAgent {
		if taskCtx == nil {
			taskCtx = map[string]any{}
		}
		taskCtx["isDelegation"] = true
	}

	now := time.Now().UTC()
	task := &v1.Task{
		ID:       id,
		Title:    title,
		Prompt:   req.Prompt,
		From:     req.From,
		Priority: priority,
		Status:   v1.TaskStatusQueued,
		To: v1.Routing{
			AgentID:              req.AgentID,
			RequiredCapabilities: caps,
			WorkspaceID:          req.WorkspaceID,
		},
		Context:      taskCtx,
		Dependencies: req.Dependencies,
		CreatedAt:    now,
		History: []v1.HistoryEntry{{
			Timestamp: now,
			Status:    v1.TaskStatusQueued,
		}},
	}
	return task, nil
}

// validateDependencies requires every dependency to exist and the resulting
// graph to stay acyclic.
func (s *Service) validateDependencies(ctx context.Context, tx *sqlx.Tx, task *v1.Task) error {
	for _, depID := range task.Dependencies {
		if depID == task.ID {
			return fmt.Errorf("%w: task depends on itself", ErrValidation)
		}
		dep, err := s.store.GetTaskTx(ctx, tx, depID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: dependency %s not found", ErrValidation, depID)
			}
			return err
		}
		// A cycle through the new task requires an existing path from the
		// dependency back to it; walk the dependency's own edges.
		cyclic, err := s.reaches(ctx, tx, dep, task.ID, map[string]bool{})
		if err != nil {
			return err
		}
		if cyclic {
			return fmt.Errorf("%w: dependency cycle through %s", ErrValidation, depID)
		}
	}
	return nil
}

func (s *Service) reaches(ctx context.Context, tx *sqlx.Tx, from *v1.Task, targetID string, seen map[string]bool) (bool, error) {
	if seen[from.ID] {
		return false, nil
	}
	seen[from.ID] = true
	for _, depID := range from.Dependencies {
		if depID == targetID {
			return true, nil
		}
		dep, err := s.store.GetTaskTx(ctx, tx, depID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return false, err
		}
		hit, err := s.reaches(ctx, tx, dep, targetID, seen)
		if err != nil || hit {
			return hit, err
		}
	}
	return false, nil
}

// Reserve binds a queued task to an agent. Used by the scheduler after
// matching; preconditions are re-validated here under the write lock.
func (s *Service) Reserve(ctx context.Context, taskID, agentID string) (*v1.Task, error) {
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
		return s.reserveTx(ctx, tx, &batch, task, agentID)
	})
	if err != nil {
		return nil, err
	}

	s.recorder.Broadcast(ctx, &batch)
	s.notifier.WakeAgent(agentID)
	return task, nil
}

// reserveTx performs the reservation inside an open transaction: status to
// the pending-ack variant, agent bound, pending-ack row inserted, agent
// removed from the waiting set.
func (s *Service) reserveTx(ctx context.Context, tx *sqlx.Tx, batch *events.Batch, task *v1.Task, agentID string) error {
	if !task.Status.Queued() {
		return fmt.Errorf("%w: task %s is %s, not queued", ErrStateConflict, task.ID, task.Status)
	}
	if _, err := s.store.GetPendingAckTx(ctx, tx, task.ID); err == nil {
		return fmt.Errorf("%w: task %s already has a pending ack", ErrStateConflict, task.ID)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	ok, err := s.matcher.DependenciesSatisfied(ctx, tx, task)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %s has unsatisfied dependencies", ErrStateConflict, task.ID)
	}

	next := v1.TaskStatusPendingAck
	if task.Status == v1.TaskStatusApprovedQueued {
		next = v1.TaskStatusApprovedPendingAck
	}

	now := time.Now().UTC()
	task.To.AgentID = agentID
	applyTransition(task, next, agentID, "reserved", now)

	if err := s.store.UpdateTaskTx(ctx, tx, task); err != nil {
		return err
	}
	if err := s.store.CreatePendingAckTx(ctx, tx, &v1.PendingAck{
		TaskID: task.ID, AgentID: agentID, SentAt: now,
	}); err != nil {
		return err
	}
	if err := s.store.LeaveWaitingTx(ctx, tx, agentID); err != nil {
		return err
	}
	return s.recorder.StageTx(ctx, tx, batch, v1.EventTaskUpdated, task)
}

// Get returns a task by ID.
func (s *Service) Get(ctx context.Context, taskID string) (*v1.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
		}
		return nil, err
	}
	return task, nil
}

// List returns tasks matching the filter.
func (s *Service) List(ctx context.Context, f store.TaskFilter) ([]*v1.Task, error) {
	return s.store.ListTasks(ctx, f)
}

func (s *Service) getTaskTx(ctx context.Context, tx *sqlx.Tx, taskID string) (*v1.Task, error) {
	task, err := s.store.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
		}
		return nil, err
	}
	return task, nil
}
