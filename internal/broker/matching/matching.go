// Package matching answers the two directional scheduling queries: which
// waiting agent can take a given task, and which queued task fits a given
// agent. Both queries are read-only; the actual reservation re-validates
// preconditions inside the lifecycle transaction, so a stale answer here
// costs a retry, never a double delivery.
package matching

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/taskhive/taskhive/internal/broker/store"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// Service evaluates eligibility predicates against the store.
type Service struct {
	store *store.Store
}

// New creates a matching Service.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// ReserveAgentForTask picks a waiting agent for the task, or nil when none
// is eligible. Explicitly routed tasks only match their named agent; open
// tasks go to the longest-waiting eligible agent.
func (s *Service) ReserveAgentForTask(ctx context.Context, tx *sqlx.Tx, task *v1.Task) (*v1.WaitingAgent, error) {
	ok, err := s.DependenciesSatisfied(ctx, tx, task)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	waiting, err := s.store.ListWaitingTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	for _, w := range waiting {
		if task.To.AgentID != "" && task.To.AgentID != w.AgentID {
			continue
		}
		// An explicitly routed task skips the capability check: the router
		// chose the agent. Workspace affinity still applies.
		if task.To.AgentID == "" && !CapabilitiesSatisfied(task.To.RequiredCapabilities, w.Capabilities) {
			continue
		}
		if !WorkspaceSatisfied(task.To.WorkspaceID, w.WorkspaceContext) {
			continue
		}
		return w, nil
	}
	return nil, nil
}

// ReserveTaskForAgent picks the first queued task the agent can take, in
// priority-desc then FIFO order, or nil when nothing fits.
func (s *Service) ReserveTaskForAgent(ctx context.Context, tx *sqlx.Tx, agentID string, capabilities []string, ws *v1.WorkspaceContext) (*v1.Task, error) {
	queued, err := s.store.ListQueuedTasksTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	for _, task := range queued {
		if task.To.AgentID != "" && task.To.AgentID != agentID {
			continue
		}
		if task.To.AgentID == "" && !CapabilitiesSatisfied(task.To.RequiredCapabilities, capabilities) {
			continue
		}
		if !WorkspaceSatisfied(task.To.WorkspaceID, ws) {
			continue
		}
		ok, err := s.DependenciesSatisfied(ctx, tx, task)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		return task, nil
	}
	return nil, nil
}

// DependenciesSatisfied reports whether every dependency of the task has
// completed successfully. A missing dependency row gates the task forever;
// enqueue validation prevents that case.
func (s *Service) DependenciesSatisfied(ctx context.Context, tx *sqlx.Tx, task *v1.Task) (bool, error) {
	for _, depID := range task.Dependencies {
		dep, err := s.store.GetTaskTx(ctx, tx, depID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return false, nil
			}
			return false, err
		}
		if dep.Status != v1.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// CapabilitiesSatisfied reports set containment: every required capability
// is offered. An empty requirement matches any agent.
func CapabilitiesSatisfied(required, offered []string) bool {
	if len(required) == 0 {
		return true
	}
	offeredSet := make(map[string]bool, len(offered))
	for _, c := range offered {
		offeredSet[c] = true
	}
	for _, c := range required {
		if !offeredSet[c] {
			return false
		}
	}
	return true
}

// WorkspaceSatisfied reports workspace affinity: a task pinned to a
// workspace requires an agent in that repo; an unpinned task takes any
// agent, with or without a workspace.
func WorkspaceSatisfied(taskWorkspaceID string, agentWS *v1.WorkspaceContext) bool {
	if taskWorkspaceID == "" {
		return true
	}
	return agentWS != nil && agentWS.RepoID == taskWorkspaceID
}
