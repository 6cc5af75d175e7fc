// Package registry tracks agent identity and availability. Agent status is
// never stored: it is derived from the waiting set and task ownership, so a
// crashed agent can never be stuck in a stale stored state.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/broker/events"
	"github.com/taskhive/taskhive/internal/broker/notify"
	"github.com/taskhive/taskhive/internal/broker/store"
	"github.com/taskhive/taskhive/internal/common/logger"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// ErrAgentNotFound is returned when an agent ID is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// Service manages agent registrations.
type Service struct {
	store    *store.Store
	recorder *events.Recorder
	notifier *notify.Notifier
	log      *logger.Logger
}

// New creates a registry Service.
func New(st *store.Store, rec *events.Recorder, n *notify.Notifier, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		recorder: rec,
		notifier: n,
		log:      log.WithFields(zap.String("component", "registry")),
	}
}

// RegisterRequest carries an agent's self-description.
type RegisterRequest struct {
	AgentID          string               `json:"agent_id"`
	DisplayName      string               `json:"display_name"`
	Role             string               `json:"role,omitempty"`
	Capabilities     []string             `json:"capabilities"`
	WorkspaceContext *v1.WorkspaceContext `json:"workspace_context,omitempty"`
	Source           string               `json:"source,omitempty"`
}

// Register creates or refreshes an agent registration. Re-registering with
// the same ID replaces the profile; this is how agents reconnect.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*v1.Agent, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	name := req.DisplayName
	if name == "" {
		name = req.AgentID
	}

	agent := &v1.Agent{
		ID:               req.AgentID,
		DisplayName:      name,
		Role:             req.Role,
		Capabilities:     req.Capabilities,
		WorkspaceContext: req.WorkspaceContext,
		LastSeen:         time.Now().UTC(),
		Source:           req.Source,
	}
	if err := s.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}

	agent.Status, _ = s.deriveStatus(ctx, agent.ID)
	if err := s.recorder.PublishAgentStatus(ctx, agent); err != nil {
		s.log.Warn("Failed to publish agent status", zap.Error(err))
	}

	s.log.Info("Agent registered",
		zap.String("agent_id", agent.ID),
		zap.Strings("capabilities", agent.Capabilities))
	return agent, nil
}

// Deregister removes an agent. Any task it holds is left to the timeout
// reapers, which requeue it once the ack or heartbeat window lapses.
func (s *Service) Deregister(ctx context.Context, agentID string) error {
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.store.LeaveWaitingTx(ctx, tx, agentID)
	})
	if err != nil {
		return err
	}
	if err := s.store.DeleteAgent(ctx, agentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAgentNotFound
		}
		return err
	}
	s.notifier.DropAgent(agentID)

	agent := &v1.Agent{ID: agentID, Status: v1.AgentOffline, LastSeen: time.Now().UTC()}
	if err := s.recorder.PublishAgentStatus(ctx, agent); err != nil {
		s.log.Warn("Failed to publish agent status", zap.Error(err))
	}

	s.log.Info("Agent deregistered", zap.String("agent_id", agentID))
	return nil
}

// Touch refreshes the agent's last_seen timestamp.
func (s *Service) Touch(ctx context.Context, agentID string) error {
	return s.store.TouchAgent(ctx, agentID, time.Now().UTC())
}

// Get returns an agent with its derived status.
func (s *Service) Get(ctx context.Context, agentID string) (*v1.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	agent.Status, err = s.deriveStatus(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// List returns all agents with derived statuses.
func (s *Service) List(ctx context.Context) ([]*v1.Agent, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	waiting, err := s.store.ListWaiting(ctx)
	if err != nil {
		return nil, err
	}
	waitingSet := make(map[string]bool, len(waiting))
	for _, w := range waiting {
		waitingSet[w.AgentID] = true
	}

	claimed, err := s.claimedAgents(ctx)
	if err != nil {
		return nil, err
	}

	for _, a := range agents {
		switch {
		case claimed[a.ID]:
			a.Status = v1.AgentProcessing
		case waitingSet[a.ID]:
			a.Status = v1.AgentWaiting
		default:
			a.Status = v1.AgentOffline
		}
	}
	return agents, nil
}

// Evict queues an eviction signal for the agent and wakes its long poll so
// the signal is delivered immediately when the agent is waiting.
func (s *Service) Evict(ctx context.Context, agentID, reason string) error {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAgentNotFound
		}
		return err
	}

	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.store.CreateEvictionTx(ctx, tx, &v1.Eviction{
			AgentID:   agentID,
			Reason:    reason,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return err
	}

	s.notifier.WakeAgent(agentID)
	s.log.Info("Agent eviction queued",
		zap.String("agent_id", agentID),
		zap.String("reason", reason))
	return nil
}

func (s *Service) deriveStatus(ctx context.Context, agentID string) (v1.AgentStatus, error) {
	claimed, err := s.claimedAgents(ctx)
	if err != nil {
		return v1.AgentOffline, err
	}
	if claimed[agentID] {
		return v1.AgentProcessing, nil
	}

	waiting, err := s.store.ListWaiting(ctx)
	if err != nil {
		return v1.AgentOffline, err
	}
	for _, w := range waiting {
		if w.AgentID == agentID {
			return v1.AgentWaiting, nil
		}
	}
	return v1.AgentOffline, nil
}

func (s *Service) claimedAgents(ctx context.Context) (map[string]bool, error) {
	tasks, err := s.store.ListTasksByStatuses(ctx,
		v1.TaskStatusPendingAck, v1.TaskStatusApprovedPendingAck,
		v1.TaskStatusAssigned, v1.TaskStatusInProgress)
	if err != nil {
		return nil, err
	}
	claimed := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.To.AgentID != "" {
			claimed[t.To.AgentID] = true
		}
	}
	return claimed, nil
}
