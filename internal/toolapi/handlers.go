// Package toolapi exposes the agent tool surface as WebSocket dispatcher
// handlers: each operation parses its payload at the boundary, calls the
// owning service, and maps sentinel errors to wire error codes.
package toolapi

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/broker/lifecycle"
	"github.com/taskhive/taskhive/internal/broker/notify"
	"github.com/taskhive/taskhive/internal/broker/poller"
	"github.com/taskhive/taskhive/internal/broker/registry"
	"github.com/taskhive/taskhive/internal/broker/store"
	"github.com/taskhive/taskhive/internal/common/logger"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
	ws "github.com/taskhive/taskhive/pkg/websocket"
)

// Handlers binds the tool operations to the broker services.
type Handlers struct {
	registry  *registry.Service
	lifecycle *lifecycle.Service
	poller    *poller.Poller
	store     *store.Store
	notifier  *notify.Notifier
	log       *logger.Logger
}

// New creates tool handlers.
func New(reg *registry.Service, lc *lifecycle.Service, p *poller.Poller, st *store.Store, n *notify.Notifier, log *logger.Logger) *Handlers {
	return &Handlers{
		registry:  reg,
		lifecycle: lc,
		poller:    p,
		store:     st,
		notifier:  n,
		log:       log.WithFields(zap.String("component", "toolapi")),
	}
}

// RegisterHandlers attaches every tool operation to the dispatcher.
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, h.handleHealthCheck)
	d.RegisterFunc(ws.ActionAgentRegister, h.handleRegisterAgent)
	d.RegisterFunc(ws.ActionAgentDeregister, h.handleDeregisterAgent)
	d.RegisterFunc(ws.ActionWaitForTask, h.handleWaitForTask)
	d.RegisterFunc(ws.ActionAckTask, h.handleAckTask)
	d.RegisterFunc(ws.ActionUpdateProgress, h.handleUpdateProgress)
	d.RegisterFunc(ws.ActionSendResponse, h.handleSendResponse)
	d.RegisterFunc(ws.ActionAssignTask, h.handleAssignTask)
	d.RegisterFunc(ws.ActionBlockTask, h.handleBlockTask)
	d.RegisterFunc(ws.ActionAnswerTask, h.handleAnswerTask)
	d.RegisterFunc(ws.ActionGetTaskContext, h.handleGetTaskContext)
	d.RegisterFunc(ws.ActionWaitCompletion, h.handleWaitForCompletion)
	d.RegisterFunc(ws.ActionBroadcastPrompt, h.handleBroadcastPrompt)
}

func (h *Handlers) handleHealthCheck(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, map[string]string{"status": "ok"})
}

func (h *Handlers) handleRegisterAgent(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req registry.RegisterRequest
	if err := msg.ParsePayload(&req); err != nil {
		return errorResponse(msg, lifecycle.ErrValidation, err.Error())
	}
	agent, err := h.registry.Register(ctx, req)
	if err != nil {
		return errorResponse(msg, err, "")
	}
	return ws.NewResponse(msg.ID, msg.Action, agent)
}

func (h *Handlers) handleDeregisterAgent(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return errorResponse(msg, lifecycle.ErrValidation, err.Error())
	}
	if err := h.registry.Deregister(ctx, req.AgentID); err != nil {
		return errorResponse(msg, err, "")
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"ok": true})
}

func (h *Handlers) handleWaitForTask(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		AgentID          string               `json:"agent_id"`
		Capabilities     []string             `json:"capabilities,omitempty"`
		WorkspaceContext *v1.WorkspaceContext `json:"workspace_context,omitempty"`
		TimeoutSec       int                  `json:"timeout_sec,omitempty"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return errorResponse(msg, lifecycle.ErrValidation, err.Error())
	}
	if req.AgentID == "" {
		return errorResponse(msg, lifecycle.ErrValidation, "agent_id is required")
	}

	result, err := h.poller.WaitForTask(ctx, poller.WaitRequest{
		AgentID:          req.AgentID,
		Capabilities:     req.Capabilities,
		WorkspaceContext: req.WorkspaceContext,
		Timeout:          time.Duration(req.TimeoutSec) * time.Second,
	})
	if err != nil {
		return errorResponse(msg, err, "")
	}
	return ws.NewResponse(msg.ID, msg.Action, result)
}

type ackResult struct {
	Task           *v1.Task          `json:"task"`
	UnreadComments []*v1.TaskMessage `json:"unread_comments,omitempty"`
}

func (h *Handlers) handleAckTask(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		TaskID  string `json:"task_id"`
		AgentID string `json:"agent_id"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return errorResponse(msg, lifecycle.ErrValidation, err.Error())
	}
	task, unread, err := h.lifecycle.Ack(ctx, req.TaskID, req.AgentID)
	if err != nil {
		return errorResponse(msg, err, "")
	}
	h.touch(ctx, req.AgentID)
	return ws.NewResponse(msg.ID, msg.Action, ackResult{Task: task, UnreadComments: unread})
}

func (h *Handlers) handleUpdateProgress(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		TaskID     string `json:"task_id"`
		AgentID    string `json:"agent_id"`
		Phase      string `json:"phase,omitempty"`
		Percentage int    `json:"percentage,omitempty"`
		Message    string `json:"message"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return errorResponse(msg, lifecycle.ErrValidation, err.Error())
	}
	task, unread, err := h.lifecycle.Progress(ctx, req.TaskID, req.AgentID, req.Phase, req.Percentage, req.Message)
	if err != nil {
		return errorResponse(msg, err, "")
	}
	h.touch(ctx, req.AgentID)
	return ws.NewResponse(msg.ID, msg.Action, ackResult{Task: task, UnreadComments: unread})
}

func (h *Handlers) handleSendResponse(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		TaskID        string        `json:"task_id"`
		AgentID       string        `json:"agent_id"`
		Status        v1.TaskStatus `json:"status"`
		Message       string        `json:"message,omitempty"`
		Artifacts     []string      `json:"artifacts,omitempty"`
		Diff          string        `json:"diff,omitempty"`
		BlockedReason string        `json:"blocked_reason,omitempty"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return errorResponse(msg, lifecycle.ErrValidation, err.Error())
	}
	// The empty-agent ownership bypass is reserved for the admin surface.
	if req.AgentID == "" {
		return errorResponse(msg, lifecycle.ErrValidation, "agent_id is required")
	}
	task, err := h.lifecycle.SendResponse(ctx, req.TaskID, req.AgentID, lifecycle.ResponseRequest{
		Status:        req.Status,
		Message:       req.Message,
		Artifacts:     req.Artifacts,
		Diff:          req.Diff,
		BlockedReason: req.BlockedReason,
	})
	if err != nil {
		return errorResponse(msg, err, "")
	}
	h.touch(ctx, req.AgentID)
	return ws.NewResponse(msg.ID, msg.Action, task)
}

func (h *Handlers) handleAssignTask(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		SourceAgentID        string               `json:"source_agent_id"`
		Prompt               string               `json:"prompt"`
		TargetAgentID        string               `json:"target_agent_id,omitempty"`
		RequiredCapabilities []string             `json:"required_capabilities,omitempty"`
		WorkspaceID          string               `json:"workspace_id,omitempty"`
		Priority             v1.TaskPriority      `json:"priority,omitempty"`
		Dependencies         []string             `json:"dependencies,omitempty"`
		Context              map[string]any       `json:"context,omitempty"`
		Workspace            *v1.WorkspaceContext `json:"workspace,omitempty"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return errorResponse(msg, lifecycle.ErrValidation, err.Error())
	}

	sourceName := req.SourceAgentID
	if agent, err := h.registry.Get(ctx, req.SourceAgentID); err == nil {
		sourceName = agent.DisplayName
	}

	task, err := h.lifecycle.Enqueue(ctx, lifecycle.EnqueueRequest{
		Prompt:       req.Prompt,
		From:         v1.Origin{Type: v1.OriginAgent, ID: req.SourceAgentID, Name: sourceName},
		AgentID:      req.TargetAgentID,
		Capabilities: req.RequiredCapabilities,
		WorkspaceID:  req.WorkspaceID,
		Priority:     req.Priority,
		Dependencies: req.Dependencies,
		Context:      req.Context,
		Workspace:    req.Workspace,
	})
	if err != nil {
		return errorResponse(msg, err, "")
	}
	h.touch(ctx, req.SourceAgentID)
	return ws.NewResponse(msg.ID, msg.Action, task)
}

func (h *Handlers) handleBlockTask(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		TaskID   string   `json:"task_id"`
		AgentID  string   `json:"agent_id,omitempty"`
		Reason   string   `json:"reason"`
		Question string   `json:"question"`
		Summary  string   `json:"summary,omitempty"`
		Notes    string   `json:"notes,omitempty"`
		Files    []string `json:"files,omitempty"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return errorResponse(msg, lifecycle.ErrValidation, err.Error())
	}
	task, err := h.lifecycle.Block(ctx, req.TaskID, req.AgentID, lifecycle.BlockRequest{
		Reason:   req.Reason,
		Question: req.Question,
		Summary:  req.Summary,
		Notes:    req.Notes,
		Files:    req.Files,
	})
	if err != nil {
		return errorResponse(msg, err, "")
	}
	h.touch(ctx, req.AgentID)
	return ws.NewResponse(msg.ID, msg.Action, task)
}

func (h *Handlers) handleAnswerTask(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		TaskID string `json:"task_id"`
		Answer string `json:"answer"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return errorResponse(msg, lifecycle.ErrValidation, err.Error())
	}
	task, err := h.lifecycle.Answer(ctx, req.TaskID, req.Answer)
	if err != nil {
		return errorResponse(msg, err, "")
	}
	return ws.NewResponse(msg.ID, msg.Action, task)
}

func (h *Handlers) handleGetTaskContext(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		TaskID  string `json:"task_id"`
		AgentID string `json:"agent_id,omitempty"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return errorResponse(msg, lifecycle.ErrValidation, err.Error())
	}
	tc, err := h.lifecycle.GetContext(ctx, req.TaskID, req.AgentID)
	if err != nil {
		return errorResponse(msg, err, "")
	}
	h.touch(ctx, req.AgentID)
	return ws.NewResponse(msg.ID, msg.Action, tc)
}

func (h *Handlers) handleWaitForCompletion(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		TaskID     string `json:"task_id"`
		TimeoutSec int    `json:"timeout_sec,omitempty"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return errorResponse(msg, lifecycle.ErrValidation, err.Error())
	}
	task, err := h.poller.WaitForCompletion(ctx, req.TaskID, time.Duration(req.TimeoutSec)*time.Second)
	if err != nil {
		return errorResponse(msg, err, "")
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"task": task})
}

func (h *Handlers) handleBroadcastPrompt(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		TargetAgentID string         `json:"target_agent_id,omitempty"`
		Capability    string         `json:"capability,omitempty"`
		Broadcast     bool           `json:"broadcast,omitempty"`
		PromptType    string         `json:"prompt_type"`
		Message       string         `json:"message"`
		Payload       map[string]any `json:"payload,omitempty"`
		Priority      int            `json:"priority,omitempty"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return errorResponse(msg, lifecycle.ErrValidation, err.Error())
	}
	if req.TargetAgentID == "" && req.Capability == "" && !req.Broadcast {
		return errorResponse(msg, lifecycle.ErrValidation, "a target, capability, or broadcast flag is required")
	}
	if req.PromptType == "" || req.Message == "" {
		return errorResponse(msg, lifecycle.ErrValidation, "prompt_type and message are required")
	}

	prompt := &v1.SystemPrompt{
		ID:            uuid.NewString(),
		TargetAgentID: req.TargetAgentID,
		Capability:    req.Capability,
		Broadcast:     req.Broadcast,
		PromptType:    req.PromptType,
		Message:       req.Message,
		Payload:       req.Payload,
		Priority:      req.Priority,
		CreatedAt:     time.Now().UTC(),
	}
	if err := h.store.CreateSystemPrompt(ctx, prompt); err != nil {
		return errorResponse(msg, err, "")
	}

	// Wake waiting polls so the prompt delivers ahead of their timeout.
	if req.TargetAgentID != "" {
		h.notifier.WakeAgent(req.TargetAgentID)
	} else {
		h.notifier.WakeAll()
	}
	return ws.NewResponse(msg.ID, msg.Action, prompt)
}

// touch refreshes the agent heartbeat after a successful tool call.
func (h *Handlers) touch(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	if err := h.registry.Touch(ctx, agentID); err != nil {
		h.log.Debug("Failed to touch agent", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// errorResponse maps a service error to a wire error message.
func errorResponse(msg *ws.Message, err error, detail string) (*ws.Message, error) {
	code := ws.ErrorCodeInternalError
	switch {
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, registry.ErrAgentNotFound):
		code = ws.ErrorCodeNotFound
	case errors.Is(err, lifecycle.ErrStateConflict):
		code = ws.ErrorCodeStateConflict
	case errors.Is(err, lifecycle.ErrBlocked):
		code = ws.ErrorCodeBlocked
	case errors.Is(err, lifecycle.ErrMissingDiff):
		code = ws.ErrorCodeMissingDiff
	case errors.Is(err, lifecycle.ErrNotAcked):
		code = ws.ErrorCodeNotAcked
	case errors.Is(err, lifecycle.ErrValidation):
		code = ws.ErrorCodeValidation
	case errors.Is(err, lifecycle.ErrUnauthorized):
		code = ws.ErrorCodeUnauthorized
	}
	text := err.Error()
	if detail != "" {
		text = detail
	}
	return ws.NewError(msg.ID, msg.Action, code, text, nil)
}
