// Package adminapi serves the operator HTTP surface: task submission and
// review verdicts, agent inspection, and the durable event feed.
package adminapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/broker/lifecycle"
	"github.com/taskhive/taskhive/internal/broker/registry"
	"github.com/taskhive/taskhive/internal/broker/store"
	"github.com/taskhive/taskhive/internal/common/logger"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// Handlers binds the admin routes to the broker services.
type Handlers struct {
	lifecycle *lifecycle.Service
	registry  *registry.Service
	store     *store.Store
	logger    *logger.Logger
}

// New creates admin handlers.
func New(lc *lifecycle.Service, reg *registry.Service, st *store.Store, log *logger.Logger) *Handlers {
	return &Handlers{
		lifecycle: lc,
		registry:  reg,
		store:     st,
		logger:    log.WithFields(zap.String("component", "adminapi")),
	}
}

// RegisterRoutes attaches the admin surface under /api/v1.
func (h *Handlers) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")

	api.POST("/tasks", h.createTask)
	api.GET("/tasks", h.listTasks)
	api.GET("/tasks/:id", h.getTask)
	api.PATCH("/tasks/:id", h.updateTask)
	api.POST("/tasks/:id/approve", h.approveTask)
	api.POST("/tasks/:id/reject", h.rejectTask)
	api.POST("/tasks/:id/cancel", h.cancelTask)
	api.POST("/tasks/:id/retry", h.retryTask)
	api.POST("/tasks/:id/unblock", h.unblockTask)
	api.POST("/tasks/:id/comments", h.addComment)
	api.GET("/tasks/:id/messages", h.listMessages)
	api.GET("/tasks/:id/reviews", h.listReviews)

	api.GET("/agents", h.listAgents)
	api.GET("/agents/:id", h.getAgent)
	api.POST("/agents/:id/evict", h.evictAgent)

	api.GET("/stats", h.stats)
	api.GET("/events", h.listEvents)
	api.GET("/logs", h.listLogs)
}

type createTaskRequest struct {
	Prompt       string               `json:"prompt"`
	Title        string               `json:"title,omitempty"`
	Requester    string               `json:"requester,omitempty"`
	AgentID      string               `json:"agent_id,omitempty"`
	Capabilities []string             `json:"capabilities,omitempty"`
	WorkspaceID  string               `json:"workspace_id,omitempty"`
	Priority     v1.TaskPriority      `json:"priority,omitempty"`
	Dependencies []string             `json:"dependencies,omitempty"`
	Context      map[string]any       `json:"context,omitempty"`
	Workspace    *v1.WorkspaceContext `json:"workspace,omitempty"`
}

func (h *Handlers) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	requester := req.Requester
	if requester == "" {
		requester = "operator"
	}

	task, err := h.lifecycle.Enqueue(c.Request.Context(), lifecycle.EnqueueRequest{
		Prompt:       req.Prompt,
		Title:        req.Title,
		From:         v1.Origin{Type: v1.OriginHuman, ID: requester, Name: requester},
		AgentID:      req.AgentID,
		Capabilities: req.Capabilities,
		WorkspaceID:  req.WorkspaceID,
		Priority:     req.Priority,
		Dependencies: req.Dependencies,
		Context:      req.Context,
		Workspace:    req.Workspace,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handlers) listTasks(c *gin.Context) {
	filter := store.TaskFilter{
		AgentID: c.Query("agent_id"),
		FromID:  c.Query("from"),
	}
	if status := c.Query("status"); status != "" {
		filter.Status = v1.TaskStatus(status)
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}

	tasks, err := h.lifecycle.List(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

func (h *Handlers) getTask(c *gin.Context) {
	task, err := h.lifecycle.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) updateTask(c *gin.Context) {
	var req lifecycle.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	task, err := h.lifecycle.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type verdictRequest struct {
	Reviewer string `json:"reviewer,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

func (h *Handlers) approveTask(c *gin.Context) {
	var req verdictRequest
	_ = c.ShouldBindJSON(&req)

	task, err := h.lifecycle.Approve(c.Request.Context(), c.Param("id"), reviewerOrDefault(req.Reviewer))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) rejectTask(c *gin.Context) {
	var req verdictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Feedback == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "feedback is required on rejection"})
		return
	}

	task, err := h.lifecycle.Reject(c.Request.Context(), c.Param("id"), reviewerOrDefault(req.Reviewer), req.Feedback)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) cancelTask(c *gin.Context) {
	task, err := h.lifecycle.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) retryTask(c *gin.Context) {
	task, err := h.lifecycle.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) unblockTask(c *gin.Context) {
	var req struct {
		Answer string `json:"answer"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Answer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "answer is required"})
		return
	}

	task, err := h.lifecycle.Answer(c.Request.Context(), c.Param("id"), req.Answer)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) addComment(c *gin.Context) {
	var req struct {
		Content string   `json:"content"`
		Images  []string `json:"images,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	msg, err := h.lifecycle.AddComment(c.Request.Context(), c.Param("id"), req.Content, req.Images)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handlers) listMessages(c *gin.Context) {
	// Existence check first so an unknown task reads as 404, not an empty list.
	if _, err := h.lifecycle.Get(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	messages, err := h.store.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "total": len(messages)})
}

func (h *Handlers) listReviews(c *gin.Context) {
	if _, err := h.lifecycle.Get(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	reviews, err := h.store.ListReviewComments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews, "total": len(reviews)})
}

func (h *Handlers) listAgents(c *gin.Context) {
	agents, err := h.registry.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "total": len(agents)})
}

func (h *Handlers) getAgent(c *gin.Context) {
	agent, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) evictAgent(c *gin.Context) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = c.ShouldBindJSON(&req)

	if err := h.registry.Evict(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evicted": c.Param("id")})
}

func (h *Handlers) stats(c *gin.Context) {
	ctx := c.Request.Context()

	byStatus, err := h.store.CountTasksByStatus(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	agents, err := h.registry.List(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	waiting, err := h.store.CountWaiting(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	pendingAcks, err := h.store.CountPendingAcks(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	maxSeq, err := h.store.MaxSeq(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks_by_status": byStatus,
		"agents":          len(agents),
		"waiting_agents":  waiting,
		"pending_acks":    pendingAcks,
		"max_seq":         maxSeq,
	})
}

func (h *Handlers) listEvents(c *gin.Context) {
	var sinceSeq int64
	if since := c.Query("since_seq"); since != "" {
		n, err := strconv.ParseInt(since, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since_seq"})
			return
		}
		sinceSeq = n
	}

	limit := 0
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	events, err := h.store.ListEventsSince(c.Request.Context(), sinceSeq, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

func (h *Handlers) listLogs(c *gin.Context) {
	limit := 200
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	logs, err := h.store.ListLogs(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "total": len(logs)})
}

func reviewerOrDefault(reviewer string) string {
	if reviewer == "" {
		return "operator"
	}
	return reviewer
}

// writeError maps service sentinels to HTTP status codes.
func (h *Handlers) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, registry.ErrAgentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrStateConflict):
		status = http.StatusConflict
	case errors.Is(err, lifecycle.ErrBlocked), errors.Is(err, lifecycle.ErrMissingDiff), errors.Is(err, lifecycle.ErrNotAcked):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, lifecycle.ErrUnauthorized):
		status = http.StatusForbidden
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
