// Package v1 defines the wire-level types shared by the broker, its
// transports, and client binaries.
package v1

import (
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued             TaskStatus = "QUEUED"
	TaskStatusPendingAck         TaskStatus = "PENDING_ACK"
	TaskStatusAssigned           TaskStatus = "ASSIGNED"
	TaskStatusInProgress         TaskStatus = "IN_PROGRESS"
	TaskStatusInReview           TaskStatus = "IN_REVIEW"
	TaskStatusPendingRes         TaskStatus = "PENDING_RES"
	TaskStatusApprovedQueued     TaskStatus = "APPROVED_QUEUED"
	TaskStatusApprovedPendingAck TaskStatus = "APPROVED_PENDING_ACK"
	TaskStatusBlocked            TaskStatus = "BLOCKED"
	TaskStatusCompleted          TaskStatus = "COMPLETED"
	TaskStatusFailed             TaskStatus = "FAILED"
	TaskStatusCancelled          TaskStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Claimed reports whether the task is currently bound to an agent
// (used to derive the agent's PROCESSING status).
func (s TaskStatus) Claimed() bool {
	switch s {
	case TaskStatusPendingAck, TaskStatusApprovedPendingAck, TaskStatusAssigned, TaskStatusInProgress:
		return true
	}
	return false
}

// Queued reports whether the task is eligible for reservation.
func (s TaskStatus) Queued() bool {
	return s == TaskStatusQueued || s == TaskStatusApprovedQueued
}

// TaskPriority governs queue ordering: higher rank first, FIFO within a rank.
type TaskPriority string

const (
	PriorityNormal   TaskPriority = "normal"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Rank returns the numeric ordering weight of the priority.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is a known priority level.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// OriginType identifies who submitted a task.
type OriginType string

const (
	OriginHuman OriginType = "human"
	OriginAgent OriginType = "agent"
)

// Origin describes the task originator.
type Origin struct {
	Type OriginType `json:"type"`
	ID   string     `json:"id"`
	Name string     `json:"name,omitempty"`
}

// WorkspaceContext identifies the repository an agent operates in.
// RepoID is the scheduler affinity key; branch and path are informational.
type WorkspaceContext struct {
	Type   string `json:"type,omitempty"`
	RepoID string `json:"repo_id"`
	Branch string `json:"branch,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Routing constrains which agents a task may be reserved to.
type Routing struct {
	AgentID              string   `json:"agent_id,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	WorkspaceID          string   `json:"workspace_id,omitempty"`
}

// TaskResponse is the structured result an agent reports for a task.
type TaskResponse struct {
	Message       string   `json:"message,omitempty"`
	Artifacts     []string `json:"artifacts,omitempty"`
	Diff          string   `json:"diff,omitempty"`
	BlockedReason string   `json:"blocked_reason,omitempty"`
}

// HistoryEntry records one status transition.
type HistoryEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Status    TaskStatus `json:"status"`
	AgentID   string     `json:"agent_id,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// Task is a unit of work routed to an agent.
type Task struct {
	ID             string         `json:"id"`
	Title          string         `json:"title,omitempty"`
	Prompt         string         `json:"prompt"`
	From           Origin         `json:"from"`
	To             Routing        `json:"to"`
	Priority       TaskPriority   `json:"priority"`
	Status         TaskStatus     `json:"status"`
	Context        map[string]any `json:"context,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	LastProgressAt *time.Time     `json:"last_progress_at,omitempty"`
	History        []HistoryEntry `json:"history,omitempty"`
	Response       *TaskResponse  `json:"response,omitempty"`
}

// maxTitleLen caps derived titles.
const maxTitleLen = 80

// DeriveTitle returns the first line of the prompt, truncated to 80 chars.
func DeriveTitle(prompt string) string {
	line := prompt
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	// Truncate on a rune boundary so multi-byte prompts stay valid UTF-8.
	if runes := []rune(line); len(runes) > maxTitleLen {
		line = string(runes[:maxTitleLen])
	}
	return line
}

// IsDelegation reports whether the task was created by another agent.
func (t *Task) IsDelegation() bool {
	return t.From.Type == OriginAgent
}

// RequiresDiff reports whether the task's capabilities include a marker that
// makes a review diff mandatory.
func (t *Task) RequiresDiff() bool {
	for _, c := range t.To.RequiredCapabilities {
		switch strings.ToLower(c) {
		case "code", "test", "tests", "coding":
			return true
		}
	}
	return false
}
