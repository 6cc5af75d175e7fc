package v1

import "time"

// AgentStatus is the derived availability state of an agent. It is never
// stored: PROCESSING when the agent owns a claimed task, WAITING when it is
// in the waiting set, OFFLINE otherwise.
type AgentStatus string

const (
	AgentOffline    AgentStatus = "OFFLINE"
	AgentWaiting    AgentStatus = "WAITING"
	AgentProcessing AgentStatus = "PROCESSING"
)

// Agent is a registered worker process.
type Agent struct {
	ID               string            `json:"id"`
	DisplayName      string            `json:"display_name"`
	Role             string            `json:"role,omitempty"`
	Capabilities     []string          `json:"capabilities"`
	WorkspaceContext *WorkspaceContext `json:"workspace_context,omitempty"`
	Status           AgentStatus       `json:"status"`
	LastSeen         time.Time         `json:"last_seen"`
	Source           string            `json:"source,omitempty"`
}

// WaitingAgent is a durable row in the scheduler's candidate pool, present
// while the agent is blocked in wait_for_task.
type WaitingAgent struct {
	AgentID          string            `json:"agent_id"`
	Capabilities     []string          `json:"capabilities"`
	WorkspaceContext *WorkspaceContext `json:"workspace_context,omitempty"`
	EnteredAt        time.Time         `json:"entered_at"`
}

// PendingAck tracks a reservation awaiting agent confirmation.
type PendingAck struct {
	TaskID  string    `json:"task_id"`
	AgentID string    `json:"agent_id"`
	SentAt  time.Time `json:"sent_at"`
	// DeliveredAt is set when a wait_for_task call hands the reservation to
	// the agent; a reservation is delivered at most once per ack cycle.
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// SystemPrompt is a one-shot control message queued for delivery through
// wait_for_task, ahead of any task.
type SystemPrompt struct {
	ID            string         `json:"id"`
	TargetAgentID string         `json:"target_agent_id,omitempty"`
	Capability    string         `json:"capability,omitempty"`
	Broadcast     bool           `json:"broadcast,omitempty"`
	PromptType    string         `json:"prompt_type"`
	Message       string         `json:"message"`
	Payload       map[string]any `json:"payload,omitempty"`
	Priority      int            `json:"priority"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Eviction is a queued signal telling an agent to disconnect.
type Eviction struct {
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WaitResultType discriminates the outcome of a wait_for_task call.
type WaitResultType string

const (
	WaitResultTask     WaitResultType = "task"
	WaitResultEviction WaitResultType = "eviction"
	WaitResultPrompt   WaitResultType = "system_prompt"
	WaitResultIdle     WaitResultType = "idle"
)

// WaitResult is the response to wait_for_task: a reserved task, a control
// signal, or idle when the timeout elapsed with nothing to deliver.
type WaitResult struct {
	Type     WaitResultType `json:"type"`
	Task     *Task          `json:"task,omitempty"`
	Prompt   *SystemPrompt  `json:"prompt,omitempty"`
	Eviction *Eviction      `json:"eviction,omitempty"`
}
