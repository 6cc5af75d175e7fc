package v1

import (
	"encoding/json"
	"time"
)

// Event kinds broadcast to observers.
const (
	EventTaskCreated = "task:created"
	EventTaskUpdated = "task:updated"
	EventTaskDeleted = "task:deleted"
	EventAgentStatus = "agent:status"
	EventSyncFull    = "sync:full"
)

// Event is one sequenced state change. Seq is a total order across all
// entities; replaying events in seq order reproduces observable state.
type Event struct {
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SyncSnapshot is the payload of a sync:full frame: the current state of the
// world tagged with the max seq at snapshot time. Subscribers that detect a
// seq gap request one of these to resynchronize.
type SyncSnapshot struct {
	MaxSeq int64    `json:"max_seq"`
	Tasks  []*Task  `json:"tasks"`
	Agents []*Agent `json:"agents"`
}

// Stats summarizes broker state for dashboards.
type Stats struct {
	TasksByStatus  map[TaskStatus]int  `json:"tasks_by_status"`
	AgentsByStatus map[AgentStatus]int `json:"agents_by_status"`
	WaitingAgents  int                 `json:"waiting_agents"`
	PendingAcks    int                 `json:"pending_acks"`
	MaxSeq         int64               `json:"max_seq"`
}
