package websocket

// Action constants for WebSocket messages.
const (
	// Health
	ActionHealthCheck = "health.check"

	// Agent tool surface (agent -> broker)
	ActionAgentRegister   = "agent.register"
	ActionAgentDeregister = "agent.deregister"
	ActionWaitForTask     = "agent.wait_for_task"
	ActionAckTask         = "task.ack"
	ActionUpdateProgress  = "task.update_progress"
	ActionSendResponse    = "task.send_response"
	ActionAssignTask      = "task.assign"
	ActionBlockTask       = "task.block"
	ActionAnswerTask      = "task.answer"
	ActionGetTaskContext  = "task.get_context"
	ActionWaitCompletion  = "task.wait_for_completion"
	ActionBroadcastPrompt = "system.broadcast_prompt"

	// Observer actions (dashboard -> broker)
	ActionRequestSync = "request:sync"

	// Notification actions (broker -> client), matching event kinds
	ActionTaskCreated = "task:created"
	ActionTaskUpdated = "task:updated"
	ActionTaskDeleted = "task:deleted"
	ActionAgentStatus = "agent:status"
	ActionSyncFull    = "sync:full"
)

// Error codes carried in ErrorPayload.Code, mirroring the broker's semantic
// error kinds.
const (
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeStateConflict = "STATE_CONFLICT"
	ErrorCodeBlocked       = "BLOCKED"
	ErrorCodeMissingDiff   = "MISSING_DIFF"
	ErrorCodeNotAcked      = "NOT_ACKED"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
