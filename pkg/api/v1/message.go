package v1

import "time"

// MessageRole identifies the author of a task message.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// MessageType classifies a task message.
type MessageType string

const (
	MessageComment        MessageType = "comment"
	MessageProgress       MessageType = "progress"
	MessageReviewFeedback MessageType = "review_feedback"
	MessageBlockEvent     MessageType = "block_event"
)

// TaskMessage is one entry in a task's conversation thread.
type TaskMessage struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Timestamp time.Time      `json:"timestamp"`
	Role      MessageRole    `json:"role"`
	Content   string         `json:"content"`
	IsRead    bool           `json:"is_read"`
	Type      MessageType    `json:"type"`
	ReplyTo   string         `json:"reply_to,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Images    []string       `json:"images,omitempty"`
}

// ReviewComment is feedback recorded against a task review.
type ReviewComment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Author    string    `json:"author"`
	Verdict   string    `json:"verdict"` // approve or reject
	Feedback  string    `json:"feedback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
