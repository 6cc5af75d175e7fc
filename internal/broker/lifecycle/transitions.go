package lifecycle

import (
	"time"

	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// validTransitions encodes the task state machine. Administrative cancel
// (any non-terminal to CANCELLED) and retry are validated separately.
var validTransitions = map[v1.TaskStatus][]v1.TaskStatus{
	v1.TaskStatusQueued:             {v1.TaskStatusPendingAck, v1.TaskStatusBlocked},
	v1.TaskStatusPendingAck:         {v1.TaskStatusAssigned, v1.TaskStatusQueued, v1.TaskStatusBlocked},
	v1.TaskStatusAssigned:           {v1.TaskStatusInProgress, v1.TaskStatusInReview, v1.TaskStatusPendingRes, v1.TaskStatusBlocked, v1.TaskStatusCompleted, v1.TaskStatusFailed, v1.TaskStatusQueued},
	v1.TaskStatusInProgress:         {v1.TaskStatusInReview, v1.TaskStatusPendingRes, v1.TaskStatusBlocked, v1.TaskStatusCompleted, v1.TaskStatusFailed, v1.TaskStatusQueued},
	v1.TaskStatusInReview:           {v1.TaskStatusApprovedQueued, v1.TaskStatusQueued, v1.TaskStatusBlocked, v1.TaskStatusCompleted, v1.TaskStatusFailed, v1.TaskStatusPendingRes},
	v1.TaskStatusPendingRes:         {v1.TaskStatusApprovedQueued, v1.TaskStatusQueued, v1.TaskStatusBlocked},
	v1.TaskStatusApprovedQueued:     {v1.TaskStatusApprovedPendingAck, v1.TaskStatusBlocked, v1.TaskStatusCompleted, v1.TaskStatusFailed},
	v1.TaskStatusApprovedPendingAck: {v1.TaskStatusAssigned, v1.TaskStatusApprovedQueued, v1.TaskStatusBlocked, v1.TaskStatusCompleted, v1.TaskStatusFailed},
	v1.TaskStatusBlocked:            {v1.TaskStatusQueued},
}

// canTransition reports whether from -> to is a legal edge. Any non-terminal
// state may move to CANCELLED; FAILED and CANCELLED may return to QUEUED
// through retry.
func canTransition(from, to v1.TaskStatus) bool {
	if from.Terminal() {
		return (from == v1.TaskStatusFailed || from == v1.TaskStatusCancelled) &&
			to == v1.TaskStatusQueued
	}
	if to == v1.TaskStatusCancelled {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// retryable statuses for the retry operation.
func retryable(s v1.TaskStatus) bool {
	switch s {
	case v1.TaskStatusAssigned, v1.TaskStatusInProgress, v1.TaskStatusPendingAck,
		v1.TaskStatusCancelled, v1.TaskStatusFailed:
		return true
	}
	return false
}

// respondable statuses for sendResponse: the agent has (or had) the task in
// hand. Anything else means the agent skipped the ack handshake.
func respondable(s v1.TaskStatus) bool {
	switch s {
	case v1.TaskStatusAssigned, v1.TaskStatusInProgress, v1.TaskStatusInReview,
		v1.TaskStatusApprovedQueued, v1.TaskStatusApprovedPendingAck:
		return true
	}
	return false
}

// applyTransition mutates the task to the new status, appending exactly one
// history entry. Terminal statuses stamp completedAt.
func applyTransition(t *v1.Task, to v1.TaskStatus, agentID, message string, now time.Time) {
	t.Status = to
	t.History = append(t.History, v1.HistoryEntry{
		Timestamp: now,
		Status:    to,
		AgentID:   agentID,
		Message:   message,
	})
	if to.Terminal() {
		at := now
		t.CompletedAt = &at
	}
}
