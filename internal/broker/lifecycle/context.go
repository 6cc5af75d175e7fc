package lifecycle

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// TaskContext is the full working context an agent fetches before or during
// work on a task.
type TaskContext struct {
	Task              *v1.Task                    `json:"task"`
	Messages          []*v1.TaskMessage           `json:"messages"`
	DependencyOutputs map[string]*v1.TaskResponse `json:"dependency_outputs,omitempty"`
	UnreadComments    []*v1.TaskMessage           `json:"unread_comments,omitempty"`
}

// GetContext returns the task, its thread, and the responses of completed
// dependencies. When fetched by the owning agent, unread user comments are
// returned and marked read.
func (s *Service) GetContext(ctx context.Context, taskID, agentID string) (*TaskContext, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	messages, err := s.store.ListMessages(ctx, taskID)
	if err != nil {
		return nil, err
	}

	tc := &TaskContext{Task: task, Messages: messages}

	if len(task.Dependencies) > 0 {
		tc.DependencyOutputs = make(map[string]*v1.TaskResponse)
		for _, depID := range task.Dependencies {
			dep, err := s.store.GetTask(ctx, depID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return nil, err
			}
			if dep.Status == v1.TaskStatusCompleted && dep.Response != nil {
				tc.DependencyOutputs[depID] = dep.Response
			}
		}
	}

	if agentID != "" && task.To.AgentID == agentID {
		err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
			var err error
			tc.UnreadComments, err = s.consumeUnreadTx(ctx, tx, taskID)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return tc, nil
}
