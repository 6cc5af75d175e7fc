package main

import (
	"context"
	"fmt"
	"time"

	ws "github.com/taskhive/taskhive/pkg/websocket"

	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// pollTimeoutSec is the long-poll window each wait_for_task call asks for.
const pollTimeoutSec = 30

// Runner drives one scripted agent against the broker.
type Runner struct {
	spec   AgentSpec
	client *Client
}

// NewRunner creates a runner for one agent spec.
func NewRunner(spec AgentSpec, client *Client) *Runner {
	return &Runner{spec: spec, client: client}
}

// Run registers the agent and polls for work until the context is done, the
// agent is evicted, or its task budget is spent.
func (r *Runner) Run(ctx context.Context) error {
	_, err := r.client.Call(ctx, ws.ActionAgentRegister, map[string]any{
		"agent_id":     r.spec.ID,
		"display_name": r.spec.DisplayName,
		"capabilities": r.spec.Capabilities,
		"source":       "mock-agent",
	})
	if err != nil {
		return fmt.Errorf("register failed: %w", err)
	}
	logf("%s: registered (capabilities %v)", r.spec.ID, r.spec.Capabilities)

	handled := 0
	for ctx.Err() == nil {
		if r.spec.MaxTasks > 0 && handled >= r.spec.MaxTasks {
			logf("%s: task budget spent, deregistering", r.spec.ID)
			_, _ = r.client.Call(ctx, ws.ActionAgentDeregister, map[string]any{"agent_id": r.spec.ID})
			return nil
		}

		result, err := r.waitForTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch result.Type {
		case v1.WaitResultTask:
			if err := r.handleTask(ctx, result.Task); err != nil {
				logf("%s: task %s failed: %v", r.spec.ID, result.Task.ID, err)
			}
			handled++
		case v1.WaitResultEviction:
			logf("%s: evicted by broker", r.spec.ID)
			return nil
		case v1.WaitResultPrompt:
			logf("%s: system prompt: %s", r.spec.ID, result.Prompt.Message)
		case v1.WaitResultIdle:
			// Poll again.
		}
	}
	return nil
}

func (r *Runner) waitForTask(ctx context.Context) (*v1.WaitResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, (pollTimeoutSec+10)*time.Second)
	defer cancel()

	resp, err := r.client.Call(callCtx, ws.ActionWaitForTask, map[string]any{
		"agent_id":     r.spec.ID,
		"capabilities": r.spec.Capabilities,
		"timeout_sec":  pollTimeoutSec,
	})
	if err != nil {
		return nil, err
	}

	var result v1.WaitResult
	if err := resp.ParsePayload(&result); err != nil {
		return nil, fmt.Errorf("bad wait result: %w", err)
	}
	return &result, nil
}

// handleTask acks the task, plays the scripted progress updates, and submits
// the scripted outcome.
func (r *Runner) handleTask(ctx context.Context, task *v1.Task) error {
	logf("%s: received task %s (%q)", r.spec.ID, task.ID, task.Prompt)

	if _, err := r.client.Call(ctx, ws.ActionAckTask, map[string]any{
		"task_id":  task.ID,
		"agent_id": r.spec.ID,
	}); err != nil {
		return fmt.Errorf("ack failed: %w", err)
	}

	work := time.Duration(r.spec.Behavior.WorkMs) * time.Millisecond
	for _, step := range r.spec.Behavior.Progress {
		if work > 0 {
			select {
			case <-time.After(work):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, err := r.client.Call(ctx, ws.ActionUpdateProgress, map[string]any{
			"task_id":    task.ID,
			"agent_id":   r.spec.ID,
			"phase":      step.Phase,
			"percentage": step.Percentage,
			"message":    step.Message,
		}); err != nil {
			return fmt.Errorf("progress failed: %w", err)
		}
	}

	if r.spec.Behavior.Outcome == "blocked" {
		_, err := r.client.Call(ctx, ws.ActionBlockTask, map[string]any{
			"task_id":  task.ID,
			"agent_id": r.spec.ID,
			"question": r.spec.Behavior.Question,
			"reason":   "needs_input",
		})
		if err != nil {
			return fmt.Errorf("block failed: %w", err)
		}
		logf("%s: blocked task %s", r.spec.ID, task.ID)
		return nil
	}

	status := outcomeStatus(r.spec.Behavior.Outcome)
	payload := map[string]any{
		"task_id":  task.ID,
		"agent_id": r.spec.ID,
		"status":   string(status),
		"message":  r.spec.Behavior.Message,
	}
	if r.spec.Behavior.Diff != "" {
		payload["diff"] = r.spec.Behavior.Diff
	}
	if _, err := r.client.Call(ctx, ws.ActionSendResponse, payload); err != nil {
		return fmt.Errorf("send_response failed: %w", err)
	}
	logf("%s: finished task %s with %s", r.spec.ID, task.ID, status)
	return nil
}

func outcomeStatus(outcome string) v1.TaskStatus {
	switch outcome {
	case "in_review":
		return v1.TaskStatusInReview
	case "failed":
		return v1.TaskStatusFailed
	case "pending_resolution":
		return v1.TaskStatusPendingRes
	default:
		return v1.TaskStatusCompleted
	}
}
