package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/broker/lifecycle"
	"github.com/taskhive/taskhive/internal/broker/poller"
	"github.com/taskhive/taskhive/internal/broker/registry"
	"github.com/taskhive/taskhive/internal/common/logger"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

func registerTools(s *server.MCPServer, svc Services, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("register_agent",
			mcp.WithDescription("Register this agent with the broker. Call once before polling for work."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Stable identifier for this agent"),
			),
			mcp.WithString("display_name",
				mcp.Description("Human-readable agent name"),
			),
			mcp.WithString("role",
				mcp.Description("Free-form role description"),
			),
			mcp.WithArray("capabilities",
				mcp.Description("Capability tags this agent offers, e.g. code, test, review"),
			),
		),
		registerAgentHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("wait_for_task",
			mcp.WithDescription(
				"Long-poll for the next unit of work. Returns a reserved task, a system prompt, "+
					"an eviction notice, or idle when the timeout elapses. Acknowledge a returned "+
					"task with ack_task before working on it.",
			),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID registered with register_agent"),
			),
			mcp.WithArray("capabilities",
				mcp.Description("Capability tags to match against (defaults to the registered set)"),
			),
			mcp.WithNumber("timeout_sec",
				mcp.Description("How long to wait before returning idle (capped by the broker)"),
			),
		),
		waitForTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("ack_task",
			mcp.WithDescription("Acknowledge a reserved task. Returns the task plus any unread operator comments."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID from wait_for_task"),
			),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The acknowledging agent ID"),
			),
		),
		ackTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("update_progress",
			mcp.WithDescription("Report progress on an acknowledged task. Also serves as the liveness heartbeat."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task being worked on"),
			),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The owning agent ID"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("What is happening right now"),
			),
			mcp.WithString("phase",
				mcp.Description("Current phase, e.g. planning, implementing, testing"),
			),
			mcp.WithNumber("percentage",
				mcp.Description("Estimated completion percentage, 0-100"),
			),
		),
		updateProgressHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("send_response",
			mcp.WithDescription(
				"Submit the task outcome: in_review for work awaiting a verdict, completed, failed, "+
					"blocked, or pending_resolution. Review submissions for code tasks must include a diff.",
			),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task being answered"),
			),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The owning agent ID"),
			),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("Target status: IN_REVIEW, COMPLETED, FAILED, BLOCKED, or PENDING_RES"),
			),
			mcp.WithString("message",
				mcp.Description("Summary of the outcome"),
			),
			mcp.WithString("diff",
				mcp.Description("Unified diff of the changes, required for code review submissions"),
			),
			mcp.WithArray("artifacts",
				mcp.Description("Paths or URLs of produced artifacts"),
			),
			mcp.WithString("blocked_reason",
				mcp.Description("Why the task is blocked, when status is BLOCKED"),
			),
		),
		sendResponseHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("assign_task",
			mcp.WithDescription(
				"Delegate a subtask to another agent. Omit target_agent_id to let the broker match "+
					"by capability. Use wait_for_completion to collect the result.",
			),
			mcp.WithString("source_agent_id",
				mcp.Required(),
				mcp.Description("The delegating agent ID"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("What the subtask should accomplish"),
			),
			mcp.WithString("target_agent_id",
				mcp.Description("Specific agent to route to (optional)"),
			),
			mcp.WithArray("required_capabilities",
				mcp.Description("Capability tags the assignee must have"),
			),
			mcp.WithString("priority",
				mcp.Description("low, normal, high, or critical"),
			),
			mcp.WithArray("dependencies",
				mcp.Description("Task IDs that must complete first"),
			),
		),
		assignTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("block_task",
			mcp.WithDescription("Mark a task blocked on a question only a human can answer."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The blocked task"),
			),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The owning agent ID"),
			),
			mcp.WithString("question",
				mcp.Required(),
				mcp.Description("The question that needs answering"),
			),
			mcp.WithString("reason",
				mcp.Description("Short category for the blockage"),
			),
			mcp.WithString("summary",
				mcp.Description("Work done so far"),
			),
		),
		blockTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("answer_task",
			mcp.WithDescription("Answer the question a blocked task is waiting on. The task returns to the queue."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The blocked task"),
			),
			mcp.WithString("answer",
				mcp.Required(),
				mcp.Description("The answer to the blocking question"),
			),
		),
		answerTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("broadcast_system_prompt",
			mcp.WithDescription(
				"Queue a control prompt for delivery through wait_for_task, ahead of any task. "+
					"Target one agent, a capability group, or every agent with broadcast.",
			),
			mcp.WithString("prompt_type",
				mcp.Required(),
				mcp.Description("Prompt category, e.g. notice, directive"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The prompt text"),
			),
			mcp.WithString("target_agent_id",
				mcp.Description("Deliver to one agent (optional)"),
			),
			mcp.WithString("capability",
				mcp.Description("Deliver to agents advertising this capability (optional)"),
			),
			mcp.WithBoolean("broadcast",
				mcp.Description("Deliver to every agent"),
			),
			mcp.WithNumber("priority",
				mcp.Description("Delivery precedence among queued prompts"),
			),
		),
		broadcastPromptHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("get_task_context",
			mcp.WithDescription("Fetch a task with its message thread and the outputs of completed dependencies."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task to inspect"),
			),
			mcp.WithString("agent_id",
				mcp.Description("Calling agent ID; unread comments are consumed only by the owner"),
			),
		),
		getTaskContextHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("wait_for_completion",
			mcp.WithDescription("Block until a task reaches a terminal state or the timeout elapses. Used after assign_task."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task to wait on"),
			),
			mcp.WithNumber("timeout_sec",
				mcp.Description("How long to wait (capped by the broker)"),
			),
		),
		waitForCompletionHandler(svc, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 11))
}

func registerAgentHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		agent, err := svc.Registry.Register(ctx, registry.RegisterRequest{
			AgentID:      agentID,
			DisplayName:  req.GetString("display_name", agentID),
			Role:         req.GetString("role", ""),
			Capabilities: stringSlice(req.GetArguments(), "capabilities"),
		})
		if err != nil {
			log.Error("register_agent failed", zap.String("agent_id", agentID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to register agent: %v", err)), nil
		}
		return jsonResult(agent)
	}
}

func waitForTaskHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result, err := svc.Poller.WaitForTask(ctx, poller.WaitRequest{
			AgentID:      agentID,
			Capabilities: stringSlice(req.GetArguments(), "capabilities"),
			Timeout:      time.Duration(req.GetInt("timeout_sec", 0)) * time.Second,
		})
		if err != nil {
			log.Error("wait_for_task failed", zap.String("agent_id", agentID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to wait for task: %v", err)), nil
		}
		return jsonResult(result)
	}
}

func ackTaskHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, unread, err := svc.Lifecycle.Ack(ctx, taskID, agentID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to ack task: %v", err)), nil
		}
		return jsonResult(map[string]any{"task": task, "unread_comments": unread})
	}
}

func updateProgressHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, unread, err := svc.Lifecycle.Progress(ctx, taskID, agentID,
			req.GetString("phase", ""), req.GetInt("percentage", 0), message)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to update progress: %v", err)), nil
		}
		return jsonResult(map[string]any{"task": task, "unread_comments": unread})
	}
}

func sendResponseHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := svc.Lifecycle.SendResponse(ctx, taskID, agentID, lifecycle.ResponseRequest{
			Status:        v1.TaskStatus(status),
			Message:       req.GetString("message", ""),
			Artifacts:     stringSlice(req.GetArguments(), "artifacts"),
			Diff:          req.GetString("diff", ""),
			BlockedReason: req.GetString("blocked_reason", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send response: %v", err)), nil
		}
		return jsonResult(task)
	}
}

func assignTaskHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sourceID, err := req.RequireString("source_agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sourceName := sourceID
		if agent, err := svc.Registry.Get(ctx, sourceID); err == nil {
			sourceName = agent.DisplayName
		}

		task, err := svc.Lifecycle.Enqueue(ctx, lifecycle.EnqueueRequest{
			Prompt:       prompt,
			From:         v1.Origin{Type: v1.OriginAgent, ID: sourceID, Name: sourceName},
			AgentID:      req.GetString("target_agent_id", ""),
			Capabilities: stringSlice(req.GetArguments(), "required_capabilities"),
			Priority:     v1.TaskPriority(req.GetString("priority", "")),
			Dependencies: stringSlice(req.GetArguments(), "dependencies"),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to assign task: %v", err)), nil
		}
		return jsonResult(task)
	}
}

func blockTaskHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := svc.Lifecycle.Block(ctx, taskID, agentID, lifecycle.BlockRequest{
			Reason:   req.GetString("reason", ""),
			Question: question,
			Summary:  req.GetString("summary", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to block task: %v", err)), nil
		}
		return jsonResult(task)
	}
}

func answerTaskHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		answer, err := req.RequireString("answer")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := svc.Lifecycle.Answer(ctx, taskID, answer)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to answer task: %v", err)), nil
		}
		return jsonResult(task)
	}
}

func broadcastPromptHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		promptType, err := req.RequireString("prompt_type")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		targetAgentID := req.GetString("target_agent_id", "")
		capability := req.GetString("capability", "")
		broadcast := req.GetBool("broadcast", false)
		if targetAgentID == "" && capability == "" && !broadcast {
			return mcp.NewToolResultError("a target_agent_id, capability, or broadcast flag is required"), nil
		}

		prompt := &v1.SystemPrompt{
			ID:            uuid.NewString(),
			TargetAgentID: targetAgentID,
			Capability:    capability,
			Broadcast:     broadcast,
			PromptType:    promptType,
			Message:       message,
			Priority:      req.GetInt("priority", 0),
			CreatedAt:     time.Now().UTC(),
		}
		if err := svc.Store.CreateSystemPrompt(ctx, prompt); err != nil {
			log.Error("broadcast_system_prompt failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to queue prompt: %v", err)), nil
		}

		// Wake waiting polls so the prompt delivers ahead of their timeout.
		if targetAgentID != "" {
			svc.Notifier.WakeAgent(targetAgentID)
		} else {
			svc.Notifier.WakeAll()
		}
		return jsonResult(prompt)
	}
}

func getTaskContextHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		tc, err := svc.Lifecycle.GetContext(ctx, taskID, req.GetString("agent_id", ""))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get task context: %v", err)), nil
		}
		return jsonResult(tc)
	}
}

func waitForCompletionHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := svc.Poller.WaitForCompletion(ctx, taskID,
			time.Duration(req.GetInt("timeout_sec", 0))*time.Second)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to wait for completion: %v", err)), nil
		}
		return jsonResult(map[string]any{"task": task})
	}
}

// jsonResult renders a service result as indented JSON text.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}

// stringSlice reads an array argument as a string slice.
func stringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
