package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/internal/broker/events"
	"github.com/taskhive/taskhive/internal/broker/lifecycle"
	"github.com/taskhive/taskhive/internal/broker/matching"
	"github.com/taskhive/taskhive/internal/broker/notify"
	"github.com/taskhive/taskhive/internal/broker/poller"
	"github.com/taskhive/taskhive/internal/broker/registry"
	"github.com/taskhive/taskhive/internal/broker/store"
	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/db"
	"github.com/taskhive/taskhive/internal/events/bus"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

func newTestServices(t *testing.T) Services {
	t.Helper()
	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	st, err := store.NewWithDB(conn, "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log, err := logger.New("error")
	require.NoError(t, err)

	rec := events.NewRecorder(st, bus.NewMemoryEventBus(log), log)
	notifier := notify.New()
	lc := lifecycle.New(st, rec, notifier, matching.New(st), nil, log)
	return Services{
		Registry:  registry.New(st, rec, notifier, log),
		Lifecycle: lc,
		Poller:    poller.New(st, lc, notifier, 5*time.Second, log),
		Store:     st,
		Notifier:  notifier,
	}
}

func toolCall(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

// toolText returns the text payload of a successful tool result.
func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.False(t, res.IsError, "tool call failed: %+v", res.Content)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestAnswerTaskTool(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()
	log, _ := logger.New("error")
	handler := answerTaskHandler(svc, log)

	task, err := svc.Lifecycle.Enqueue(ctx, lifecycle.EnqueueRequest{
		Prompt: "provision the cluster",
		From:   v1.Origin{Type: v1.OriginHuman, ID: "user-1"},
	})
	require.NoError(t, err)
	_, err = svc.Lifecycle.Block(ctx, task.ID, "", lifecycle.BlockRequest{
		Question: "which region?",
	})
	require.NoError(t, err)

	res, err := handler(ctx, toolCall(map[string]any{
		"task_id": task.ID, "answer": "us-east-1",
	}))
	require.NoError(t, err)

	var answered v1.Task
	require.NoError(t, json.Unmarshal([]byte(toolText(t, res)), &answered))
	assert.Equal(t, v1.TaskStatusQueued, answered.Status)

	// Answering an unblocked task surfaces the conflict as a tool error.
	res, err = handler(ctx, toolCall(map[string]any{
		"task_id": task.ID, "answer": "again",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestBroadcastPromptTool(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()
	log, _ := logger.New("error")
	handler := broadcastPromptHandler(svc, log)

	// A prompt needs a target, a capability, or the broadcast flag.
	res, err := handler(ctx, toolCall(map[string]any{
		"prompt_type": "notice", "message": "no target",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	wake := svc.Notifier.AgentWake("a1")
	res, err = handler(ctx, toolCall(map[string]any{
		"prompt_type": "notice", "message": "maintenance at noon", "broadcast": true,
	}))
	require.NoError(t, err)

	var prompt v1.SystemPrompt
	require.NoError(t, json.Unmarshal([]byte(toolText(t, res)), &prompt))
	assert.NotEmpty(t, prompt.ID)
	assert.True(t, prompt.Broadcast)

	prompts, err := svc.Store.ListSystemPrompts(ctx)
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "maintenance at noon", prompts[0].Message)

	select {
	case <-wake:
	default:
		t.Fatal("waiting agents were not woken for the broadcast")
	}
}
