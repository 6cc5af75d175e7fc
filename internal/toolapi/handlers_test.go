package toolapi

import (
	"context"
	"testing"
	"time"

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
	ws "github.com/taskhive/taskhive/pkg/websocket"
)

func newTestDispatcher(t *testing.T) *ws.Dispatcher {
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
	reg := registry.New(st, rec, notifier, log)
	p := poller.New(st, lc, notifier, 5*time.Second, log)

	d := ws.NewDispatcher()
	New(reg, lc, p, st, notifier, log).RegisterHandlers(d)
	return d
}

// call dispatches a request and requires a well-formed reply.
func call(t *testing.T, d *ws.Dispatcher, action string, payload any) *ws.Message {
	t.Helper()
	req, err := ws.NewRequest("req-1", action, payload)
	require.NoError(t, err)
	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "req-1", resp.ID, "reply correlates to the request")
	return resp
}

func errorCode(t *testing.T, resp *ws.Message) string {
	t.Helper()
	require.Equal(t, ws.MessageTypeError, resp.Type)
	var ep ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&ep))
	return ep.Code
}

func TestHealthCheck(t *testing.T) {
	d := newTestDispatcher(t)
	resp := call(t, d, ws.ActionHealthCheck, nil)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	var body map[string]string
	require.NoError(t, resp.ParsePayload(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestUnknownAction(t *testing.T) {
	d := newTestDispatcher(t)
	resp := call(t, d, "task.frobnicate", nil)
	assert.Equal(t, ws.ErrorCodeUnknownAction, errorCode(t, resp))
}

func TestRegisterAndDeregister(t *testing.T) {
	d := newTestDispatcher(t)

	resp := call(t, d, ws.ActionAgentRegister, map[string]any{
		"agent_id": "a1", "capabilities": []string{"code"},
	})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	var agent v1.Agent
	require.NoError(t, resp.ParsePayload(&agent))
	assert.Equal(t, "a1", agent.ID)

	resp = call(t, d, ws.ActionAgentDeregister, map[string]any{"agent_id": "a1"})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	resp = call(t, d, ws.ActionAgentDeregister, map[string]any{"agent_id": "a1"})
	assert.Equal(t, ws.ErrorCodeNotFound, errorCode(t, resp))
}

func TestTaskFlowOverDispatcher(t *testing.T) {
	d := newTestDispatcher(t)

	call(t, d, ws.ActionAgentRegister, map[string]any{"agent_id": "delegator"})
	call(t, d, ws.ActionAgentRegister, map[string]any{
		"agent_id": "worker", "capabilities": []string{"ml"},
	})

	resp := call(t, d, ws.ActionAssignTask, map[string]any{
		"source_agent_id":       "delegator",
		"prompt":                "evaluate the model on the holdout set",
		"required_capabilities": []string{"ml"},
	})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	var task v1.Task
	require.NoError(t, resp.ParsePayload(&task))
	assert.Equal(t, v1.OriginAgent, task.From.Type)

	// The worker polls and receives the reservation.
	resp = call(t, d, ws.ActionWaitForTask, map[string]any{
		"agent_id": "worker", "capabilities": []string{"ml"}, "timeout_sec": 1,
	})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	var wait v1.WaitResult
	require.NoError(t, resp.ParsePayload(&wait))
	require.Equal(t, v1.WaitResultTask, wait.Type)
	require.Equal(t, task.ID, wait.Task.ID)

	resp = call(t, d, ws.ActionAckTask, map[string]any{
		"task_id": task.ID, "agent_id": "worker",
	})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	var acked ackResult
	require.NoError(t, resp.ParsePayload(&acked))
	assert.Equal(t, v1.TaskStatusAssigned, acked.Task.Status)

	resp = call(t, d, ws.ActionUpdateProgress, map[string]any{
		"task_id": task.ID, "agent_id": "worker",
		"phase": "evaluating", "percentage": 50, "message": "halfway",
	})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	resp = call(t, d, ws.ActionSendResponse, map[string]any{
		"task_id": task.ID, "agent_id": "worker",
		"status": string(v1.TaskStatusCompleted), "message": "auc 0.93",
	})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	resp = call(t, d, ws.ActionWaitCompletion, map[string]any{
		"task_id": task.ID, "timeout_sec": 1,
	})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	var completion struct {
		Task *v1.Task `json:"task"`
	}
	require.NoError(t, resp.ParsePayload(&completion))
	require.NotNil(t, completion.Task)
	assert.Equal(t, v1.TaskStatusCompleted, completion.Task.Status)
}

func TestGetTaskContext(t *testing.T) {
	d := newTestDispatcher(t)

	call(t, d, ws.ActionAgentRegister, map[string]any{"agent_id": "delegator"})
	resp := call(t, d, ws.ActionAssignTask, map[string]any{
		"source_agent_id": "delegator", "prompt": "collect the numbers",
	})
	var task v1.Task
	require.NoError(t, resp.ParsePayload(&task))

	resp = call(t, d, ws.ActionGetTaskContext, map[string]any{"task_id": task.ID})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	var tc lifecycle.TaskContext
	require.NoError(t, resp.ParsePayload(&tc))
	assert.Equal(t, task.ID, tc.Task.ID)

	resp = call(t, d, ws.ActionGetTaskContext, map[string]any{"task_id": "missing"})
	assert.Equal(t, ws.ErrorCodeNotFound, errorCode(t, resp))
}

func TestErrorCodeMapping(t *testing.T) {
	d := newTestDispatcher(t)

	call(t, d, ws.ActionAgentRegister, map[string]any{"agent_id": "delegator"})
	resp := call(t, d, ws.ActionAssignTask, map[string]any{
		"source_agent_id": "delegator", "prompt": "task used as a fixture",
	})
	var task v1.Task
	require.NoError(t, resp.ParsePayload(&task))

	cases := []struct {
		name    string
		action  string
		payload map[string]any
		code    string
	}{
		{"ack missing task", ws.ActionAckTask,
			map[string]any{"task_id": "missing", "agent_id": "a1"}, ws.ErrorCodeNotFound},
		{"ack without reservation", ws.ActionAckTask,
			map[string]any{"task_id": task.ID, "agent_id": "a1"}, ws.ErrorCodeStateConflict},
		{"respond without ack", ws.ActionSendResponse,
			map[string]any{"task_id": task.ID, "agent_id": "a1", "status": "COMPLETED"}, ws.ErrorCodeNotAcked},
		{"respond without agent_id", ws.ActionSendResponse,
			map[string]any{"task_id": task.ID, "status": "COMPLETED"}, ws.ErrorCodeValidation},
		{"answer unblocked task", ws.ActionAnswerTask,
			map[string]any{"task_id": task.ID, "answer": "sure"}, ws.ErrorCodeStateConflict},
		{"assign without prompt", ws.ActionAssignTask,
			map[string]any{"source_agent_id": "delegator"}, ws.ErrorCodeValidation},
		{"block without question", ws.ActionBlockTask,
			map[string]any{"task_id": task.ID, "reason": "stuck"}, ws.ErrorCodeValidation},
		{"poll without agent_id", ws.ActionWaitForTask,
			map[string]any{"timeout_sec": 1}, ws.ErrorCodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := call(t, d, tc.action, tc.payload)
			assert.Equal(t, tc.code, errorCode(t, resp))
		})
	}
}

func TestMissingDiffMapping(t *testing.T) {
	d := newTestDispatcher(t)

	call(t, d, ws.ActionAgentRegister, map[string]any{
		"agent_id": "coder", "capabilities": []string{"code"},
	})
	call(t, d, ws.ActionAgentRegister, map[string]any{"agent_id": "delegator"})

	resp := call(t, d, ws.ActionAssignTask, map[string]any{
		"source_agent_id":       "delegator",
		"prompt":                "refactor the retry loop",
		"required_capabilities": []string{"code"},
	})
	var task v1.Task
	require.NoError(t, resp.ParsePayload(&task))

	resp = call(t, d, ws.ActionWaitForTask, map[string]any{
		"agent_id": "coder", "capabilities": []string{"code"}, "timeout_sec": 1,
	})
	var wait v1.WaitResult
	require.NoError(t, resp.ParsePayload(&wait))
	require.Equal(t, v1.WaitResultTask, wait.Type)
	call(t, d, ws.ActionAckTask, map[string]any{"task_id": task.ID, "agent_id": "coder"})

	resp = call(t, d, ws.ActionSendResponse, map[string]any{
		"task_id": task.ID, "agent_id": "coder",
		"status": string(v1.TaskStatusInReview), "message": "done, no diff",
	})
	assert.Equal(t, ws.ErrorCodeMissingDiff, errorCode(t, resp))
}

func TestBroadcastPrompt(t *testing.T) {
	d := newTestDispatcher(t)

	resp := call(t, d, ws.ActionBroadcastPrompt, map[string]any{
		"prompt_type": "notice", "message": "no target given",
	})
	assert.Equal(t, ws.ErrorCodeValidation, errorCode(t, resp))

	resp = call(t, d, ws.ActionBroadcastPrompt, map[string]any{
		"broadcast": true, "prompt_type": "notice", "message": "maintenance at noon",
	})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	var prompt v1.SystemPrompt
	require.NoError(t, resp.ParsePayload(&prompt))
	assert.NotEmpty(t, prompt.ID)

	// The prompt is delivered through the poll ahead of any task.
	call(t, d, ws.ActionAgentRegister, map[string]any{"agent_id": "a1"})
	resp = call(t, d, ws.ActionWaitForTask, map[string]any{
		"agent_id": "a1", "timeout_sec": 1,
	})
	var wait v1.WaitResult
	require.NoError(t, resp.ParsePayload(&wait))
	require.Equal(t, v1.WaitResultPrompt, wait.Type)
	assert.Equal(t, "maintenance at noon", wait.Prompt.Message)
}
