package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// backdateAck replaces the task's pending-ack row with one older than any
// reasonable ack window.
func (e *testEnv) backdateAck(t *testing.T, taskID, agentID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.store.DeletePendingAckTx(ctx, tx, taskID); err != nil {
			return err
		}
		return e.store.CreatePendingAckTx(ctx, tx, &v1.PendingAck{
			TaskID: taskID, AgentID: agentID, SentAt: time.Now().UTC().Add(-time.Hour),
		})
	}))
}

func TestReapExpiredAcksRequeues(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	task := env.enqueue(t, EnqueueRequest{Prompt: "p"})
	_, err := env.svc.Reserve(ctx, task.ID, "a1")
	require.NoError(t, err)
	env.backdateAck(t, task.ID, "a1")

	n, err := env.svc.ReapExpiredAcks(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, got.Status)
	assert.Empty(t, got.To.AgentID, "an unacked reservation releases the agent binding")
}

func TestReapExpiredAcksKeepsApprovedBinding(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	task := env.enqueueInReview(t, "a1", EnqueueRequest{Prompt: "p"})
	_, err := env.svc.Approve(ctx, task.ID, "reviewer-1")
	require.NoError(t, err)
	_, err = env.svc.Reserve(ctx, task.ID, "a1")
	require.NoError(t, err)
	env.backdateAck(t, task.ID, "a1")

	n, err := env.svc.ReapExpiredAcks(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusApprovedQueued, got.Status)
	assert.Equal(t, "a1", got.To.AgentID, "finalization must return to the same agent")
}

func TestReapExpiredAcksSkipsFreshOnes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	task := env.enqueue(t, EnqueueRequest{Prompt: "p"})
	_, err := env.svc.Reserve(ctx, task.ID, "a1")
	require.NoError(t, err)

	n, err := env.svc.ReapExpiredAcks(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := env.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPendingAck, got.Status)
}

func TestReapStaleProgressFailsSilentTasks(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	stale := &v1.Task{
		ID:        "stale",
		Title:     "stale",
		Prompt:    "p",
		From:      v1.Origin{Type: v1.OriginHuman, ID: "user-1"},
		Priority:  v1.PriorityNormal,
		Status:    v1.TaskStatusInProgress,
		To:        v1.Routing{AgentID: "a1"},
		CreatedAt: old,
		History: []v1.HistoryEntry{
			{Timestamp: old, Status: v1.TaskStatusQueued},
			{Timestamp: old, Status: v1.TaskStatusInProgress, AgentID: "a1"},
		},
	}
	require.NoError(t, env.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return env.store.CreateTaskTx(ctx, tx, stale)
	}))

	done := env.notifier.TaskDone("stale")

	n, err := env.svc.ReapStaleProgress(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.svc.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, got.Status)

	select {
	case <-done:
	default:
		t.Fatal("completion waiters were not released")
	}
}

func TestReapStaleProgressHonorsHeartbeat(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	task := env.enqueueAssigned(t, "a1", EnqueueRequest{Prompt: "p"})
	_, _, err := env.svc.Progress(ctx, task.ID, "a1", "working", 10, "alive")
	require.NoError(t, err)

	n, err := env.svc.ReapStaleProgress(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecoverOnStartup(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	plain := env.enqueue(t, EnqueueRequest{ID: "plain", Prompt: "p"})
	_, err := env.svc.Reserve(ctx, plain.ID, "a1")
	require.NoError(t, err)

	approved := env.enqueueInReview(t, "a2", EnqueueRequest{ID: "approved", Prompt: "p"})
	_, err = env.svc.Approve(ctx, approved.ID, "reviewer-1")
	require.NoError(t, err)
	_, err = env.svc.Reserve(ctx, approved.ID, "a2")
	require.NoError(t, err)

	env.enterWaiting(t, "a3", []string{"code"})

	require.NoError(t, env.svc.RecoverOnStartup(ctx))

	got, err := env.svc.Get(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, got.Status)
	assert.Empty(t, got.To.AgentID)

	got, err = env.svc.Get(ctx, "approved")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusApprovedQueued, got.Status)
	assert.Equal(t, "a2", got.To.AgentID)

	n, err := env.store.CountWaiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "poll sessions did not survive the restart")
}
