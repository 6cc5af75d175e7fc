package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/internal/db"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	s, err := NewWithDB(conn, "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(id string, priority v1.TaskPriority, createdAt time.Time) *v1.Task {
	return &v1.Task{
		ID:        id,
		Title:     "title " + id,
		Prompt:    "do something",
		From:      v1.Origin{Type: v1.OriginHuman, ID: "user-1"},
		Priority:  priority,
		Status:    v1.TaskStatusQueued,
		CreatedAt: createdAt,
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("t1", v1.PriorityHigh, time.Now().UTC().Truncate(time.Second))
	task.To.RequiredCapabilities = []string{"code", "review"}
	task.Context = map[string]any{"repo": "api"}
	task.Dependencies = []string{"t0"}
	task.History = []v1.HistoryEntry{{Timestamp: task.CreatedAt, Status: v1.TaskStatusQueued}}

	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.CreateTaskTx(ctx, tx, task)
	}))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.Prompt, got.Prompt)
	assert.Equal(t, v1.PriorityHigh, got.Priority)
	assert.Equal(t, []string{"code", "review"}, got.To.RequiredCapabilities)
	assert.Equal(t, []string{"t0"}, got.Dependencies)
	assert.Len(t, got.History, 1)
	assert.Nil(t, got.Response)

	got.Status = v1.TaskStatusInReview
	got.Response = &v1.TaskResponse{Message: "done", Diff: "--- a\n+++ b"}
	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.UpdateTaskTx(ctx, tx, got)
	}))

	got2, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusInReview, got2.Status)
	require.NotNil(t, got2.Response)
	assert.Equal(t, "done", got2.Response.Message)
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestQueuedOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	// Insert out of dispatch order.
	tasks := []*v1.Task{
		newTask("normal-old", v1.PriorityNormal, base),
		newTask("critical", v1.PriorityCritical, base.Add(2*time.Second)),
		newTask("high", v1.PriorityHigh, base.Add(1*time.Second)),
		newTask("normal-new", v1.PriorityNormal, base.Add(3*time.Second)),
	}
	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, task := range tasks {
			if err := s.CreateTaskTx(ctx, tx, task); err != nil {
				return err
			}
		}
		return nil
	}))

	var order []string
	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		queued, err := s.ListQueuedTasksTx(ctx, tx)
		if err != nil {
			return err
		}
		for _, task := range queued {
			order = append(order, task.ID)
		}
		return nil
	}))
	assert.Equal(t, []string{"critical", "high", "normal-old", "normal-new"}, order)
}

func TestPendingAckExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.CreateTaskTx(ctx, tx, newTask("t1", v1.PriorityNormal, now)); err != nil {
			return err
		}
		if err := s.CreateTaskTx(ctx, tx, newTask("t2", v1.PriorityNormal, now)); err != nil {
			return err
		}
		if err := s.CreatePendingAckTx(ctx, tx, &v1.PendingAck{TaskID: "t1", AgentID: "a1", SentAt: now.Add(-time.Minute)}); err != nil {
			return err
		}
		return s.CreatePendingAckTx(ctx, tx, &v1.PendingAck{TaskID: "t2", AgentID: "a2", SentAt: now})
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		expired, err := s.ListExpiredAcksTx(ctx, tx, now.Add(-30*time.Second))
		if err != nil {
			return err
		}
		require.Len(t, expired, 1)
		assert.Equal(t, "t1", expired[0].TaskID)

		// Consuming twice detects the race.
		require.NoError(t, s.DeletePendingAckTx(ctx, tx, "t1"))
		assert.ErrorIs(t, s.DeletePendingAckTx(ctx, tx, "t1"), sql.ErrNoRows)
		return nil
	}))
}

func TestEventSeqMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 3; i++ {
		require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
			seq, err := s.AllocSeqTx(ctx, tx)
			if err != nil {
				return err
			}
			seqs = append(seqs, seq)
			return s.AppendEventTx(ctx, tx, &v1.Event{
				Seq: seq, Kind: v1.EventTaskCreated, CreatedAt: time.Now().UTC(),
			})
		}))
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)

	events, err := s.ListEventsSince(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.Equal(t, int64(3), events[1].Seq)

	max, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)
}

func TestEventPruneKeepsCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
			seq, err := s.AllocSeqTx(ctx, tx)
			if err != nil {
				return err
			}
			return s.AppendEventTx(ctx, tx, &v1.Event{
				Seq: seq, Kind: v1.EventTaskUpdated, CreatedAt: time.Now().UTC(),
			})
		}))
	}

	pruned, err := s.PruneEvents(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	events, err := s.ListEventsSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Seq)

	max, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), max)
}

func TestWaitingSetFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for i, id := range []string{"a2", "a1", "a3"} {
			enteredAt := base.Add(time.Duration(i) * time.Second)
			if err := s.EnterWaitingTx(ctx, tx, &v1.WaitingAgent{
				AgentID: id, Capabilities: []string{"code"}, EnteredAt: enteredAt,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		waiting, err := s.ListWaitingTx(ctx, tx)
		if err != nil {
			return err
		}
		require.Len(t, waiting, 3)
		assert.Equal(t, "a2", waiting[0].AgentID)
		assert.Equal(t, "a1", waiting[1].AgentID)
		return s.LeaveWaitingTx(ctx, tx, "a2")
	}))

	n, err := s.CountWaiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.ClearWaiting(ctx))
	n, err = s.CountWaiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPromptTargetingAndBroadcast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.CreateSystemPrompt(ctx, &v1.SystemPrompt{
		ID: "p-direct", TargetAgentID: "a1", PromptType: "pause",
		Message: "hold work", Priority: 5, CreatedAt: now,
	}))
	require.NoError(t, s.CreateSystemPrompt(ctx, &v1.SystemPrompt{
		ID: "p-cap", Capability: "review", PromptType: "notice",
		Message: "review queue deep", Priority: 1, CreatedAt: now,
	}))
	require.NoError(t, s.CreateSystemPrompt(ctx, &v1.SystemPrompt{
		ID: "p-bcast", Broadcast: true, PromptType: "notice",
		Message: "maintenance window", Priority: 0, CreatedAt: now,
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		// a1 sees the direct prompt first (highest priority).
		p, err := s.NextPromptForAgentTx(ctx, tx, "a1", []string{"code"})
		if err != nil {
			return err
		}
		assert.Equal(t, "p-direct", p.ID)
		require.NoError(t, s.MarkPromptDeliveredTx(ctx, tx, p, "a1", now))

		// Direct prompt consumed; next is the broadcast.
		p, err = s.NextPromptForAgentTx(ctx, tx, "a1", []string{"code"})
		if err != nil {
			return err
		}
		assert.Equal(t, "p-bcast", p.ID)
		require.NoError(t, s.MarkPromptDeliveredTx(ctx, tx, p, "a1", now))

		// Broadcast is one-shot per agent.
		_, err = s.NextPromptForAgentTx(ctx, tx, "a1", []string{"code"})
		assert.ErrorIs(t, err, sql.ErrNoRows)

		// A reviewer sees the capability-scoped prompt before the broadcast.
		p, err = s.NextPromptForAgentTx(ctx, tx, "a2", []string{"review"})
		if err != nil {
			return err
		}
		assert.Equal(t, "p-cap", p.ID)
		return nil
	}))
}

func TestEvictionQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.CreateEvictionTx(ctx, tx, &v1.Eviction{AgentID: "a1", Reason: "rotate", CreatedAt: now})
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		e, err := s.TakeEvictionTx(ctx, tx, "a1")
		if err != nil {
			return err
		}
		assert.Equal(t, "rotate", e.Reason)

		_, err = s.TakeEvictionTx(ctx, tx, "a1")
		assert.ErrorIs(t, err, sql.ErrNoRows)
		return nil
	}))
}

func TestUnreadUserMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.CreateTaskTx(ctx, tx, newTask("t1", v1.PriorityNormal, now)); err != nil {
			return err
		}
		msgs := []*v1.TaskMessage{
			{ID: "m1", TaskID: "t1", Timestamp: now, Role: v1.RoleUser, Content: "question?", Type: v1.MessageComment},
			{ID: "m2", TaskID: "t1", Timestamp: now.Add(time.Second), Role: v1.RoleAgent, Content: "progress", Type: v1.MessageProgress},
			{ID: "m3", TaskID: "t1", Timestamp: now.Add(2 * time.Second), Role: v1.RoleUser, Content: "another", Type: v1.MessageComment},
		}
		for _, m := range msgs {
			if err := s.CreateMessageTx(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		unread, err := s.UnreadUserMessagesTx(ctx, tx, "t1")
		if err != nil {
			return err
		}
		require.Len(t, unread, 2)
		assert.Equal(t, "m1", unread[0].ID)
		return s.MarkMessagesReadTx(ctx, tx, []string{"m1", "m3"})
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		unread, err := s.UnreadUserMessagesTx(ctx, tx, "t1")
		if err != nil {
			return err
		}
		assert.Empty(t, unread)
		return nil
	}))
}
