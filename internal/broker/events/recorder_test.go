package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/internal/broker/store"
	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/db"
	"github.com/taskhive/taskhive/internal/events/bus"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

func newTestRecorder(t *testing.T) (*Recorder, *store.Store, *bus.MemoryEventBus) {
	t.Helper()
	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	st, err := store.NewWithDB(conn, "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log, err := logger.New("error")
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	return NewRecorder(st, eventBus, log), st, eventBus
}

func TestStageTxPersistsInOrder(t *testing.T) {
	rec, st, _ := newTestRecorder(t)
	ctx := context.Background()

	var batch Batch
	require.NoError(t, st.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := rec.StageTx(ctx, tx, &batch, v1.EventTaskCreated, map[string]string{"id": "t1"}); err != nil {
			return err
		}
		return rec.StageTx(ctx, tx, &batch, v1.EventTaskUpdated, map[string]string{"id": "t1"})
	}))

	events, err := st.ListEventsSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, v1.EventTaskCreated, events[0].Kind)
	assert.Equal(t, int64(2), events[1].Seq)
	assert.Equal(t, v1.EventTaskUpdated, events[1].Kind)
}

func TestRolledBackBatchLeavesNoEvents(t *testing.T) {
	rec, st, _ := newTestRecorder(t)
	ctx := context.Background()

	var batch Batch
	boom := assert.AnError
	err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := rec.StageTx(ctx, tx, &batch, v1.EventTaskCreated, map[string]string{"id": "t1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	events, err := st.ListEventsSince(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events, "rollback discards the staged event")
}

func TestBroadcastPublishesCommittedBatch(t *testing.T) {
	rec, st, eventBus := newTestRecorder(t)
	ctx := context.Background()

	received := make(chan *bus.Event, 4)
	_, err := eventBus.Subscribe(bus.SubjectAll, func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	var batch Batch
	require.NoError(t, st.WithTx(ctx, func(tx *sqlx.Tx) error {
		return rec.StageTx(ctx, tx, &batch, v1.EventTaskCreated, map[string]string{"id": "t1"})
	}))
	rec.Broadcast(ctx, &batch)

	select {
	case e := <-received:
		assert.Equal(t, int64(1), e.Seq)
		assert.Equal(t, v1.EventTaskCreated, e.Kind)
		assert.Equal(t, "broker", e.Source)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(e.Payload, &payload))
		assert.Equal(t, "t1", payload["id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}

	// A drained batch re-broadcasts nothing.
	rec.Broadcast(ctx, &batch)
	select {
	case e := <-received:
		t.Fatalf("unexpected second broadcast: seq %d", e.Seq)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishAgentStatus(t *testing.T) {
	rec, st, eventBus := newTestRecorder(t)
	ctx := context.Background()

	received := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(bus.SubjectForKind(v1.EventAgentStatus), func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, rec.PublishAgentStatus(ctx, &v1.Agent{
		ID: "a1", Status: v1.AgentWaiting, LastSeen: time.Now().UTC(),
	}))

	select {
	case e := <-received:
		var agent v1.Agent
		require.NoError(t, json.Unmarshal(e.Payload, &agent))
		assert.Equal(t, "a1", agent.ID)
		assert.Equal(t, v1.AgentWaiting, agent.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agent status")
	}

	// The status change is durable too.
	max, err := st.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), max)
}
