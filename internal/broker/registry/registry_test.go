package registry

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/internal/broker/events"
	"github.com/taskhive/taskhive/internal/broker/notify"
	"github.com/taskhive/taskhive/internal/broker/store"
	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/db"
	"github.com/taskhive/taskhive/internal/events/bus"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

type testEnv struct {
	svc      *Service
	store    *store.Store
	notifier *notify.Notifier
}

func newTestEnv(t *testing.T) *testEnv {
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
	return &testEnv{svc: New(st, rec, notifier, log), store: st, notifier: notifier}
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Register(ctx, RegisterRequest{})
	require.Error(t, err, "agent_id is required")

	agent, err := env.svc.Register(ctx, RegisterRequest{
		AgentID: "a1", Capabilities: []string{"code"}, Source: "test",
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", agent.DisplayName, "display name defaults to id")
	assert.Equal(t, v1.AgentOffline, agent.Status, "not waiting, not claimed")

	// Re-registration replaces the profile.
	agent, err = env.svc.Register(ctx, RegisterRequest{
		AgentID: "a1", DisplayName: "Agent One", Capabilities: []string{"code", "test"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Agent One", agent.DisplayName)

	got, err := env.svc.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"code", "test"}, got.Capabilities)
}

func TestGetUnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestDerivedStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Register(ctx, RegisterRequest{AgentID: "waiting"})
	require.NoError(t, err)
	_, err = env.svc.Register(ctx, RegisterRequest{AgentID: "busy"})
	require.NoError(t, err)
	_, err = env.svc.Register(ctx, RegisterRequest{AgentID: "idle"})
	require.NoError(t, err)

	require.NoError(t, env.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := env.store.EnterWaitingTx(ctx, tx, &v1.WaitingAgent{
			AgentID: "waiting", EnteredAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return env.store.CreateTaskTx(ctx, tx, &v1.Task{
			ID: "t1", Prompt: "p", Priority: v1.PriorityNormal,
			From:      v1.Origin{Type: v1.OriginHuman, ID: "u"},
			Status:    v1.TaskStatusInProgress,
			To:        v1.Routing{AgentID: "busy"},
			CreatedAt: time.Now().UTC(),
		})
	}))

	agents, err := env.svc.List(ctx)
	require.NoError(t, err)
	statuses := map[string]v1.AgentStatus{}
	for _, a := range agents {
		statuses[a.ID] = a.Status
	}
	assert.Equal(t, v1.AgentWaiting, statuses["waiting"])
	assert.Equal(t, v1.AgentProcessing, statuses["busy"])
	assert.Equal(t, v1.AgentOffline, statuses["idle"])
}

func TestDeregister(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.svc.Deregister(ctx, "missing"), ErrAgentNotFound)

	_, err := env.svc.Register(ctx, RegisterRequest{AgentID: "a1"})
	require.NoError(t, err)
	require.NoError(t, env.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return env.store.EnterWaitingTx(ctx, tx, &v1.WaitingAgent{
			AgentID: "a1", EnteredAt: time.Now().UTC(),
		})
	}))

	require.NoError(t, env.svc.Deregister(ctx, "a1"))

	_, err = env.svc.Get(ctx, "a1")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	n, err := env.store.CountWaiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "deregistration clears the waiting row")
}

func TestTouch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent, err := env.svc.Register(ctx, RegisterRequest{AgentID: "a1"})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, env.svc.Touch(ctx, "a1"))

	got, err := env.svc.Get(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.LastSeen.After(agent.LastSeen))
}

func TestEvict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.svc.Evict(ctx, "missing", "rotate"), ErrAgentNotFound)

	_, err := env.svc.Register(ctx, RegisterRequest{AgentID: "a1"})
	require.NoError(t, err)

	wake := env.notifier.AgentWake("a1")
	require.NoError(t, env.svc.Evict(ctx, "a1", "rotate"))

	select {
	case <-wake:
	default:
		t.Fatal("eviction did not wake the agent's poll")
	}

	require.NoError(t, env.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		ev, err := env.store.TakeEvictionTx(ctx, tx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "rotate", ev.Reason)

		_, err = env.store.TakeEvictionTx(ctx, tx, "a1")
		assert.ErrorIs(t, err, sql.ErrNoRows)
		return nil
	}))
}
