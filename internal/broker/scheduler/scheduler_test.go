package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/internal/broker/events"
	"github.com/taskhive/taskhive/internal/broker/lifecycle"
	"github.com/taskhive/taskhive/internal/broker/matching"
	"github.com/taskhive/taskhive/internal/broker/notify"
	"github.com/taskhive/taskhive/internal/broker/store"
	"github.com/taskhive/taskhive/internal/common/config"
	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/db"
	"github.com/taskhive/taskhive/internal/events/bus"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

type testEnv struct {
	scheduler *Scheduler
	lifecycle *lifecycle.Service
	store     *store.Store
	notifier  *notify.Notifier
}

func newTestEnv(t *testing.T, cfg config.BrokerConfig) *testEnv {
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
	matcher := matching.New(st)
	lc := lifecycle.New(st, rec, notifier, matcher, nil, log)
	sched := New(st, lc, matcher, notifier, cfg, log)
	return &testEnv{scheduler: sched, lifecycle: lc, store: st, notifier: notifier}
}

func defaultCfg() config.BrokerConfig {
	return config.BrokerConfig{
		TickMs:             20,
		AckTimeoutSec:      30,
		ProgressTimeoutMin: 5,
		MaxPollTimeoutSec:  290,
		EventRetention:     10000,
	}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	e.scheduler.Start(context.Background())
	t.Cleanup(e.scheduler.Stop)
}

func (e *testEnv) enterWaiting(t *testing.T, agentID string, caps []string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.UpsertAgent(ctx, &v1.Agent{
		ID: agentID, DisplayName: agentID, Capabilities: caps, LastSeen: time.Now().UTC(),
	}))
	require.NoError(t, e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return e.store.EnterWaitingTx(ctx, tx, &v1.WaitingAgent{
			AgentID: agentID, Capabilities: caps, EnteredAt: time.Now().UTC(),
		})
	}))
}

func (e *testEnv) enqueue(t *testing.T, id string, caps []string) *v1.Task {
	t.Helper()
	task, err := e.lifecycle.Enqueue(context.Background(), lifecycle.EnqueueRequest{
		ID: id, Prompt: "p", Capabilities: caps,
		From: v1.Origin{Type: v1.OriginHuman, ID: "user-1"},
	})
	require.NoError(t, err)
	return task
}

func TestMatchSweepReservesOneTaskPerAgent(t *testing.T) {
	env := newTestEnv(t, defaultCfg())
	ctx := context.Background()

	// Seed the queue before any agent waits so the enqueue path cannot
	// reserve; only the sweep can.
	env.enqueue(t, "t1", []string{"code"})
	env.enqueue(t, "t2", []string{"code"})
	env.enterWaiting(t, "a1", []string{"code"})

	env.start(t)

	require.Eventually(t, func() bool {
		got, err := env.store.GetTask(ctx, "t1")
		return err == nil && got.Status == v1.TaskStatusPendingAck
	}, 2*time.Second, 10*time.Millisecond)

	got, err := env.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.To.AgentID)

	// One agent, one task: the second stays queued.
	got, err = env.store.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, got.Status)
}

func TestKickTriggersSweepBetweenTicks(t *testing.T) {
	cfg := defaultCfg()
	cfg.TickMs = 60_000 // effectively never; only the kick can match
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	env.enqueue(t, "t1", nil)
	env.start(t)
	env.enterWaiting(t, "a1", nil)
	env.notifier.KickScheduler()

	require.Eventually(t, func() bool {
		got, err := env.store.GetTask(ctx, "t1")
		return err == nil && got.Status == v1.TaskStatusPendingAck
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAckReaperRequeues(t *testing.T) {
	cfg := defaultCfg()
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	task := env.enqueue(t, "t1", nil)
	_, err := env.lifecycle.Reserve(ctx, task.ID, "a1")
	require.NoError(t, err)

	// Backdate the reservation past the ack window.
	require.NoError(t, env.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := env.store.DeletePendingAckTx(ctx, tx, task.ID); err != nil {
			return err
		}
		return env.store.CreatePendingAckTx(ctx, tx, &v1.PendingAck{
			TaskID: task.ID, AgentID: "a1", SentAt: time.Now().UTC().Add(-time.Hour),
		})
	}))

	env.start(t)

	require.Eventually(t, func() bool {
		got, err := env.store.GetTask(ctx, "t1")
		return err == nil && got.Status == v1.TaskStatusQueued && got.To.AgentID == ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStaleWaiterSweep(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaxPollTimeoutSec = 1 // stale window 2s
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	// Dead agent: registered long ago, never touched since.
	require.NoError(t, env.store.UpsertAgent(ctx, &v1.Agent{
		ID: "dead", DisplayName: "dead", LastSeen: time.Now().UTC().Add(-time.Hour),
	}))
	require.NoError(t, env.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return env.store.EnterWaitingTx(ctx, tx, &v1.WaitingAgent{
			AgentID: "dead", EnteredAt: time.Now().UTC().Add(-time.Hour),
		})
	}))

	// Orphan: waiting row without a registration.
	require.NoError(t, env.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return env.store.EnterWaitingTx(ctx, tx, &v1.WaitingAgent{
			AgentID: "ghost", EnteredAt: time.Now().UTC(),
		})
	}))

	// Live agent stays.
	env.enterWaiting(t, "live", nil)

	env.start(t)

	require.Eventually(t, func() bool {
		waiting, err := env.store.ListWaiting(ctx)
		if err != nil || len(waiting) != 1 {
			return false
		}
		return waiting[0].AgentID == "live"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventPruning(t *testing.T) {
	cfg := defaultCfg()
	cfg.EventRetention = 2
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		env.enqueue(t, id, nil)
	}
	max, err := env.store.MaxSeq(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, max, int64(4))

	env.start(t)

	require.Eventually(t, func() bool {
		events, err := env.store.ListEventsSince(ctx, 0, 100)
		return err == nil && len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Pruning never rewinds the sequence counter.
	got, err := env.store.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, max, got)
}
