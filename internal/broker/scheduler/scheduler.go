// Package scheduler runs the reconciliation loop: reap expired acks and
// silent agents, match queued tasks against waiting agents, drop stale
// waiters, and prune the event log. The loop is periodic and also kicked on
// demand after any change that could make a match possible.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/broker/lifecycle"
	"github.com/taskhive/taskhive/internal/broker/matching"
	"github.com/taskhive/taskhive/internal/broker/notify"
	"github.com/taskhive/taskhive/internal/broker/store"
	"github.com/taskhive/taskhive/internal/common/config"
	"github.com/taskhive/taskhive/internal/common/logger"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// pruneEvery bounds how often the event log is pruned.
const pruneEvery = time.Minute

// Scheduler owns the reconciliation loop.
type Scheduler struct {
	store     *store.Store
	lifecycle *lifecycle.Service
	matcher   *matching.Service
	notifier  *notify.Notifier
	cfg       config.BrokerConfig
	log       *logger.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	lastPrune time.Time
}

// New creates a Scheduler.
func New(st *store.Store, lc *lifecycle.Service, m *matching.Service, n *notify.Notifier, cfg config.BrokerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:     st,
		lifecycle: lc,
		matcher:   m,
		notifier:  n,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "scheduler")),
		done:      make(chan struct{}),
	}
}

// Start launches the loop. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.run(ctx)
	})
}

// Stop terminates the loop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Tick())
	defer ticker.Stop()

	s.log.Info("Scheduler started", zap.Duration("tick", s.cfg.Tick()))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopped")
			return
		case <-ticker.C:
		case <-s.notifier.SchedulerKicks():
		}
		s.cycle(ctx)
	}
}

// cycle runs one reconciliation pass. Errors are logged and the loop
// continues on the next tick.
func (s *Scheduler) cycle(ctx context.Context) {
	if n, err := s.lifecycle.ReapExpiredAcks(ctx, s.cfg.AckTimeout()); err != nil {
		s.logCycleError(ctx, "ack reaping failed", err)
	} else if n > 0 {
		s.log.Warn("Requeued unacknowledged tasks", zap.Int("count", n))
	}

	if n, err := s.lifecycle.ReapStaleProgress(ctx, s.cfg.ProgressTimeout()); err != nil {
		s.logCycleError(ctx, "progress reaping failed", err)
	} else if n > 0 {
		s.log.Warn("Failed silent tasks", zap.Int("count", n))
	}

	if err := s.matchSweep(ctx); err != nil {
		s.logCycleError(ctx, "match sweep failed", err)
	}

	if err := s.staleWaiterSweep(ctx); err != nil {
		s.logCycleError(ctx, "stale waiter sweep failed", err)
	}

	if time.Since(s.lastPrune) >= pruneEvery {
		s.lastPrune = time.Now()
		if n, err := s.store.PruneEvents(ctx, s.cfg.EventRetention); err != nil {
			s.logCycleError(ctx, "event pruning failed", err)
		} else if n > 0 {
			s.log.Debug("Pruned events", zap.Int64("count", n))
		}
	}
}

// matchSweep pairs queued tasks with waiting agents in priority/FIFO order.
// Matching reads a snapshot; the reservation re-validates inside its own
// transaction, so a stale snapshot costs a conflict, never a double
// delivery.
func (s *Scheduler) matchSweep(ctx context.Context) error {
	type pair struct {
		taskID  string
		agentID string
	}
	var pairs []pair

	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		queued, err := s.store.ListQueuedTasksTx(ctx, tx)
		if err != nil {
			return err
		}
		if len(queued) == 0 {
			return nil
		}

		// Track agents claimed within this sweep so one agent never gets
		// two tasks from the same pass.
		taken := map[string]bool{}
		for _, task := range queued {
			agent, err := s.matcher.ReserveAgentForTask(ctx, tx, task)
			if err != nil {
				return err
			}
			if agent == nil || taken[agent.AgentID] {
				continue
			}
			taken[agent.AgentID] = true
			pairs = append(pairs, pair{taskID: task.ID, agentID: agent.AgentID})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range pairs {
		if _, err := s.lifecycle.Reserve(ctx, p.taskID, p.agentID); err != nil {
			if errors.Is(err, lifecycle.ErrStateConflict) || errors.Is(err, lifecycle.ErrNotFound) {
				continue // state drifted since the snapshot
			}
			s.log.Error("Reservation failed",
				zap.String("task_id", p.taskID),
				zap.String("agent_id", p.agentID),
				zap.Error(err))
			continue
		}
		s.log.Info("Task reserved",
			zap.String("task_id", p.taskID),
			zap.String("agent_id", p.agentID))
	}
	return nil
}

// staleWaiterSweep drops waiting-set rows for agents whose heartbeat went
// silent. A live poll refreshes last_seen on every wait_for_task call, so
// anything past the stale window is a dead connection.
func (s *Scheduler) staleWaiterSweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.StaleWaitTimeout())

	waiting, err := s.store.ListWaiting(ctx)
	if err != nil {
		return err
	}

	var stale []*v1.WaitingAgent
	for _, w := range waiting {
		agent, err := s.store.GetAgent(ctx, w.AgentID)
		if err != nil {
			stale = append(stale, w) // registration gone; row is orphaned
			continue
		}
		if agent.LastSeen.Before(cutoff) {
			stale = append(stale, w)
		}
	}

	for _, w := range stale {
		err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
			return s.store.LeaveWaitingTx(ctx, tx, w.AgentID)
		})
		if err != nil {
			return err
		}
		s.log.Warn("Removed stale waiter", zap.String("agent_id", w.AgentID))
	}
	return nil
}

func (s *Scheduler) logCycleError(ctx context.Context, msg string, err error) {
	if ctx.Err() != nil {
		return
	}
	s.log.Error(msg, zap.Error(err))
}
