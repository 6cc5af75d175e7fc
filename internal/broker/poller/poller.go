// Package poller implements the long-poll delivery protocol: wait_for_task
// blocks until a task, a control signal, or the deadline arrives, and
// wait_for_completion blocks until a task terminates.
package poller

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/broker/lifecycle"
	"github.com/taskhive/taskhive/internal/broker/notify"
	"github.com/taskhive/taskhive/internal/broker/store"
	"github.com/taskhive/taskhive/internal/common/logger"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// Poller serves the wait_for_* long polls.
type Poller struct {
	store          *store.Store
	lifecycle      *lifecycle.Service
	notifier       *notify.Notifier
	maxPollTimeout time.Duration
	log            *logger.Logger
}

// New creates a Poller. maxPollTimeout caps every wait_for_task deadline.
func New(st *store.Store, lc *lifecycle.Service, n *notify.Notifier, maxPollTimeout time.Duration, log *logger.Logger) *Poller {
	return &Poller{
		store:          st,
		lifecycle:      lc,
		notifier:       n,
		maxPollTimeout: maxPollTimeout,
		log:            log.WithFields(zap.String("component", "poller")),
	}
}

// WaitRequest identifies the polling agent and its matching profile.
type WaitRequest struct {
	AgentID          string               `json:"agent_id"`
	Capabilities     []string             `json:"capabilities,omitempty"`
	WorkspaceContext *v1.WorkspaceContext `json:"workspace_context,omitempty"`
	Timeout          time.Duration        `json:"-"`
}

// WaitForTask blocks until a task is reserved to the agent, a control
// signal arrives, or the deadline passes. On caller cancellation the
// waiting-set entry is removed and any reservation that won the race is
// rolled back.
func (p *Poller) WaitForTask(ctx context.Context, req WaitRequest) (*v1.WaitResult, error) {
	timeout := req.Timeout
	if timeout <= 0 || timeout > p.maxPollTimeout {
		timeout = p.maxPollTimeout
	}

	if err := p.store.TouchAgent(ctx, req.AgentID, time.Now().UTC()); err != nil {
		return nil, err
	}

	// Control signals and an immediate reservation short-circuit the wait.
	if res, err := p.checkSignals(ctx, req); err != nil || res != nil {
		return res, err
	}
	if res, err := p.tryReserve(ctx, req); err != nil || res != nil {
		return res, err
	}

	// Register the wake channel before entering the waiting set so a
	// scheduler pass between the two cannot be missed.
	wake := p.notifier.AgentWake(req.AgentID)
	drainWake(wake)

	err := p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return p.store.EnterWaitingTx(ctx, tx, &v1.WaitingAgent{
			AgentID:          req.AgentID,
			Capabilities:     req.Capabilities,
			WorkspaceContext: req.WorkspaceContext,
			EnteredAt:        time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	p.notifier.KickScheduler()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.abandon(context.WithoutCancel(ctx), req.AgentID)
			return nil, ctx.Err()

		case <-timer.C:
			p.leaveWaiting(ctx, req.AgentID)
			// A reservation may have landed in the same instant; deliver it
			// rather than requeue it. The take is one-shot, so a reservation
			// already handed to a concurrent poll is not delivered again.
			if task, err := p.lifecycle.TakeReservedTask(ctx, req.AgentID); err == nil && task != nil {
				return &v1.WaitResult{Type: v1.WaitResultTask, Task: task}, nil
			}
			return &v1.WaitResult{Type: v1.WaitResultIdle}, nil

		case <-wake:
			if res, err := p.checkSignals(ctx, req); err != nil || res != nil {
				if res != nil {
					p.leaveWaiting(ctx, req.AgentID)
				}
				if err != nil {
					p.abandon(context.WithoutCancel(ctx), req.AgentID)
				}
				return res, err
			}

			// The scheduler reserves and removes us from the waiting set in
			// its transaction; take our reservation, exactly once across
			// concurrent polls.
			task, err := p.lifecycle.TakeReservedTask(ctx, req.AgentID)
			if err != nil {
				p.abandon(context.WithoutCancel(ctx), req.AgentID)
				return nil, err
			}
			if task != nil {
				return &v1.WaitResult{Type: v1.WaitResultTask, Task: task}, nil
			}
			// Spurious wake; keep waiting.
		}
	}
}

// WaitForCompletion blocks until the task reaches a terminal status or the
// deadline passes. Returns nil on timeout.
func (p *Poller) WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (*v1.Task, error) {
	if timeout <= 0 || timeout > p.maxPollTimeout {
		timeout = p.maxPollTimeout
	}

	// Register before the status check so a completion between the check
	// and the wait is not missed. The release drops the map entry when this
	// waiter returns without a completion signal.
	done := p.notifier.TaskDone(taskID)
	defer p.notifier.ReleaseTask(taskID)

	task, err := p.lifecycle.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-done:
		return p.lifecycle.Get(ctx, taskID)
	}
}

// checkSignals consumes a pending eviction or the next system prompt.
func (p *Poller) checkSignals(ctx context.Context, req WaitRequest) (*v1.WaitResult, error) {
	var result *v1.WaitResult
	err := p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if ev, err := p.store.TakeEvictionTx(ctx, tx, req.AgentID); err == nil {
			result = &v1.WaitResult{Type: v1.WaitResultEviction, Eviction: ev}
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		prompt, err := p.store.NextPromptForAgentTx(ctx, tx, req.AgentID, req.Capabilities)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if err := p.store.MarkPromptDeliveredTx(ctx, tx, prompt, req.AgentID, time.Now().UTC()); err != nil {
			return err
		}
		result = &v1.WaitResult{Type: v1.WaitResultPrompt, Prompt: prompt}
		return nil
	})
	return result, err
}

// tryReserve attempts a synchronous match before the agent enters the
// waiting set.
func (p *Poller) tryReserve(ctx context.Context, req WaitRequest) (*v1.WaitResult, error) {
	task, err := p.lifecycle.ReserveForAgent(ctx, req.AgentID, req.Capabilities, req.WorkspaceContext)
	if err != nil {
		if errors.Is(err, lifecycle.ErrStateConflict) {
			return nil, nil // lost a race; fall through to waiting
		}
		return nil, err
	}
	if task == nil {
		return nil, nil
	}
	return &v1.WaitResult{Type: v1.WaitResultTask, Task: task}, nil
}

func (p *Poller) leaveWaiting(ctx context.Context, agentID string) {
	err := p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return p.store.LeaveWaitingTx(ctx, tx, agentID)
	})
	if err != nil {
		p.log.Warn("Failed to leave waiting set",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// abandon cleans up after a cancelled poll: waiting-set row removed and any
// won reservation rolled back. The ack reaper covers anything missed here.
func (p *Poller) abandon(ctx context.Context, agentID string) {
	p.leaveWaiting(ctx, agentID)
	p.lifecycle.RollbackReservation(ctx, agentID)
}

func drainWake(ch <-chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
