// Package events records broker state changes as sequenced events: each
// change is persisted in the same transaction that made it, then broadcast
// on the bus after commit. Observers see every change exactly once and in
// sequence order.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/broker/store"
	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/events/bus"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"

	"github.com/jmoiron/sqlx"
)

const source = "broker"

// Recorder allocates sequence numbers and persists events inside the
// caller's transaction, then broadcasts them once the transaction commits.
type Recorder struct {
	store *store.Store
	bus   bus.EventBus
	log   *logger.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Recorder {
	return &Recorder{store: st, bus: eventBus, log: log.WithFields(zap.String("component", "events"))}
}

// Batch accumulates events staged during one transaction. Broadcast after
// commit; discard on rollback.
type Batch struct {
	events []*v1.Event
}

// StageTx allocates the next sequence number, persists the event in tx, and
// holds it in the batch for post-commit broadcast.
func (r *Recorder) StageTx(ctx context.Context, tx *sqlx.Tx, b *Batch, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	seq, err := r.store.AllocSeqTx(ctx, tx)
	if err != nil {
		return err
	}

	e := &v1.Event{
		Seq:       seq,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.AppendEventTx(ctx, tx, e); err != nil {
		return err
	}

	b.events = append(b.events, e)
	return nil
}

// Broadcast publishes the batch to the bus in sequence order. Bus failures
// are logged, not returned: the events are already durable and observers
// recover through sync.
func (r *Recorder) Broadcast(ctx context.Context, b *Batch) {
	for _, e := range b.events {
		be := &bus.Event{
			Seq:       e.Seq,
			Kind:      e.Kind,
			Source:    source,
			Timestamp: e.CreatedAt,
			Payload:   e.Payload,
		}
		if err := r.bus.Publish(ctx, bus.SubjectForKind(e.Kind), be); err != nil {
			r.log.Error("Failed to broadcast event",
				zap.Int64("seq", e.Seq),
				zap.String("kind", e.Kind),
				zap.Error(err))
		}
	}
	b.events = nil
}

// PublishAgentStatus broadcasts (and persists) an agent status change
// outside any caller transaction.
func (r *Recorder) PublishAgentStatus(ctx context.Context, agent *v1.Agent) error {
	var batch Batch
	err := r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return r.StageTx(ctx, tx, &batch, v1.EventAgentStatus, agent)
	})
	if err != nil {
		return err
	}
	r.Broadcast(ctx, &batch)
	return nil
}

// DeletedPayload is the payload of a task:deleted event.
type DeletedPayload struct {
	ID string `json:"id"`
}
