package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/events/bus"
	ws "github.com/taskhive/taskhive/pkg/websocket"
)

// EventBroadcaster relays the broker's sequenced event stream to connected
// observers. Event kinds double as notification actions, so the relay is a
// single wildcard subscription.
type EventBroadcaster struct {
	hub          *Hub
	subscription bus.Subscription
	logger       *logger.Logger
}

// RegisterEventNotifications subscribes the hub to the full event stream.
func RegisterEventNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) (*EventBroadcaster, error) {
	b := &EventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_broadcaster")),
	}
	if eventBus == nil {
		return b, nil
	}

	sub, err := eventBus.Subscribe(bus.SubjectAll, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(event.Kind, event.Seq, event.Payload)
		if err != nil {
			b.logger.Error("Failed to build notification",
				zap.String("kind", event.Kind),
				zap.Error(err))
			return err
		}
		hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.subscription = sub

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b, nil
}

// Close drops the bus subscription.
func (b *EventBroadcaster) Close() {
	if b.subscription != nil && b.subscription.IsValid() {
		_ = b.subscription.Unsubscribe()
	}
}
