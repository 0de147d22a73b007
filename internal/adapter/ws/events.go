package ws

import (
	"context"
	"fmt"

	"github.com/iaintheardofu/Tronas/internal/domain/event"
	"github.com/iaintheardofu/Tronas/internal/port/bus"
)

// bridgeName identifies the hub's bus subscription.
const bridgeName = "ws-bridge"

// bridgeTopics are the events the dashboard cares about: deadline alerts,
// agent lifecycle, and workflow progress.
var bridgeTopics = []event.Topic{
	event.TopicDeadlineAlert,
	event.TopicAgentStarted,
	event.TopicAgentStopped,
	event.TopicAgentError,
	event.TopicWorkflowTaskCompleted,
	event.TopicWorkflowTaskFailed,
	event.TopicWorkflowCompleted,
	event.TopicClassificationComplete,
}

// BridgeBus subscribes the hub to the event bus and forwards matching events
// to all connected clients. The returned cancel function tears the
// subscription down.
func BridgeBus(h *Hub, b bus.Bus) (func(), error) {
	cancel, err := b.Subscribe(bridgeName, bridgeTopics, func(ctx context.Context, ev event.Event) error {
		h.Broadcast(ctx, fromEvent(ev))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ws bridge: %w", err)
	}
	return cancel, nil
}

// fromEvent maps a bus event onto the client envelope.
func fromEvent(ev event.Event) Message {
	return Message{
		Topic:         string(ev.Topic),
		Source:        ev.Source,
		CorrelationID: ev.CorrelationID,
		Timestamp:     ev.Timestamp,
		Payload:       ev.Payload,
	}
}
