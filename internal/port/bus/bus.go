// Package bus defines the event bus port (interface).
//
// The bus is the only channel for cross-agent communication: concrete agents
// never call each other directly. Delivery is at-least-once to subscribers
// active at publish time; there is no replay for late subscribers.
package bus

import (
	"context"

	"github.com/iaintheardofu/Tronas/internal/domain/event"
)

// Handler processes one event delivered to a subscription. Returning an
// error marks the delivery failed for that subscriber only; the bus converts
// it to an agents.error event and considers the delivery complete. Retry
// policy belongs to the agent, not the bus.
type Handler func(ctx context.Context, ev event.Event) error

// Bus is the port interface for publishing and subscribing to events.
type Bus interface {
	// Publish sends an event to all current subscribers of its topic.
	// It must not block on slow handlers.
	Publish(ctx context.Context, ev event.Event) error

	// Subscribe registers a handler for the given topics. Each subscriber
	// receives an independent copy of every matching event. The returned
	// function cancels the subscription.
	Subscribe(name string, topics []event.Topic, handler Handler) (cancel func(), err error)

	// Close tears the bus down, cancelling all subscriptions.
	Close() error
}
