// Package nats implements the event bus port using NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/iaintheardofu/Tronas/internal/adapter/otel"
	"github.com/iaintheardofu/Tronas/internal/domain/event"
	"github.com/iaintheardofu/Tronas/internal/logger"
	"github.com/iaintheardofu/Tronas/internal/port/bus"
)

const streamName = "TRONAS"

// Topic names double as JetStream subjects, so the stream covers every
// topic family the module publishes.
var streamSubjects = []string{
	"requests.>", "documents.>", "emails.>",
	"classification.>", "workflow.>", "deadlines.>", "agents.>",
}

// Bus implements the event bus port over NATS JetStream.
type Bus struct {
	log     *slog.Logger
	metrics *otel.Metrics
	nc      *nats.Conn
	js      jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the stream exists.
// metrics may be nil.
func Connect(ctx context.Context, url string, log *slog.Logger, metrics *otel.Metrics) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: streamSubjects,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.Info("nats connected", "url", url, "stream", streamName)
	return &Bus{log: log, metrics: metrics, nc: nc, js: js}, nil
}

// Publish sends the event to the subject named after its topic.
func (b *Bus) Publish(ctx context.Context, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event encode: %w", err)
	}
	if _, err := b.js.Publish(ctx, string(ev.Topic), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", ev.Topic, err)
	}
	if b.metrics != nil {
		b.metrics.EventsPublished.Add(ctx, 1)
	}
	return nil
}

// Subscribe creates a consumer filtered to the given topics. Handler
// failures are acknowledged after being converted to an agent error event,
// so a broken handler does not trigger redelivery loops.
func (b *Bus) Subscribe(name string, topics []event.Topic, handler bus.Handler) (func(), error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("subscribe %s: no topics", name)
	}

	subjects := make([]string, len(topics))
	for i, t := range topics {
		subjects[i] = string(t)
	}

	consumer, err := b.js.CreateOrUpdateConsumer(context.Background(), streamName, jetstream.ConsumerConfig{
		FilterSubjects: subjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var ev event.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			b.log.Error("event decode failed", "subject", msg.Subject(), "error", err)
			_ = msg.Term()
			return
		}

		ctx := logger.WithCorrelationID(context.Background(), ev.CorrelationID)
		if err := b.handle(ctx, name, handler, ev); err != nil {
			b.fault(name, ev, err)
		}
		if ackErr := msg.Ack(); ackErr != nil {
			b.log.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// Close shuts down the NATS connection.
func (b *Bus) Close() error {
	b.nc.Close()
	return nil
}

func (b *Bus) handle(ctx context.Context, name string, handler bus.Handler, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx, ev)
}

func (b *Bus) fault(name string, ev event.Event, err error) {
	b.log.Error("event handler failed",
		"subscriber", name, "topic", ev.Topic, "event_id", ev.ID, "error", err)

	if ev.Topic == event.TopicAgentError {
		return
	}

	fault, ferr := event.New(event.TopicAgentError, name, ev.CorrelationID, event.AgentErrorPayload{
		Agent:       name,
		Error:       err.Error(),
		SourceTopic: string(ev.Topic),
	})
	if ferr != nil {
		b.log.Error("agent error event encode failed", "error", ferr)
		return
	}
	if perr := b.Publish(context.Background(), fault); perr != nil {
		b.log.Error("agent error event publish failed", "error", perr)
	}
}
