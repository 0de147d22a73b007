// Package membus implements the event bus port in process memory.
package membus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iaintheardofu/Tronas/internal/adapter/otel"
	"github.com/iaintheardofu/Tronas/internal/domain/event"
	"github.com/iaintheardofu/Tronas/internal/logger"
	"github.com/iaintheardofu/Tronas/internal/port/bus"
)

const (
	// subscriberBuffer is the per-subscriber channel depth. A slow handler
	// that fills it spills into an overflow queue drained in order by a
	// single goroutine, so the publisher never waits.
	subscriberBuffer = 256
	// maxOverflow bounds the overflow queue. Events past the bound are
	// dropped with a log line rather than growing memory without limit.
	maxOverflow = 4096
)

type subscriber struct {
	id      int
	name    string
	topics  map[event.Topic]struct{}
	handler bus.Handler
	ch      chan event.Event
	done    chan struct{}

	mu       sync.Mutex
	overflow []event.Event
	draining bool
}

// Bus delivers events to subscribers on their own goroutines. Each
// subscriber runs at most one handler invocation at a time, so a slow or
// failing subscriber never affects the others or the publisher.
type Bus struct {
	log     *slog.Logger
	metrics *otel.Metrics

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	history *ring

	wg sync.WaitGroup
}

// New creates an in-process bus retaining the given number of recent events.
// metrics may be nil.
func New(log *slog.Logger, historySize int, metrics *otel.Metrics) *Bus {
	return &Bus{
		log:     log,
		metrics: metrics,
		subs:    make(map[int]*subscriber),
		history: newRing(historySize),
	}
}

// Publish records the event in history and fans it out to every subscriber
// whose topic set matches. Publish never blocks on a slow subscriber.
func (b *Bus) Publish(ctx context.Context, ev event.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("publish %s: bus closed", ev.Topic)
	}

	b.history.add(ev)
	if b.metrics != nil {
		b.metrics.EventsPublished.Add(ctx, 1)
	}

	for _, s := range b.subs {
		if _, ok := s.topics[ev.Topic]; !ok {
			continue
		}
		b.deliver(s, ev)
	}
	return nil
}

// deliver enqueues ev for one subscriber. While an overflow drain is active,
// new events join the overflow queue behind the earlier ones so the
// subscriber still sees them in publish order.
func (b *Bus) deliver(s *subscriber, ev event.Event) {
	s.mu.Lock()
	if s.draining {
		b.enqueueOverflowLocked(s, ev)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.ch <- ev:
	case <-s.done:
	default:
		b.log.Warn("subscriber buffer full", "subscriber", s.name, "topic", ev.Topic)
		s.mu.Lock()
		if s.draining {
			b.enqueueOverflowLocked(s, ev)
		} else {
			s.overflow = append(s.overflow, ev)
			s.draining = true
			b.wg.Add(1)
			go b.drain(s)
		}
		s.mu.Unlock()
	}
}

func (b *Bus) enqueueOverflowLocked(s *subscriber, ev event.Event) {
	if len(s.overflow) >= maxOverflow {
		b.log.Warn("subscriber overflow full, dropping event",
			"subscriber", s.name, "topic", ev.Topic, "event_id", ev.ID)
		return
	}
	s.overflow = append(s.overflow, ev)
}

// drain moves overflowed events into the subscriber channel in order, then
// retires itself once the queue is empty.
func (b *Bus) drain(s *subscriber) {
	defer b.wg.Done()
	for {
		s.mu.Lock()
		if len(s.overflow) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		ev := s.overflow[0]
		s.overflow = s.overflow[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

// Subscribe registers a handler for the given topics. The returned cancel
// function stops delivery; events published before Subscribe are not
// replayed.
func (b *Bus) Subscribe(name string, topics []event.Topic, handler bus.Handler) (func(), error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("subscribe %s: no topics", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", name)
	}

	s := &subscriber{
		id:      b.nextID,
		name:    name,
		topics:  make(map[event.Topic]struct{}, len(topics)),
		handler: handler,
		ch:      make(chan event.Event, subscriberBuffer),
		done:    make(chan struct{}),
	}
	b.nextID++
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	b.subs[s.id] = s

	b.wg.Add(1)
	go b.run(s)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s.id]; !ok {
			return
		}
		delete(b.subs, s.id)
		close(s.done)
	}
	return cancel, nil
}

// Close stops all subscribers and waits for in-flight handlers to return.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.done)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Recent returns retained events matching the query, newest first.
func (b *Bus) Recent(q HistoryQuery) []event.Event {
	return b.history.recent(q)
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-s.ch:
			b.dispatch(s, ev)
		case <-s.done:
			return
		}
	}
}

func (b *Bus) dispatch(s *subscriber, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.fault(s, ev, fmt.Errorf("panic: %v", r))
		}
	}()

	ctx := logger.WithCorrelationID(context.Background(), ev.CorrelationID)
	if err := s.handler(ctx, ev); err != nil {
		b.fault(s, ev, err)
	}
}

// fault converts a handler failure into an agent error event. Failures while
// handling an agent error event are only logged, so a broken error handler
// cannot feed itself.
func (b *Bus) fault(s *subscriber, ev event.Event, err error) {
	b.log.Error("event handler failed",
		"subscriber", s.name, "topic", ev.Topic, "event_id", ev.ID, "error", err)

	if ev.Topic == event.TopicAgentError {
		return
	}

	fault, ferr := event.New(event.TopicAgentError, s.name, ev.CorrelationID, event.AgentErrorPayload{
		Agent:       s.name,
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
