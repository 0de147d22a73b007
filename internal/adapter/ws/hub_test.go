package ws

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/iaintheardofu/Tronas/internal/adapter/membus"
	"github.com/iaintheardofu/Tronas/internal/domain/event"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.DiscardHandler))
}

func TestNewHub(t *testing.T) {
	hub := testHub()
	if hub == nil {
		t.Fatal("expected non-nil hub")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := testHub()

	// Broadcast with no connections should not panic.
	hub.Broadcast(context.Background(), Message{
		Topic:   "deadlines.alert",
		Payload: []byte(`{"request_id":"req-1"}`),
	})
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := testHub()

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{ws: nil, cancel: cancel}
	hub.remove(c)
}

func TestMessageFromEvent(t *testing.T) {
	ev, err := event.New(event.TopicDeadlineAlert, "deadline-monitor", "req-1", event.DeadlineAlertPayload{RequestID: "req-1"})
	if err != nil {
		t.Fatal(err)
	}

	msg := fromEvent(ev)
	if msg.Topic != string(event.TopicDeadlineAlert) {
		t.Errorf("Topic = %q, want %s", msg.Topic, event.TopicDeadlineAlert)
	}
	if msg.Source != "deadline-monitor" || msg.CorrelationID != "req-1" {
		t.Errorf("envelope = %+v", msg)
	}
	if msg.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}
	if string(msg.Payload) != string(ev.Payload) {
		t.Errorf("Payload = %s, want the event body", msg.Payload)
	}
}

func TestBridgeBusForwardsMatchingTopics(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	b := membus.New(log, 10, nil)
	defer b.Close()

	hub := testHub()
	cancel, err := BridgeBus(hub, b)
	if err != nil {
		t.Fatalf("BridgeBus: %v", err)
	}
	defer cancel()

	// The bridge subscription exists; a published alert must reach the
	// handler without error even with zero websocket clients.
	var wg sync.WaitGroup
	wg.Add(1)
	watch, err := b.Subscribe("watcher", []event.Topic{event.TopicDeadlineAlert}, func(context.Context, event.Event) error {
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer watch()

	ev, err := event.New(event.TopicDeadlineAlert, "deadline-monitor", "req-1", event.DeadlineAlertPayload{RequestID: "req-1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
}
