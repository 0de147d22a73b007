package membus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/iaintheardofu/Tronas/internal/domain/event"
	"github.com/iaintheardofu/Tronas/internal/port/bus"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(slog.New(slog.DiscardHandler), 100, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func mustEvent(t *testing.T, topic event.Topic, source, correlationID string) event.Event {
	t.Helper()
	ev, err := event.New(topic, source, correlationID, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("event.New: %v", err)
	}
	return ev
}

func waitEvent(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return event.Event{}
	}
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := newTestBus(t)

	got := make(chan event.Event, 1)
	_, err := b.Subscribe("monitor", []event.Topic{event.TopicRequestCreated}, func(_ context.Context, ev event.Event) error {
		got <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	other := make(chan event.Event, 1)
	_, err = b.Subscribe("other", []event.Topic{event.TopicDeadlineAlert}, func(_ context.Context, ev event.Event) error {
		other <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ev := mustEvent(t, event.TopicRequestCreated, "api", "corr-1")
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	delivered := waitEvent(t, got)
	if delivered.ID != ev.ID {
		t.Errorf("delivered ID = %s, want %s", delivered.ID, ev.ID)
	}

	select {
	case <-other:
		t.Error("subscriber on unrelated topic received event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandlerErrorBecomesAgentErrorEvent(t *testing.T) {
	b := newTestBus(t)

	faults := make(chan event.Event, 1)
	_, err := b.Subscribe("watcher", []event.Topic{event.TopicAgentError}, func(_ context.Context, ev event.Event) error {
		faults <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	_, err = b.Subscribe("broken", []event.Topic{event.TopicRequestCreated}, func(_ context.Context, _ event.Event) error {
		return errors.New("handler exploded")
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), mustEvent(t, event.TopicRequestCreated, "api", "corr-2")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	fault := waitEvent(t, faults)
	var payload event.AgentErrorPayload
	if err := fault.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.Agent != "broken" {
		t.Errorf("Agent = %q, want broken", payload.Agent)
	}
	if payload.SourceTopic != string(event.TopicRequestCreated) {
		t.Errorf("SourceTopic = %q, want %s", payload.SourceTopic, event.TopicRequestCreated)
	}
	if fault.CorrelationID != "corr-2" {
		t.Errorf("CorrelationID = %q, want corr-2", fault.CorrelationID)
	}
}

func TestPanickingHandlerDoesNotAffectOthers(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe("panicky", []event.Topic{event.TopicRequestCreated}, func(_ context.Context, _ event.Event) error {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	got := make(chan event.Event, 2)
	_, err = b.Subscribe("healthy", []event.Topic{event.TopicRequestCreated}, func(_ context.Context, ev event.Event) error {
		got <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for range 2 {
		if err := b.Publish(context.Background(), mustEvent(t, event.TopicRequestCreated, "api", "")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	waitEvent(t, got)
	waitEvent(t, got)
}

func TestSlowSubscriberKeepsOrderPastBuffer(t *testing.T) {
	b := newTestBus(t)

	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe("slow", []event.Topic{event.TopicRequestCreated}, func(_ context.Context, ev event.Event) error {
		<-release
		mu.Lock()
		got = append(got, ev.Source)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// More events than the channel holds, so the tail overflows while the
	// handler is blocked on the first one.
	const total = subscriberBuffer + 50
	for i := range total {
		ev := mustEvent(t, event.TopicRequestCreated, fmt.Sprintf("pub-%04d", i), "")
		if err := b.Publish(context.Background(), ev); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == total {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != total {
		t.Fatalf("delivered %d events, want %d", len(got), total)
	}
	for i, src := range got {
		if want := fmt.Sprintf("pub-%04d", i); src != want {
			t.Fatalf("got[%d] = %s, want %s", i, src, want)
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	got := make(chan event.Event, 1)
	cancel, err := b.Subscribe("monitor", []event.Topic{event.TopicRequestCreated}, func(_ context.Context, ev event.Event) error {
		got <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	cancel()
	cancel() // second cancel is a no-op

	if err := b.Publish(context.Background(), mustEvent(t, event.TopicRequestCreated, "api", "")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-got:
		t.Error("cancelled subscriber received event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	b := newTestBus(t)

	if err := b.Publish(context.Background(), mustEvent(t, event.TopicRequestCreated, "api", "")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := make(chan event.Event, 1)
	if _, err := b.Subscribe("late", []event.Topic{event.TopicRequestCreated}, func(_ context.Context, ev event.Event) error {
		got <- ev
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case <-got:
		t.Error("late subscriber received replayed event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeRequiresTopics(t *testing.T) {
	b := newTestBus(t)
	if _, err := b.Subscribe("empty", nil, func(_ context.Context, _ event.Event) error { return nil }); err == nil {
		t.Error("Subscribe with no topics succeeded, want error")
	}
}

func TestClosedBusRejectsPublishAndSubscribe(t *testing.T) {
	b := New(slog.New(slog.DiscardHandler), 10, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := b.Publish(context.Background(), mustEvent(t, event.TopicRequestCreated, "api", "")); err == nil {
		t.Error("Publish on closed bus succeeded, want error")
	}
	if _, err := b.Subscribe("x", []event.Topic{event.TopicRequestCreated}, func(_ context.Context, _ event.Event) error { return nil }); err == nil {
		t.Error("Subscribe on closed bus succeeded, want error")
	}
}

func TestHistoryNewestFirstAndBounded(t *testing.T) {
	b := New(slog.New(slog.DiscardHandler), 3, nil)
	defer b.Close()

	sources := []string{"a", "b", "c", "d"}
	for _, src := range sources {
		if err := b.Publish(context.Background(), mustEvent(t, event.TopicRequestCreated, src, "")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	recent := b.Recent(HistoryQuery{})
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}
	for i, want := range []string{"d", "c", "b"} {
		if recent[i].Source != want {
			t.Errorf("recent[%d].Source = %q, want %q", i, recent[i].Source, want)
		}
	}
}

func TestHistoryFilters(t *testing.T) {
	b := newTestBus(t)

	if err := b.Publish(context.Background(), mustEvent(t, event.TopicRequestCreated, "api", "corr-a")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(context.Background(), mustEvent(t, event.TopicDeadlineAlert, "deadline-monitor", "corr-b")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(context.Background(), mustEvent(t, event.TopicDeadlineAlert, "deadline-monitor", "corr-a")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	byTopic := b.Recent(HistoryQuery{Topic: event.TopicDeadlineAlert})
	if len(byTopic) != 2 {
		t.Errorf("by topic: got %d events, want 2", len(byTopic))
	}

	byCorr := b.Recent(HistoryQuery{CorrelationID: "corr-a"})
	if len(byCorr) != 2 {
		t.Errorf("by correlation: got %d events, want 2", len(byCorr))
	}

	limited := b.Recent(HistoryQuery{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limited: got %d events, want 1", len(limited))
	}
	if limited[0].CorrelationID != "corr-a" || limited[0].Topic != event.TopicDeadlineAlert {
		t.Errorf("limited[0] = %v, want newest deadline alert", limited[0])
	}
}

var _ bus.Bus = (*Bus)(nil)
