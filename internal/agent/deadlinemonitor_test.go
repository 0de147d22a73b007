package agent

import (
	"context"
	"testing"
	"time"

	"github.com/iaintheardofu/Tronas/internal/domain/deadline"
	"github.com/iaintheardofu/Tronas/internal/domain/event"
	"github.com/iaintheardofu/Tronas/internal/domain/request"
)

func seedDeadline(store *mockStore, requestID string, responseDeadline time.Time) {
	store.requests[requestID] = &request.Request{
		ID: requestID, RequestNumber: "PIA-2026-000042", Status: request.StatusInProgress,
	}
	store.deadlines[requestID] = &deadline.Record{
		RequestID:        requestID,
		ResponseDeadline: responseDeadline,
	}
}

func TestDeadlineMonitorFiresThresholdOnce(t *testing.T) {
	store := newMockStore()
	// Monday 2026-03-09; deadline Thursday 03-12 leaves 3 business days.
	seedDeadline(store, "req-1", time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC))

	b := &recordingBus{}
	a := NewDeadlineMonitor(discardLogger(), b, store, deadline.NewCalendar(), nil, testAgentsConfig())
	a.now = func() time.Time { return time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC) }

	for range 3 {
		if _, err := a.run(context.Background()); err != nil {
			t.Fatalf("run: %v", err)
		}
	}

	alerts := b.byTopic(event.TopicDeadlineAlert)
	if len(alerts) != 1 {
		t.Fatalf("deadline alerts = %d, want 1 (threshold fires once)", len(alerts))
	}
	var payload event.DeadlineAlertPayload
	if err := alerts[0].Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Threshold != 3 || payload.DaysRemaining != 3 || payload.Overdue {
		t.Errorf("payload = %+v, want threshold 3 at 3 days", payload)
	}
	if payload.Urgency != string(deadline.UrgencyMedium) {
		t.Errorf("urgency = %q, want medium", payload.Urgency)
	}
	if payload.RequestNumber != "PIA-2026-000042" {
		t.Errorf("request number = %q", payload.RequestNumber)
	}

	rec, _ := store.GetDeadline(context.Background(), "req-1")
	if len(rec.ThresholdsFired) == 0 {
		t.Error("fired thresholds were not persisted")
	}
}

func TestDeadlineMonitorOverdueAlertsEveryCycle(t *testing.T) {
	store := newMockStore()
	seedDeadline(store, "req-1", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))

	b := &recordingBus{}
	a := NewDeadlineMonitor(discardLogger(), b, store, deadline.NewCalendar(), nil, testAgentsConfig())
	a.now = func() time.Time { return time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC) }

	for range 3 {
		if _, err := a.run(context.Background()); err != nil {
			t.Fatalf("run: %v", err)
		}
	}

	alerts := b.byTopic(event.TopicDeadlineAlert)
	if len(alerts) != 3 {
		t.Fatalf("overdue alerts = %d, want one per cycle", len(alerts))
	}
	var payload event.DeadlineAlertPayload
	if err := alerts[0].Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if !payload.Overdue || payload.DaysRemaining >= 0 {
		t.Errorf("payload = %+v, want overdue with negative days", payload)
	}
	if payload.Urgency != string(deadline.UrgencyCritical) {
		t.Errorf("urgency = %q, want critical", payload.Urgency)
	}
}

func TestDeadlineMonitorUsesExtensionDeadline(t *testing.T) {
	store := newMockStore()
	seedDeadline(store, "req-1", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	ext := time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC)
	store.deadlines["req-1"].ExtensionDeadline = &ext

	b := &recordingBus{}
	a := NewDeadlineMonitor(discardLogger(), b, store, deadline.NewCalendar(), nil, testAgentsConfig())
	// Past the original deadline but well inside the extension.
	a.now = func() time.Time { return time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC) }

	if _, err := a.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if alerts := b.byTopic(event.TopicDeadlineAlert); len(alerts) != 0 {
		t.Errorf("alerts = %d, want none while inside the extension window", len(alerts))
	}
}

func TestDeadlineMonitorSkipsResolvedRequests(t *testing.T) {
	store := newMockStore()
	seedDeadline(store, "req-1", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	store.requests["req-1"].Status = request.StatusReleased

	b := &recordingBus{}
	a := NewDeadlineMonitor(discardLogger(), b, store, deadline.NewCalendar(), nil, testAgentsConfig())
	a.now = func() time.Time { return time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC) }

	if _, err := a.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if alerts := b.byTopic(event.TopicDeadlineAlert); len(alerts) != 0 {
		t.Errorf("alerts = %d, want none for released requests", len(alerts))
	}
}
