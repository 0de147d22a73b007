package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/iaintheardofu/Tronas/internal/adapter/otel"
	"github.com/iaintheardofu/Tronas/internal/config"
	"github.com/iaintheardofu/Tronas/internal/domain/deadline"
	"github.com/iaintheardofu/Tronas/internal/domain/event"
	"github.com/iaintheardofu/Tronas/internal/port/bus"
	"github.com/iaintheardofu/Tronas/internal/port/database"
)

// DeadlineMonitorName is the registered name of the deadline-check agent.
const DeadlineMonitorName = "deadline-monitor"

// DeadlineMonitor periodically recomputes business days remaining for every
// active request. Each threshold fires a single alert; overdue requests
// alert on every cycle until resolved.
type DeadlineMonitor struct {
	*Runner
	log     *slog.Logger
	bus     bus.Bus
	store   database.Store
	cal     *deadline.Calendar
	metrics *otel.Metrics

	now func() time.Time
}

// NewDeadlineMonitor wires the deadline-check agent. metrics may be nil.
func NewDeadlineMonitor(log *slog.Logger, b bus.Bus, store database.Store, cal *deadline.Calendar, metrics *otel.Metrics, agents config.Agents) *DeadlineMonitor {
	a := &DeadlineMonitor{
		log:     log.With("agent", DeadlineMonitorName),
		bus:     b,
		store:   store,
		cal:     cal,
		metrics: metrics,
		now:     time.Now,
	}
	a.Runner = NewRunner(DeadlineMonitorName, log, b, Options{
		Interval:          agents.DeadlineMonitor.CheckInterval,
		HeartbeatInterval: agents.HeartbeatInterval,
		Run:               a.run,
	})
	return a
}

func (a *DeadlineMonitor) run(ctx context.Context) (int, error) {
	records, err := a.store.ListDeadlinesForActiveRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active deadlines: %w", err)
	}

	alerts := 0
	var firstErr error
	for i := range records {
		fired, err := a.check(ctx, &records[i])
		if err != nil {
			a.log.Warn("deadline check failed", "request_id", records[i].RequestID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if fired {
			alerts++
		}
	}
	return alerts, firstErr
}

// check evaluates one deadline record and fires at most one alert for it.
func (a *DeadlineMonitor) check(ctx context.Context, rec *deadline.Record) (bool, error) {
	effective := rec.EffectiveDeadline()
	days := deadline.BusinessDaysRemaining(a.cal, a.now(), effective)

	if days < 0 {
		a.alert(ctx, rec, effective, days, 0, true)
		return true, nil
	}

	threshold, crossed := rec.CrossedThreshold(days)
	if !crossed {
		return false, nil
	}

	a.alert(ctx, rec, effective, days, threshold, false)

	// The fired set grows only after the alert is published, so a crash
	// here re-alerts rather than silently dropping the threshold.
	rec.MarkThrough(days)
	if err := a.store.UpdateThresholdsFired(ctx, rec.RequestID, rec.ThresholdsFired); err != nil {
		return true, fmt.Errorf("persist fired thresholds: %w", err)
	}
	return true, nil
}

func (a *DeadlineMonitor) alert(ctx context.Context, rec *deadline.Record, effective time.Time, days, threshold int, overdue bool) {
	requestNumber := ""
	if req, err := a.store.GetRequest(ctx, rec.RequestID); err == nil {
		requestNumber = req.RequestNumber
	}

	payload := event.DeadlineAlertPayload{
		RequestID:     rec.RequestID,
		RequestNumber: requestNumber,
		Deadline:      effective,
		DaysRemaining: days,
		Threshold:     threshold,
		Urgency:       string(deadline.UrgencyFor(days)),
		Overdue:       overdue,
	}
	publishEvent(ctx, a.log, a.bus, event.TopicDeadlineAlert, DeadlineMonitorName, rec.RequestID, payload)

	if a.metrics != nil {
		a.metrics.DeadlineAlerts.Add(ctx, 1)
	}
	a.AddItems(1)

	if overdue {
		a.log.Error("request overdue",
			"request_id", rec.RequestID, "request_number", requestNumber,
			"deadline", effective.Format("2006-01-02"), "business_days_overdue", -days)
		return
	}
	a.log.Warn("deadline threshold crossed",
		"request_id", rec.RequestID, "request_number", requestNumber,
		"deadline", effective.Format("2006-01-02"), "days_remaining", days, "threshold", threshold)
}
