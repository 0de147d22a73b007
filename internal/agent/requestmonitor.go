package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iaintheardofu/Tronas/internal/config"
	"github.com/iaintheardofu/Tronas/internal/domain"
	"github.com/iaintheardofu/Tronas/internal/domain/deadline"
	"github.com/iaintheardofu/Tronas/internal/domain/event"
	"github.com/iaintheardofu/Tronas/internal/domain/request"
	"github.com/iaintheardofu/Tronas/internal/domain/workflow"
	"github.com/iaintheardofu/Tronas/internal/port/bus"
	"github.com/iaintheardofu/Tronas/internal/port/database"
)

// RequestMonitorName is the registered name of the intake polling agent.
const RequestMonitorName = "request-monitor"

// stalledTaskAfter is how long an automated task may sit pending and
// unclaimed before its trigger event is republished. The bus does not replay
// events, so a trigger published while its consumer was unsubscribed (agent
// mid-restart, or still starting up) would otherwise be lost for good.
const stalledTaskAfter = 2 * time.Minute

// RequestMonitor polls for newly received requests and performs intake:
// create the workflow, compute the statutory deadline, move the request to
// in_progress, and announce it on the bus. Intake is idempotent, so a crash
// between steps is repaired on the next cycle.
type RequestMonitor struct {
	*Runner
	log          *slog.Logger
	bus          bus.Bus
	store        database.Store
	board        TaskBoard
	cal          *deadline.Calendar
	responseDays int
	stalledAfter time.Duration

	mu     sync.Mutex
	intook map[string]struct{} // request IDs intaken this process lifetime

	now func() time.Time
}

// NewRequestMonitor wires the intake agent. responseDays is the statutory
// business-day response window.
func NewRequestMonitor(log *slog.Logger, b bus.Bus, store database.Store, board TaskBoard, cal *deadline.Calendar, responseDays int, cfg config.Agents) *RequestMonitor {
	m := &RequestMonitor{
		log:          log.With("agent", RequestMonitorName),
		bus:          b,
		store:        store,
		board:        board,
		cal:          cal,
		responseDays: responseDays,
		stalledAfter: stalledTaskAfter,
		intook:       make(map[string]struct{}),
		now:          time.Now,
	}
	m.Runner = NewRunner(RequestMonitorName, log, b, Options{
		Interval:          cfg.RequestMonitor.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Run:               m.run,
	})
	return m
}

func (m *RequestMonitor) run(ctx context.Context) (int, error) {
	intaken, err := m.intakeCycle(ctx)
	reissued, sweepErr := m.sweep(ctx)
	if err == nil {
		err = sweepErr
	}
	return intaken + reissued, err
}

func (m *RequestMonitor) intakeCycle(ctx context.Context) (int, error) {
	requests, err := m.store.ListRequestsByStatus(ctx, request.StatusReceived)
	if err != nil {
		return 0, fmt.Errorf("list received requests: %w", err)
	}

	intaken := 0
	var firstErr error
	for i := range requests {
		req := &requests[i]
		m.mu.Lock()
		_, done := m.intook[req.ID]
		m.mu.Unlock()
		if done {
			continue
		}

		if err := m.intake(ctx, req); err != nil {
			m.log.Warn("intake failed", "request_id", req.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		m.mu.Lock()
		m.intook[req.ID] = struct{}{}
		m.mu.Unlock()
		intaken++
	}
	return intaken, firstErr
}

// intake performs the idempotent intake steps for one received request.
func (m *RequestMonitor) intake(ctx context.Context, req *request.Request) error {
	if err := m.board.CreateWorkflow(ctx, req.ID); err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}

	rec := deadline.NewRecord(m.cal, req.ID, req.DateReceived, m.responseDays)
	if err := m.store.CreateDeadline(ctx, rec); err != nil && !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("create deadline: %w", err)
	}

	if err := m.store.UpdateRequestStatus(ctx, req.ID, request.StatusInProgress); err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}

	publishEvent(ctx, m.log, m.bus, event.TopicRequestCreated, RequestMonitorName, req.ID, createdPayload(req))

	m.log.Info("request intaken",
		"request_id", req.ID, "request_number", req.RequestNumber,
		"deadline", rec.ResponseDeadline.Format("2006-01-02"))
	return nil
}

func createdPayload(req *request.Request) event.RequestCreatedPayload {
	return event.RequestCreatedPayload{
		RequestID:     req.ID,
		RequestNumber: req.RequestNumber,
		Description:   req.Description,
		SearchTerms:   req.Filters.SearchTerms,
		Departments:   req.Filters.Departments,
		DateFrom:      req.Filters.DateFrom,
		DateTo:        req.Filters.DateTo,
	}
}

// sweep republishes the trigger event for in-progress requests whose next
// automated task has sat pending and unclaimed past the stall window.
// Re-delivery is harmless: claims are atomic, so a duplicate trigger hits an
// already-claimed task and is dropped as a conflict.
func (m *RequestMonitor) sweep(ctx context.Context) (int, error) {
	requests, err := m.store.ListRequestsByStatus(ctx, request.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("list in-progress requests: %w", err)
	}

	reissued := 0
	var firstErr error
	for i := range requests {
		req := &requests[i]
		ok, err := m.reissueStalled(ctx, req)
		if err != nil {
			m.log.Warn("stalled task check failed", "request_id", req.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			reissued++
		}
	}
	return reissued, firstErr
}

func (m *RequestMonitor) reissueStalled(ctx context.Context, req *request.Request) (bool, error) {
	tasks, err := m.store.ListTasksByRequest(ctx, req.ID)
	if err != nil {
		return false, err
	}
	if workflow.InProgressCount(tasks) > 0 || workflow.AnyFailed(tasks) {
		return false, nil // being worked, or waiting on an operator retry
	}
	next := workflow.NextPending(tasks)
	if next == nil || !next.Automated {
		return false, nil
	}

	// The task is only stalled if nothing has moved since the last stage
	// change. Freshly intaken requests and freshly completed stages get the
	// full window before a trigger is reissued.
	since := next.CreatedAt
	for i := range tasks {
		if tasks[i].Status == workflow.StatusCompleted && tasks[i].CompletedAt != nil && tasks[i].CompletedAt.After(since) {
			since = *tasks[i].CompletedAt
		}
	}
	if m.now().Sub(since) < m.stalledAfter {
		return false, nil
	}

	switch next.Type {
	case workflow.TaskDocumentRetrieval:
		publishEvent(ctx, m.log, m.bus, event.TopicRequestCreated, RequestMonitorName, req.ID, createdPayload(req))
	case workflow.TaskEmailRetrieval:
		m.republishCompletion(ctx, req.ID, tasks, workflow.TaskDocumentRetrieval)
	case workflow.TaskClassification:
		m.republishCompletion(ctx, req.ID, tasks, workflow.TaskEmailRetrieval)
	default:
		return false, nil // manual stages wait on people, not events
	}

	m.log.Info("republished stalled task trigger",
		"request_id", req.ID, "task_type", next.Type, "pending_since", since)
	return true, nil
}

// republishCompletion re-announces the completed predecessor task whose
// completion event unblocks the stalled one.
func (m *RequestMonitor) republishCompletion(ctx context.Context, requestID string, tasks []workflow.Task, prev workflow.TaskType) {
	payload := event.TaskCompletedPayload{
		RequestID: requestID,
		TaskType:  string(prev),
	}
	for i := range tasks {
		if tasks[i].Type == prev {
			payload.TaskID = tasks[i].ID
			payload.Agent = tasks[i].AssignedAgent
			break
		}
	}
	publishEvent(ctx, m.log, m.bus, event.TopicWorkflowTaskCompleted, RequestMonitorName, requestID, payload)
}
