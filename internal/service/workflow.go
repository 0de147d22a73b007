// Package service holds the orchestration use-cases: the workflow engine
// advancing per-request task sequences and the orchestrator supervising
// agents.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iaintheardofu/Tronas/internal/adapter/otel"
	"github.com/iaintheardofu/Tronas/internal/domain"
	"github.com/iaintheardofu/Tronas/internal/domain/event"
	"github.com/iaintheardofu/Tronas/internal/domain/request"
	"github.com/iaintheardofu/Tronas/internal/domain/workflow"
	"github.com/iaintheardofu/Tronas/internal/port/bus"
	"github.com/iaintheardofu/Tronas/internal/port/database"
)

const engineName = "workflow-engine"

// WorkflowEngine owns per-request task sequences. All task state changes for
// one request are serialized through that request's lock, so at most one
// task per request is ever in progress and duplicate completion events
// collapse to no-ops.
type WorkflowEngine struct {
	log     *slog.Logger
	store   database.Store
	bus     bus.Bus
	metrics *otel.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWorkflowEngine creates the engine. metrics may be nil.
func NewWorkflowEngine(log *slog.Logger, store database.Store, b bus.Bus, metrics *otel.Metrics) *WorkflowEngine {
	return &WorkflowEngine{
		log:     log.With("component", engineName),
		store:   store,
		bus:     b,
		metrics: metrics,
		locks:   make(map[string]*sync.Mutex),
	}
}

// requestLock returns the mutex serializing workflow changes for a request.
func (e *WorkflowEngine) requestLock(requestID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[requestID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[requestID] = l
	}
	return l
}

// CreateWorkflow instantiates the canonical task template for a request.
// A request that already has tasks keeps them; creation is idempotent.
func (e *WorkflowEngine) CreateWorkflow(ctx context.Context, requestID string) error {
	l := e.requestLock(requestID)
	l.Lock()
	defer l.Unlock()

	existing, err := e.store.ListTasksByRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	specs := workflow.DefaultTemplate()
	tasks := make([]workflow.Task, len(specs))
	for i, spec := range specs {
		tasks[i] = workflow.Task{
			RequestID:     requestID,
			Type:          spec.Type,
			Stage:         spec.Stage,
			SequenceOrder: spec.SequenceOrder,
			Status:        workflow.StatusPending,
			AssignedAgent: spec.AssignedRole,
			Automated:     spec.Automated,
		}
	}

	if err := e.store.CreateTasks(ctx, tasks); err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	e.log.Info("workflow created", "request_id", requestID, "tasks", len(tasks))
	return nil
}

// ClaimTask hands the next pending task to an agent when it is of the wanted
// type and nothing else is running for the request. Everything else reports
// domain.ErrConflict so callers can treat it as "not my turn".
func (e *WorkflowEngine) ClaimTask(ctx context.Context, requestID string, taskType workflow.TaskType, agent string) (*workflow.Task, error) {
	l := e.requestLock(requestID)
	l.Lock()
	defer l.Unlock()

	tasks, err := e.store.ListTasksByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if workflow.InProgressCount(tasks) > 0 {
		return nil, fmt.Errorf("claim %s for request %s: task already in progress: %w", taskType, requestID, domain.ErrConflict)
	}

	next := workflow.NextPending(tasks)
	if next == nil || next.Type != taskType {
		return nil, fmt.Errorf("claim %s for request %s: not next pending: %w", taskType, requestID, domain.ErrConflict)
	}

	if err := e.store.ClaimTask(ctx, next.ID, agent); err != nil {
		return nil, err
	}
	next.Status = workflow.StatusInProgress
	next.AssignedAgent = agent
	return next, nil
}

// OnTaskCompleted marks a task completed and advances the workflow. An
// unknown task ID is logged and dropped; a task already in a terminal state
// is a no-op. The final completion releases the request.
func (e *WorkflowEngine) OnTaskCompleted(ctx context.Context, taskID, agent string, result json.RawMessage) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.log.Warn("completion for unknown task dropped", "task_id", taskID, "agent", agent)
			return nil
		}
		return fmt.Errorf("task completed: %w", err)
	}

	l := e.requestLock(task.RequestID)
	l.Lock()
	defer l.Unlock()

	if err := e.store.CompleteTask(ctx, taskID, result); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil // duplicate delivery
		}
		return fmt.Errorf("task completed: %w", err)
	}

	if e.metrics != nil {
		e.metrics.TasksCompleted.Add(ctx, 1)
	}
	e.publish(ctx, event.TopicWorkflowTaskCompleted, task.RequestID, event.TaskCompletedPayload{
		RequestID: task.RequestID,
		TaskID:    task.ID,
		TaskType:  string(task.Type),
		Agent:     agent,
	})
	e.log.Info("task completed",
		"request_id", task.RequestID, "task_id", task.ID, "type", task.Type, "agent", agent)

	return e.advance(ctx, task.RequestID, task.Stage)
}

// OnTaskFailed marks a task failed and stalls the workflow; a failed task
// blocks its stage until retried or cancelled.
func (e *WorkflowEngine) OnTaskFailed(ctx context.Context, taskID, agent string, cause error) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.log.Warn("failure for unknown task dropped", "task_id", taskID, "agent", agent)
			return nil
		}
		return fmt.Errorf("task failed: %w", err)
	}

	l := e.requestLock(task.RequestID)
	l.Lock()
	defer l.Unlock()

	if err := e.store.UpdateTaskStatus(ctx, taskID, workflow.StatusFailed, cause.Error()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return fmt.Errorf("task failed: %w", err)
	}

	if e.metrics != nil {
		e.metrics.TasksFailed.Add(ctx, 1)
	}
	e.publish(ctx, event.TopicWorkflowTaskFailed, task.RequestID, event.TaskFailedPayload{
		RequestID: task.RequestID,
		TaskID:    task.ID,
		TaskType:  string(task.Type),
		Agent:     agent,
		Error:     cause.Error(),
	})
	e.log.Error("task failed",
		"request_id", task.RequestID, "task_id", task.ID, "type", task.Type, "error", cause)
	return nil
}

// RetryTask re-enters a failed task as pending (same row, bumped retry
// counter) and republishes the trigger its agent listens for.
func (e *WorkflowEngine) RetryTask(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("retry task: %w", err)
	}

	l := e.requestLock(task.RequestID)
	l.Lock()
	defer l.Unlock()

	if err := e.store.IncrementTaskRetry(ctx, taskID); err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	e.log.Info("task retried", "request_id", task.RequestID, "task_id", taskID, "type", task.Type)

	return e.republishTrigger(ctx, task)
}

// WithdrawRequest cancels every open task and marks the request withdrawn.
// Agents drop claims against cancelled rows, so in-flight work drains
// without extra coordination. Withdrawing a resolved request is a conflict.
func (e *WorkflowEngine) WithdrawRequest(ctx context.Context, requestID, reason string) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("withdraw request: %w", err)
	}
	if !req.Active() {
		return fmt.Errorf("withdraw request %s: %w", requestID, domain.ErrConflict)
	}

	l := e.requestLock(requestID)
	l.Lock()
	defer l.Unlock()

	cancelled, err := e.store.CancelOpenTasks(ctx, requestID)
	if err != nil {
		return fmt.Errorf("withdraw request: %w", err)
	}
	if err := e.store.UpdateRequestStatus(ctx, requestID, request.StatusWithdrawn); err != nil {
		return fmt.Errorf("withdraw request: %w", err)
	}

	e.publish(ctx, event.TopicRequestCancelled, requestID, event.RequestCancelledPayload{
		RequestID:      requestID,
		RequestNumber:  req.RequestNumber,
		Reason:         reason,
		TasksCancelled: cancelled,
	})
	e.log.Info("request withdrawn",
		"request_id", requestID, "tasks_cancelled", cancelled, "reason", reason)
	return nil
}

// Tasks returns the request's workflow in sequence order.
func (e *WorkflowEngine) Tasks(ctx context.Context, requestID string) ([]workflow.Task, error) {
	return e.store.ListTasksByRequest(ctx, requestID)
}

// advance inspects the workflow after a completion. Callers hold the
// request lock.
func (e *WorkflowEngine) advance(ctx context.Context, requestID string, completedStage workflow.Stage) error {
	tasks, err := e.store.ListTasksByRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("advance workflow: %w", err)
	}

	if workflow.AllCompleted(tasks) {
		if err := e.store.UpdateRequestStatus(ctx, requestID, request.StatusReleased); err != nil {
			return fmt.Errorf("advance workflow: %w", err)
		}
		e.publish(ctx, event.TopicWorkflowCompleted, requestID, event.TaskCompletedPayload{RequestID: requestID})
		e.publish(ctx, event.TopicRequestCompleted, requestID, event.RequestCreatedPayload{RequestID: requestID})
		e.log.Info("workflow completed", "request_id", requestID)
		return nil
	}

	// Entering the manual review stage flips the request status so staff
	// queues pick it up.
	if completedStage == workflow.StageClassification && workflow.StageDone(tasks, workflow.StageClassification) {
		if err := e.store.UpdateRequestStatus(ctx, requestID, request.StatusReview); err != nil {
			return fmt.Errorf("advance workflow: %w", err)
		}
		e.log.Info("request entered review", "request_id", requestID)
	}
	return nil
}

// republishTrigger re-emits the event that originally drove the task so its
// agent picks the retried row back up. Manual tasks need none.
func (e *WorkflowEngine) republishTrigger(ctx context.Context, task *workflow.Task) error {
	switch task.Type {
	case workflow.TaskDocumentRetrieval:
		req, err := e.store.GetRequest(ctx, task.RequestID)
		if err != nil {
			return fmt.Errorf("republish trigger: %w", err)
		}
		e.publish(ctx, event.TopicRequestCreated, task.RequestID, event.RequestCreatedPayload{
			RequestID:     req.ID,
			RequestNumber: req.RequestNumber,
			Description:   req.Description,
			SearchTerms:   req.Filters.SearchTerms,
			Departments:   req.Filters.Departments,
			DateFrom:      req.Filters.DateFrom,
			DateTo:        req.Filters.DateTo,
		})
	case workflow.TaskEmailRetrieval:
		e.publish(ctx, event.TopicWorkflowTaskCompleted, task.RequestID, event.TaskCompletedPayload{
			RequestID: task.RequestID,
			TaskType:  string(workflow.TaskDocumentRetrieval),
		})
	case workflow.TaskClassification:
		e.publish(ctx, event.TopicWorkflowTaskCompleted, task.RequestID, event.TaskCompletedPayload{
			RequestID: task.RequestID,
			TaskType:  string(workflow.TaskEmailRetrieval),
		})
	}
	return nil
}

func (e *WorkflowEngine) publish(ctx context.Context, topic event.Topic, correlationID string, payload any) {
	ev, err := event.New(topic, engineName, correlationID, payload)
	if err != nil {
		e.log.Error("event encode failed", "topic", topic, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.log.Error("event publish failed", "topic", topic, "error", err)
	}
}
