package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/iaintheardofu/Tronas/internal/adapter/membus"
	"github.com/iaintheardofu/Tronas/internal/agent"
	"github.com/iaintheardofu/Tronas/internal/domain/deadline"
	"github.com/iaintheardofu/Tronas/internal/domain/event"
	"github.com/iaintheardofu/Tronas/internal/domain/request"
	"github.com/iaintheardofu/Tronas/internal/domain/workflow"
	"github.com/iaintheardofu/Tronas/internal/port/database"
)

// WorkflowService is the slice of the workflow engine the API consumes.
type WorkflowService interface {
	Tasks(ctx context.Context, requestID string) ([]workflow.Task, error)
	ClaimTask(ctx context.Context, requestID string, taskType workflow.TaskType, agent string) (*workflow.Task, error)
	OnTaskCompleted(ctx context.Context, taskID, agent string, result json.RawMessage) error
	RetryTask(ctx context.Context, taskID string) error
	WithdrawRequest(ctx context.Context, requestID, reason string) error
}

// AgentSupervisor is the slice of the orchestrator the API consumes.
type AgentSupervisor interface {
	Statuses() []agent.Status
	Restart(ctx context.Context, name string) error
	PauseAll()
	ResumeAll()
}

// EventHistory serves the recent-events endpoint. Only the in-memory bus
// retains history; the field is nil under the NATS driver.
type EventHistory interface {
	Recent(q membus.HistoryQuery) []event.Event
}

// Handlers bundles the dependencies for all HTTP handlers.
type Handlers struct {
	log           *slog.Logger
	store         database.Store
	engine        WorkflowService
	supervisor    AgentSupervisor
	cal           *deadline.Calendar
	extensionDays int
	history       EventHistory
}

// NewHandlers creates the handler set. history may be nil.
func NewHandlers(log *slog.Logger, store database.Store, engine WorkflowService, supervisor AgentSupervisor, cal *deadline.Calendar, extensionDays int, history EventHistory) *Handlers {
	return &Handlers{
		log:           log,
		store:         store,
		engine:        engine,
		supervisor:    supervisor,
		cal:           cal,
		extensionDays: extensionDays,
		history:       history,
	}
}

// Health responds to liveness probes.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateRequest intakes a new PIA request. The request monitor picks it up
// on its next poll.
func (h *Handlers) CreateRequest(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[request.CreateRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, body.RequesterName, "requester_name") {
		return
	}
	if !requireField(w, body.Description, "description") {
		return
	}
	priority := body.Priority
	if priority == "" {
		priority = request.PriorityStandard
	}

	req := &request.Request{
		RequesterName: body.RequesterName,
		Description:   body.Description,
		Filters:       body.Filters,
		Status:        request.StatusReceived,
		Priority:      priority,
		DateReceived:  time.Now().UTC(),
	}
	if err := h.store.CreateRequest(r.Context(), req); err != nil {
		writeDomainError(w, err, "request not found")
		return
	}

	h.log.Info("request created", "request_id", req.ID, "request_number", req.RequestNumber)
	writeJSON(w, http.StatusCreated, req)
}

// requestDetail is the GET /requests/{id} response shape.
type requestDetail struct {
	Request  *request.Request `json:"request"`
	Deadline *deadline.Record `json:"deadline,omitempty"`
}

// GetRequest returns one request with its deadline record.
func (h *Handlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, err := h.store.GetRequest(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "request not found")
		return
	}

	detail := requestDetail{Request: req}
	if rec, err := h.store.GetDeadline(r.Context(), id); err == nil {
		detail.Deadline = rec
	}
	writeJSON(w, http.StatusOK, detail)
}

// ListRequests returns requests filtered by ?status=, or all active ones.
func (h *Handlers) ListRequests(w http.ResponseWriter, r *http.Request) {
	var (
		requests []request.Request
		err      error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		requests, err = h.store.ListRequestsByStatus(r.Context(), request.Status(status))
	} else {
		requests, err = h.store.ListActiveRequests(r.Context())
	}
	if err != nil {
		writeDomainError(w, err, "requests not found")
		return
	}
	if requests == nil {
		requests = []request.Request{}
	}
	writeJSON(w, http.StatusOK, requests)
}

// GetWorkflow returns a request's task sequence in order.
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if _, err := h.store.GetRequest(r.Context(), id); err != nil {
		writeDomainError(w, err, "request not found")
		return
	}

	tasks, err := h.engine.Tasks(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "workflow not found")
		return
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].SequenceOrder < tasks[j].SequenceOrder })
	writeJSON(w, http.StatusOK, tasks)
}

// ExtendDeadline grants the one-time statutory extension.
func (h *Handlers) ExtendDeadline(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	rec, err := h.store.GetDeadline(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "deadline record not found")
		return
	}
	if rec.ExtensionDeadline != nil {
		writeError(w, http.StatusConflict, "extension already granted")
		return
	}

	rec.Extend(h.cal, h.extensionDays)
	if err := h.store.SetExtensionDeadline(r.Context(), id, *rec.ExtensionDeadline); err != nil {
		writeDomainError(w, err, "deadline record not found")
		return
	}

	h.log.Info("extension granted",
		"request_id", id, "extension_deadline", rec.ExtensionDeadline.Format("2006-01-02"))
	writeJSON(w, http.StatusOK, rec)
}

// withdrawRequestBody carries the optional withdrawal reason.
type withdrawRequestBody struct {
	Reason string `json:"reason,omitempty"`
}

// WithdrawRequest cancels a request's open tasks and marks it withdrawn.
// Withdrawing an already-resolved request returns 409.
func (h *Handlers) WithdrawRequest(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	var body withdrawRequestBody
	if r.ContentLength > 0 {
		var ok bool
		body, ok = readJSON[withdrawRequestBody](w, r)
		if !ok {
			return
		}
	}

	if err := h.engine.WithdrawRequest(r.Context(), id, body.Reason); err != nil {
		writeDomainError(w, err, "request not found")
		return
	}

	h.log.Info("request withdrawn", "request_id", id, "reason", body.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(request.StatusWithdrawn)})
}

// completeTaskRequest is the manual review/approval completion body.
type completeTaskRequest struct {
	CompletedBy string `json:"completed_by"`
	Notes       string `json:"notes,omitempty"`
}

// CompleteTask completes a manual workflow task (department review,
// leadership approval). It claims first, so a task completed out of sequence
// is refused with 409.
func (h *Handlers) CompleteTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	body, ok := readJSON[completeTaskRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, body.CompletedBy, "completed_by") {
		return
	}

	task, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	if task.Automated {
		writeError(w, http.StatusBadRequest, "automated tasks are completed by their agents")
		return
	}

	if _, err := h.engine.ClaimTask(r.Context(), task.RequestID, task.Type, body.CompletedBy); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}

	result, err := json.Marshal(body)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	if err := h.engine.OnTaskCompleted(r.Context(), id, body.CompletedBy, result); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// RetryTask re-queues a failed task.
func (h *Handlers) RetryTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.engine.RetryTask(r.Context(), id); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

// AgentStatuses returns every agent's health snapshot.
func (h *Handlers) AgentStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.supervisor.Statuses())
}

// RestartAgent manually restarts one agent by name.
func (h *Handlers) RestartAgent(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")
	if err := h.supervisor.Restart(r.Context(), name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

// PauseAgents pauses all running agents.
func (h *Handlers) PauseAgents(w http.ResponseWriter, _ *http.Request) {
	h.supervisor.PauseAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// ResumeAgents resumes all paused agents.
func (h *Handlers) ResumeAgents(w http.ResponseWriter, _ *http.Request) {
	h.supervisor.ResumeAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// RecentEvents returns retained bus events, newest first. Available only
// with the in-memory bus driver.
func (h *Handlers) RecentEvents(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "event history requires the in-memory bus driver")
		return
	}

	q := membus.HistoryQuery{
		Topic:         event.Topic(r.URL.Query().Get("topic")),
		Source:        r.URL.Query().Get("source"),
		CorrelationID: r.URL.Query().Get("correlation_id"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}

	events := h.history.Recent(q)
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
