package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iaintheardofu/Tronas/internal/config"
	"github.com/iaintheardofu/Tronas/internal/domain"
	"github.com/iaintheardofu/Tronas/internal/domain/email"
	"github.com/iaintheardofu/Tronas/internal/domain/event"
	"github.com/iaintheardofu/Tronas/internal/domain/workflow"
	"github.com/iaintheardofu/Tronas/internal/port/bus"
	"github.com/iaintheardofu/Tronas/internal/port/database"
	"github.com/iaintheardofu/Tronas/internal/port/source"
	"github.com/iaintheardofu/Tronas/internal/resilience"
)

// EmailRetrievalName is the registered name of the email retrieval agent.
const EmailRetrievalName = "email-retrieval"

// EmailRetrieval waits for the document retrieval task to complete, then
// claims the email retrieval task and searches the configured mailboxes with
// the request's filters. Messages are deduplicated by a hash of subject,
// sender, and body.
type EmailRetrieval struct {
	*Runner
	log     *slog.Logger
	bus     bus.Bus
	store   database.Store
	board   TaskBoard
	source  source.EmailSource
	dedup   Deduper
	breaker *resilience.Breaker

	cancelSub func()
}

// NewEmailRetrieval wires the email retrieval agent. breaker and dedup may
// be nil.
func NewEmailRetrieval(log *slog.Logger, b bus.Bus, store database.Store, board TaskBoard, src source.EmailSource, dedup Deduper, breaker *resilience.Breaker, agents config.Agents) *EmailRetrieval {
	a := &EmailRetrieval{
		log:     log.With("agent", EmailRetrievalName),
		bus:     b,
		store:   store,
		board:   board,
		source:  src,
		dedup:   dedup,
		breaker: breaker,
	}
	a.Runner = NewRunner(EmailRetrievalName, log, b, Options{
		HeartbeatInterval: agents.HeartbeatInterval,
		OnStart:           a.subscribe,
		OnStop:            a.unsubscribe,
	})
	return a
}

func (a *EmailRetrieval) subscribe(context.Context) error {
	cancel, err := a.bus.Subscribe(EmailRetrievalName, []event.Topic{event.TopicWorkflowTaskCompleted}, a.onTaskCompleted)
	if err != nil {
		return err
	}
	a.cancelSub = cancel
	return nil
}

func (a *EmailRetrieval) unsubscribe(context.Context) error {
	if a.cancelSub != nil {
		a.cancelSub()
		a.cancelSub = nil
	}
	return nil
}

func (a *EmailRetrieval) onTaskCompleted(ctx context.Context, ev event.Event) error {
	var payload event.TaskCompletedPayload
	if err := ev.Decode(&payload); err != nil {
		return err
	}
	if payload.TaskType != string(workflow.TaskDocumentRetrieval) {
		return nil // only the document stage unblocks us
	}

	task, err := a.board.ClaimTask(ctx, payload.RequestID, workflow.TaskEmailRetrieval, EmailRetrievalName)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}

	summary, err := a.retrieve(ctx, payload.RequestID, task.ID)
	if err != nil {
		if failErr := a.board.OnTaskFailed(ctx, task.ID, EmailRetrievalName, err); failErr != nil {
			a.log.Error("task failure report failed", "task_id", task.ID, "error", failErr)
		}
		return fmt.Errorf("retrieve emails for %s: %w", payload.RequestID, err)
	}

	result, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return a.board.OnTaskCompleted(ctx, task.ID, EmailRetrievalName, result)
}

func (a *EmailRetrieval) retrieve(ctx context.Context, requestID, taskID string) (*event.RetrievalSummaryPayload, error) {
	req, err := a.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}

	filters := source.Filters{
		Terms:       req.Filters.SearchTerms,
		Departments: req.Filters.Departments,
		DateFrom:    req.Filters.DateFrom,
		DateTo:      req.Filters.DateTo,
	}

	var messages []source.EmailMessage
	err = a.execute(ctx, func(ctx context.Context) error {
		var searchErr error
		messages, searchErr = a.source.SearchMessages(ctx, filters)
		return searchErr
	})
	if err != nil {
		return nil, fmt.Errorf("search mailboxes: %w", err)
	}

	summary := event.RetrievalSummaryPayload{RequestID: requestID, TaskID: taskID}
	for _, msg := range messages {
		switch a.storeOne(ctx, requestID, msg) {
		case fetchStored:
			summary.Retrieved++
		case fetchDuplicate:
			summary.Duplicates++
		case fetchFailed:
			summary.Failed++
		}
	}

	a.AddItems(summary.Retrieved)
	publishEvent(ctx, a.log, a.bus, event.TopicEmailsRetrieved, EmailRetrievalName, requestID, summary)
	a.log.Info("email retrieval finished",
		"request_id", requestID,
		"retrieved", summary.Retrieved, "duplicates", summary.Duplicates, "failed", summary.Failed)
	return &summary, nil
}

func (a *EmailRetrieval) storeOne(ctx context.Context, requestID string, msg source.EmailMessage) fetchOutcome {
	hash := messageHash(msg)

	if a.dedup != nil && a.dedup.Seen(ctx, requestID, hash) {
		return fetchDuplicate
	}
	exists, err := a.store.EmailHashExists(ctx, requestID, hash)
	if err != nil {
		a.log.Warn("hash lookup failed", "request_id", requestID, "error", err)
		return fetchFailed
	}
	if exists {
		if a.dedup != nil {
			a.dedup.Record(ctx, requestID, hash)
		}
		return fetchDuplicate
	}

	rec := &email.Record{
		RequestID:   requestID,
		Subject:     msg.Subject,
		Sender:      msg.Sender,
		Recipients:  msg.Recipients,
		Mailbox:     msg.Mailbox,
		ContentHash: hash,
		SentAt:      msg.SentAt,
		RetrievedAt: time.Now().UTC(),
	}
	if err := a.store.CreateEmail(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return fetchDuplicate
		}
		a.log.Warn("email store failed", "request_id", requestID, "subject", msg.Subject, "error", err)
		return fetchFailed
	}
	if a.dedup != nil {
		a.dedup.Record(ctx, requestID, hash)
	}
	return fetchStored
}

// messageHash normalizes subject, sender, and body before hashing so the
// same message found in two mailboxes collapses to one record.
func messageHash(msg source.EmailMessage) string {
	h := sha256.New()
	for _, part := range []string{msg.Subject, msg.Sender, msg.Body} {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(part))))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (a *EmailRetrieval) execute(ctx context.Context, fn func(context.Context) error) error {
	if a.breaker != nil {
		return a.breaker.Execute(ctx, fn)
	}
	return fn(ctx)
}
