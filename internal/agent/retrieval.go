package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/iaintheardofu/Tronas/internal/adapter/otel"
	"github.com/iaintheardofu/Tronas/internal/config"
	"github.com/iaintheardofu/Tronas/internal/domain"
	"github.com/iaintheardofu/Tronas/internal/domain/document"
	"github.com/iaintheardofu/Tronas/internal/domain/event"
	"github.com/iaintheardofu/Tronas/internal/domain/workflow"
	"github.com/iaintheardofu/Tronas/internal/port/bus"
	"github.com/iaintheardofu/Tronas/internal/port/database"
	"github.com/iaintheardofu/Tronas/internal/port/source"
	"github.com/iaintheardofu/Tronas/internal/resilience"
)

// DocumentRetrievalName is the registered name of the document retrieval agent.
const DocumentRetrievalName = "document-retrieval"

// DocumentRetrieval reacts to requests.created events: it claims the
// document retrieval task, searches the document provider with the request's
// filters, fetches matches concurrently, deduplicates by content hash, and
// persists the survivors.
type DocumentRetrieval struct {
	*Runner
	log     *slog.Logger
	bus     bus.Bus
	store   database.Store
	board   TaskBoard
	source  source.DocumentSource
	dedup   Deduper
	breaker *resilience.Breaker
	metrics *otel.Metrics
	cfg     config.Retrieval

	cancelSub func()
}

// NewDocumentRetrieval wires the document retrieval agent. breaker, dedup,
// and metrics may be nil.
func NewDocumentRetrieval(log *slog.Logger, b bus.Bus, store database.Store, board TaskBoard, src source.DocumentSource, dedup Deduper, breaker *resilience.Breaker, metrics *otel.Metrics, agents config.Agents) *DocumentRetrieval {
	a := &DocumentRetrieval{
		log:     log.With("agent", DocumentRetrievalName),
		bus:     b,
		store:   store,
		board:   board,
		source:  src,
		dedup:   dedup,
		breaker: breaker,
		metrics: metrics,
		cfg:     agents.Retrieval,
	}
	a.Runner = NewRunner(DocumentRetrievalName, log, b, Options{
		HeartbeatInterval: agents.HeartbeatInterval,
		OnStart:           a.subscribe,
		OnStop:            a.unsubscribe,
	})
	return a
}

func (a *DocumentRetrieval) subscribe(context.Context) error {
	cancel, err := a.bus.Subscribe(DocumentRetrievalName, []event.Topic{event.TopicRequestCreated}, a.onRequestCreated)
	if err != nil {
		return err
	}
	a.cancelSub = cancel
	return nil
}

func (a *DocumentRetrieval) unsubscribe(context.Context) error {
	if a.cancelSub != nil {
		a.cancelSub()
		a.cancelSub = nil
	}
	return nil
}

func (a *DocumentRetrieval) onRequestCreated(ctx context.Context, ev event.Event) error {
	var payload event.RequestCreatedPayload
	if err := ev.Decode(&payload); err != nil {
		return err
	}

	task, err := a.board.ClaimTask(ctx, payload.RequestID, workflow.TaskDocumentRetrieval, DocumentRetrievalName)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil // not our turn, or already claimed
		}
		return err
	}

	summary, err := a.retrieve(ctx, &payload, task.ID)
	if err != nil {
		if failErr := a.board.OnTaskFailed(ctx, task.ID, DocumentRetrievalName, err); failErr != nil {
			a.log.Error("task failure report failed", "task_id", task.ID, "error", failErr)
		}
		return fmt.Errorf("retrieve documents for %s: %w", payload.RequestID, err)
	}

	result, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return a.board.OnTaskCompleted(ctx, task.ID, DocumentRetrievalName, result)
}

// retrieve runs the provider search and the concurrent fetch pipeline. An
// individual fetch failure is counted, not fatal; a search failure is.
func (a *DocumentRetrieval) retrieve(ctx context.Context, payload *event.RequestCreatedPayload, taskID string) (*event.RetrievalSummaryPayload, error) {
	filters := source.Filters{
		Terms:       payload.SearchTerms,
		Departments: payload.Departments,
		DateFrom:    payload.DateFrom,
		DateTo:      payload.DateTo,
	}

	var artifacts []source.Artifact
	err := a.execute(ctx, func(ctx context.Context) error {
		var searchErr error
		artifacts, searchErr = a.source.Search(ctx, filters)
		return searchErr
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	summary := event.RetrievalSummaryPayload{RequestID: payload.RequestID, TaskID: taskID}
	var mu sync.Mutex
	sem := semaphore.NewWeighted(max(a.cfg.MaxConcurrentFetches, 1))
	var wg sync.WaitGroup

	for _, art := range artifacts {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(art source.Artifact) {
			defer wg.Done()
			defer sem.Release(1)

			outcome := a.fetchOne(ctx, payload.RequestID, art)
			mu.Lock()
			switch outcome {
			case fetchStored:
				summary.Retrieved++
			case fetchDuplicate:
				summary.Duplicates++
			case fetchFailed:
				summary.Failed++
			}
			mu.Unlock()
		}(art)
	}
	wg.Wait()

	if a.metrics != nil {
		a.metrics.DocumentsRetrieved.Add(ctx, int64(summary.Retrieved))
	}
	a.AddItems(summary.Retrieved)

	publishEvent(ctx, a.log, a.bus, event.TopicDocumentsRetrieved, DocumentRetrievalName, payload.RequestID, summary)
	a.log.Info("document retrieval finished",
		"request_id", payload.RequestID,
		"retrieved", summary.Retrieved, "duplicates", summary.Duplicates, "failed", summary.Failed)
	return &summary, nil
}

type fetchOutcome int

const (
	fetchStored fetchOutcome = iota
	fetchDuplicate
	fetchFailed
)

func (a *DocumentRetrieval) fetchOne(ctx context.Context, requestID string, art source.Artifact) fetchOutcome {
	fetchCtx := ctx
	if a.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, a.cfg.FetchTimeout)
		defer cancel()
	}

	var content *source.Content
	err := a.execute(fetchCtx, func(ctx context.Context) error {
		var fetchErr error
		content, fetchErr = a.source.Fetch(ctx, art.Ref)
		return fetchErr
	})
	if err != nil {
		a.log.Warn("fetch failed", "request_id", requestID, "ref", art.Ref, "error", err)
		return fetchFailed
	}

	sum := sha256.Sum256(content.Data)
	hash := hex.EncodeToString(sum[:])

	if a.dedup != nil && a.dedup.Seen(ctx, requestID, hash) {
		return fetchDuplicate
	}
	exists, err := a.store.DocumentHashExists(ctx, requestID, hash)
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

	doc := &document.Document{
		RequestID:   requestID,
		Name:        art.Name,
		Source:      art.Source,
		Ref:         art.Ref,
		ContentHash: hash,
		SizeBytes:   int64(len(content.Data)),
		Status:      document.StatusPending,
		RetrievedAt: time.Now().UTC(),
	}
	if err := a.store.CreateDocument(ctx, doc); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return fetchDuplicate // raced with another fetch of the same content
		}
		a.log.Warn("document store failed", "request_id", requestID, "name", art.Name, "error", err)
		return fetchFailed
	}
	if a.dedup != nil {
		a.dedup.Record(ctx, requestID, hash)
	}
	return fetchStored
}

// execute runs fn through the provider circuit breaker when one is set.
func (a *DocumentRetrieval) execute(ctx context.Context, fn func(context.Context) error) error {
	if a.breaker != nil {
		return a.breaker.Execute(ctx, fn)
	}
	return fn(ctx)
}
