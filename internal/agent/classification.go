package agent

import (
	"context"
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
	"github.com/iaintheardofu/Tronas/internal/port/classifier"
	"github.com/iaintheardofu/Tronas/internal/port/database"
	"github.com/iaintheardofu/Tronas/internal/port/source"
)

// ClassificationName is the registered name of the classification agent.
const ClassificationName = "classification"

// maxClassifyAttempts is the number of poll cycles a document may fail
// classification before it is marked failed and removed from the pending
// pool. Transient failures before that leave the document pending for the
// next cycle.
const maxClassifyAttempts = 5

// Classification claims a request's classification task when email retrieval
// completes, then drains the request's pending documents in polled batches
// through the external classifier. The task completes when no pending
// documents remain.
type Classification struct {
	*Runner
	log        *slog.Logger
	bus        bus.Bus
	store      database.Store
	board      TaskBoard
	source     source.DocumentSource
	classifier classifier.Classifier
	metrics    *otel.Metrics
	cfg        config.Classification

	cancelSub func()

	mu       sync.Mutex
	claimed  map[string]string // request ID -> claimed task ID
	failures map[string]int    // document ID -> consecutive failed cycles
}

// NewClassification wires the classification agent. metrics may be nil.
func NewClassification(log *slog.Logger, b bus.Bus, store database.Store, board TaskBoard, src source.DocumentSource, cl classifier.Classifier, metrics *otel.Metrics, agents config.Agents) *Classification {
	a := &Classification{
		log:        log.With("agent", ClassificationName),
		bus:        b,
		store:      store,
		board:      board,
		source:     src,
		classifier: cl,
		metrics:    metrics,
		cfg:        agents.Classification,
		claimed:    make(map[string]string),
		failures:   make(map[string]int),
	}
	a.Runner = NewRunner(ClassificationName, log, b, Options{
		Interval:          agents.Classification.PollInterval,
		HeartbeatInterval: agents.HeartbeatInterval,
		Run:               a.run,
		OnStart:           a.subscribe,
		OnStop:            a.unsubscribe,
	})
	return a
}

func (a *Classification) subscribe(context.Context) error {
	cancel, err := a.bus.Subscribe(ClassificationName, []event.Topic{event.TopicWorkflowTaskCompleted}, a.onTaskCompleted)
	if err != nil {
		return err
	}
	a.cancelSub = cancel
	return nil
}

func (a *Classification) unsubscribe(context.Context) error {
	if a.cancelSub != nil {
		a.cancelSub()
		a.cancelSub = nil
	}
	return nil
}

// onTaskCompleted claims the classification task as soon as the retrieval
// stage finishes; the poll loop does the actual draining.
func (a *Classification) onTaskCompleted(ctx context.Context, ev event.Event) error {
	var payload event.TaskCompletedPayload
	if err := ev.Decode(&payload); err != nil {
		return err
	}
	if payload.TaskType != string(workflow.TaskEmailRetrieval) {
		return nil
	}

	task, err := a.board.ClaimTask(ctx, payload.RequestID, workflow.TaskClassification, ClassificationName)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}

	a.mu.Lock()
	a.claimed[payload.RequestID] = task.ID
	a.mu.Unlock()
	a.log.Info("classification task claimed", "request_id", payload.RequestID, "task_id", task.ID)
	return nil
}

func (a *Classification) run(ctx context.Context) (int, error) {
	docs, err := a.store.ListUnclassifiedDocuments(ctx, a.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending documents: %w", err)
	}

	classified := 0
	if len(docs) > 0 {
		classified = a.classifyBatch(ctx, docs)
	}

	if err := a.completeDrained(ctx); err != nil {
		return classified, err
	}
	return classified, nil
}

// classifyBatch runs the batch through the classifier with bounded
// concurrency and reports per-request batch results on the bus.
func (a *Classification) classifyBatch(ctx context.Context, docs []document.Document) int {
	descriptions := a.loadDescriptions(ctx, docs)

	var mu sync.Mutex
	outcomes := make(map[string][]event.DocumentOutcome)
	succeeded := 0

	sem := semaphore.NewWeighted(max(a.cfg.MaxConcurrentCalls, 1))
	var wg sync.WaitGroup
	for i := range docs {
		doc := docs[i]
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			outcome := a.classifyOne(ctx, &doc, descriptions[doc.RequestID])
			mu.Lock()
			outcomes[doc.RequestID] = append(outcomes[doc.RequestID], outcome)
			if outcome.Error == "" {
				succeeded++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	a.mu.Lock()
	claimed := make(map[string]string, len(a.claimed))
	for k, v := range a.claimed {
		claimed[k] = v
	}
	a.mu.Unlock()

	for requestID, batch := range outcomes {
		payload := event.ClassificationCompletePayload{
			RequestID: requestID,
			TaskID:    claimed[requestID],
			Outcomes:  batch,
		}
		for _, o := range batch {
			if o.Error == "" {
				payload.Succeeded++
			} else {
				payload.Failed++
			}
		}
		publishEvent(ctx, a.log, a.bus, event.TopicClassificationComplete, ClassificationName, requestID, payload)
	}
	return succeeded
}

func (a *Classification) classifyOne(ctx context.Context, doc *document.Document, requestContext string) event.DocumentOutcome {
	callCtx := ctx
	if a.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	text, err := a.fetchText(callCtx, doc)
	var res *classifier.Result
	if err == nil {
		res, err = a.classifier.Classify(callCtx, text, requestContext)
	}
	if a.metrics != nil {
		a.metrics.ClassifyDuration.Record(ctx, time.Since(start).Seconds())
	}

	if err != nil {
		return a.recordFailure(ctx, doc, err)
	}

	c := &document.Classification{
		Label:          document.Label(res.Label),
		Confidence:     res.Confidence,
		Exemptions:     res.Exemptions,
		Reasoning:      res.Reasoning,
		NeedsRedaction: len(res.Exemptions) > 0,
	}
	if err := a.store.UpdateDocumentClassification(ctx, doc.ID, c); err != nil {
		return a.recordFailure(ctx, doc, fmt.Errorf("store classification: %w", err))
	}

	a.mu.Lock()
	delete(a.failures, doc.ID)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.DocumentsClassified.Add(ctx, 1)
	}
	a.AddItems(1)
	return event.DocumentOutcome{
		DocumentID:     doc.ID,
		Label:          res.Label,
		Confidence:     res.Confidence,
		Exemptions:     res.Exemptions,
		NeedsRedaction: c.NeedsRedaction,
	}
}

// recordFailure leaves the document pending for the next cycle until the
// attempt cap is reached, then marks it failed so one poisoned document
// cannot pin its request's classification stage forever.
func (a *Classification) recordFailure(ctx context.Context, doc *document.Document, cause error) event.DocumentOutcome {
	a.mu.Lock()
	a.failures[doc.ID]++
	attempts := a.failures[doc.ID]
	a.mu.Unlock()

	a.log.Warn("classification failed",
		"document_id", doc.ID, "request_id", doc.RequestID, "attempts", attempts, "error", cause)

	if attempts >= maxClassifyAttempts {
		if err := a.store.MarkDocumentFailed(ctx, doc.ID, cause.Error()); err != nil {
			a.log.Error("mark document failed", "document_id", doc.ID, "error", err)
		}
		a.mu.Lock()
		delete(a.failures, doc.ID)
		a.mu.Unlock()
	}
	return event.DocumentOutcome{DocumentID: doc.ID, Error: cause.Error()}
}

func (a *Classification) fetchText(ctx context.Context, doc *document.Document) (string, error) {
	content, err := a.source.Fetch(ctx, doc.Ref)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", doc.Ref, err)
	}
	return string(content.Data), nil
}

// loadDescriptions resolves the request description for each distinct
// request in the batch; it is passed to the classifier as context.
func (a *Classification) loadDescriptions(ctx context.Context, docs []document.Document) map[string]string {
	descriptions := make(map[string]string)
	for i := range docs {
		id := docs[i].RequestID
		if _, ok := descriptions[id]; ok {
			continue
		}
		req, err := a.store.GetRequest(ctx, id)
		if err != nil {
			a.log.Warn("request lookup failed", "request_id", id, "error", err)
			descriptions[id] = ""
			continue
		}
		descriptions[id] = req.Description
	}
	return descriptions
}

// completeDrained completes every claimed task whose request has no pending
// documents left.
func (a *Classification) completeDrained(ctx context.Context) error {
	a.mu.Lock()
	claimed := make(map[string]string, len(a.claimed))
	for k, v := range a.claimed {
		claimed[k] = v
	}
	a.mu.Unlock()

	var firstErr error
	for requestID, taskID := range claimed {
		pending, err := a.store.CountPendingDocuments(ctx, requestID)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("count pending for %s: %w", requestID, err)
			}
			continue
		}
		if pending > 0 {
			continue
		}

		result, _ := json.Marshal(map[string]int{"pending": 0})
		if err := a.board.OnTaskCompleted(ctx, taskID, ClassificationName, result); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		a.mu.Lock()
		delete(a.claimed, requestID)
		a.mu.Unlock()
		a.log.Info("classification stage drained", "request_id", requestID, "task_id", taskID)
	}
	return firstErr
}
