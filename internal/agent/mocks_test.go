package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/iaintheardofu/Tronas/internal/domain"
	"github.com/iaintheardofu/Tronas/internal/domain/deadline"
	"github.com/iaintheardofu/Tronas/internal/domain/document"
	"github.com/iaintheardofu/Tronas/internal/domain/email"
	"github.com/iaintheardofu/Tronas/internal/domain/request"
	"github.com/iaintheardofu/Tronas/internal/domain/workflow"
	"github.com/iaintheardofu/Tronas/internal/port/classifier"
	"github.com/iaintheardofu/Tronas/internal/port/database"
	"github.com/iaintheardofu/Tronas/internal/port/source"
)

// mockStore is an in-memory database.Store covering what the agents touch.
type mockStore struct {
	mu        sync.Mutex
	requests  map[string]*request.Request
	tasks     map[string][]workflow.Task
	documents map[string]*document.Document
	emails    map[string]*email.Record
	deadlines map[string]*deadline.Record

	listRequestsErr error
	nextDocID       int
}

var _ database.Store = (*mockStore)(nil)

func newMockStore() *mockStore {
	return &mockStore{
		requests:  make(map[string]*request.Request),
		tasks:     make(map[string][]workflow.Task),
		documents: make(map[string]*document.Document),
		emails:    make(map[string]*email.Record),
		deadlines: make(map[string]*deadline.Record),
	}
}

func (s *mockStore) CreateRequest(_ context.Context, req *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

func (s *mockStore) GetRequest(_ context.Context, id string) (*request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *req
	return &clone, nil
}

func (s *mockStore) ListRequestsByStatus(_ context.Context, status request.Status) ([]request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listRequestsErr != nil {
		return nil, s.listRequestsErr
	}
	var out []request.Request
	for _, req := range s.requests {
		if req.Status == status {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (s *mockStore) ListActiveRequests(context.Context) ([]request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []request.Request
	for _, req := range s.requests {
		if req.Active() {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (s *mockStore) UpdateRequestStatus(_ context.Context, id string, status request.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return domain.ErrNotFound
	}
	req.Status = status
	return nil
}

func (s *mockStore) CreateTasks(_ context.Context, tasks []workflow.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		s.tasks[task.RequestID] = append(s.tasks[task.RequestID], task)
	}
	return nil
}
func (s *mockStore) GetTask(context.Context, string) (*workflow.Task, error) { return nil, domain.ErrNotFound }
func (s *mockStore) ListTasksByRequest(_ context.Context, requestID string) ([]workflow.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workflow.Task(nil), s.tasks[requestID]...), nil
}
func (s *mockStore) ClaimTask(context.Context, string, string) error { return nil }
func (s *mockStore) UpdateTaskStatus(context.Context, string, workflow.Status, string) error {
	return nil
}
func (s *mockStore) CompleteTask(context.Context, string, json.RawMessage) error { return nil }
func (s *mockStore) IncrementTaskRetry(context.Context, string) error            { return nil }
func (s *mockStore) CancelOpenTasks(context.Context, string) (int, error)        { return 0, nil }

func (s *mockStore) CreateDocument(_ context.Context, doc *document.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.documents {
		if existing.RequestID == doc.RequestID && existing.ContentHash == doc.ContentHash {
			return domain.ErrConflict
		}
	}
	s.nextDocID++
	doc.ID = fmt.Sprintf("doc-%d", s.nextDocID)
	clone := *doc
	s.documents[doc.ID] = &clone
	return nil
}

func (s *mockStore) ListUnclassifiedDocuments(_ context.Context, limit int) ([]document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []document.Document
	for _, doc := range s.documents {
		if doc.Status == document.StatusPending {
			out = append(out, *doc)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *mockStore) CountPendingDocuments(_ context.Context, requestID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, doc := range s.documents {
		if doc.RequestID == requestID && doc.Status == document.StatusPending {
			n++
		}
	}
	return n, nil
}

func (s *mockStore) UpdateDocumentClassification(_ context.Context, id string, c *document.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	doc.Status = document.StatusClassified
	doc.Classification = c
	doc.ClassifiedAt = &now
	return nil
}

func (s *mockStore) MarkDocumentFailed(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return domain.ErrNotFound
	}
	doc.Status = document.StatusFailed
	doc.Error = errMsg
	return nil
}

func (s *mockStore) DocumentHashExists(_ context.Context, requestID, contentHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.documents {
		if doc.RequestID == requestID && doc.ContentHash == contentHash {
			return true, nil
		}
	}
	return false, nil
}

func (s *mockStore) CreateEmail(_ context.Context, rec *email.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.RequestID + ":" + rec.ContentHash
	if _, ok := s.emails[key]; ok {
		return domain.ErrConflict
	}
	clone := *rec
	s.emails[key] = &clone
	return nil
}

func (s *mockStore) EmailHashExists(_ context.Context, requestID, contentHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.emails[requestID+":"+contentHash]
	return ok, nil
}

func (s *mockStore) CreateDeadline(_ context.Context, rec *deadline.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadlines[rec.RequestID]; ok {
		return domain.ErrConflict
	}
	clone := *rec
	s.deadlines[rec.RequestID] = &clone
	return nil
}

func (s *mockStore) GetDeadline(_ context.Context, requestID string) (*deadline.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.deadlines[requestID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *mockStore) ListDeadlinesForActiveRequests(context.Context) ([]deadline.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []deadline.Record
	for _, rec := range s.deadlines {
		if req, ok := s.requests[rec.RequestID]; ok && !req.Active() {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *mockStore) UpdateThresholdsFired(_ context.Context, requestID string, fired []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.deadlines[requestID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.ThresholdsFired = append([]int(nil), fired...)
	return nil
}

func (s *mockStore) SetExtensionDeadline(_ context.Context, requestID string, extension time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.deadlines[requestID]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.ExtensionDeadline != nil {
		return domain.ErrConflict
	}
	rec.ExtensionDeadline = &extension
	return nil
}

func (s *mockStore) document(id string) *document.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil
	}
	clone := *doc
	return &clone
}

func (s *mockStore) documentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.documents)
}

func (s *mockStore) emailCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emails)
}

// mockBoard records task-board calls and hands out claims from a queue.
type mockBoard struct {
	mu        sync.Mutex
	claimErr  error
	nextTask  *workflow.Task
	created   []string
	claims    []workflow.TaskType
	completed []string
	failed    []string
}

var _ TaskBoard = (*mockBoard)(nil)

func (b *mockBoard) CreateWorkflow(_ context.Context, requestID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, requestID)
	return nil
}

func (b *mockBoard) ClaimTask(_ context.Context, requestID string, taskType workflow.TaskType, _ string) (*workflow.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimErr != nil {
		return nil, b.claimErr
	}
	b.claims = append(b.claims, taskType)
	if b.nextTask != nil {
		return b.nextTask, nil
	}
	return &workflow.Task{ID: "task-" + string(taskType), RequestID: requestID, Type: taskType}, nil
}

func (b *mockBoard) OnTaskCompleted(_ context.Context, taskID, _ string, _ json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed = append(b.completed, taskID)
	return nil
}

func (b *mockBoard) OnTaskFailed(_ context.Context, taskID, _ string, _ error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = append(b.failed, taskID)
	return nil
}

func (b *mockBoard) completedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.completed...)
}

func (b *mockBoard) failedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.failed...)
}

// mockDocSource serves a fixed artifact list with in-memory content.
type mockDocSource struct {
	artifacts []source.Artifact
	content   map[string][]byte
	searchErr error
	fetchErr  error
}

func (s *mockDocSource) Search(context.Context, source.Filters) ([]source.Artifact, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.artifacts, nil
}

func (s *mockDocSource) Fetch(_ context.Context, ref string) (*source.Content, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	data, ok := s.content[ref]
	if !ok {
		return nil, fmt.Errorf("no such artifact %q", ref)
	}
	return &source.Content{Data: data, MIMEType: "text/plain"}, nil
}

// mockEmailSource serves a fixed message list.
type mockEmailSource struct {
	messages  []source.EmailMessage
	searchErr error
}

func (s *mockEmailSource) SearchMessages(context.Context, source.Filters) ([]source.EmailMessage, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.messages, nil
}

// mockClassifier returns a fixed result or error.
type mockClassifier struct {
	mu     sync.Mutex
	result *classifier.Result
	err    error
	calls  int
}

func (c *mockClassifier) Classify(context.Context, string, string) (*classifier.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}
