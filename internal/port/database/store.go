// Package database defines the storage port (interface).
package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/iaintheardofu/Tronas/internal/domain/deadline"
	"github.com/iaintheardofu/Tronas/internal/domain/document"
	"github.com/iaintheardofu/Tronas/internal/domain/email"
	"github.com/iaintheardofu/Tronas/internal/domain/request"
	"github.com/iaintheardofu/Tronas/internal/domain/workflow"
)

// Store is the port interface for persistence of requests, workflow tasks,
// retrieved records, and deadline records.
type Store interface {
	// Requests
	CreateRequest(ctx context.Context, req *request.Request) error
	GetRequest(ctx context.Context, id string) (*request.Request, error)
	ListRequestsByStatus(ctx context.Context, status request.Status) ([]request.Request, error)
	ListActiveRequests(ctx context.Context) ([]request.Request, error)
	UpdateRequestStatus(ctx context.Context, id string, status request.Status) error

	// Workflow tasks
	CreateTasks(ctx context.Context, tasks []workflow.Task) error
	GetTask(ctx context.Context, id string) (*workflow.Task, error)
	ListTasksByRequest(ctx context.Context, requestID string) ([]workflow.Task, error)
	// ClaimTask atomically moves a pending task to in_progress and records
	// the claiming agent. Claiming a non-pending task reports ErrConflict.
	ClaimTask(ctx context.Context, id, agent string) error
	// UpdateTaskStatus transitions a task's status atomically at the row
	// level, recording started/completed timestamps and any error message.
	UpdateTaskStatus(ctx context.Context, id string, status workflow.Status, errMsg string) error
	// CompleteTask marks a task completed and records its result summary.
	// Completing an already-terminal task reports ErrConflict.
	CompleteTask(ctx context.Context, id string, result json.RawMessage) error
	IncrementTaskRetry(ctx context.Context, id string) error
	// CancelOpenTasks cancels every non-terminal task of a request and
	// returns how many rows changed.
	CancelOpenTasks(ctx context.Context, requestID string) (int, error)

	// Documents
	CreateDocument(ctx context.Context, doc *document.Document) error
	ListUnclassifiedDocuments(ctx context.Context, limit int) ([]document.Document, error)
	CountPendingDocuments(ctx context.Context, requestID string) (int, error)
	UpdateDocumentClassification(ctx context.Context, id string, c *document.Classification) error
	MarkDocumentFailed(ctx context.Context, id string, errMsg string) error
	DocumentHashExists(ctx context.Context, requestID, contentHash string) (bool, error)

	// Emails
	CreateEmail(ctx context.Context, rec *email.Record) error
	EmailHashExists(ctx context.Context, requestID, contentHash string) (bool, error)

	// Deadline records
	CreateDeadline(ctx context.Context, rec *deadline.Record) error
	GetDeadline(ctx context.Context, requestID string) (*deadline.Record, error)
	ListDeadlinesForActiveRequests(ctx context.Context) ([]deadline.Record, error)
	// UpdateThresholdsFired persists the grown fired-set; it never shrinks it.
	UpdateThresholdsFired(ctx context.Context, requestID string, fired []int) error
	SetExtensionDeadline(ctx context.Context, requestID string, extension time.Time) error
}
