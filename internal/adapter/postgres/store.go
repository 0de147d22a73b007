package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iaintheardofu/Tronas/internal/domain"
	"github.com/iaintheardofu/Tronas/internal/domain/request"
	"github.com/iaintheardofu/Tronas/internal/domain/workflow"
	"github.com/iaintheardofu/Tronas/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ database.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Requests ---

const requestColumns = `id, request_number, requester_name, description, filters, status, priority, date_received, version, created_at, updated_at`

// CreateRequest inserts the request and fills in the generated ID, request
// number, and timestamps. An empty RequestNumber is assigned from the
// PIA-YYYY-NNNNNN sequence.
func (s *Store) CreateRequest(ctx context.Context, r *request.Request) error {
	filtersJSON, err := json.Marshal(r.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO requests (request_number, requester_name, description, filters, status, priority, date_received)
		 VALUES (COALESCE(NULLIF($1, ''), next_request_number()), $2, $3, $4, $5, $6, $7)
		 RETURNING `+requestColumns,
		r.RequestNumber, r.RequesterName, r.Description, filtersJSON, string(r.Status), string(r.Priority), r.DateReceived)

	created, err := scanRequest(row)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	*r = created
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*request.Request, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)

	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get request %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return &r, nil
}

func (s *Store) ListRequestsByStatus(ctx context.Context, status request.Status) ([]request.Request, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE status = $1 ORDER BY date_received ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list requests by status: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

func (s *Store) ListActiveRequests(ctx context.Context) ([]request.Request, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE status NOT IN ($1, $2) ORDER BY date_received ASC`,
		string(request.StatusReleased), string(request.StatusWithdrawn))
	if err != nil {
		return nil, fmt.Errorf("list active requests: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

func (s *Store) UpdateRequestStatus(ctx context.Context, id string, status request.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE requests SET status = $2, version = version + 1, updated_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("update request status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update request status %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// --- Workflow tasks ---

const taskColumns = `id, request_id, task_type, stage, sequence_order, status, assigned_agent, automated, retry_count, result, error, started_at, completed_at, created_at, updated_at`

// CreateTasks inserts all tasks in one transaction, so a request either gets
// its full workflow or none of it.
func (s *Store) CreateTasks(ctx context.Context, tasks []workflow.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	for i := range tasks {
		t := &tasks[i]
		err = tx.QueryRow(ctx,
			`INSERT INTO workflow_tasks (request_id, task_type, stage, sequence_order, status, assigned_agent, automated)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id, created_at, updated_at`,
			t.RequestID, string(t.Type), string(t.Stage), t.SequenceOrder, string(t.Status), t.AssignedAgent, t.Automated,
		).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert task %d: %w", i, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM workflow_tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

func (s *Store) ListTasksByRequest(ctx context.Context, requestID string) ([]workflow.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM workflow_tasks WHERE request_id = $1 ORDER BY sequence_order ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by request: %w", err)
	}
	defer rows.Close()

	var tasks []workflow.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimTask atomically moves a pending task to in_progress. A task in any
// other state reports domain.ErrConflict, so two agents racing for the same
// task resolve at the row level.
func (s *Store) ClaimTask(ctx context.Context, id, agent string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_tasks SET
		   status = 'in_progress', assigned_agent = $2, started_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, agent)
	if err != nil {
		return fmt.Errorf("claim task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("claim task %s: %w", id, domain.ErrConflict)
	}
	return nil
}

// UpdateTaskStatus transitions a task at the row level. A task already in a
// terminal state is never overwritten; such an update reports
// domain.ErrConflict so duplicate completion events collapse to a no-op.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status workflow.Status, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_tasks SET
		   status = $2,
		   error = $3,
		   started_at = CASE WHEN $2 = 'in_progress' THEN now() ELSE started_at END,
		   completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN now() ELSE completed_at END,
		   updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'cancelled')`,
		id, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("update task status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task status %s: %w", id, domain.ErrConflict)
	}
	return nil
}

// CompleteTask marks a task completed and records its result summary. A
// task already in a terminal state is left untouched and reports
// domain.ErrConflict.
func (s *Store) CompleteTask(ctx context.Context, id string, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_tasks SET
		   status = 'completed', result = $2, error = '', completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'cancelled')`,
		id, []byte(result))
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete task %s: %w", id, domain.ErrConflict)
	}
	return nil
}

// IncrementTaskRetry re-enters a failed task as pending and bumps its retry
// counter.
func (s *Store) IncrementTaskRetry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_tasks SET
		   status = 'pending', retry_count = retry_count + 1, error = '',
		   started_at = NULL, completed_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("increment task retry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("increment task retry %s: %w", id, domain.ErrConflict)
	}
	return nil
}

// CancelOpenTasks cancels every non-terminal task of a request, e.g. when
// the requester withdraws.
func (s *Store) CancelOpenTasks(ctx context.Context, requestID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_tasks SET
		   status = 'cancelled', completed_at = now(), updated_at = now()
		 WHERE request_id = $1 AND status NOT IN ('completed', 'cancelled')`,
		requestID)
	if err != nil {
		return 0, fmt.Errorf("cancel open tasks for %s: %w", requestID, err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Scanners ---

type scannable interface {
	Scan(dest ...any) error
}

func scanRequest(row scannable) (request.Request, error) {
	var r request.Request
	var filtersJSON []byte
	err := row.Scan(&r.ID, &r.RequestNumber, &r.RequesterName, &r.Description, &filtersJSON,
		&r.Status, &r.Priority, &r.DateReceived, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if filtersJSON != nil {
		if err := json.Unmarshal(filtersJSON, &r.Filters); err != nil {
			return r, fmt.Errorf("unmarshal filters: %w", err)
		}
	}
	return r, nil
}

func collectRequests(rows pgx.Rows) ([]request.Request, error) {
	var requests []request.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func scanTask(row scannable) (workflow.Task, error) {
	var t workflow.Task
	var result []byte
	err := row.Scan(&t.ID, &t.RequestID, &t.Type, &t.Stage, &t.SequenceOrder, &t.Status,
		&t.AssignedAgent, &t.Automated, &t.RetryCount, &result, &t.Error,
		&t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.Result = result
	return t, nil
}
