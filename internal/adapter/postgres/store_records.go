package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iaintheardofu/Tronas/internal/domain"
	"github.com/iaintheardofu/Tronas/internal/domain/deadline"
	"github.com/iaintheardofu/Tronas/internal/domain/document"
	"github.com/iaintheardofu/Tronas/internal/domain/email"
)

// --- Documents ---

func (s *Store) CreateDocument(ctx context.Context, doc *document.Document) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO documents (request_id, name, source, ref, content_hash, size_bytes, status, retrieved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		doc.RequestID, doc.Name, doc.Source, doc.Ref, doc.ContentHash, doc.SizeBytes, string(doc.Status), doc.RetrievedAt,
	).Scan(&doc.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create document: %w", domain.ErrConflict)
		}
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (s *Store) ListUnclassifiedDocuments(ctx context.Context, limit int) ([]document.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, name, source, ref, content_hash, size_bytes, status, classification, error, retrieved_at, classified_at
		 FROM documents WHERE status = $1 ORDER BY retrieved_at ASC LIMIT $2`,
		string(document.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list unclassified documents: %w", err)
	}
	defer rows.Close()

	var docs []document.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *Store) CountPendingDocuments(ctx context.Context, requestID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM documents WHERE request_id = $1 AND status = $2`,
		requestID, string(document.StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending documents: %w", err)
	}
	return n, nil
}

func (s *Store) UpdateDocumentClassification(ctx context.Context, id string, c *document.Classification) error {
	classJSON, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $2, classification = $3, error = '', classified_at = now()
		 WHERE id = $1`,
		id, string(document.StatusClassified), classJSON)
	if err != nil {
		return fmt.Errorf("update document classification %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update document classification %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkDocumentFailed(ctx context.Context, id string, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $2, error = $3 WHERE id = $1`,
		id, string(document.StatusFailed), errMsg)
	if err != nil {
		return fmt.Errorf("mark document failed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark document failed %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) DocumentHashExists(ctx context.Context, requestID, contentHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE request_id = $1 AND content_hash = $2)`,
		requestID, contentHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("document hash exists: %w", err)
	}
	return exists, nil
}

// --- Emails ---

func (s *Store) CreateEmail(ctx context.Context, rec *email.Record) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO emails (request_id, subject, sender, recipients, mailbox, content_hash, sent_at, retrieved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		rec.RequestID, rec.Subject, rec.Sender, pgTextArray(rec.Recipients), rec.Mailbox, rec.ContentHash, rec.SentAt, rec.RetrievedAt,
	).Scan(&rec.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create email: %w", domain.ErrConflict)
		}
		return fmt.Errorf("create email: %w", err)
	}
	return nil
}

func (s *Store) EmailHashExists(ctx context.Context, requestID, contentHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM emails WHERE request_id = $1 AND content_hash = $2)`,
		requestID, contentHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("email hash exists: %w", err)
	}
	return exists, nil
}

// --- Deadline records ---

const deadlineColumns = `request_id, date_received, response_deadline, extension_deadline, thresholds_fired, created_at, updated_at`

func (s *Store) CreateDeadline(ctx context.Context, rec *deadline.Record) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO deadlines (request_id, date_received, response_deadline)
		 VALUES ($1, $2, $3)
		 RETURNING created_at, updated_at`,
		rec.RequestID, rec.DateReceived, rec.ResponseDeadline,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create deadline: %w", domain.ErrConflict)
		}
		return fmt.Errorf("create deadline: %w", err)
	}
	return nil
}

func (s *Store) GetDeadline(ctx context.Context, requestID string) (*deadline.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deadlineColumns+` FROM deadlines WHERE request_id = $1`, requestID)

	rec, err := scanDeadline(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get deadline %s: %w", requestID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get deadline %s: %w", requestID, err)
	}
	return &rec, nil
}

func (s *Store) ListDeadlinesForActiveRequests(ctx context.Context) ([]deadline.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT d.request_id, d.date_received, d.response_deadline, d.extension_deadline, d.thresholds_fired, d.created_at, d.updated_at
		 FROM deadlines d
		 JOIN requests r ON r.id = d.request_id
		 WHERE r.status NOT IN ($1, $2)
		 ORDER BY d.response_deadline ASC`,
		"released", "withdrawn")
	if err != nil {
		return nil, fmt.Errorf("list active deadlines: %w", err)
	}
	defer rows.Close()

	var records []deadline.Record
	for rows.Next() {
		rec, err := scanDeadline(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateThresholdsFired replaces the fired set. Callers only ever pass a
// superset of the stored value, so the set never shrinks.
func (s *Store) UpdateThresholdsFired(ctx context.Context, requestID string, fired []int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deadlines SET thresholds_fired = $2, updated_at = now() WHERE request_id = $1`,
		requestID, pgIntArray(fired))
	if err != nil {
		return fmt.Errorf("update thresholds fired %s: %w", requestID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update thresholds fired %s: %w", requestID, domain.ErrNotFound)
	}
	return nil
}

// SetExtensionDeadline records the extension once. An existing extension is
// never replaced.
func (s *Store) SetExtensionDeadline(ctx context.Context, requestID string, extension time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deadlines SET extension_deadline = $2, updated_at = now()
		 WHERE request_id = $1 AND extension_deadline IS NULL`,
		requestID, extension)
	if err != nil {
		return fmt.Errorf("set extension deadline %s: %w", requestID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set extension deadline %s: %w", requestID, domain.ErrConflict)
	}
	return nil
}

// --- Scanners ---

func scanDocument(row scannable) (document.Document, error) {
	var d document.Document
	var classJSON []byte
	err := row.Scan(&d.ID, &d.RequestID, &d.Name, &d.Source, &d.Ref, &d.ContentHash, &d.SizeBytes,
		&d.Status, &classJSON, &d.Error, &d.RetrievedAt, &d.ClassifiedAt)
	if err != nil {
		return d, err
	}
	if classJSON != nil {
		var c document.Classification
		if err := json.Unmarshal(classJSON, &c); err != nil {
			return d, fmt.Errorf("unmarshal classification: %w", err)
		}
		d.Classification = &c
	}
	return d, nil
}

func scanDeadline(row scannable) (deadline.Record, error) {
	var rec deadline.Record
	err := row.Scan(&rec.RequestID, &rec.DateReceived, &rec.ResponseDeadline,
		&rec.ExtensionDeadline, &rec.ThresholdsFired, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}
