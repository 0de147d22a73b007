// Package document defines the retrieved-artifact domain entities.
package document

import "time"

// Status tracks a document through retrieval and classification.
type Status string

const (
	StatusPending    Status = "pending"    // retrieved, awaiting classification
	StatusClassified Status = "classified"
	StatusFailed     Status = "failed" // retrieval or classification failure, eligible for retry
)

// Label is the classification outcome category.
type Label string

const (
	LabelResponsive    Label = "responsive"
	LabelNonResponsive Label = "non_responsive"
	LabelNeedsReview   Label = "needs_review"
)

// Classification holds the result of the external classifier call.
type Classification struct {
	Label          Label    `json:"label"`
	Confidence     float64  `json:"confidence"` // 0.0–1.0
	Exemptions     []string `json:"exemptions,omitempty"`
	Reasoning      string   `json:"reasoning,omitempty"`
	NeedsRedaction bool     `json:"needs_redaction"`
}

// Document is a file artifact retrieved for a request. ContentHash is used
// for cross-artifact deduplication.
type Document struct {
	ID             string          `json:"id"`
	RequestID      string          `json:"request_id"`
	Name           string          `json:"name"`
	Source         string          `json:"source"` // e.g. "sharepoint", "onedrive"
	Ref            string          `json:"ref"`    // provider-specific artifact reference
	ContentHash    string          `json:"content_hash"`
	SizeBytes      int64           `json:"size_bytes"`
	Status         Status          `json:"status"`
	Classification *Classification `json:"classification,omitempty"`
	Error          string          `json:"error,omitempty"`
	RetrievedAt    time.Time       `json:"retrieved_at"`
	ClassifiedAt   *time.Time      `json:"classified_at,omitempty"`
}
