// Package classifier defines the port for the external document
// classification model.
package classifier

import "context"

// MaxInputBytes is the largest text the collaborator accepts; callers
// truncate before submission.
const MaxInputBytes = 64 * 1024

// Result is a single classification outcome.
type Result struct {
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"` // 0.0–1.0
	Exemptions []string `json:"exemptions,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

// Classifier calls the external classification model. Implementations may
// fail with rate-limit or transient network errors; the classification agent
// bounds concurrency and applies per-call timeouts.
type Classifier interface {
	Classify(ctx context.Context, text string, requestContext string) (*Result, error)
}
