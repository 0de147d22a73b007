// Package email defines the retrieved-email domain entity.
package email

import "time"

// Record is an email message retrieved for a request. ContentHash covers the
// normalized subject, sender, and body for deduplication across mailboxes.
type Record struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	Subject     string    `json:"subject"`
	Sender      string    `json:"sender"`
	Recipients  []string  `json:"recipients,omitempty"`
	Mailbox     string    `json:"mailbox"`
	ContentHash string    `json:"content_hash"`
	SentAt      time.Time `json:"sent_at"`
	RetrievedAt time.Time `json:"retrieved_at"`
}
