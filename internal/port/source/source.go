// Package source defines the port for the external document and email
// providers (e.g. SharePoint, OneDrive, Exchange mailboxes).
package source

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimited is returned when the provider throttles the caller.
// Retrieval agents treat it as retryable with backoff.
var ErrRateLimited = errors.New("source: rate limited")

// Filters narrow a provider search.
type Filters struct {
	Terms       []string
	Departments []string
	DateFrom    *time.Time
	DateTo      *time.Time
}

// Artifact is a provider-side reference to a candidate file or message.
type Artifact struct {
	Ref      string // provider-specific handle, passed to Fetch
	Name     string
	Source   string // provider site/drive/mailbox identifier
	Size     int64
	Modified time.Time
}

// Content is the fetched bytes plus provider metadata.
type Content struct {
	Data     []byte
	MIMEType string
}

// DocumentSource searches and fetches file artifacts.
type DocumentSource interface {
	Search(ctx context.Context, filters Filters) ([]Artifact, error)
	Fetch(ctx context.Context, ref string) (*Content, error)
}

// EmailMessage is a message returned by a mailbox search.
type EmailMessage struct {
	Ref        string
	Subject    string
	Sender     string
	Recipients []string
	Mailbox    string
	Body       string
	SentAt     time.Time
}

// EmailSource searches mailboxes for candidate messages.
type EmailSource interface {
	SearchMessages(ctx context.Context, filters Filters) ([]EmailMessage, error)
}
