// Package request defines the PIA request domain entity.
package request

import "time"

// Status represents the processing state of a PIA request.
type Status string

const (
	StatusReceived   Status = "received"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusReleased   Status = "released"
	StatusWithdrawn  Status = "withdrawn"
	StatusOnHold     Status = "on_hold"
)

// Priority represents the handling priority of a request.
type Priority string

const (
	PriorityStandard  Priority = "standard"
	PriorityExpedited Priority = "expedited"
	PriorityUrgent    Priority = "urgent"
)

// Filters narrow the document and email search for a request.
type Filters struct {
	SearchTerms []string   `json:"search_terms,omitempty"`
	Departments []string   `json:"departments,omitempty"`
	DateFrom    *time.Time `json:"date_from,omitempty"`
	DateTo      *time.Time `json:"date_to,omitempty"`
}

// Request represents a public-information request subject to a statutory
// response deadline.
type Request struct {
	ID            string    `json:"id"`
	RequestNumber string    `json:"request_number"`
	RequesterName string    `json:"requester_name"`
	Description   string    `json:"description"`
	Filters       Filters   `json:"filters"`
	Status        Status    `json:"status"`
	Priority      Priority  `json:"priority"`
	DateReceived  time.Time `json:"date_received"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreateRequest holds the fields needed to intake a new PIA request.
type CreateRequest struct {
	RequesterName string   `json:"requester_name"`
	Description   string   `json:"description"`
	Filters       Filters  `json:"filters"`
	Priority      Priority `json:"priority,omitempty"`
}

// Active reports whether the request still counts against its deadline.
func (r *Request) Active() bool {
	switch r.Status {
	case StatusReleased, StatusWithdrawn:
		return false
	}
	return true
}
