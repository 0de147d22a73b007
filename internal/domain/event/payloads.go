package event

import "time"

// RequestCreatedPayload announces a newly intaken PIA request.
type RequestCreatedPayload struct {
	RequestID     string     `json:"request_id"`
	RequestNumber string     `json:"request_number"`
	Description   string     `json:"description"`
	SearchTerms   []string   `json:"search_terms,omitempty"`
	Departments   []string   `json:"departments,omitempty"`
	DateFrom      *time.Time `json:"date_from,omitempty"`
	DateTo        *time.Time `json:"date_to,omitempty"`
}

// RequestCancelledPayload announces a withdrawn request so agents drop any
// queued work for it.
type RequestCancelledPayload struct {
	RequestID      string `json:"request_id"`
	RequestNumber  string `json:"request_number"`
	Reason         string `json:"reason,omitempty"`
	TasksCancelled int    `json:"tasks_cancelled"`
}

// RetrievalSummaryPayload reports the outcome of a retrieval pass
// (documents or emails, depending on the topic).
type RetrievalSummaryPayload struct {
	RequestID  string `json:"request_id"`
	TaskID     string `json:"task_id"`
	Retrieved  int    `json:"retrieved"`
	Duplicates int    `json:"duplicates"`
	Failed     int    `json:"failed"`
}

// DocumentOutcome is the per-document result inside a classification batch.
type DocumentOutcome struct {
	DocumentID     string   `json:"document_id"`
	Label          string   `json:"label,omitempty"`
	Confidence     float64  `json:"confidence,omitempty"`
	Exemptions     []string `json:"exemptions,omitempty"`
	NeedsRedaction bool     `json:"needs_redaction,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// ClassificationCompletePayload reports a finished classification batch,
// including the documents that failed and remain pending for retry.
type ClassificationCompletePayload struct {
	RequestID string            `json:"request_id"`
	TaskID    string            `json:"task_id,omitempty"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Outcomes  []DocumentOutcome `json:"outcomes"`
}

// TaskCompletedPayload marks a single workflow task as done. TaskType lets
// downstream agents decide whether the completion unblocks their own task.
type TaskCompletedPayload struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	TaskType  string `json:"task_type"`
	Agent     string `json:"agent,omitempty"`
}

// TaskFailedPayload marks a single workflow task as failed.
type TaskFailedPayload struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	TaskType  string `json:"task_type"`
	Agent     string `json:"agent,omitempty"`
	Error     string `json:"error"`
}

// DeadlineAlertPayload is published on first crossing of a threshold, and on
// every cycle for overdue requests.
type DeadlineAlertPayload struct {
	RequestID     string    `json:"request_id"`
	RequestNumber string    `json:"request_number,omitempty"`
	Deadline      time.Time `json:"deadline"`
	DaysRemaining int       `json:"days_remaining"`
	Threshold     int       `json:"threshold"`
	Urgency       string    `json:"urgency"`
	Overdue       bool      `json:"overdue"`
}

// HeartbeatPayload carries an agent's periodic liveness report.
type HeartbeatPayload struct {
	Agent          string `json:"agent"`
	State          string `json:"state"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	TotalRuns      int64  `json:"total_runs"`
	ItemsProcessed int64  `json:"items_processed"`
}

// AgentErrorPayload reports a fault inside an agent or event handler,
// carrying the originating topic when the fault came from a subscription.
type AgentErrorPayload struct {
	Agent       string `json:"agent"`
	Error       string `json:"error"`
	SourceTopic string `json:"source_topic,omitempty"`
}
