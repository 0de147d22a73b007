// Package event defines the immutable Event entity carried on the bus.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic identifies the kind of event. Topics double as NATS subjects when
// the durable bus adapter is in use, so they follow subject naming rules.
type Topic string

const (
	// Request lifecycle
	TopicRequestCreated   Topic = "requests.created"
	TopicRequestCompleted Topic = "requests.completed"
	TopicRequestCancelled Topic = "requests.cancelled"

	// Retrieval
	TopicDocumentsRetrieved Topic = "documents.retrieved"
	TopicEmailsRetrieved    Topic = "emails.retrieved"

	// Classification
	TopicClassificationComplete Topic = "classification.complete"

	// Workflow
	TopicWorkflowTaskCompleted Topic = "workflow.task.completed"
	TopicWorkflowTaskFailed    Topic = "workflow.task.failed"
	TopicWorkflowCompleted     Topic = "workflow.completed"

	// Deadlines
	TopicDeadlineAlert Topic = "deadlines.alert"

	// Agent lifecycle
	TopicAgentStarted   Topic = "agents.started"
	TopicAgentStopped   Topic = "agents.stopped"
	TopicAgentHeartbeat Topic = "agents.heartbeat"
	TopicAgentError     Topic = "agents.error"
)

// Event is a single immutable message published on the bus. The correlation
// ID ties an event chain back to the originating request.
type Event struct {
	ID            string          `json:"id"`
	Topic         Topic           `json:"topic"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// New builds an Event with a fresh ID and timestamp, marshaling payload to JSON.
func New(topic Topic, source string, correlationID string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return Event{
		ID:            uuid.NewString(),
		Topic:         topic,
		Source:        source,
		Payload:       data,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Decode unmarshals the event payload into dst.
func (e Event) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Topic, err)
	}
	return nil
}
