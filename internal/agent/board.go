package agent

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/iaintheardofu/Tronas/internal/domain/event"
	"github.com/iaintheardofu/Tronas/internal/domain/workflow"
	"github.com/iaintheardofu/Tronas/internal/port/bus"
)

// TaskBoard is the slice of the workflow engine that agents consume: claim
// the task that triggered you, then report its outcome. Claiming respects
// sequence order; a claim that is out of turn reports domain.ErrConflict.
type TaskBoard interface {
	CreateWorkflow(ctx context.Context, requestID string) error
	ClaimTask(ctx context.Context, requestID string, taskType workflow.TaskType, agent string) (*workflow.Task, error)
	OnTaskCompleted(ctx context.Context, taskID, agent string, result json.RawMessage) error
	OnTaskFailed(ctx context.Context, taskID, agent string, cause error) error
}

// Deduper is the content-hash cache consulted before the store's hash
// lookup. A miss is never authoritative.
type Deduper interface {
	Seen(ctx context.Context, requestID, contentHash string) bool
	Record(ctx context.Context, requestID, contentHash string)
}

// publishEvent encodes and publishes one event, logging failures instead of
// propagating them: a lost notification must not fail the work it reports.
func publishEvent(ctx context.Context, log *slog.Logger, b bus.Bus, topic event.Topic, source, correlationID string, payload any) {
	ev, err := event.New(topic, source, correlationID, payload)
	if err != nil {
		log.Error("event encode failed", "topic", topic, "error", err)
		return
	}
	if err := b.Publish(ctx, ev); err != nil {
		log.Error("event publish failed", "topic", topic, "error", err)
	}
}
