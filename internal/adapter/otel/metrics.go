package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "tronas"

// Metrics holds all Tronas metric instruments.
type Metrics struct {
	EventsPublished     metric.Int64Counter
	AgentRestarts       metric.Int64Counter
	AgentErrors         metric.Int64Counter
	DocumentsRetrieved  metric.Int64Counter
	DocumentsClassified metric.Int64Counter
	TasksCompleted      metric.Int64Counter
	TasksFailed         metric.Int64Counter
	DeadlineAlerts      metric.Int64Counter
	ClassifyDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.EventsPublished, err = meter.Int64Counter("tronas.events.published",
		metric.WithDescription("Number of events published on the bus"))
	if err != nil {
		return nil, err
	}

	m.AgentRestarts, err = meter.Int64Counter("tronas.agents.restarts",
		metric.WithDescription("Number of agent restarts performed by the orchestrator"))
	if err != nil {
		return nil, err
	}

	m.AgentErrors, err = meter.Int64Counter("tronas.agents.errors",
		metric.WithDescription("Number of agent faults"))
	if err != nil {
		return nil, err
	}

	m.DocumentsRetrieved, err = meter.Int64Counter("tronas.documents.retrieved",
		metric.WithDescription("Number of documents retrieved from sources"))
	if err != nil {
		return nil, err
	}

	m.DocumentsClassified, err = meter.Int64Counter("tronas.documents.classified",
		metric.WithDescription("Number of documents classified"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("tronas.tasks.completed",
		metric.WithDescription("Number of workflow tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("tronas.tasks.failed",
		metric.WithDescription("Number of workflow tasks failed"))
	if err != nil {
		return nil, err
	}

	m.DeadlineAlerts, err = meter.Int64Counter("tronas.deadlines.alerts",
		metric.WithDescription("Number of deadline alerts emitted"))
	if err != nil {
		return nil, err
	}

	m.ClassifyDuration, err = meter.Float64Histogram("tronas.classify.duration_seconds",
		metric.WithDescription("Per-document classification duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
