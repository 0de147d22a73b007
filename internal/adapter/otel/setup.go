// Package otel provides metric instruments and a stub for tracing setup.
package otel

import (
	"context"
	"log/slog"
)

// ShutdownFunc is called to flush and shut down the trace provider.
type ShutdownFunc func(ctx context.Context) error

// InitTracer returns a no-op shutdown function. Instruments created by
// NewMetrics record through the global meter provider, so an exporter can
// be attached later without touching call sites.
func InitTracer(serviceName string) ShutdownFunc {
	slog.Info("telemetry initialized", "service", serviceName)
	return func(_ context.Context) error {
		return nil
	}
}
