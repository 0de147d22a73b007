// Package agent provides the autonomous agent contract and the Runner base
// that concrete agents embed. A runner owns one goroutine driving periodic
// work, heartbeats, and the agent state machine.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is an agent lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateError   State = "error"
	StateStopped State = "stopped"
)

// ErrInvalidTransition is returned for lifecycle calls not permitted in the
// agent's current state.
var ErrInvalidTransition = errors.New("invalid agent state transition")

// Metrics are cumulative per-agent counters since the last start.
type Metrics struct {
	TotalRuns      int64      `json:"total_runs"`
	SuccessfulRuns int64      `json:"successful_runs"`
	FailedRuns     int64      `json:"failed_runs"`
	ItemsProcessed int64      `json:"items_processed"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
}

// Status is a point-in-time health snapshot of one agent.
type Status struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	// RestartCount is filled in by the supervisor; the agent itself does
	// not know how often it has been restarted.
	RestartCount int     `json:"restart_count"`
	Metrics      Metrics `json:"metrics"`
}

// Stale reports whether the last heartbeat is older than the given age. A
// stopped or idle agent is never stale.
func (s Status) Stale(maxAge time.Duration, now time.Time) bool {
	if s.State != StateRunning && s.State != StatePaused {
		return false
	}
	return now.Sub(s.LastHeartbeat) > maxAge
}

// Agent is the lifecycle contract every Tronas agent implements.
type Agent interface {
	Name() string
	// Start transitions idle/stopped/error -> running and begins the run
	// loop. Starting a running or paused agent fails.
	Start(ctx context.Context) error
	// Stop requests a cooperative shutdown and waits for the run loop to
	// exit, up to ctx's deadline.
	Stop(ctx context.Context) error
	// Pause suspends periodic work while keeping heartbeats alive.
	Pause() error
	// Resume continues periodic work after a pause.
	Resume() error
	Status() Status
}

func transitionErr(name string, from State, op string) error {
	return fmt.Errorf("%s: %s while %s: %w", name, op, from, ErrInvalidTransition)
}
