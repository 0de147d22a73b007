package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iaintheardofu/Tronas/internal/domain/event"
	"github.com/iaintheardofu/Tronas/internal/port/bus"
)

// RunFunc performs one work cycle and returns the number of items handled.
// A non-nil error marks the cycle failed; the runner retries with backoff
// before faulting the agent.
type RunFunc func(ctx context.Context) (int, error)

// HookFunc runs at lifecycle edges (subscription setup and teardown).
type HookFunc func(ctx context.Context) error

// Options configure a Runner.
type Options struct {
	// Interval between run cycles. Zero means the agent is purely
	// event-driven: the loop only heartbeats.
	Interval time.Duration
	// HeartbeatInterval between liveness reports.
	HeartbeatInterval time.Duration
	// Run is the periodic work function. May be nil for event-driven agents.
	Run RunFunc
	// OnStart runs before the loop begins, typically to subscribe to topics.
	OnStart HookFunc
	// OnStop runs after the loop exits, typically to cancel subscriptions.
	OnStop HookFunc

	// MaxAttempts per run cycle before the agent faults. Zero means 3.
	MaxAttempts int
	// RetryInitial is the first retry delay, doubled per attempt up to
	// RetryMax. Zeros mean 1s and 30s.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Runner implements the Agent state machine around a RunFunc. Concrete
// agents embed it and provide their work through Options.
type Runner struct {
	name string
	log  *slog.Logger
	bus  bus.Bus
	opts Options

	mu            sync.Mutex
	state         State
	startedAt     time.Time
	lastHeartbeat time.Time
	lastError     string
	metrics       Metrics
	cancel        context.CancelFunc
	done          chan struct{}

	now func() time.Time
}

// NewRunner creates a Runner in the idle state.
func NewRunner(name string, log *slog.Logger, b bus.Bus, opts Options) *Runner {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Runner{
		name:  name,
		log:   log.With("agent", name),
		bus:   b,
		opts:  opts,
		state: StateIdle,
		now:   time.Now,
	}
}

// Name returns the agent's registered name.
func (r *Runner) Name() string { return r.name }

// Status returns a snapshot of the agent's state and counters.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Name:          r.name,
		State:         r.state,
		StartedAt:     r.startedAt,
		LastHeartbeat: r.lastHeartbeat,
		LastError:     r.lastError,
		Metrics:       r.metrics,
	}
}

// Start transitions the agent to running and launches the run loop. The
// loop's lifetime is detached from ctx; ctx only bounds startup work.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateIdle, StateStopped, StateError:
	default:
		state := r.state
		r.mu.Unlock()
		return transitionErr(r.name, state, "start")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	now := r.now()
	r.state = StateRunning
	r.startedAt = now
	r.lastHeartbeat = now
	r.lastError = ""
	r.metrics = Metrics{}
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	if r.opts.OnStart != nil {
		if err := r.opts.OnStart(ctx); err != nil {
			cancel()
			close(done)
			r.setState(StateStopped)
			return fmt.Errorf("%s: start: %w", r.name, err)
		}
	}

	r.publish(ctx, event.TopicAgentStarted, event.HeartbeatPayload{
		Agent: r.name, State: string(StateRunning),
	})
	r.log.Info("agent started")

	go r.loop(loopCtx, done)
	return nil
}

// Stop cancels the run loop and waits for it to exit, up to ctx's deadline.
// Stopping an idle or already-stopped agent is a no-op.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateRunning && r.state != StatePaused && r.state != StateError {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			r.setState(StateStopped)
			return fmt.Errorf("%s: stop: %w", r.name, ctx.Err())
		}
	}

	r.setState(StateStopped)

	if r.opts.OnStop != nil {
		if err := r.opts.OnStop(ctx); err != nil {
			return fmt.Errorf("%s: stop: %w", r.name, err)
		}
	}

	r.publish(ctx, event.TopicAgentStopped, event.HeartbeatPayload{
		Agent: r.name, State: string(StateStopped),
	})
	r.log.Info("agent stopped")
	return nil
}

// Pause suspends periodic work. Heartbeats continue so supervision can tell
// paused from dead.
func (r *Runner) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return transitionErr(r.name, r.state, "pause")
	}
	r.state = StatePaused
	r.log.Info("agent paused")
	return nil
}

// Resume continues periodic work after a pause.
func (r *Runner) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return transitionErr(r.name, r.state, "resume")
	}
	r.state = StateRunning
	r.log.Info("agent resumed")
	return nil
}

// AddItems adds to the processed-items counter. Event-driven agents call it
// from their subscription handlers.
func (r *Runner) AddItems(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.ItemsProcessed += int64(n)
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Heartbeats run on their own goroutine. A work cycle that outlasts the
	// heartbeat interval must not read as a dead agent to the supervisor.
	stopBeats := make(chan struct{})
	defer close(stopBeats)
	go r.heartbeatLoop(ctx, stopBeats)

	var tick <-chan time.Time
	if r.opts.Interval > 0 && r.opts.Run != nil {
		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C

		if !r.runCycle(ctx) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if !r.runCycle(ctx) {
				return
			}
		}
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

// runCycle executes one work cycle with retry. It returns false when the
// agent faulted and the loop must exit.
func (r *Runner) runCycle(ctx context.Context) bool {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return true // paused: skip the cycle, keep the loop alive
	}
	r.mu.Unlock()

	err := r.withRetry(ctx, func(ctx context.Context) error {
		items, err := r.opts.Run(ctx)
		if err != nil {
			return err
		}
		r.recordRun(items, nil)
		return nil
	})
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false // shutting down, not a fault
	}

	r.recordRun(0, err)
	r.fault(err)
	return false
}

// withRetry runs fn up to MaxAttempts times with exponential backoff.
func (r *Runner) withRetry(ctx context.Context, fn func(context.Context) error) error {
	delay := r.opts.RetryInitial
	var err error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt < r.opts.MaxAttempts {
			r.log.Warn("run cycle failed, retrying",
				"attempt", attempt, "max_attempts", r.opts.MaxAttempts, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return err
			case <-time.After(delay):
			}
			delay = min(delay*2, r.opts.RetryMax)
		}
	}
	return err
}

// fault moves the agent to the error state and reports it. The agent never
// restarts itself; the orchestrator owns that decision.
func (r *Runner) fault(err error) {
	r.mu.Lock()
	r.state = StateError
	r.lastError = err.Error()
	r.mu.Unlock()

	r.log.Error("agent faulted", "error", err)
	r.publish(context.Background(), event.TopicAgentError, event.AgentErrorPayload{
		Agent: r.name,
		Error: err.Error(),
	})
}

func (r *Runner) heartbeat(ctx context.Context) {
	r.mu.Lock()
	r.lastHeartbeat = r.now()
	payload := event.HeartbeatPayload{
		Agent:          r.name,
		State:          string(r.state),
		UptimeSeconds:  int64(r.now().Sub(r.startedAt).Seconds()),
		TotalRuns:      r.metrics.TotalRuns,
		ItemsProcessed: r.metrics.ItemsProcessed,
	}
	r.mu.Unlock()

	r.publish(ctx, event.TopicAgentHeartbeat, payload)
}

func (r *Runner) recordRun(items int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.metrics.TotalRuns++
	r.metrics.LastRunAt = &now
	if err != nil {
		r.metrics.FailedRuns++
		return
	}
	r.metrics.SuccessfulRuns++
	r.metrics.ItemsProcessed += int64(items)
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runner) publish(ctx context.Context, topic event.Topic, payload any) {
	ev, err := event.New(topic, r.name, "", payload)
	if err != nil {
		r.log.Error("event encode failed", "topic", topic, "error", err)
		return
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.log.Error("event publish failed", "topic", topic, "error", err)
	}
}
