package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iaintheardofu/Tronas/internal/adapter/otel"
	"github.com/iaintheardofu/Tronas/internal/agent"
	"github.com/iaintheardofu/Tronas/internal/config"
	"github.com/iaintheardofu/Tronas/internal/domain/event"
	"github.com/iaintheardofu/Tronas/internal/port/bus"
)

const orchestratorName = "orchestrator"

// supervised is the orchestrator's bookkeeping for one registered agent.
type supervised struct {
	agent       agent.Agent
	restarts    []time.Time // rolling window of restart times
	nextAttempt time.Time   // backoff gate for the next restart
	restarting  bool
	stopped     bool // restart budget exhausted; agent stays down
	lastFault   string
}

// Orchestrator registers agents, starts and stops them as a group, and
// supervises them: a faulted or stale agent is restarted with exponential
// backoff until the restart budget within the rolling window is exhausted,
// after which it is left stopped and a fatal alert is raised.
type Orchestrator struct {
	log        *slog.Logger
	bus        bus.Bus
	metrics    *otel.Metrics
	cfg        config.Orchestrator
	staleAfter time.Duration

	mu     sync.Mutex
	order  []string
	agents map[string]*supervised

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	subCancel  func()

	now func() time.Time
}

// NewOrchestrator creates an orchestrator with no agents registered.
// metrics may be nil.
func NewOrchestrator(log *slog.Logger, b bus.Bus, cfg config.Orchestrator, staleAfter time.Duration, metrics *otel.Metrics) *Orchestrator {
	return &Orchestrator{
		log:        log.With("component", orchestratorName),
		bus:        b,
		metrics:    metrics,
		cfg:        cfg,
		staleAfter: staleAfter,
		agents:     make(map[string]*supervised),
		now:        time.Now,
	}
}

// Register adds an agent. Registration order is start order; stop runs in
// reverse. Registering after StartAll or reusing a name is an error.
func (o *Orchestrator) Register(a agent.Agent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loopDone != nil {
		return fmt.Errorf("register %s: orchestrator already started", a.Name())
	}
	if _, ok := o.agents[a.Name()]; ok {
		return fmt.Errorf("register %s: duplicate agent name", a.Name())
	}
	o.agents[a.Name()] = &supervised{agent: a}
	o.order = append(o.order, a.Name())
	return nil
}

// StartAll starts every registered agent in registration order, then begins
// supervision. A failed start aborts and stops the agents already started.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.mu.Lock()
	order := append([]string(nil), o.order...)
	o.mu.Unlock()

	var started []string
	for _, name := range order {
		s := o.get(name)
		if err := s.agent.Start(ctx); err != nil {
			o.stopAgents(ctx, started)
			return fmt.Errorf("start all: %w", err)
		}
		started = append(started, name)
		o.log.Info("agent started", "agent", name)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	subCancel, err := o.bus.Subscribe(orchestratorName, []event.Topic{event.TopicAgentError}, o.onAgentError)
	if err != nil {
		cancel()
		o.stopAgents(ctx, started)
		return fmt.Errorf("start all: %w", err)
	}

	o.mu.Lock()
	o.loopCancel = cancel
	o.loopDone = done
	o.subCancel = subCancel
	o.mu.Unlock()

	go o.superviseLoop(loopCtx, done)
	o.log.Info("all agents started", "count", len(started))
	return nil
}

// StopAll stops every agent in reverse registration order.
func (o *Orchestrator) StopAll(ctx context.Context) {
	o.mu.Lock()
	reversed := make([]string, 0, len(o.order))
	for i := len(o.order) - 1; i >= 0; i-- {
		reversed = append(reversed, o.order[i])
	}
	o.mu.Unlock()

	o.stopAgents(ctx, reversed)
}

// Shutdown ends supervision and stops all agents. After Shutdown returns
// nothing is left running.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	cancel := o.loopCancel
	done := o.loopDone
	subCancel := o.subCancel
	o.loopCancel, o.loopDone, o.subCancel = nil, nil, nil
	o.mu.Unlock()

	if subCancel != nil {
		subCancel()
	}
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	o.StopAll(ctx)
	o.log.Info("orchestrator shut down")
}

// Restart stops and starts one agent by name, counting against its budget.
func (o *Orchestrator) Restart(ctx context.Context, name string) error {
	o.mu.Lock()
	s, ok := o.agents[name]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("restart %s: unknown agent", name)
	}
	return o.restart(ctx, name, s)
}

// PauseAll pauses every running agent; agents in other states are skipped.
func (o *Orchestrator) PauseAll() {
	for _, name := range o.names() {
		s := o.get(name)
		if err := s.agent.Pause(); err != nil {
			o.log.Debug("pause skipped", "agent", name, "error", err)
		}
	}
}

// ResumeAll resumes every paused agent.
func (o *Orchestrator) ResumeAll() {
	for _, name := range o.names() {
		s := o.get(name)
		if err := s.agent.Resume(); err != nil {
			o.log.Debug("resume skipped", "agent", name, "error", err)
		}
	}
}

// Statuses returns a snapshot for every registered agent in registration
// order.
func (o *Orchestrator) Statuses() []agent.Status {
	names := o.names()
	statuses := make([]agent.Status, 0, len(names))
	for _, name := range names {
		st := o.get(name).agent.Status()
		o.mu.Lock()
		s := o.agents[name]
		st.RestartCount = len(s.restarts)
		if s.stopped && st.LastError == "" {
			st.LastError = s.lastFault
		}
		o.mu.Unlock()
		statuses = append(statuses, st)
	}
	return statuses
}

func (o *Orchestrator) superviseLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range o.names() {
				o.superviseOne(ctx, name)
			}
		}
	}
}

// superviseOne restarts the named agent when it is faulted or its heartbeat
// has gone stale, within the restart budget.
func (o *Orchestrator) superviseOne(ctx context.Context, name string) {
	o.mu.Lock()
	s, ok := o.agents[name]
	if !ok || s.stopped || s.restarting {
		o.mu.Unlock()
		return
	}
	now := o.now()
	if now.Before(s.nextAttempt) {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	st := s.agent.Status()
	unhealthy := st.State == agent.StateError || st.Stale(o.staleAfter, o.now())
	if !unhealthy {
		return
	}

	if st.State == agent.StateError {
		o.log.Warn("agent unhealthy", "agent", name, "state", st.State, "last_error", st.LastError)
	} else {
		o.log.Warn("agent heartbeat stale", "agent", name, "last_heartbeat", st.LastHeartbeat)
	}

	if err := o.restart(ctx, name, s); err != nil {
		o.log.Error("restart failed", "agent", name, "error", err)
	}
}

// restart performs one budgeted restart of the agent.
func (o *Orchestrator) restart(ctx context.Context, name string, s *supervised) error {
	o.mu.Lock()
	if s.stopped || s.restarting {
		o.mu.Unlock()
		return nil
	}

	now := o.now()
	s.restarts = pruneWindow(s.restarts, now.Add(-o.cfg.RestartWindow))
	if len(s.restarts) >= o.cfg.MaxRestarts {
		s.stopped = true
		o.mu.Unlock()
		o.giveUp(ctx, name, s)
		return nil
	}
	attempt := len(s.restarts)
	s.restarts = append(s.restarts, now)
	s.nextAttempt = now.Add(backoff(o.cfg.BackoffInitial, o.cfg.BackoffMax, attempt+1))
	s.restarting = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		s.restarting = false
		o.mu.Unlock()
	}()

	stopCtx, cancel := context.WithTimeout(ctx, o.cfg.StopGracePeriod)
	defer cancel()
	if err := s.agent.Stop(stopCtx); err != nil {
		o.log.Warn("stop before restart", "agent", name, "error", err)
	}

	if err := s.agent.Start(ctx); err != nil {
		return fmt.Errorf("restart %s: %w", name, err)
	}

	if o.metrics != nil {
		o.metrics.AgentRestarts.Add(ctx, 1)
	}
	o.log.Info("agent restarted", "agent", name, "restarts_in_window", attempt+1)
	return nil
}

// giveUp stops a repeatedly failing agent for good and raises a fatal alert.
func (o *Orchestrator) giveUp(ctx context.Context, name string, s *supervised) {
	stopCtx, cancel := context.WithTimeout(ctx, o.cfg.StopGracePeriod)
	defer cancel()
	if err := s.agent.Stop(stopCtx); err != nil {
		o.log.Warn("stop after budget exhaustion", "agent", name, "error", err)
	}

	msg := fmt.Sprintf("restart budget exhausted: %d restarts within %s, agent left stopped",
		o.cfg.MaxRestarts, o.cfg.RestartWindow)
	o.mu.Lock()
	s.lastFault = msg
	o.mu.Unlock()

	o.log.Error("agent permanently stopped", "agent", name, "max_restarts", o.cfg.MaxRestarts, "window", o.cfg.RestartWindow)
	ev, err := event.New(event.TopicAgentError, orchestratorName, "", event.AgentErrorPayload{
		Agent: name,
		Error: msg,
	})
	if err != nil {
		o.log.Error("fatal alert encode failed", "error", err)
		return
	}
	if err := o.bus.Publish(ctx, ev); err != nil {
		o.log.Error("fatal alert publish failed", "error", err)
	}
}

// onAgentError reacts to fault events without waiting for the next health
// check tick.
func (o *Orchestrator) onAgentError(ctx context.Context, ev event.Event) error {
	var payload event.AgentErrorPayload
	if err := ev.Decode(&payload); err != nil {
		return err
	}
	if ev.Source == orchestratorName {
		return nil // our own fatal alerts
	}

	o.mu.Lock()
	s, ok := o.agents[payload.Agent]
	if ok {
		s.lastFault = payload.Error
	}
	o.mu.Unlock()
	if !ok {
		return nil
	}

	if o.metrics != nil {
		o.metrics.AgentErrors.Add(ctx, 1)
	}

	// Handler faults leave the agent running; only a faulted state or a
	// stale heartbeat triggers a restart.
	o.superviseOne(ctx, payload.Agent)
	return nil
}

func (o *Orchestrator) stopAgents(ctx context.Context, names []string) {
	for _, name := range names {
		s := o.get(name)
		if s == nil {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, o.cfg.StopGracePeriod)
		if err := s.agent.Stop(stopCtx); err != nil {
			o.log.Error("agent stop failed", "agent", name, "error", err)
		} else {
			o.log.Info("agent stopped", "agent", name)
		}
		cancel()
	}
}

func (o *Orchestrator) names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

func (o *Orchestrator) get(name string) *supervised {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.agents[name]
}

// pruneWindow drops restart timestamps older than cutoff.
func pruneWindow(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// backoff returns the delay before restart attempt n (1-based), doubling
// from initial up to max.
func backoff(initial, max time.Duration, n int) time.Duration {
	d := initial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}
