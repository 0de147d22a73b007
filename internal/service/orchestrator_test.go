package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iaintheardofu/Tronas/internal/agent"
	"github.com/iaintheardofu/Tronas/internal/config"
	"github.com/iaintheardofu/Tronas/internal/domain/event"
)

// fakeAgent is a hand-driven agent whose state the test flips directly.
type fakeAgent struct {
	mu        sync.Mutex
	name      string
	state     agent.State
	heartbeat time.Time
	starts    int
	stops     int
	calls     *callLog
}

type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func newFakeAgent(name string, calls *callLog) *fakeAgent {
	return &fakeAgent{name: name, state: agent.StateIdle, calls: calls}
}

func (a *fakeAgent) Name() string { return a.name }

func (a *fakeAgent) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = agent.StateRunning
	a.starts++
	if a.calls != nil {
		a.calls.add("start " + a.name)
	}
	return nil
}

func (a *fakeAgent) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = agent.StateStopped
	a.stops++
	if a.calls != nil {
		a.calls.add("stop " + a.name)
	}
	return nil
}

func (a *fakeAgent) Pause() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != agent.StateRunning {
		return agent.ErrInvalidTransition
	}
	a.state = agent.StatePaused
	return nil
}

func (a *fakeAgent) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != agent.StatePaused {
		return agent.ErrInvalidTransition
	}
	a.state = agent.StateRunning
	return nil
}

func (a *fakeAgent) Status() agent.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return agent.Status{Name: a.name, State: a.state, LastHeartbeat: a.heartbeat}
}

func (a *fakeAgent) setState(s agent.State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

func (a *fakeAgent) startCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts
}

func supervisionConfig() config.Orchestrator {
	return config.Orchestrator{
		HealthCheckInterval: time.Hour, // tests drive checks directly
		MaxRestarts:         3,
		RestartWindow:       10 * time.Minute,
		BackoffInitial:      time.Millisecond,
		BackoffMax:          10 * time.Millisecond,
		StopGracePeriod:     time.Second,
	}
}

func TestStartAllAndStopAllOrder(t *testing.T) {
	calls := &callLog{}
	o := NewOrchestrator(discardLogger(), &fakeBus{}, supervisionConfig(), time.Hour, nil)

	for _, name := range []string{"first", "second", "third"} {
		if err := o.Register(newFakeAgent(name, calls)); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	if err := o.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	o.Shutdown(context.Background())

	got := strings.Join(calls.all(), ", ")
	want := "start first, start second, start third, stop third, stop second, stop first"
	if got != want {
		t.Errorf("call order:\n got %s\nwant %s", got, want)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	o := NewOrchestrator(discardLogger(), &fakeBus{}, supervisionConfig(), time.Hour, nil)
	if err := o.Register(newFakeAgent("worker", nil)); err != nil {
		t.Fatal(err)
	}
	if err := o.Register(newFakeAgent("worker", nil)); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestSupervisorRestartsFaultedAgent(t *testing.T) {
	o := NewOrchestrator(discardLogger(), &fakeBus{}, supervisionConfig(), time.Hour, nil)
	a := newFakeAgent("worker", nil)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return base }

	if err := o.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	a.setState(agent.StateError)
	o.superviseOne(context.Background(), "worker")

	if got := a.Status().State; got != agent.StateRunning {
		t.Errorf("state after supervision = %q, want running", got)
	}
	if a.startCount() != 2 {
		t.Errorf("starts = %d, want 2", a.startCount())
	}
	if got := o.Statuses()[0].RestartCount; got != 1 {
		t.Errorf("restart count = %d, want 1", got)
	}
}

func TestSupervisorRestartsStaleAgent(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	o := NewOrchestrator(discardLogger(), &fakeBus{}, supervisionConfig(), time.Minute, nil)
	o.now = func() time.Time { return base.Add(5 * time.Minute) }

	a := newFakeAgent("worker", nil)
	a.heartbeat = base // five minutes silent against a one-minute allowance
	if err := o.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	o.superviseOne(context.Background(), "worker")

	if a.startCount() != 2 {
		t.Errorf("starts = %d, want restart of stale agent", a.startCount())
	}
}

func TestSupervisorHonorsRestartBudget(t *testing.T) {
	cfg := supervisionConfig()
	b := &fakeBus{}
	o := NewOrchestrator(discardLogger(), b, cfg, time.Hour, nil)

	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	o.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(d)
	}

	a := newFakeAgent("worker", nil)
	if err := o.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The agent keeps faulting. Three restarts fit the budget; the fourth
	// fault stops it for good.
	for range cfg.MaxRestarts + 1 {
		a.setState(agent.StateError)
		o.superviseOne(context.Background(), "worker")
		advance(time.Second)
	}

	if a.startCount() != 1+cfg.MaxRestarts {
		t.Errorf("starts = %d, want %d (initial + budget)", a.startCount(), 1+cfg.MaxRestarts)
	}
	if got := a.Status().State; got != agent.StateStopped {
		t.Errorf("state after budget exhaustion = %q, want stopped", got)
	}

	// Budget exhaustion raises a fatal alert.
	alerts := b.byTopic(event.TopicAgentError)
	if len(alerts) != 1 {
		t.Fatalf("agents.error events = %d, want 1 fatal alert", len(alerts))
	}
	var payload event.AgentErrorPayload
	if err := alerts[0].Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Agent != "worker" || !strings.Contains(payload.Error, "restart budget exhausted") {
		t.Errorf("fatal alert payload = %+v", payload)
	}

	// A later fault never restarts it again.
	a.setState(agent.StateError)
	o.superviseOne(context.Background(), "worker")
	if a.startCount() != 1+cfg.MaxRestarts {
		t.Errorf("starts after exhaustion = %d, want unchanged", a.startCount())
	}
}

func TestPauseAllAndResumeAll(t *testing.T) {
	o := NewOrchestrator(discardLogger(), &fakeBus{}, supervisionConfig(), time.Hour, nil)
	a := newFakeAgent("worker", nil)
	if err := o.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	o.PauseAll()
	if got := a.Status().State; got != agent.StatePaused {
		t.Errorf("state after PauseAll = %q, want paused", got)
	}
	o.ResumeAll()
	if got := a.Status().State; got != agent.StateRunning {
		t.Errorf("state after ResumeAll = %q, want running", got)
	}
}
