package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tathienbao/algobot/internal/alerting"
	"github.com/tathienbao/algobot/internal/scheduler"
	"github.com/tathienbao/algobot/internal/strategy"
	"github.com/tathienbao/algobot/internal/types"
)

// fakeStrategy is a scriptable strategy: each tick pops the next
// result, and the last one repeats.
type fakeStrategy struct {
	mu sync.Mutex

	id       string
	startErr error
	results  []strategy.TickResult
	tickErr  error

	ticks        int
	cancelCalled bool
	cancelErr    error
}

func (f *fakeStrategy) ID() string               { return f.id }
func (f *fakeStrategy) Kind() types.StrategyKind { return types.StrategyGrid }

func (f *fakeStrategy) Start(context.Context) error { return f.startErr }

func (f *fakeStrategy) Tick(context.Context) (strategy.TickResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res, f.tickErr
}

func (f *fakeStrategy) CancelChildren(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalled = true
	return f.cancelErr
}

func (f *fakeStrategy) Children() []types.ChildOrder { return nil }
func (f *fakeStrategy) Summary() string              { return "fake" }

func (f *fakeStrategy) tickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks
}

func (f *fakeStrategy) cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelCalled
}

// mockJournal captures run transitions.
type mockJournal struct {
	mu       sync.Mutex
	started  []types.RunSnapshot
	finished []types.RunSnapshot
}

func (m *mockJournal) RecordRunStarted(_ context.Context, snap types.RunSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, snap)
	return nil
}

func (m *mockJournal) RecordRunFinished(_ context.Context, snap types.RunSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, snap)
	return nil
}

func (m *mockJournal) finishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.finished)
}

func newTestEngine(t *testing.T, journal RunJournal, alerter alerting.Alerter) *Engine {
	t.Helper()
	sched := scheduler.New(scheduler.Config{Workers: 2, QueueSize: 16}, nil)
	t.Cleanup(sched.Stop)

	e := New(Config{PollInterval: 5 * time.Millisecond, TickTimeout: time.Second},
		sched, journal, alerter, nil)
	t.Cleanup(e.Stop)
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngineRunCompletes(t *testing.T) {
	journal := &mockJournal{}
	alerter := alerting.NewMockAlerter()
	e := newTestEngine(t, journal, alerter)

	strat := &fakeStrategy{
		id:      "run-1",
		results: []strategy.TickResult{strategy.TickContinue, strategy.TickCompleted},
	}

	id, err := e.StartStrategy(context.Background(), strat)
	if err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}
	if id != "run-1" {
		t.Fatalf("id = %q, want run-1", id)
	}

	waitFor(t, "run completion", func() bool {
		snap, err := e.Snapshot(id)
		return err == nil && snap.State == types.RunStateCompleted
	})

	snap, err := e.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.Completed {
		t.Error("Completed flag not set")
	}
	if strat.tickCount() < 2 {
		t.Errorf("expected at least 2 ticks, got %d", strat.tickCount())
	}
	if journal.finishedCount() != 1 {
		t.Errorf("journal recorded %d finishes, want 1", journal.finishedCount())
	}
	if !alerter.HasAlertContaining("run finished") {
		t.Error("no finish alert sent")
	}

	// A finished run stops ticking.
	n := strat.tickCount()
	time.Sleep(30 * time.Millisecond)
	if strat.tickCount() != n {
		t.Errorf("run ticked after completion: %d -> %d", n, strat.tickCount())
	}
}

func TestEngineStartFailureMarksRunFailed(t *testing.T) {
	e := newTestEngine(t, nil, alerting.NewMockAlerter())

	strat := &fakeStrategy{
		id:       "run-fail",
		startErr: errors.New("venue down"),
		results:  []strategy.TickResult{strategy.TickContinue},
	}

	if _, err := e.StartStrategy(context.Background(), strat); err == nil {
		t.Fatal("expected StartStrategy to fail")
	}

	snap, err := e.Snapshot("run-fail")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State != types.RunStateFailed {
		t.Errorf("state = %v, want FAILED", snap.State)
	}
}

func TestEngineCancelRun(t *testing.T) {
	e := newTestEngine(t, nil, alerting.NewMockAlerter())

	strat := &fakeStrategy{
		id:      "run-2",
		results: []strategy.TickResult{strategy.TickContinue},
	}
	id, err := e.StartStrategy(context.Background(), strat)
	if err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}

	if err := e.CancelRun(id); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	waitFor(t, "run cancellation", func() bool {
		snap, err := e.Snapshot(id)
		return err == nil && snap.State == types.RunStateCancelled
	})
	if !strat.cancelled() {
		t.Error("CancelChildren was not called")
	}

	// Cancelling again is an error: the run is already terminal.
	if err := e.CancelRun(id); !errors.Is(err, types.ErrRunTerminated) {
		t.Errorf("second CancelRun = %v, want ErrRunTerminated", err)
	}
}

func TestEngineCancelUnknownRun(t *testing.T) {
	e := newTestEngine(t, nil, alerting.NewMockAlerter())

	if err := e.CancelRun("nope"); !errors.Is(err, types.ErrRunNotFound) {
		t.Errorf("CancelRun = %v, want ErrRunNotFound", err)
	}
}

func TestEngineDegradedRunAlertsHigh(t *testing.T) {
	alerter := alerting.NewMockAlerter()
	e := newTestEngine(t, nil, alerter)

	strat := &fakeStrategy{
		id:      "run-3",
		results: []strategy.TickResult{strategy.TickDegraded},
		tickErr: errors.New("sibling cancel unconfirmed"),
	}
	id, err := e.StartStrategy(context.Background(), strat)
	if err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}

	waitFor(t, "run degradation", func() bool {
		snap, err := e.Snapshot(id)
		return err == nil && snap.State == types.RunStateDegraded
	})

	snap, _ := e.Snapshot(id)
	if snap.Err == "" {
		t.Error("degraded snapshot should carry the error")
	}
	if !alerter.HasAlertWithSeverity(alerting.SeverityHigh) {
		t.Error("degraded run should alert at HIGH severity")
	}
}

func TestEngineUnknownCancelFailureDegrades(t *testing.T) {
	e := newTestEngine(t, nil, alerting.NewMockAlerter())

	strat := &fakeStrategy{
		id:        "run-4",
		results:   []strategy.TickResult{strategy.TickContinue},
		cancelErr: errors.New("network down"),
	}
	id, err := e.StartStrategy(context.Background(), strat)
	if err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}
	if err := e.CancelRun(id); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	waitFor(t, "degraded cancellation", func() bool {
		snap, err := e.Snapshot(id)
		return err == nil && snap.State == types.RunStateDegraded
	})
}

func TestEngineSnapshots(t *testing.T) {
	e := newTestEngine(t, nil, alerting.NewMockAlerter())

	for _, id := range []string{"a", "b"} {
		strat := &fakeStrategy{id: id, results: []strategy.TickResult{strategy.TickContinue}}
		if _, err := e.StartStrategy(context.Background(), strat); err != nil {
			t.Fatalf("StartStrategy %s: %v", id, err)
		}
	}

	if got := len(e.Snapshots()); got != 2 {
		t.Fatalf("Snapshots() returned %d runs, want 2", got)
	}
	if got := e.ActiveRuns(); got != 2 {
		t.Fatalf("ActiveRuns() = %d, want 2", got)
	}
}

func TestEngineStoppedRejectsCommands(t *testing.T) {
	e := newTestEngine(t, nil, alerting.NewMockAlerter())
	e.Stop()

	strat := &fakeStrategy{id: "late", results: []strategy.TickResult{strategy.TickContinue}}
	if _, err := e.StartStrategy(context.Background(), strat); !errors.Is(err, types.ErrEngineStopped) {
		t.Errorf("StartStrategy after Stop = %v, want ErrEngineStopped", err)
	}
}

func TestEngineDuplicateRunRejected(t *testing.T) {
	e := newTestEngine(t, nil, alerting.NewMockAlerter())

	strat := &fakeStrategy{id: "dup", results: []strategy.TickResult{strategy.TickContinue}}
	if _, err := e.StartStrategy(context.Background(), strat); err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}
	other := &fakeStrategy{id: "dup", results: []strategy.TickResult{strategy.TickContinue}}
	if _, err := e.StartStrategy(context.Background(), other); err == nil {
		t.Fatal("expected duplicate run id to be rejected")
	}
}

// doubleFillStrategy reports a contingent pair that filled both legs.
type doubleFillStrategy struct {
	*fakeStrategy
}

func (s *doubleFillStrategy) DoubleFilled() bool { return true }

func TestEngineDoubleFillAlertsHigh(t *testing.T) {
	alerter := alerting.NewMockAlerter()
	e := newTestEngine(t, nil, alerter)

	strat := &doubleFillStrategy{fakeStrategy: &fakeStrategy{
		id:      "run-df",
		results: []strategy.TickResult{strategy.TickCompleted},
	}}

	if _, err := e.StartStrategy(context.Background(), strat); err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}

	waitFor(t, "double fill alert", func() bool {
		return alerter.HasAlertContaining("both contingent orders filled")
	})
	if !alerter.HasAlertWithSeverity(alerting.SeverityHigh) {
		t.Error("double fill should alert at HIGH severity")
	}
}

func TestEngineVenueRejectionAlerts(t *testing.T) {
	alerter := alerting.NewMockAlerter()
	e := newTestEngine(t, nil, alerter)

	strat := &fakeStrategy{
		id:      "run-rej",
		results: []strategy.TickResult{strategy.TickContinue},
		tickErr: types.NewGatewayError(types.GatewayVenueRejected, "place", errors.New("insufficient balance")),
	}

	if _, err := e.StartStrategy(context.Background(), strat); err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}

	waitFor(t, "rejection alert", func() bool {
		return alerter.HasAlertContaining("venue rejected an order")
	})
}

func TestEngineLifecycleAlerts(t *testing.T) {
	alerter := alerting.NewMockAlerter()
	e := newTestEngine(t, nil, alerter)

	if !alerter.HasAlertContaining("engine started") {
		t.Error("no start alert sent")
	}

	e.Stop()
	if !alerter.HasAlertContaining("engine stopped") {
		t.Error("no stop alert sent")
	}
}
