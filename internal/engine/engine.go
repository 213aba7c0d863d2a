// Package engine owns strategy runs: it accepts start and cancel
// commands, drives every active run through periodic ticks, and
// publishes run outcomes to the journal, the alerter and metrics.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tathienbao/algobot/internal/alerting"
	"github.com/tathienbao/algobot/internal/metrics"
	"github.com/tathienbao/algobot/internal/scheduler"
	"github.com/tathienbao/algobot/internal/strategy"
	"github.com/tathienbao/algobot/internal/types"
)

// RunJournal records run lifecycle transitions for the audit trail.
type RunJournal interface {
	RecordRunStarted(ctx context.Context, snap types.RunSnapshot) error
	RecordRunFinished(ctx context.Context, snap types.RunSnapshot) error
}

// Config holds engine configuration.
type Config struct {
	// PollInterval is how often each active run ticks.
	PollInterval time.Duration
	// TickTimeout bounds one tick of one run.
	TickTimeout time.Duration
}

// DefaultConfig returns default engine config.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		TickTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = def.TickTimeout
	}
	return c
}

// run pairs a strategy with its lifecycle state. All mutation happens
// either in the dispatch loop or inside tick, which the scheduler's
// overlap skip plus the run mutex keep single-writer.
type run struct {
	mu sync.Mutex

	strat strategy.Strategy
	state types.RunState

	errMsg    string
	createdAt time.Time
	updatedAt time.Time

	cancelRequested atomic.Bool
	stopTicks       scheduler.CancelFunc
}

// Engine is the strategy run coordinator.
type Engine struct {
	cfg      Config
	sched    *scheduler.Scheduler
	journal  RunJournal
	alerter  alerting.Alerter
	recorder *metrics.Recorder
	logger   *slog.Logger

	mu   sync.RWMutex
	runs map[string]*run

	cmds     chan func()
	done     chan struct{}
	loopDone chan struct{}
	stopped  atomic.Bool
	stopOnce sync.Once
}

// New creates and starts an engine. journal and alerter may be nil.
func New(cfg Config, sched *scheduler.Scheduler, journal RunJournal, alerter alerting.Alerter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = alerting.NewConsoleAlerter(logger)
	}

	e := &Engine{
		cfg:      cfg.withDefaults(),
		sched:    sched,
		journal:  journal,
		alerter:  alerter,
		recorder: metrics.NewRecorder(),
		logger:   logger,
		runs:     make(map[string]*run),
		cmds:     make(chan func(), 16),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go e.dispatch()
	e.logger.Info("engine started")
	_ = e.alerter.Alert(context.Background(), alerting.EventSeverity(alerting.EventEngineStarted),
		"engine started")
	return e
}

// dispatch consumes commands one at a time. Run creation and
// registration are serialized here; ticks run on the scheduler pool.
func (e *Engine) dispatch() {
	defer close(e.loopDone)
	for {
		select {
		case <-e.done:
			return
		case cmd := <-e.cmds:
			cmd()
		}
	}
}

func (e *Engine) submit(cmd func()) error {
	if e.stopped.Load() {
		return types.ErrEngineStopped
	}
	select {
	case e.cmds <- cmd:
		return nil
	case <-e.done:
		return types.ErrEngineStopped
	}
}

// StartStrategy registers strat as a new run, places its initial orders
// and begins ticking it. The returned id addresses the run in CancelRun
// and Snapshot.
func (e *Engine) StartStrategy(ctx context.Context, strat strategy.Strategy) (string, error) {
	id := strat.ID()

	type reply struct{ err error }
	replyCh := make(chan reply, 1)

	err := e.submit(func() {
		replyCh <- reply{err: e.startRun(ctx, id, strat)}
	})
	if err != nil {
		return "", err
	}

	select {
	case r := <-replyCh:
		if r.err != nil {
			return "", r.err
		}
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *Engine) startRun(ctx context.Context, id string, strat strategy.Strategy) error {
	e.mu.Lock()
	if _, exists := e.runs[id]; exists {
		e.mu.Unlock()
		return fmt.Errorf("run %s: %w", id, types.ErrDuplicateIntent)
	}
	now := time.Now()
	r := &run{
		strat:     strat,
		state:     types.RunStateActive,
		createdAt: now,
		updatedAt: now,
	}
	e.runs[id] = r
	e.mu.Unlock()

	kind := strat.Kind().String()
	e.recorder.RecordRunStarted(kind)
	if e.journal != nil {
		if err := e.journal.RecordRunStarted(ctx, e.snapshotRun(id, r)); err != nil {
			e.logger.Error("journal run start failed", "run_id", id, "err", err)
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, e.cfg.TickTimeout)
	err := strat.Start(startCtx)
	cancel()
	if err != nil {
		r.mu.Lock()
		r.state = types.RunStateFailed
		r.errMsg = err.Error()
		r.updatedAt = time.Now()
		e.finishRun(id, r, types.RunStateFailed)
		r.mu.Unlock()
		return fmt.Errorf("starting run %s: %w", id, err)
	}

	r.mu.Lock()
	r.stopTicks = e.sched.ScheduleEvery(e.cfg.PollInterval, func() {
		e.tick(id, r)
	})
	r.mu.Unlock()

	e.logger.Info("run started", "run_id", id, "kind", kind)
	_ = e.alerter.Alert(ctx, alerting.EventSeverity(alerting.EventRunStarted),
		"strategy run started", "run_id", id, "kind", kind)
	return nil
}

// tick advances one run by one poll cycle.
func (e *Engine) tick(id string, r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.IsTerminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TickTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	kind := r.strat.Kind().String()

	if r.cancelRequested.Load() {
		state := types.RunStateCancelled
		if err := r.strat.CancelChildren(ctx); err != nil {
			state = types.RunStateDegraded
			r.errMsg = err.Error()
			e.logger.Warn("run cancellation left unconfirmed children",
				"run_id", id, "err", err)
		}
		r.state = state
		r.updatedAt = time.Now()
		e.recorder.RecordTick(kind, timer.Elapsed())
		e.finishRun(id, r, state)
		return
	}

	res, err := r.strat.Tick(ctx)
	e.recorder.RecordTick(kind, timer.Elapsed())
	r.updatedAt = time.Now()

	switch res {
	case strategy.TickContinue:
		if err != nil {
			// Transient; the next tick retries.
			e.logger.Warn("tick error", "run_id", id, "err", err)
			e.recorder.RecordError("engine")
			if k, ok := types.GatewayKind(err); ok && k == types.GatewayVenueRejected {
				_ = e.alerter.Alert(ctx, alerting.EventSeverity(alerting.EventOrderRejected),
					"venue rejected an order", "run_id", id, "err", err.Error())
			}
		}
	case strategy.TickCompleted:
		r.state = types.RunStateCompleted
		e.finishRun(id, r, types.RunStateCompleted)
	case strategy.TickDegraded:
		r.state = types.RunStateDegraded
		if err != nil {
			r.errMsg = err.Error()
		}
		e.finishRun(id, r, types.RunStateDegraded)
	}
}

// finishRun publishes a terminal transition. Caller holds r.mu.
func (e *Engine) finishRun(id string, r *run, state types.RunState) {
	if r.stopTicks != nil {
		r.stopTicks()
	}

	kind := r.strat.Kind().String()
	e.recorder.RecordRunFinished(kind, state.String())

	snap := e.snapshotRunLocked(id, r)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.journal != nil {
		if err := e.journal.RecordRunFinished(ctx, snap); err != nil {
			e.logger.Error("journal run finish failed", "run_id", id, "err", err)
		}
	}

	event := alerting.EventRunCompleted
	switch state {
	case types.RunStateCancelled:
		event = alerting.EventRunCancelled
	case types.RunStateDegraded:
		event = alerting.EventRunDegraded
	case types.RunStateFailed:
		event = alerting.EventRunFailed
	}
	_ = e.alerter.Alert(ctx, alerting.EventSeverity(event),
		"strategy run finished",
		"run_id", id,
		"kind", kind,
		"state", state.String(),
		"summary", snap.Summary,
	)

	// A contingent pair that filled both legs completed, but an
	// operator has to flatten the extra exposure by hand.
	if df, ok := r.strat.(interface{ DoubleFilled() bool }); ok && df.DoubleFilled() {
		_ = e.alerter.Alert(ctx, alerting.EventSeverity(alerting.EventDoubleFill),
			"both contingent orders filled",
			"run_id", id,
			"summary", snap.Summary,
		)
	}

	e.logger.Info("run finished",
		"run_id", id,
		"kind", kind,
		"state", state.String(),
		"summary", snap.Summary,
	)
}

// CancelRun requests cooperative cancellation. Children are cancelled
// at the top of the run's next tick; an immediate tick is scheduled so
// cancellation does not wait out the poll interval.
func (e *Engine) CancelRun(id string) error {
	e.mu.RLock()
	r, ok := e.runs[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("run %s: %w", id, types.ErrRunNotFound)
	}

	r.mu.Lock()
	terminal := r.state.IsTerminal()
	r.mu.Unlock()
	if terminal {
		return fmt.Errorf("run %s: %w", id, types.ErrRunTerminated)
	}

	r.cancelRequested.Store(true)
	e.sched.ScheduleAt(time.Now(), func() { e.tick(id, r) })
	return nil
}

// Snapshot returns the reporting view of one run.
func (e *Engine) Snapshot(id string) (types.RunSnapshot, error) {
	e.mu.RLock()
	r, ok := e.runs[id]
	e.mu.RUnlock()
	if !ok {
		return types.RunSnapshot{}, fmt.Errorf("run %s: %w", id, types.ErrRunNotFound)
	}
	return e.snapshotRun(id, r), nil
}

// Snapshots returns the reporting view of every run, active and
// finished.
func (e *Engine) Snapshots() []types.RunSnapshot {
	e.mu.RLock()
	ids := make([]string, 0, len(e.runs))
	runs := make([]*run, 0, len(e.runs))
	for id, r := range e.runs {
		ids = append(ids, id)
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	snaps := make([]types.RunSnapshot, 0, len(runs))
	for i, r := range runs {
		snaps = append(snaps, e.snapshotRun(ids[i], r))
	}
	return snaps
}

func (e *Engine) snapshotRun(id string, r *run) types.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.snapshotRunLocked(id, r)
}

// snapshotRunLocked builds the snapshot. Caller holds r.mu.
func (e *Engine) snapshotRunLocked(id string, r *run) types.RunSnapshot {
	return types.RunSnapshot{
		StrategyID: id,
		Kind:       r.strat.Kind(),
		State:      r.state,
		Summary:    r.strat.Summary(),
		Children:   r.strat.Children(),
		Completed:  r.state == types.RunStateCompleted,
		Err:        r.errMsg,
		CreatedAt:  r.createdAt,
		UpdatedAt:  r.updatedAt,
	}
}

// ActiveRuns counts runs that have not reached a terminal state.
func (e *Engine) ActiveRuns() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, r := range e.runs {
		r.mu.Lock()
		if !r.state.IsTerminal() {
			n++
		}
		r.mu.Unlock()
	}
	return n
}

// Stop halts the dispatch loop and all per-run tick schedules. Venue
// orders are left as they are; cancel runs explicitly before stopping
// if a flat book is wanted.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.done)
		<-e.loopDone

		e.mu.RLock()
		for _, r := range e.runs {
			r.mu.Lock()
			if r.stopTicks != nil {
				r.stopTicks()
			}
			r.mu.Unlock()
		}
		e.mu.RUnlock()

		e.logger.Info("engine stopped")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.alerter.Alert(ctx, alerting.EventSeverity(alerting.EventEngineStopped),
			"engine stopped")
	})
}
