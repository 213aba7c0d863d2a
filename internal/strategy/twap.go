package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/algobot/internal/types"
)

// TWAPConfig holds time-sliced execution parameters.
type TWAPConfig struct {
	Symbol        string
	Side          types.Side
	TotalQuantity decimal.Decimal
	SliceCount    int
	Duration      time.Duration
	// QuantityStep is the venue lot size slices are rounded down to.
	// Defaults to 1.
	QuantityStep decimal.Decimal
	Retry        RetryPolicy
}

// Validate rejects invalid parameters before a run is created.
func (c TWAPConfig) Validate() error {
	var errs []string

	if c.Symbol == "" {
		errs = append(errs, "symbol is required")
	}
	if !c.TotalQuantity.IsPositive() {
		errs = append(errs, "total_quantity must be positive")
	}
	if c.SliceCount < 1 {
		errs = append(errs, "slice_count must be at least 1")
	}
	if c.Duration <= 0 {
		errs = append(errs, "duration must be positive")
	}
	step := c.step()
	if c.SliceCount >= 1 && c.TotalQuantity.IsPositive() &&
		c.TotalQuantity.LessThan(step.Mul(decimal.NewFromInt(int64(c.SliceCount)))) && c.SliceCount > 1 {
		errs = append(errs, "total_quantity too small for slice_count at this quantity_step")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: twap: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

func (c TWAPConfig) step() decimal.Decimal {
	if c.QuantityStep.IsPositive() {
		return c.QuantityStep
	}
	return decimal.NewFromInt(1)
}

// SliceQuantities splits TotalQuantity into SliceCount slices: every
// slice gets total/count rounded down to the quantity step, and the
// remainder lands on the last slice so the sum is exactly the total.
func (c TWAPConfig) SliceQuantities() []decimal.Decimal {
	count := decimal.NewFromInt(int64(c.SliceCount))
	step := c.step()

	base := c.TotalQuantity.Div(count).Div(step).Floor().Mul(step)
	quantities := make([]decimal.Decimal, c.SliceCount)
	sum := decimal.Zero
	for i := 0; i < c.SliceCount-1; i++ {
		quantities[i] = base
		sum = sum.Add(base)
	}
	quantities[c.SliceCount-1] = c.TotalQuantity.Sub(sum)
	return quantities
}

type twapSlice struct {
	planned  decimal.Decimal // base quantity for this slice
	carry    decimal.Decimal // shortfall carried from earlier slices
	fireAt   time.Time
	deadline time.Time

	intentID string
	attempts int
	done     bool
	unknown  bool // slice ended without a confirmed terminal state
}

func (s *twapSlice) quantity() decimal.Decimal {
	return s.planned.Add(s.carry)
}

// TWAP executes a total quantity as evenly timed market-order slices.
// A slice still open at its deadline is cancelled and its shortfall
// accumulates onto the final slice, so the executed total converges
// toward the requested total at the cost of front-loading the last
// slice.
type TWAP struct {
	id      string
	cfg     TWAPConfig
	tracker Tracker
	logger  *slog.Logger
	now     func() time.Time

	slices  []*twapSlice
	current int
	started bool

	intents []types.OrderIntent
}

// NewTWAP validates cfg and creates a TWAP strategy.
func NewTWAP(cfg TWAPConfig, tr Tracker, logger *slog.Logger) (*TWAP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Retry = cfg.Retry.normalize()

	return &TWAP{
		id:      uuid.New().String(),
		cfg:     cfg,
		tracker: tr,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// ID returns the strategy run id.
func (t *TWAP) ID() string {
	return t.id
}

// Kind returns the strategy kind.
func (t *TWAP) Kind() types.StrategyKind {
	return types.StrategyTWAP
}

// Start fixes the slice schedule and submits the first slice.
func (t *TWAP) Start(ctx context.Context) error {
	start := t.now()
	interval := t.cfg.Duration / time.Duration(t.cfg.SliceCount)

	quantities := t.cfg.SliceQuantities()
	t.slices = make([]*twapSlice, t.cfg.SliceCount)
	for i := range t.slices {
		t.slices[i] = &twapSlice{
			planned:  quantities[i],
			carry:    decimal.Zero,
			fireAt:   start.Add(time.Duration(i) * interval),
			deadline: start.Add(time.Duration(i+1) * interval),
		}
	}
	t.started = true

	t.logger.Info("twap started",
		"strategy_id", t.id,
		"symbol", t.cfg.Symbol,
		"side", t.cfg.Side,
		"total", t.cfg.TotalQuantity,
		"slices", t.cfg.SliceCount,
		"duration", t.cfg.Duration,
	)

	t.submitSlice(ctx, t.slices[0])
	return nil
}

// Tick advances the slice schedule: it refreshes the active slice,
// finalizes slices past their deadline (cancelling and carrying any
// shortfall forward), and submits the next slice when its time comes.
func (t *TWAP) Tick(ctx context.Context) (TickResult, error) {
	now := t.now()
	sl := t.slices[t.current]

	if !sl.done {
		if sl.intentID == "" {
			// Submission failed earlier; bounded retry. A timed-out
			// submit is not retried blindly: the tracker records it
			// Unknown and the shortfall is carried instead.
			if sl.attempts < t.cfg.Retry.MaxAttempts && !sl.unknown {
				t.submitSlice(ctx, sl)
			}
		} else {
			rec, err := t.tracker.Refresh(ctx, sl.intentID)
			if err == nil && rec.Status.IsTerminal() && t.current == len(t.slices)-1 {
				// Nothing left to wait for once the final slice lands.
				return t.finish(ctx)
			}
		}
	}

	if now.Before(sl.deadline) {
		return TickContinue, nil
	}

	// Deadline passed: settle this slice and move on.
	t.finalizeSlice(ctx, sl)

	if t.current == len(t.slices)-1 {
		return t.finish(ctx)
	}

	shortfall := t.settledShortfall(sl)
	if shortfall.IsPositive() {
		last := t.slices[len(t.slices)-1]
		last.carry = last.carry.Add(shortfall)
		t.logger.Info("twap shortfall carried to final slice",
			"strategy_id", t.id,
			"slice", t.current,
			"shortfall", shortfall,
		)
	}

	t.current++
	next := t.slices[t.current]
	if !now.Before(next.fireAt) {
		t.submitSlice(ctx, next)
	}
	return TickContinue, nil
}

// finalizeSlice brings sl to a settled state at its deadline: an order
// still open is cancelled with bounded retries, a never-acknowledged
// slice is written off.
func (t *TWAP) finalizeSlice(ctx context.Context, sl *twapSlice) {
	if sl.done {
		return
	}
	sl.done = true

	if sl.intentID == "" {
		// All submit attempts failed; the whole slice is shortfall.
		return
	}

	// Capture the latest fill before cancelling.
	rec, err := t.tracker.Refresh(ctx, sl.intentID)
	if err == nil && rec.Status.IsTerminal() {
		return
	}

	if err := cancelWithRetry(ctx, t.tracker, sl.intentID, t.cfg.Retry); err != nil {
		sl.unknown = true
		t.logger.Warn("twap slice could not be confirmed cancelled",
			"strategy_id", t.id,
			"intent_id", sl.intentID,
			"err", err,
		)
	}
}

// settledShortfall returns how much of sl's quantity did not execute.
func (t *TWAP) settledShortfall(sl *twapSlice) decimal.Decimal {
	filled := decimal.Zero
	if sl.intentID != "" {
		if rec, ok := t.tracker.GetRecord(sl.intentID); ok {
			filled = rec.FilledQuantity
		}
	}
	shortfall := sl.quantity().Sub(filled)
	if shortfall.IsNegative() {
		return decimal.Zero
	}
	return shortfall
}

func (t *TWAP) submitSlice(ctx context.Context, sl *twapSlice) {
	qty := sl.quantity()
	if !qty.IsPositive() {
		sl.done = true
		return
	}

	intent := newIntent(t.id, t.cfg.Symbol, t.cfg.Side, types.OrderKindMarket,
		qty, decimal.Zero, decimal.Zero)
	t.intents = append(t.intents, intent)

	_, err := t.tracker.Submit(ctx, intent)
	if err != nil {
		sl.attempts++
		if types.IsTimeout(err) {
			// The venue may have the order; do not resubmit.
			sl.intentID = intent.ID
			sl.unknown = true
		}
		return
	}

	sl.attempts = 0
	sl.intentID = intent.ID
	t.logger.Info("twap slice submitted",
		"strategy_id", t.id,
		"slice", t.current,
		"qty", qty,
	)
}

// finish finalizes the last slice and reports the outcome.
func (t *TWAP) finish(ctx context.Context) (TickResult, error) {
	t.finalizeSlice(ctx, t.slices[len(t.slices)-1])

	filled := t.FilledQuantity()
	degraded := false
	for _, sl := range t.slices {
		if sl.unknown {
			degraded = true
		}
	}

	if degraded {
		return TickDegraded, fmt.Errorf("twap %s: filled %s of %s with unconfirmed slices",
			t.id, filled, t.cfg.TotalQuantity)
	}

	t.logger.Info("twap completed",
		"strategy_id", t.id,
		"requested", t.cfg.TotalQuantity,
		"filled", filled,
	)
	return TickCompleted, nil
}

// FilledQuantity sums the executed quantity across all slices.
func (t *TWAP) FilledQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, intent := range t.intents {
		if rec, ok := t.tracker.GetRecord(intent.ID); ok {
			total = total.Add(rec.FilledQuantity)
		}
	}
	return total
}

// CancelChildren cancels every slice order not yet confirmed terminal.
// A slice left unknown by an earlier window is swept here too, so a
// cancelled run never hides an unconfirmed order.
func (t *TWAP) CancelChildren(ctx context.Context) error {
	if !t.started {
		return nil
	}
	var errs []error
	for i, sl := range t.slices {
		if sl.intentID == "" {
			continue
		}
		if rec, ok := t.tracker.GetRecord(sl.intentID); ok && rec.Status.IsTerminal() {
			continue
		}
		if err := cancelWithRetry(ctx, t.tracker, sl.intentID, t.cfg.Retry); err != nil {
			errs = append(errs, fmt.Errorf("slice %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Children reports every slice order created by this run.
func (t *TWAP) Children() []types.ChildOrder {
	children := make([]types.ChildOrder, 0, len(t.intents))
	for _, intent := range t.intents {
		children = append(children, childOrder(t.tracker, intent))
	}
	return children
}

// Summary reports filled versus requested quantity.
func (t *TWAP) Summary() string {
	return fmt.Sprintf("twap %s %s: filled %s of %s over %d slices",
		t.cfg.Symbol, t.cfg.Side, t.FilledQuantity(), t.cfg.TotalQuantity, t.cfg.SliceCount)
}
