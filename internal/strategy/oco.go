package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/algobot/internal/types"
)

// OCOConfig holds contingent-pair parameters. Side applies to both
// siblings: a sell OCO exits a long position via either the take-profit
// limit or the stop-loss.
type OCOConfig struct {
	Symbol          string
	Side            types.Side
	Quantity        decimal.Decimal
	TakeProfitPrice decimal.Decimal
	StopLossPrice   decimal.Decimal
	Retry           RetryPolicy
}

// Validate rejects invalid parameters before a run is created.
func (c OCOConfig) Validate() error {
	var errs []string

	if c.Symbol == "" {
		errs = append(errs, "symbol is required")
	}
	if !c.Quantity.IsPositive() {
		errs = append(errs, "quantity must be positive")
	}
	if !c.TakeProfitPrice.IsPositive() {
		errs = append(errs, "take_profit_price must be positive")
	}
	if !c.StopLossPrice.IsPositive() {
		errs = append(errs, "stop_loss_price must be positive")
	}
	if c.Side == types.SideSell && c.TakeProfitPrice.IsPositive() && c.StopLossPrice.IsPositive() &&
		!c.TakeProfitPrice.GreaterThan(c.StopLossPrice) {
		errs = append(errs, "sell take_profit_price must be above stop_loss_price")
	}
	if c.Side == types.SideBuy && c.TakeProfitPrice.IsPositive() && c.StopLossPrice.IsPositive() &&
		!c.TakeProfitPrice.LessThan(c.StopLossPrice) {
		errs = append(errs, "buy take_profit_price must be below stop_loss_price")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: oco: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

type ocoSibling struct {
	name     string
	intent   types.OrderIntent
	filled   bool
	terminal bool
}

// OCO places a take-profit limit order and a stop-loss order as
// contingent siblings: the instant either fills, the other is
// cancelled. A cancel that races a simultaneous fill is tolerated as a
// benign no-op; any other cancel failure is retried a bounded number of
// times and then the run degrades.
type OCO struct {
	id      string
	cfg     OCOConfig
	tracker Tracker
	logger  *slog.Logger

	takeProfit *ocoSibling
	stopLoss   *ocoSibling

	cancelAttempts int
	summaryNote    string
	doubleFill     bool
}

// NewOCO validates cfg and creates an OCO strategy.
func NewOCO(cfg OCOConfig, tr Tracker, logger *slog.Logger) (*OCO, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Retry = cfg.Retry.normalize()

	return &OCO{
		id:      uuid.New().String(),
		cfg:     cfg,
		tracker: tr,
		logger:  logger,
	}, nil
}

// ID returns the strategy run id.
func (o *OCO) ID() string {
	return o.id
}

// Kind returns the strategy kind.
func (o *OCO) Kind() types.StrategyKind {
	return types.StrategyOCO
}

// Start submits both siblings concurrently. If only one placement
// succeeds, the survivor is cancelled and Start fails: a one-legged OCO
// offers no protection.
func (o *OCO) Start(ctx context.Context) error {
	tpIntent := newIntent(o.id, o.cfg.Symbol, o.cfg.Side, types.OrderKindLimit,
		o.cfg.Quantity, o.cfg.TakeProfitPrice, decimal.Zero)
	slIntent := newIntent(o.id, o.cfg.Symbol, o.cfg.Side, types.OrderKindStop,
		o.cfg.Quantity, decimal.Zero, o.cfg.StopLossPrice)

	o.takeProfit = &ocoSibling{name: "take_profit", intent: tpIntent}
	o.stopLoss = &ocoSibling{name: "stop_loss", intent: slIntent}

	var wg sync.WaitGroup
	var tpErr, slErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, tpErr = o.tracker.Submit(ctx, tpIntent)
	}()
	go func() {
		defer wg.Done()
		_, slErr = o.tracker.Submit(ctx, slIntent)
	}()
	wg.Wait()

	if tpErr != nil || slErr != nil {
		// Best effort unwind of whichever leg landed.
		if tpErr == nil {
			_ = cancelWithRetry(ctx, o.tracker, tpIntent.ID, o.cfg.Retry)
		}
		if slErr == nil {
			_ = cancelWithRetry(ctx, o.tracker, slIntent.ID, o.cfg.Retry)
		}
		if tpErr != nil {
			return fmt.Errorf("oco %s: take-profit placement: %w", o.id, tpErr)
		}
		return fmt.Errorf("oco %s: stop-loss placement: %w", o.id, slErr)
	}

	o.logger.Info("oco started",
		"strategy_id", o.id,
		"symbol", o.cfg.Symbol,
		"side", o.cfg.Side,
		"qty", o.cfg.Quantity,
		"take_profit", o.cfg.TakeProfitPrice,
		"stop_loss", o.cfg.StopLossPrice,
	)
	return nil
}

// Tick refreshes both siblings and enforces the pair invariant: the
// instant either sibling is filled, the other is cancelled.
func (o *OCO) Tick(ctx context.Context) (TickResult, error) {
	o.refreshSibling(ctx, o.takeProfit)
	o.refreshSibling(ctx, o.stopLoss)

	winner, loser := o.winnerLoser()
	if winner == nil {
		// Neither filled. A sibling that died on its own (rejected or
		// cancelled at the venue) leaves the pair unprotected.
		if o.takeProfit.terminal || o.stopLoss.terminal {
			dead := o.takeProfit
			if o.stopLoss.terminal {
				dead = o.stopLoss
			}
			o.summaryNote = fmt.Sprintf("%s leg died before either side filled", dead.name)
			return TickDegraded, fmt.Errorf("oco %s: %s", o.id, o.summaryNote)
		}
		return TickContinue, nil
	}

	if loser.terminal {
		if loser.filled {
			// Near-simultaneous fill race: both legs executed before
			// either cancel landed. Surface it, never crash on it.
			o.summaryNote = "both siblings filled in a near-simultaneous race"
			o.doubleFill = true
			o.logger.Warn("oco double fill", "strategy_id", o.id)
		} else {
			o.summaryNote = fmt.Sprintf("%s filled, %s cancelled", winner.name, loser.name)
		}
		return TickCompleted, nil
	}

	// Cancel the losing sibling immediately.
	err := o.tracker.Cancel(ctx, loser.intent.ID)
	if err == nil {
		loser.terminal = true
		o.summaryNote = fmt.Sprintf("%s filled, %s cancelled", winner.name, loser.name)
		return TickCompleted, nil
	}
	if types.IsAlreadyTerminal(err) {
		// The loser finished on its own; the next refresh resolves
		// whether it was filled (race) or already cancelled.
		o.refreshSibling(ctx, loser)
		return TickContinue, nil
	}

	o.cancelAttempts++
	if o.cancelAttempts >= o.cfg.Retry.MaxAttempts {
		o.summaryNote = fmt.Sprintf("%s filled but %s cancellation unconfirmed", winner.name, loser.name)
		return TickDegraded, fmt.Errorf("oco %s: cannot confirm %s cancelled after %d attempts: %w",
			o.id, loser.name, o.cancelAttempts, err)
	}
	return TickContinue, err
}

func (o *OCO) refreshSibling(ctx context.Context, s *ocoSibling) {
	if s.terminal {
		return
	}
	rec, err := o.tracker.Refresh(ctx, s.intent.ID)
	if err != nil {
		return
	}
	s.filled = rec.Status == types.OrderStatusFilled
	s.terminal = rec.Status.IsTerminal()
}

// DoubleFilled reports whether both siblings executed before either
// cancel landed.
func (o *OCO) DoubleFilled() bool {
	return o.doubleFill
}

// winnerLoser identifies the filled sibling, if any.
func (o *OCO) winnerLoser() (winner, loser *ocoSibling) {
	if o.takeProfit.filled {
		return o.takeProfit, o.stopLoss
	}
	if o.stopLoss.filled {
		return o.stopLoss, o.takeProfit
	}
	return nil, nil
}

// CancelChildren cancels both siblings with bounded retries.
func (o *OCO) CancelChildren(ctx context.Context) error {
	if o.takeProfit == nil {
		return nil
	}

	var errs []string
	for _, s := range []*ocoSibling{o.takeProfit, o.stopLoss} {
		if err := cancelWithRetry(ctx, o.tracker, s.intent.ID, o.cfg.Retry); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", s.name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("oco %s: %s", o.id, strings.Join(errs, "; "))
	}
	return nil
}

// Children reports both siblings.
func (o *OCO) Children() []types.ChildOrder {
	if o.takeProfit == nil {
		return nil
	}
	return []types.ChildOrder{
		childOrder(o.tracker, o.takeProfit.intent),
		childOrder(o.tracker, o.stopLoss.intent),
	}
}

// Summary describes the pair outcome.
func (o *OCO) Summary() string {
	if o.summaryNote != "" {
		return fmt.Sprintf("oco %s %s: %s", o.cfg.Symbol, o.cfg.Side, o.summaryNote)
	}
	return fmt.Sprintf("oco %s %s: tp %s / sl %s active",
		o.cfg.Symbol, o.cfg.Side, o.cfg.TakeProfitPrice, o.cfg.StopLossPrice)
}
