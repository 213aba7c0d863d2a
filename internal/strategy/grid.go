package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/algobot/internal/types"
)

// GridConfig holds grid strategy parameters.
type GridConfig struct {
	Symbol           string
	LowerPrice       decimal.Decimal
	UpperPrice       decimal.Decimal
	Levels           int
	QuantityPerLevel decimal.Decimal
	Retry            RetryPolicy
}

// Validate rejects invalid parameters before a run is created.
func (c GridConfig) Validate() error {
	var errs []string

	if c.Symbol == "" {
		errs = append(errs, "symbol is required")
	}
	if c.Levels < 2 {
		errs = append(errs, "levels must be at least 2")
	}
	if !c.LowerPrice.IsPositive() {
		errs = append(errs, "lower_price must be positive")
	}
	if !c.UpperPrice.GreaterThan(c.LowerPrice) {
		errs = append(errs, "upper_price must be greater than lower_price")
	}
	if !c.QuantityPerLevel.IsPositive() {
		errs = append(errs, "quantity_per_level must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: grid: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// LevelPrices returns the evenly spaced level prices, lowest first:
// lower + i*(upper-lower)/(levels-1).
func (c GridConfig) LevelPrices() []decimal.Decimal {
	step := c.UpperPrice.Sub(c.LowerPrice).Div(decimal.NewFromInt(int64(c.Levels - 1)))
	prices := make([]decimal.Decimal, c.Levels)
	for i := 0; i < c.Levels; i++ {
		prices[i] = c.LowerPrice.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	return prices
}

type gridLevel struct {
	price decimal.Decimal
	side  types.Side // side of the order currently arming this level

	intentID string // current child intent; empty while a (re)submit is pending
	attempts int    // consecutive submit failures
	failed   bool
	fills    int
}

// Grid maintains a ladder of limit orders across a price band. The core
// invariant: a filled level is always re-armed with the opposite side at
// the same price, capturing the spread, until the run is cancelled.
type Grid struct {
	id      string
	cfg     GridConfig
	tracker Tracker
	logger  *slog.Logger

	levels  []*gridLevel
	intents []types.OrderIntent // every child ever created, in order
}

// NewGrid validates cfg and creates a grid strategy.
func NewGrid(cfg GridConfig, tr Tracker, logger *slog.Logger) (*Grid, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Retry = cfg.Retry.normalize()

	mid := cfg.LowerPrice.Add(cfg.UpperPrice).Div(decimal.NewFromInt(2))
	levels := make([]*gridLevel, 0, cfg.Levels)
	for _, price := range cfg.LevelPrices() {
		side := types.SideSell
		if price.LessThan(mid) {
			side = types.SideBuy
		}
		levels = append(levels, &gridLevel{price: price, side: side})
	}

	return &Grid{
		id:      uuid.New().String(),
		cfg:     cfg,
		tracker: tr,
		logger:  logger,
		levels:  levels,
	}, nil
}

// ID returns the strategy run id.
func (g *Grid) ID() string {
	return g.id
}

// Kind returns the strategy kind.
func (g *Grid) Kind() types.StrategyKind {
	return types.StrategyGrid
}

// Start places one limit order per level. Levels whose placement fails
// transiently are retried on subsequent ticks; Start only fails when no
// level could be armed at all.
func (g *Grid) Start(ctx context.Context) error {
	for _, lvl := range g.levels {
		g.submitLevel(ctx, lvl)
	}

	armed := 0
	for _, lvl := range g.levels {
		if lvl.intentID != "" {
			armed++
		}
	}
	if armed == 0 && g.allFailed() {
		return fmt.Errorf("grid %s: no level could be armed", g.id)
	}

	g.logger.Info("grid started",
		"strategy_id", g.id,
		"symbol", g.cfg.Symbol,
		"levels", g.cfg.Levels,
		"lower", g.cfg.LowerPrice,
		"upper", g.cfg.UpperPrice,
		"armed", armed,
	)
	return nil
}

// Tick refreshes every armed level and re-arms filled levels with the
// opposite side. The grid only terminates on cancellation, or degrades
// when every level has failed.
func (g *Grid) Tick(ctx context.Context) (TickResult, error) {
	for _, lvl := range g.levels {
		if lvl.failed {
			continue
		}

		if lvl.intentID == "" {
			g.submitLevel(ctx, lvl)
			continue
		}

		rec, err := g.tracker.Refresh(ctx, lvl.intentID)
		if err != nil {
			// Unknown now; resolved by a later poll.
			continue
		}

		switch rec.Status {
		case types.OrderStatusFilled:
			lvl.fills++
			lvl.side = lvl.side.Opposite()
			lvl.intentID = ""
			g.logger.Info("grid level filled, re-arming opposite side",
				"strategy_id", g.id,
				"price", lvl.price,
				"new_side", lvl.side,
				"fills", lvl.fills,
			)
			g.submitLevel(ctx, lvl)
		case types.OrderStatusRejected, types.OrderStatusCancelled:
			// The venue dropped the order; re-arm the same side.
			lvl.intentID = ""
			g.submitLevel(ctx, lvl)
		}
	}

	if g.allFailed() {
		return TickDegraded, fmt.Errorf("grid %s: all %d levels failed", g.id, g.cfg.Levels)
	}
	return TickContinue, nil
}

// submitLevel creates and submits a fresh intent for lvl. Failures are
// bounded per level: after Retry.MaxAttempts consecutive failures the
// level is marked failed and the rest of the grid continues.
func (g *Grid) submitLevel(ctx context.Context, lvl *gridLevel) {
	intent := newIntent(g.id, g.cfg.Symbol, lvl.side, types.OrderKindLimit,
		g.cfg.QuantityPerLevel, lvl.price, decimal.Zero)
	g.intents = append(g.intents, intent)

	rec, err := g.tracker.Submit(ctx, intent)
	if err != nil {
		if types.IsTimeout(err) {
			// The venue may hold the order. Keep the intent armed so
			// later polls refresh it and cancellation covers it;
			// resubmitting here could double the level.
			lvl.intentID = intent.ID
			return
		}
		lvl.attempts++
		if lvl.attempts >= g.cfg.Retry.MaxAttempts {
			lvl.failed = true
			g.logger.Warn("grid level failed after repeated submit errors",
				"strategy_id", g.id,
				"price", lvl.price,
				"attempts", lvl.attempts,
				"err", err,
			)
		}
		return
	}

	lvl.attempts = 0
	lvl.intentID = intent.ID

	// A limit order can fill on arrival; re-arm right away.
	if rec.Status == types.OrderStatusFilled {
		lvl.fills++
		lvl.side = lvl.side.Opposite()
		lvl.intentID = ""
	}
}

func (g *Grid) allFailed() bool {
	for _, lvl := range g.levels {
		if !lvl.failed {
			return false
		}
	}
	return true
}

// CancelChildren cancels every non-terminal child with bounded retries.
func (g *Grid) CancelChildren(ctx context.Context) error {
	var errs []error
	for _, lvl := range g.levels {
		if lvl.intentID == "" {
			continue
		}
		if err := cancelWithRetry(ctx, g.tracker, lvl.intentID, g.cfg.Retry); err != nil {
			errs = append(errs, fmt.Errorf("level %s: %w", lvl.price, err))
		}
	}
	return errors.Join(errs...)
}

// Children reports every child order created by this run.
func (g *Grid) Children() []types.ChildOrder {
	children := make([]types.ChildOrder, 0, len(g.intents))
	for _, intent := range g.intents {
		children = append(children, childOrder(g.tracker, intent))
	}
	return children
}

// Summary describes per-level outcomes.
func (g *Grid) Summary() string {
	armed, failed, fills := 0, 0, 0
	for _, lvl := range g.levels {
		if lvl.failed {
			failed++
		} else if lvl.intentID != "" {
			armed++
		}
		fills += lvl.fills
	}
	return fmt.Sprintf("grid %s [%s..%s] %d levels: %d armed, %d fills, %d failed",
		g.cfg.Symbol, g.cfg.LowerPrice, g.cfg.UpperPrice, g.cfg.Levels, armed, fills, failed)
}
