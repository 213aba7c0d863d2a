// Package strategy implements the order execution strategies: grid,
// time-sliced execution (TWAP) and contingent pairs (OCO). Strategies
// own their run state exclusively; the engine serializes all calls into
// one strategy instance.
package strategy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/algobot/internal/types"
)

// Tracker is the order-tracking capability strategies consume. The
// tracker is the only path to the exchange; strategies never talk to
// the gateway directly.
type Tracker interface {
	Submit(ctx context.Context, intent types.OrderIntent) (types.OrderRecord, error)
	Cancel(ctx context.Context, intentID string) error
	Refresh(ctx context.Context, intentID string) (types.OrderRecord, error)
	GetRecord(intentID string) (types.OrderRecord, bool)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// TickResult tells the engine what happened during one tick.
type TickResult int

const (
	// TickContinue means the run is still active.
	TickContinue TickResult = iota
	// TickCompleted means the run finished normally.
	TickCompleted
	// TickDegraded means an invariant could no longer be guaranteed;
	// the run stops and is surfaced for operator attention.
	TickDegraded
)

// Strategy is one executable strategy state machine. The engine calls
// Start once, then Tick on every poll until a terminal result, and
// CancelChildren when the run is cancelled cooperatively.
type Strategy interface {
	// ID is the run id, fixed at construction.
	ID() string

	Kind() types.StrategyKind

	// Start places the strategy's initial orders.
	Start(ctx context.Context) error

	// Tick advances the state machine by one poll cycle. A non-nil
	// error with TickContinue is transient and retried next tick.
	Tick(ctx context.Context) (TickResult, error)

	// CancelChildren cancels every non-terminal child order with
	// bounded retries. A non-nil error means some children could not
	// be confirmed cancelled and the run is degraded.
	CancelChildren(ctx context.Context) error

	// Children reports every child order created by this run, in
	// creation order.
	Children() []types.ChildOrder

	// Summary is a human-readable per-child outcome description.
	Summary() string
}

// RetryPolicy bounds strategy-level retries of transient gateway
// failures.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy returns the default bounded retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     250 * time.Millisecond,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultRetryPolicy().Backoff
	}
	return p
}

// newIntent builds an immutable order intent with a fresh id.
func newIntent(strategyID, symbol string, side types.Side, kind types.OrderKind, qty, limitPrice, stopPrice decimal.Decimal) types.OrderIntent {
	return types.OrderIntent{
		ID:         uuid.New().String(),
		StrategyID: strategyID,
		Symbol:     symbol,
		Side:       side,
		Kind:       kind,
		Quantity:   qty,
		LimitPrice: limitPrice,
		StopPrice:  stopPrice,
		CreatedAt:  time.Now(),
	}
}

// cancelWithRetry cancels intentID, retrying transient failures up to
// the policy bound. The already-terminal race outcome counts as
// success: the order finished on its own, there is nothing to cancel.
func cancelWithRetry(ctx context.Context, tr Tracker, intentID string, policy RetryPolicy) error {
	policy = policy.normalize()

	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.Backoff):
			}
		}

		err = tr.Cancel(ctx, intentID)
		if err == nil {
			return nil
		}
		if types.IsAlreadyTerminal(err) {
			// Re-check rather than assume: the record should resolve
			// to the order's actual terminal state.
			_, _ = tr.Refresh(ctx, intentID)
			return nil
		}
		if !types.IsRetryable(err) {
			return err
		}
	}
	return err
}

// childOrder assembles the snapshot entry for one intent.
func childOrder(tr Tracker, intent types.OrderIntent) types.ChildOrder {
	child := types.ChildOrder{
		IntentID: intent.ID,
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Kind:     intent.Kind,
		Quantity: intent.Quantity,
		Price:    intent.LimitPrice,
	}
	if intent.Kind == types.OrderKindStop {
		child.Price = intent.StopPrice
	}
	if rec, ok := tr.GetRecord(intent.ID); ok {
		child.VenueOrderID = rec.VenueOrderID
		child.Status = rec.Status
		child.FilledQuantity = rec.FilledQuantity
	}
	return child
}
