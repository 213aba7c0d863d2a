// Package tracker maintains the mapping from order intents to venue
// state. It is the only component that calls the exchange gateway's
// place, cancel and query operations.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tathienbao/algobot/internal/gateway"
	"github.com/tathienbao/algobot/internal/metrics"
	"github.com/tathienbao/algobot/internal/types"
)

// Observer is notified after every record change. Implementations must
// not call back into the tracker.
type Observer interface {
	OrderUpdated(intent types.OrderIntent, rec types.OrderRecord)
}

// Config holds tracker configuration.
type Config struct {
	// GatewayTimeout bounds every gateway call.
	GatewayTimeout time.Duration
	// MaxCallsPerSecond limits the aggregate gateway call rate across
	// all strategy runs. The venue imposes its own rate limits; the
	// tracker must not assume unbounded parallel calls.
	MaxCallsPerSecond int
}

// DefaultConfig returns default tracker config.
func DefaultConfig() Config {
	return Config{
		GatewayTimeout:    5 * time.Second,
		MaxCallsPerSecond: 10,
	}
}

type entry struct {
	mu     sync.Mutex
	intent types.OrderIntent
	rec    types.OrderRecord
}

// Tracker is the durable-for-the-process order state store. Operations
// on the same intent id are serialized by a per-entry lock; operations
// on different intent ids proceed in parallel subject to the gateway
// rate limit.
type Tracker struct {
	cfg      Config
	exchange gateway.Exchange
	limiter  *rate.Limiter
	logger   *slog.Logger
	recorder *metrics.Recorder
	observer Observer

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a new tracker. observer may be nil.
func New(cfg Config, exchange gateway.Exchange, observer Observer, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = DefaultConfig().GatewayTimeout
	}
	if cfg.MaxCallsPerSecond <= 0 {
		cfg.MaxCallsPerSecond = DefaultConfig().MaxCallsPerSecond
	}

	return &Tracker{
		cfg:      cfg,
		exchange: exchange,
		limiter:  rate.NewLimiter(rate.Limit(cfg.MaxCallsPerSecond), cfg.MaxCallsPerSecond),
		logger:   logger,
		recorder: metrics.NewRecorder(),
		observer: observer,
		entries:  make(map[string]*entry),
	}
}

// Submit places the order described by intent and records the result.
// On gateway failure the record goes to Rejected (or Unknown for a
// timeout, since the venue may have accepted the order) and the error
// is returned. Submit never retries: whether re-submission is safe is
// a strategy decision.
func (t *Tracker) Submit(ctx context.Context, intent types.OrderIntent) (types.OrderRecord, error) {
	t.mu.Lock()
	if _, exists := t.entries[intent.ID]; exists {
		t.mu.Unlock()
		return types.OrderRecord{}, fmt.Errorf("submit %s: %w", intent.ID, types.ErrDuplicateIntent)
	}
	e := &entry{
		intent: intent,
		rec: types.OrderRecord{
			IntentID: intent.ID,
			Status:   types.OrderStatusPending,
		},
	}
	t.entries[intent.ID] = e
	t.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := t.place(ctx, intent)
	e.rec.LastCheckedAt = time.Now()

	if err != nil {
		if types.IsTimeout(err) {
			// The venue may or may not have accepted the order; the
			// record must not claim either way.
			e.rec.Status = types.OrderStatusUnknown
		} else {
			e.rec.Status = types.OrderStatusRejected
		}
		t.recorder.RecordOrderSubmitted(intent.Symbol, intent.Side.String(), e.rec.Status.String())
		t.notify(e)
		return e.rec, err
	}

	e.rec.VenueOrderID = res.VenueOrderID
	e.rec.Status = res.Status
	e.rec.FilledQuantity = res.FilledQuantity
	e.rec.AvgFillPrice = res.AvgFillPrice

	t.recorder.RecordOrderSubmitted(intent.Symbol, intent.Side.String(), e.rec.Status.String())
	if e.rec.Status == types.OrderStatusFilled {
		t.recorder.RecordOrderFilled(intent.Symbol, intent.Side.String())
	}
	t.logger.Info("order submitted",
		"intent_id", intent.ID,
		"venue_order_id", res.VenueOrderID,
		"symbol", intent.Symbol,
		"side", intent.Side,
		"kind", intent.Kind,
		"qty", intent.Quantity,
		"status", e.rec.Status,
	)
	t.notify(e)
	return e.rec, nil
}

// Cancel cancels the venue order for intentID. It is a no-op if the
// record is absent or already terminal; a second Cancel on a terminal
// record makes no gateway call. On gateway failure the status is left
// unchanged (Unknown for timeouts) and the error is surfaced; callers
// must re-check via Refresh rather than assume cancellation succeeded.
func (t *Tracker) Cancel(ctx context.Context, intentID string) error {
	e := t.lookup(intentID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Status.IsTerminal() {
		return nil
	}
	if e.rec.VenueOrderID == "" {
		// Never acknowledged by the venue; nothing to cancel there.
		e.rec.Status = types.OrderStatusCancelled
		t.recorder.RecordOrderCancelled("local")
		t.notify(e)
		return nil
	}

	err := t.cancel(ctx, e.intent.Symbol, e.rec.VenueOrderID)
	e.rec.LastCheckedAt = time.Now()

	if err != nil {
		if types.IsTimeout(err) {
			e.rec.Status = types.OrderStatusUnknown
		}
		outcome := "error"
		if types.IsAlreadyTerminal(err) {
			outcome = "already_terminal"
		}
		t.recorder.RecordOrderCancelled(outcome)
		t.notify(e)
		return err
	}

	e.rec.Status = types.OrderStatusCancelled
	t.recorder.RecordOrderCancelled("ok")
	t.logger.Info("order cancelled", "intent_id", intentID, "venue_order_id", e.rec.VenueOrderID)
	t.notify(e)
	return nil
}

// Refresh queries the venue for current status and fill quantity.
// Terminal records are returned as-is without a gateway call. If the
// gateway is unreachable the status becomes Unknown rather than being
// left stale, and the error is returned so the caller retries on a
// later poll.
func (t *Tracker) Refresh(ctx context.Context, intentID string) (types.OrderRecord, error) {
	e := t.lookup(intentID)
	if e == nil {
		return types.OrderRecord{}, fmt.Errorf("refresh %s: %w", intentID, types.ErrIntentNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Status.IsTerminal() || e.rec.VenueOrderID == "" {
		return e.rec, nil
	}

	state, err := t.status(ctx, e.intent.Symbol, e.rec.VenueOrderID)
	e.rec.LastCheckedAt = time.Now()

	if err != nil {
		e.rec.Status = types.OrderStatusUnknown
		t.notify(e)
		return e.rec, err
	}

	wasFilled := e.rec.Status == types.OrderStatusFilled
	if e.rec.Status.CanTransition(state.Status) {
		e.rec.Status = state.Status
	}
	// Filled quantity is monotone non-decreasing.
	if state.FilledQuantity.GreaterThan(e.rec.FilledQuantity) {
		e.rec.FilledQuantity = state.FilledQuantity
	}
	if state.AvgFillPrice.IsPositive() {
		e.rec.AvgFillPrice = state.AvgFillPrice
	}
	if !wasFilled && e.rec.Status == types.OrderStatusFilled {
		t.recorder.RecordOrderFilled(e.intent.Symbol, e.intent.Side.String())
	}
	t.notify(e)
	return e.rec, nil
}

// GetRecord returns the record for intentID.
func (t *Tracker) GetRecord(intentID string) (types.OrderRecord, bool) {
	e := t.lookup(intentID)
	if e == nil {
		return types.OrderRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// GetIntent returns the intent for intentID.
func (t *Tracker) GetIntent(intentID string) (types.OrderIntent, bool) {
	e := t.lookup(intentID)
	if e == nil {
		return types.OrderIntent{}, false
	}
	return e.intent, true
}

// Price returns the venue's last traded price, rate limited like every
// other gateway call.
func (t *Tracker) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return t.price(ctx, symbol)
}

func (t *Tracker) lookup(intentID string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[intentID]
}

func (t *Tracker) notify(e *entry) {
	if t.observer != nil {
		t.observer.OrderUpdated(e.intent, e.rec)
	}
}

// place wraps the gateway place call with rate limiting, timeout and
// error classification.
func (t *Tracker) place(ctx context.Context, intent types.OrderIntent) (*gateway.PlaceResult, error) {
	if err := t.wait(ctx, "place"); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, t.cfg.GatewayTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	res, err := t.exchange.PlaceOrder(cctx, gateway.PlaceRequest{
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Kind:      intent.Kind,
		Quantity:  intent.Quantity,
		Price:     intent.LimitPrice,
		StopPrice: intent.StopPrice,
	})
	t.observeCall("place", timer, cctx, &err)
	return res, err
}

func (t *Tracker) cancel(ctx context.Context, symbol, venueOrderID string) error {
	if err := t.wait(ctx, "cancel"); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, t.cfg.GatewayTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	err := t.exchange.CancelOrder(cctx, symbol, venueOrderID)
	t.observeCall("cancel", timer, cctx, &err)
	return err
}

func (t *Tracker) status(ctx context.Context, symbol, venueOrderID string) (*gateway.OrderState, error) {
	if err := t.wait(ctx, "status"); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, t.cfg.GatewayTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	state, err := t.exchange.GetOrderStatus(cctx, symbol, venueOrderID)
	t.observeCall("status", timer, cctx, &err)
	return state, err
}

func (t *Tracker) price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := t.wait(ctx, "price"); err != nil {
		return decimal.Zero, err
	}

	cctx, cancel := context.WithTimeout(ctx, t.cfg.GatewayTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	p, err := t.exchange.GetPrice(cctx, symbol)
	t.observeCall("price", timer, cctx, &err)
	return p, err
}

func (t *Tracker) wait(ctx context.Context, op string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return types.NewGatewayError(types.GatewayNetwork, op, err)
	}
	return nil
}

// observeCall records call metrics and normalizes deadline expiry into
// the timeout taxonomy.
func (t *Tracker) observeCall(op string, timer *metrics.Timer, cctx context.Context, errp *error) {
	err := *errp
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		if _, ok := types.GatewayKind(err); !ok || !types.IsTimeout(err) {
			*errp = types.NewGatewayError(types.GatewayTimeout, op, err)
		}
	}

	result := "ok"
	if *errp != nil {
		if kind, ok := types.GatewayKind(*errp); ok {
			result = kind.String()
		} else {
			result = "error"
		}
		t.recorder.RecordError("tracker")
	}
	t.recorder.RecordGatewayCall(op, result, timer.Elapsed())
}
