// Package paper provides a simulated exchange for paper trading and tests.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/algobot/internal/gateway"
	"github.com/tathienbao/algobot/internal/types"
)

// Config holds paper exchange configuration.
type Config struct {
	// Slippage is applied against the taker on market fills.
	Slippage decimal.Decimal
}

// DefaultConfig returns default paper exchange config.
func DefaultConfig() Config {
	return Config{Slippage: decimal.Zero}
}

type paperOrder struct {
	id        string
	symbol    string
	side      types.Side
	kind      types.OrderKind
	quantity  decimal.Decimal
	price     decimal.Decimal
	stopPrice decimal.Decimal
	triggered bool

	status    types.OrderStatus
	filledQty decimal.Decimal
	fillPrice decimal.Decimal
}

// Exchange implements gateway.Exchange against an in-memory book.
// Orders fill deterministically when SetPrice crosses them, which keeps
// tests free of sleeps.
type Exchange struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	orders   map[string]*paperOrder
	prices   map[string]decimal.Decimal
	balances map[string]decimal.Decimal

	nextID atomic.Int64
}

// New creates a new paper exchange.
func New(cfg Config, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		cfg:      cfg,
		logger:   logger,
		orders:   make(map[string]*paperOrder),
		prices:   make(map[string]decimal.Decimal),
		balances: make(map[string]decimal.Decimal),
	}
}

// SetPrice updates the last traded price for a symbol and fills any
// resting orders the new price crosses.
func (e *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prices[symbol] = price

	for _, o := range e.orders {
		if o.symbol != symbol || o.status.IsTerminal() {
			continue
		}
		e.tryFill(o, price)
	}
}

// SetBalance sets the free balance of an asset. Seeded balances gate
// placements and move with fills; assets never seeded are treated as
// unlimited so funding stays opt-in for tests.
func (e *Exchange) SetBalance(asset string, qty decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[asset] = qty
}

// quoteAssets are the quote currencies recognized when splitting a
// symbol like BTCUSDT into base and quote. Longest match first.
var quoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB"}

func splitSymbol(symbol string) (base, quote string, ok bool) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q, true
		}
	}
	return "", "", false
}

// checkFunds rejects orders the seeded balances cannot cover. Caller
// holds e.mu.
func (e *Exchange) checkFunds(req gateway.PlaceRequest, last decimal.Decimal) error {
	base, quote, ok := splitSymbol(req.Symbol)
	if !ok {
		return nil
	}

	if req.Side == types.SideBuy {
		bal, seeded := e.balances[quote]
		if !seeded {
			return nil
		}
		ref := req.Price
		if !ref.IsPositive() {
			ref = req.StopPrice
		}
		if !ref.IsPositive() {
			ref = last
		}
		cost := ref.Mul(req.Quantity)
		if cost.GreaterThan(bal) {
			return types.GatewayErrorf(types.GatewayVenueRejected, "place",
				"insufficient %s balance: need %s, have %s", quote, cost, bal)
		}
		return nil
	}

	bal, seeded := e.balances[base]
	if !seeded {
		return nil
	}
	if req.Quantity.GreaterThan(bal) {
		return types.GatewayErrorf(types.GatewayVenueRejected, "place",
			"insufficient %s balance: need %s, have %s", base, req.Quantity, bal)
	}
	return nil
}

// settle moves seeded balances for a fill. Caller holds e.mu.
func (e *Exchange) settle(o *paperOrder, price decimal.Decimal) {
	base, quote, ok := splitSymbol(o.symbol)
	if !ok {
		return
	}
	cost := price.Mul(o.quantity)
	if o.side == types.SideBuy {
		e.adjust(quote, cost.Neg())
		e.adjust(base, o.quantity)
		return
	}
	e.adjust(base, o.quantity.Neg())
	e.adjust(quote, cost)
}

func (e *Exchange) adjust(asset string, delta decimal.Decimal) {
	if bal, ok := e.balances[asset]; ok {
		e.balances[asset] = bal.Add(delta)
	}
}

// tryFill fills o if price crosses it. Caller holds e.mu.
func (e *Exchange) tryFill(o *paperOrder, price decimal.Decimal) {
	switch o.kind {
	case types.OrderKindLimit:
		crossed := (o.side == types.SideBuy && price.LessThanOrEqual(o.price)) ||
			(o.side == types.SideSell && price.GreaterThanOrEqual(o.price))
		if crossed {
			e.fill(o, o.price)
		}
	case types.OrderKindStop:
		if !o.triggered {
			hit := (o.side == types.SideBuy && price.GreaterThanOrEqual(o.stopPrice)) ||
				(o.side == types.SideSell && price.LessThanOrEqual(o.stopPrice))
			if hit {
				o.triggered = true
			}
		}
		if o.triggered {
			e.fill(o, e.slip(o.side, price))
		}
	}
}

func (e *Exchange) fill(o *paperOrder, price decimal.Decimal) {
	o.status = types.OrderStatusFilled
	o.filledQty = o.quantity
	o.fillPrice = price
	e.settle(o, price)
	e.logger.Debug("paper order filled",
		"order_id", o.id,
		"symbol", o.symbol,
		"side", o.side,
		"qty", o.quantity,
		"price", price,
	)
}

func (e *Exchange) slip(side types.Side, price decimal.Decimal) decimal.Decimal {
	if e.cfg.Slippage.IsZero() {
		return price
	}
	if side == types.SideBuy {
		return price.Add(e.cfg.Slippage)
	}
	return price.Sub(e.cfg.Slippage)
}

// PlaceOrder simulates order placement. Market orders fill immediately
// at the last price; limit and stop orders rest until crossed.
func (e *Exchange) PlaceOrder(ctx context.Context, req gateway.PlaceRequest) (*gateway.PlaceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewGatewayError(types.GatewayNetwork, "place", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	price, ok := e.prices[req.Symbol]
	if !ok {
		return nil, types.GatewayErrorf(types.GatewayVenueRejected, "place", "no market for %s", req.Symbol)
	}
	if !req.Quantity.IsPositive() {
		return nil, types.GatewayErrorf(types.GatewayVenueRejected, "place", "quantity must be positive")
	}
	if err := e.checkFunds(req, price); err != nil {
		return nil, err
	}

	o := &paperOrder{
		id:        fmt.Sprintf("PAPER-%d", e.nextID.Add(1)),
		symbol:    req.Symbol,
		side:      req.Side,
		kind:      req.Kind,
		quantity:  req.Quantity,
		price:     req.Price,
		stopPrice: req.StopPrice,
		status:    types.OrderStatusOpen,
		filledQty: decimal.Zero,
	}

	if req.Kind == types.OrderKindMarket {
		e.fill(o, e.slip(req.Side, price))
	} else {
		e.tryFill(o, price)
	}

	e.orders[o.id] = o

	return &gateway.PlaceResult{
		VenueOrderID:   o.id,
		Status:         o.status,
		FilledQuantity: o.filledQty,
		AvgFillPrice:   o.fillPrice,
	}, nil
}

// CancelOrder simulates cancellation. Cancelling a terminal order
// reports the already-terminal race outcome like a real venue would.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	if err := ctx.Err(); err != nil {
		return types.NewGatewayError(types.GatewayNetwork, "cancel", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[venueOrderID]
	if !ok {
		return types.GatewayErrorf(types.GatewayVenueRejected, "cancel", "unknown order %s", venueOrderID)
	}
	if o.status.IsTerminal() {
		return types.GatewayErrorf(types.GatewayAlreadyTerminal, "cancel", "order %s is %s", venueOrderID, o.status)
	}

	o.status = types.OrderStatusCancelled
	return nil
}

// GetOrderStatus returns the simulated order state.
func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (*gateway.OrderState, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewGatewayError(types.GatewayNetwork, "status", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[venueOrderID]
	if !ok {
		return nil, types.GatewayErrorf(types.GatewayVenueRejected, "status", "unknown order %s", venueOrderID)
	}

	return &gateway.OrderState{
		Status:         o.status,
		FilledQuantity: o.filledQty,
		AvgFillPrice:   o.fillPrice,
	}, nil
}

// GetPrice returns the last set price for a symbol.
func (e *Exchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, types.NewGatewayError(types.GatewayNetwork, "price", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	price, ok := e.prices[symbol]
	if !ok {
		return decimal.Zero, types.GatewayErrorf(types.GatewayVenueRejected, "price", "no market for %s", symbol)
	}
	return price, nil
}

// GetBalance returns the free balance of an asset.
func (e *Exchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, types.NewGatewayError(types.GatewayNetwork, "balance", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[asset], nil
}

// OpenOrderCount returns the number of non-terminal orders, for tests
// and snapshots.
func (e *Exchange) OpenOrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, o := range e.orders {
		if !o.status.IsTerminal() {
			n++
		}
	}
	return n
}

var _ gateway.Exchange = (*Exchange)(nil)
