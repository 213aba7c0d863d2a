// Package gateway defines the exchange capability consumed by the
// execution core. Implementations live in subpackages; the core never
// depends on how an exchange is reached.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/algobot/internal/types"
)

// PlaceRequest describes one order submission to the venue.
type PlaceRequest struct {
	Symbol    string
	Side      types.Side
	Kind      types.OrderKind
	Quantity  decimal.Decimal
	Price     decimal.Decimal // limit price, zero for market orders
	StopPrice decimal.Decimal // trigger price, zero unless stop
}

// PlaceResult is the venue acknowledgment of a placement.
type PlaceResult struct {
	VenueOrderID   string
	Status         types.OrderStatus
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
}

// OrderState is the venue's current view of an order.
type OrderState struct {
	Status         types.OrderStatus
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
}

// Exchange is the venue capability surface. Calls are not idempotent:
// retrying a place can double-submit, so retry policy belongs to the
// caller. Failures carry a types.GatewayError classification.
type Exchange interface {
	// PlaceOrder submits an order and returns the venue acknowledgment.
	PlaceOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error)

	// CancelOrder cancels an open order. Cancelling an order that is
	// already filled or cancelled fails with GatewayAlreadyTerminal.
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error

	// GetOrderStatus queries the current status and fill quantity.
	GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (*OrderState, error)

	// GetPrice returns the last traded price for a symbol.
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// GetBalance returns the free balance of an asset.
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}
