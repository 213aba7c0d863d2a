// Package types defines shared types used across the execution engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind represents the order type sent to the venue.
type OrderKind int

const (
	OrderKindMarket OrderKind = iota
	OrderKindLimit
	OrderKindStop
)

func (k OrderKind) String() string {
	switch k {
	case OrderKindMarket:
		return "MARKET"
	case OrderKindLimit:
		return "LIMIT"
	case OrderKindStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// OrderStatus represents the state of a tracked order.
type OrderStatus int

const (
	OrderStatusPending OrderStatus = iota
	OrderStatusOpen
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusUnknown
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusOpen:
		return "OPEN"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusUnknown:
		return "UNKNOWN"
	default:
		return "INVALID"
	}
}

// IsTerminal returns true if the order can no longer change state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. Terminal states absorb. Unknown is reachable from any
// non-terminal state and resolves to any state on the next successful
// refresh.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next == OrderStatusUnknown {
		return true
	}
	switch s {
	case OrderStatusPending:
		return true
	case OrderStatusOpen:
		return next != OrderStatusPending
	case OrderStatusPartiallyFilled:
		// A partial fill never goes back to Open.
		return next == OrderStatusFilled || next == OrderStatusCancelled || next == OrderStatusRejected
	case OrderStatusUnknown:
		return true
	default:
		return false
	}
}

// OrderIntent is a logical request to trade, independent of the venue
// representation. Intents are immutable; a strategy that revises its
// intent supersedes the old one with a new intent.
type OrderIntent struct {
	ID         string
	StrategyID string
	Symbol     string
	Side       Side
	Kind       OrderKind
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal // zero unless Kind is Limit
	StopPrice  decimal.Decimal // zero unless Kind is Stop
	CreatedAt  time.Time
}

// OrderRecord is the tracker's view of one venue order.
type OrderRecord struct {
	IntentID       string
	VenueOrderID   string // set once, on first acknowledgment
	Status         OrderStatus
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	LastCheckedAt  time.Time
}

// StrategyKind identifies the strategy driving a run.
type StrategyKind int

const (
	StrategyGrid StrategyKind = iota
	StrategyTWAP
	StrategyOCO
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyGrid:
		return "grid"
	case StrategyTWAP:
		return "twap"
	case StrategyOCO:
		return "oco"
	default:
		return "unknown"
	}
}

// RunState represents the lifecycle state of a strategy run.
type RunState int

const (
	RunStateActive RunState = iota
	RunStateCompleted
	RunStateCancelled
	RunStateDegraded
	RunStateFailed
)

func (s RunState) String() string {
	switch s {
	case RunStateActive:
		return "ACTIVE"
	case RunStateCompleted:
		return "COMPLETED"
	case RunStateCancelled:
		return "CANCELLED"
	case RunStateDegraded:
		return "DEGRADED"
	case RunStateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal returns true once a run has finished for any reason.
func (s RunState) IsTerminal() bool {
	return s != RunStateActive
}

// ChildOrder is one child entry in a run snapshot.
type ChildOrder struct {
	IntentID       string
	VenueOrderID   string
	Symbol         string
	Side           Side
	Kind           OrderKind
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	Status         OrderStatus
	FilledQuantity decimal.Decimal
}

// RunSnapshot is the read-only reporting surface of one strategy run.
type RunSnapshot struct {
	StrategyID string
	Kind       StrategyKind
	State      RunState
	Summary    string
	Children   []ChildOrder
	Completed  bool
	Err        string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
