package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the execution engine.
var (
	// Validation errors
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidPrice    = errors.New("invalid price")

	// Tracker errors
	ErrIntentNotFound  = errors.New("intent not found")
	ErrDuplicateIntent = errors.New("duplicate intent id")

	// Engine errors
	ErrRunNotFound   = errors.New("strategy run not found")
	ErrRunTerminated = errors.New("strategy run already terminated")
	ErrEngineStopped = errors.New("engine stopped")
)

// GatewayErrorKind classifies gateway failures so strategies can branch
// on retryable versus terminal outcomes.
type GatewayErrorKind int

const (
	// GatewayNetwork is a transport-level failure; retryable.
	GatewayNetwork GatewayErrorKind = iota
	// GatewayVenueRejected means the venue refused the request; terminal
	// for that intent, not for the run.
	GatewayVenueRejected
	// GatewayAlreadyTerminal means the venue order was already filled or
	// cancelled; a benign race outcome, not a strategy error.
	GatewayAlreadyTerminal
	// GatewayTimeout means the call deadline expired; the order state is
	// unknown and is resolved by the next scheduled refresh.
	GatewayTimeout
)

func (k GatewayErrorKind) String() string {
	switch k {
	case GatewayNetwork:
		return "network"
	case GatewayVenueRejected:
		return "venue_rejected"
	case GatewayAlreadyTerminal:
		return "already_terminal"
	case GatewayTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// GatewayError carries the failure taxonomy for exchange gateway calls.
type GatewayError struct {
	Kind    GatewayErrorKind
	Op      string // gateway operation, e.g. "place", "cancel"
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("gateway %s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s", e.Op, e.Kind)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError builds a GatewayError wrapping err.
func NewGatewayError(kind GatewayErrorKind, op string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Op: op, Err: err}
}

// GatewayErrorf builds a GatewayError with a formatted message.
func GatewayErrorf(kind GatewayErrorKind, op, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// GatewayKind extracts the error kind, with ok=false for non-gateway errors.
func GatewayKind(err error) (GatewayErrorKind, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return 0, false
}

// IsRetryable reports whether err is a transient gateway failure worth
// a bounded retry.
func IsRetryable(err error) bool {
	kind, ok := GatewayKind(err)
	return ok && (kind == GatewayNetwork || kind == GatewayTimeout)
}

// IsAlreadyTerminal reports whether err is the benign cancel-of-finished
// race outcome.
func IsAlreadyTerminal(err error) bool {
	kind, ok := GatewayKind(err)
	return ok && kind == GatewayAlreadyTerminal
}

// IsTimeout reports whether err is a gateway call deadline expiry.
func IsTimeout(err error) bool {
	kind, ok := GatewayKind(err)
	return ok && kind == GatewayTimeout
}
