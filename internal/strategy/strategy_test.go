package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/algobot/internal/types"
)

// mockTracker is a scriptable in-memory tracker. Hooks override the
// default happy path per call.
type mockTracker struct {
	mu      sync.Mutex
	seq     int
	intents map[string]types.OrderIntent
	records map[string]types.OrderRecord
	order   []string // intent ids in submission order

	submitErr func(intent types.OrderIntent) error
	cancelErr func(intentID string) error

	cancelCalls int
	cancelled   []string

	price decimal.Decimal
}

func newMockTracker() *mockTracker {
	return &mockTracker{
		intents: make(map[string]types.OrderIntent),
		records: make(map[string]types.OrderRecord),
		price:   decimal.NewFromInt(100),
	}
}

func (m *mockTracker) Submit(_ context.Context, intent types.OrderIntent) (types.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.submitErr != nil {
		if err := m.submitErr(intent); err != nil {
			return types.OrderRecord{}, err
		}
	}

	m.seq++
	rec := types.OrderRecord{
		IntentID:       intent.ID,
		VenueOrderID:   fmt.Sprintf("v-%d", m.seq),
		Status:         types.OrderStatusOpen,
		FilledQuantity: decimal.Zero,
	}
	m.intents[intent.ID] = intent
	m.records[intent.ID] = rec
	m.order = append(m.order, intent.ID)
	return rec, nil
}

func (m *mockTracker) Cancel(_ context.Context, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelCalls++
	if m.cancelErr != nil {
		if err := m.cancelErr(intentID); err != nil {
			return err
		}
	}

	rec, ok := m.records[intentID]
	if !ok || rec.Status.IsTerminal() {
		return nil
	}
	rec.Status = types.OrderStatusCancelled
	m.records[intentID] = rec
	m.cancelled = append(m.cancelled, intentID)
	return nil
}

func (m *mockTracker) Refresh(_ context.Context, intentID string) (types.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[intentID]
	if !ok {
		return types.OrderRecord{}, types.ErrIntentNotFound
	}
	return rec, nil
}

func (m *mockTracker) GetRecord(intentID string) (types.OrderRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[intentID]
	return rec, ok
}

func (m *mockTracker) Price(_ context.Context, _ string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, nil
}

// fill marks an order filled for qty.
func (m *mockTracker) fill(intentID string, qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[intentID]
	rec.Status = types.OrderStatusFilled
	rec.FilledQuantity = qty
	m.records[intentID] = rec
}

// partialFill records progress without a terminal state.
func (m *mockTracker) partialFill(intentID string, qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[intentID]
	rec.Status = types.OrderStatusPartiallyFilled
	rec.FilledQuantity = qty
	m.records[intentID] = rec
}

func (m *mockTracker) submittedIntents() []types.OrderIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.OrderIntent, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.intents[id])
	}
	return out
}

func (m *mockTracker) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}
}

func netErr(op string) error {
	return types.NewGatewayError(types.GatewayNetwork, op, errors.New("connection reset"))
}

func TestCancelWithRetryAlreadyTerminalIsSuccess(t *testing.T) {
	mock := newMockTracker()
	rec, err := mock.Submit(context.Background(), newIntent("s", "BTCUSDT", types.SideBuy,
		types.OrderKindLimit, decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	mock.cancelErr = func(string) error {
		return types.NewGatewayError(types.GatewayAlreadyTerminal, "cancel", errors.New("order filled"))
	}

	if err := cancelWithRetry(context.Background(), mock, rec.IntentID, fastRetry()); err != nil {
		t.Fatalf("already-terminal cancel should succeed, got %v", err)
	}
	if mock.cancelCalls != 1 {
		t.Fatalf("expected one cancel attempt, got %d", mock.cancelCalls)
	}
}

func TestCancelWithRetryBoundedOnNetworkErrors(t *testing.T) {
	mock := newMockTracker()
	rec, err := mock.Submit(context.Background(), newIntent("s", "BTCUSDT", types.SideBuy,
		types.OrderKindLimit, decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	mock.cancelErr = func(string) error { return netErr("cancel") }

	err = cancelWithRetry(context.Background(), mock, rec.IntentID, fastRetry())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if mock.cancelCalls != fastRetry().MaxAttempts {
		t.Fatalf("expected %d cancel attempts, got %d", fastRetry().MaxAttempts, mock.cancelCalls)
	}
}

func TestCancelWithRetryStopsOnNonRetryable(t *testing.T) {
	mock := newMockTracker()
	rec, err := mock.Submit(context.Background(), newIntent("s", "BTCUSDT", types.SideBuy,
		types.OrderKindLimit, decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	mock.cancelErr = func(string) error {
		return types.NewGatewayError(types.GatewayVenueRejected, "cancel", errors.New("unknown order"))
	}

	if err := cancelWithRetry(context.Background(), mock, rec.IntentID, fastRetry()); err == nil {
		t.Fatal("expected venue rejection to surface")
	}
	if mock.cancelCalls != 1 {
		t.Fatalf("non-retryable failure should not be retried, got %d attempts", mock.cancelCalls)
	}
}
