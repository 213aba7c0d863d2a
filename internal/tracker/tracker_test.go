package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/algobot/internal/gateway"
	"github.com/tathienbao/algobot/internal/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// mockExchange implements gateway.Exchange with scriptable responses.
type mockExchange struct {
	mu sync.Mutex

	placeResult *gateway.PlaceResult
	placeErr    error
	placeCalls  int

	cancelErr   error
	cancelCalls int

	statusResult *gateway.OrderState
	statusErr    error
	statusCalls  int

	price    decimal.Decimal
	priceErr error
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		placeResult: &gateway.PlaceResult{
			VenueOrderID: "V-1",
			Status:       types.OrderStatusOpen,
		},
		statusResult: &gateway.OrderState{
			Status: types.OrderStatusOpen,
		},
		price: dec("100"),
	}
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req gateway.PlaceRequest) (*gateway.PlaceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeCalls++
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	res := *m.placeResult
	return &res, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
	return m.cancelErr
}

func (m *mockExchange) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (*gateway.OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	res := *m.statusResult
	return &res, nil
}

func (m *mockExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, m.priceErr
}

func (m *mockExchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (m *mockExchange) set(fn func(*mockExchange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

func (m *mockExchange) calls() (place, cancel, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placeCalls, m.cancelCalls, m.statusCalls
}

func testIntent(id string) types.OrderIntent {
	return types.OrderIntent{
		ID:         id,
		StrategyID: "run-1",
		Symbol:     "BTCUSDT",
		Side:       types.SideBuy,
		Kind:       types.OrderKindLimit,
		Quantity:   dec("1"),
		LimitPrice: dec("95"),
		CreatedAt:  time.Now(),
	}
}

func newTestTracker(t *testing.T, ex gateway.Exchange) *Tracker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxCallsPerSecond = 1000 // don't throttle tests
	return New(cfg, ex, nil, nil)
}

func TestSubmitRecordsVenueOrder(t *testing.T) {
	ex := newMockExchange()
	tr := newTestTracker(t, ex)

	rec, err := tr.Submit(context.Background(), testIntent("i1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.VenueOrderID != "V-1" {
		t.Errorf("venue order id = %q, want V-1", rec.VenueOrderID)
	}
	if rec.Status != types.OrderStatusOpen {
		t.Errorf("status = %v, want OPEN", rec.Status)
	}
}

func TestSubmitDuplicateIntentRejectedLocally(t *testing.T) {
	ex := newMockExchange()
	tr := newTestTracker(t, ex)

	if _, err := tr.Submit(context.Background(), testIntent("i1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := tr.Submit(context.Background(), testIntent("i1")); err == nil {
		t.Fatal("second Submit with same intent id should fail")
	}

	place, _, _ := ex.calls()
	if place != 1 {
		t.Errorf("place calls = %d, want 1 (no double submit)", place)
	}
}

func TestSubmitGatewayFailureRecordsRejected(t *testing.T) {
	ex := newMockExchange()
	ex.set(func(m *mockExchange) {
		m.placeErr = types.GatewayErrorf(types.GatewayVenueRejected, "place", "bad lot size")
	})
	tr := newTestTracker(t, ex)

	rec, err := tr.Submit(context.Background(), testIntent("i1"))
	if err == nil {
		t.Fatal("Submit should surface the gateway error")
	}
	if rec.Status != types.OrderStatusRejected {
		t.Errorf("status = %v, want REJECTED", rec.Status)
	}
}

func TestSubmitTimeoutRecordsUnknown(t *testing.T) {
	ex := newMockExchange()
	ex.set(func(m *mockExchange) {
		m.placeErr = types.GatewayErrorf(types.GatewayTimeout, "place", "deadline exceeded")
	})
	tr := newTestTracker(t, ex)

	rec, err := tr.Submit(context.Background(), testIntent("i1"))
	if !types.IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	// A timed-out place may have been accepted by the venue; the record
	// must not claim Rejected.
	if rec.Status != types.OrderStatusUnknown {
		t.Errorf("status = %v, want UNKNOWN", rec.Status)
	}
}

func TestCancelIdempotent(t *testing.T) {
	ex := newMockExchange()
	tr := newTestTracker(t, ex)
	ctx := context.Background()

	if _, err := tr.Submit(ctx, testIntent("i1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := tr.Cancel(ctx, "i1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// Second cancel on a terminal record must not reach the gateway.
	if err := tr.Cancel(ctx, "i1"); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}

	_, cancels, _ := ex.calls()
	if cancels != 1 {
		t.Errorf("gateway cancel calls = %d, want 1", cancels)
	}
}

func TestCancelAbsentIntentIsNoop(t *testing.T) {
	tr := newTestTracker(t, newMockExchange())
	if err := tr.Cancel(context.Background(), "missing"); err != nil {
		t.Errorf("Cancel of absent intent = %v, want nil", err)
	}
}

func TestCancelFailureLeavesStatusUnchanged(t *testing.T) {
	ex := newMockExchange()
	tr := newTestTracker(t, ex)
	ctx := context.Background()

	if _, err := tr.Submit(ctx, testIntent("i1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ex.set(func(m *mockExchange) {
		m.cancelErr = types.GatewayErrorf(types.GatewayNetwork, "cancel", "connection reset")
	})

	if err := tr.Cancel(ctx, "i1"); err == nil {
		t.Fatal("Cancel should surface the gateway error")
	}

	rec, _ := tr.GetRecord("i1")
	if rec.Status != types.OrderStatusOpen {
		t.Errorf("status = %v, want OPEN unchanged after failed cancel", rec.Status)
	}
}

func TestRefreshUpdatesStatusAndFill(t *testing.T) {
	ex := newMockExchange()
	tr := newTestTracker(t, ex)
	ctx := context.Background()

	if _, err := tr.Submit(ctx, testIntent("i1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ex.set(func(m *mockExchange) {
		m.statusResult = &gateway.OrderState{
			Status:         types.OrderStatusPartiallyFilled,
			FilledQuantity: dec("0.4"),
		}
	})

	rec, err := tr.Refresh(ctx, "i1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rec.Status != types.OrderStatusPartiallyFilled {
		t.Errorf("status = %v, want PARTIALLY_FILLED", rec.Status)
	}
	if !rec.FilledQuantity.Equal(dec("0.4")) {
		t.Errorf("filled = %v, want 0.4", rec.FilledQuantity)
	}
}

func TestRefreshTimeoutSetsUnknownThenResolves(t *testing.T) {
	ex := newMockExchange()
	tr := newTestTracker(t, ex)
	ctx := context.Background()

	if _, err := tr.Submit(ctx, testIntent("i1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ex.set(func(m *mockExchange) {
		m.statusErr = types.GatewayErrorf(types.GatewayTimeout, "status", "deadline exceeded")
	})

	rec, err := tr.Refresh(ctx, "i1")
	if err == nil {
		t.Fatal("Refresh should surface the timeout")
	}
	if rec.Status != types.OrderStatusUnknown {
		t.Errorf("status = %v, want UNKNOWN after timeout", rec.Status)
	}

	// Next successful refresh resolves back to the correct state.
	ex.set(func(m *mockExchange) {
		m.statusErr = nil
		m.statusResult = &gateway.OrderState{Status: types.OrderStatusOpen}
	})

	rec, err = tr.Refresh(ctx, "i1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rec.Status != types.OrderStatusOpen {
		t.Errorf("status = %v, want OPEN after recovery", rec.Status)
	}
}

func TestRefreshNeverRegressesTerminal(t *testing.T) {
	ex := newMockExchange()
	tr := newTestTracker(t, ex)
	ctx := context.Background()

	if _, err := tr.Submit(ctx, testIntent("i1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ex.set(func(m *mockExchange) {
		m.statusResult = &gateway.OrderState{
			Status:         types.OrderStatusFilled,
			FilledQuantity: dec("1"),
		}
	})
	if _, err := tr.Refresh(ctx, "i1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// A refresh after terminal must not call the gateway or regress.
	ex.set(func(m *mockExchange) {
		m.statusErr = types.GatewayErrorf(types.GatewayTimeout, "status", "deadline exceeded")
	})
	_, _, before := ex.calls()

	rec, err := tr.Refresh(ctx, "i1")
	if err != nil {
		t.Fatalf("Refresh on terminal record: %v", err)
	}
	if rec.Status != types.OrderStatusFilled {
		t.Errorf("status = %v, want FILLED preserved", rec.Status)
	}

	_, _, after := ex.calls()
	if after != before {
		t.Errorf("gateway status calls after terminal = %d, want %d", after, before)
	}
}

func TestRefreshFilledQuantityMonotonic(t *testing.T) {
	ex := newMockExchange()
	tr := newTestTracker(t, ex)
	ctx := context.Background()

	if _, err := tr.Submit(ctx, testIntent("i1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ex.set(func(m *mockExchange) {
		m.statusResult = &gateway.OrderState{
			Status:         types.OrderStatusPartiallyFilled,
			FilledQuantity: dec("0.7"),
		}
	})
	if _, err := tr.Refresh(ctx, "i1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Venue briefly reports a lower fill; the record must not go back.
	ex.set(func(m *mockExchange) {
		m.statusResult = &gateway.OrderState{
			Status:         types.OrderStatusPartiallyFilled,
			FilledQuantity: dec("0.5"),
		}
	})
	rec, err := tr.Refresh(ctx, "i1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !rec.FilledQuantity.Equal(dec("0.7")) {
		t.Errorf("filled = %v, want 0.7 (monotonic)", rec.FilledQuantity)
	}
}

func TestConcurrentOpsOnDistinctIntents(t *testing.T) {
	ex := newMockExchange()
	tr := newTestTracker(t, ex)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			intent := testIntent(string(rune('a' + n)))
			if _, err := tr.Submit(ctx, intent); err != nil {
				t.Errorf("Submit %d: %v", n, err)
				return
			}
			if _, err := tr.Refresh(ctx, intent.ID); err != nil {
				t.Errorf("Refresh %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	place, _, status := ex.calls()
	if place != 20 || status != 20 {
		t.Errorf("calls = %d place, %d status; want 20/20", place, status)
	}
}
