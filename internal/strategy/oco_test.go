package strategy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/algobot/internal/types"
)

func ocoConfig() OCOConfig {
	return OCOConfig{
		Symbol:          "BTCUSDT",
		Side:            types.SideSell,
		Quantity:        decimal.NewFromInt(2),
		TakeProfitPrice: decimal.NewFromInt(110),
		StopLossPrice:   decimal.NewFromInt(95),
		Retry:           fastRetry(),
	}
}

func TestOCOConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*OCOConfig)
		wantErr bool
	}{
		{"valid sell", func(*OCOConfig) {}, false},
		{"missing symbol", func(c *OCOConfig) { c.Symbol = "" }, true},
		{"zero quantity", func(c *OCOConfig) { c.Quantity = decimal.Zero }, true},
		{"sell tp below sl", func(c *OCOConfig) {
			c.TakeProfitPrice = decimal.NewFromInt(90)
		}, true},
		{"valid buy", func(c *OCOConfig) {
			c.Side = types.SideBuy
			c.TakeProfitPrice = decimal.NewFromInt(95)
			c.StopLossPrice = decimal.NewFromInt(110)
		}, false},
		{"buy tp above sl", func(c *OCOConfig) {
			c.Side = types.SideBuy
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ocoConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func startedOCO(t *testing.T, mock *mockTracker) *OCO {
	t.Helper()
	o, err := NewOCO(ocoConfig(), mock, nil)
	if err != nil {
		t.Fatalf("NewOCO: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return o
}

// siblings returns the take-profit and stop-loss intents by kind.
func siblings(t *testing.T, mock *mockTracker) (tp, sl types.OrderIntent) {
	t.Helper()
	for _, in := range mock.submittedIntents() {
		switch in.Kind {
		case types.OrderKindLimit:
			tp = in
		case types.OrderKindStop:
			sl = in
		}
	}
	if tp.ID == "" || sl.ID == "" {
		t.Fatalf("expected a limit and a stop sibling, got %v", mock.submittedIntents())
	}
	return tp, sl
}

func TestOCOStartPlacesBothSiblings(t *testing.T) {
	mock := newMockTracker()
	startedOCO(t, mock)

	tp, sl := siblings(t, mock)
	if !tp.LimitPrice.Equal(decimal.NewFromInt(110)) {
		t.Errorf("take-profit price %s, want 110", tp.LimitPrice)
	}
	if !sl.StopPrice.Equal(decimal.NewFromInt(95)) {
		t.Errorf("stop-loss trigger %s, want 95", sl.StopPrice)
	}
}

func TestOCOStartUnwindsSurvivorWhenOneLegFails(t *testing.T) {
	mock := newMockTracker()
	mock.submitErr = func(in types.OrderIntent) error {
		if in.Kind == types.OrderKindStop {
			return netErr("place")
		}
		return nil
	}

	o, err := NewOCO(ocoConfig(), mock, nil)
	if err != nil {
		t.Fatalf("NewOCO: %v", err)
	}
	if err := o.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail when one leg cannot be placed")
	}
	if len(mock.cancelled) != 1 {
		t.Fatalf("surviving leg not unwound, cancelled %v", mock.cancelled)
	}
}

func TestOCOFillCancelsSiblingWithinOneTick(t *testing.T) {
	mock := newMockTracker()
	o := startedOCO(t, mock)

	tp, sl := siblings(t, mock)
	mock.fill(tp.ID, decimal.NewFromInt(2))

	res, err := o.Tick(context.Background())
	if res != TickCompleted || err != nil {
		t.Fatalf("Tick = (%v, %v), want (TickCompleted, nil)", res, err)
	}
	if len(mock.cancelled) != 1 || mock.cancelled[0] != sl.ID {
		t.Fatalf("stop-loss not cancelled in the same tick, cancelled %v", mock.cancelled)
	}
	if !strings.Contains(o.Summary(), "take_profit filled") {
		t.Errorf("summary %q does not name the winner", o.Summary())
	}
}

func TestOCODoubleFillRaceIsTolerated(t *testing.T) {
	mock := newMockTracker()
	o := startedOCO(t, mock)

	// Both legs executed before either cancel could land.
	tp, sl := siblings(t, mock)
	mock.fill(tp.ID, decimal.NewFromInt(2))
	mock.fill(sl.ID, decimal.NewFromInt(2))

	res, err := o.Tick(context.Background())
	if res != TickCompleted || err != nil {
		t.Fatalf("Tick = (%v, %v), want (TickCompleted, nil)", res, err)
	}
	if mock.cancelCalls != 0 {
		t.Errorf("no cancel should be attempted against terminal siblings, got %d", mock.cancelCalls)
	}
	if !strings.Contains(o.Summary(), "race") {
		t.Errorf("summary %q does not surface the double fill", o.Summary())
	}
	if !o.DoubleFilled() {
		t.Error("DoubleFilled() should report the race")
	}
}

func TestOCOAlreadyTerminalCancelResolvesNextRefresh(t *testing.T) {
	mock := newMockTracker()
	o := startedOCO(t, mock)

	tp, sl := siblings(t, mock)
	mock.fill(tp.ID, decimal.NewFromInt(2))
	mock.cancelErr = func(string) error {
		// The stop fired in the same instant; flip it to filled the way
		// the venue would report it.
		mock.records[sl.ID] = types.OrderRecord{
			IntentID:       sl.ID,
			VenueOrderID:   mock.records[sl.ID].VenueOrderID,
			Status:         types.OrderStatusFilled,
			FilledQuantity: decimal.NewFromInt(2),
		}
		return types.NewGatewayError(types.GatewayAlreadyTerminal, "cancel", errors.New("order filled"))
	}

	res, err := o.Tick(context.Background())
	if res != TickContinue || err != nil {
		t.Fatalf("first Tick = (%v, %v), want (TickContinue, nil)", res, err)
	}

	res, err = o.Tick(context.Background())
	if res != TickCompleted || err != nil {
		t.Fatalf("second Tick = (%v, %v), want (TickCompleted, nil)", res, err)
	}
	if !strings.Contains(o.Summary(), "race") {
		t.Errorf("summary %q does not surface the double fill", o.Summary())
	}
}

func TestOCODegradesWhenSiblingCancelUnconfirmed(t *testing.T) {
	mock := newMockTracker()
	o := startedOCO(t, mock)

	tp, _ := siblings(t, mock)
	mock.fill(tp.ID, decimal.NewFromInt(2))
	mock.cancelErr = func(string) error { return netErr("cancel") }

	res, err := o.Tick(context.Background())
	if res != TickContinue || err == nil {
		t.Fatalf("first Tick = (%v, %v), want (TickContinue, non-nil)", res, err)
	}

	res, err = o.Tick(context.Background())
	if res != TickDegraded || err == nil {
		t.Fatalf("second Tick = (%v, %v), want (TickDegraded, non-nil)", res, err)
	}
}

func TestOCOCancelChildrenCancelsBoth(t *testing.T) {
	mock := newMockTracker()
	o := startedOCO(t, mock)

	if err := o.CancelChildren(context.Background()); err != nil {
		t.Fatalf("CancelChildren: %v", err)
	}
	if len(mock.cancelled) != 2 {
		t.Fatalf("expected both siblings cancelled, got %v", mock.cancelled)
	}
}
