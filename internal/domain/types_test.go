package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	// Verify Candle can be instantiated with zero values.
	c := Candle{}
	if c.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Candle")
	}
	if !c.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Candle")
	}
	if c.Open != 0 || c.High != 0 || c.Low != 0 || c.Close != 0 || c.Volume != 0 {
		t.Error("expected zero OHLCV values for zero-value Candle")
	}

	// Verify enum constants are defined correctly.
	if SideBuy != "buy" || SideSell != "sell" {
		t.Errorf("sides = %q/%q, want buy/sell", SideBuy, SideSell)
	}
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("Opposite does not swap sides")
	}
	if !OrderTypeStopLimit.NeedsPrice() || !OrderTypeStopLimit.NeedsStopPrice() {
		t.Error("stop_limit should need both prices")
	}
	if OrderTypeMarket.NeedsPrice() {
		t.Error("market orders should not need a price")
	}

	pos := Position{Symbol: "BTC/USDT", Size: 2, Side: PositionSideShort, AvgEntryPrice: 100}
	if got := pos.SignedSize(); got != -2 {
		t.Errorf("SignedSize() = %v, want -2", got)
	}
	if got := pos.MarketValue(); got != 200 {
		t.Errorf("MarketValue() = %v, want 200 (falls back to entry price)", got)
	}
}

func TestOrderTransitionsForwardOnly(t *testing.T) {
	now := time.Now()
	o := &Order{ID: "o1", Amount: 1, Status: OrderStatusPending}

	if err := o.Transition(OrderStatusOpen, now); err != nil {
		t.Fatalf("pending -> open: %v", err)
	}
	if err := o.Transition(OrderStatusPending, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("open -> pending err = %v, want ErrInvalidTransition", err)
	}
	if err := o.Transition(OrderStatusCanceled, now); err != nil {
		t.Fatalf("open -> canceled: %v", err)
	}
	for _, next := range []OrderStatus{OrderStatusOpen, OrderStatusFilled, OrderStatusPartiallyFilled} {
		if err := o.Transition(next, now); err == nil {
			t.Errorf("canceled -> %s succeeded, want error", next)
		}
	}
	if o.Status != OrderStatusCanceled {
		t.Errorf("Status = %s, want canceled", o.Status)
	}
}

func TestOrderApplyFillNeverOverfills(t *testing.T) {
	now := time.Now()
	o := &Order{ID: "o2", Amount: 1.0, Status: OrderStatusOpen}

	applied, err := o.ApplyFill(0.4, 100, 0.04, now)
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	if applied != 0.4 || o.Status != OrderStatusPartiallyFilled {
		t.Fatalf("after first fill applied=%v status=%s", applied, o.Status)
	}

	applied, err = o.ApplyFill(5, 110, 0.06, now)
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	if applied != 0.6 {
		t.Errorf("applied = %v, want 0.6 (clamped to remaining)", applied)
	}
	if o.FilledAmount > o.Amount {
		t.Errorf("FilledAmount %v exceeds Amount %v", o.FilledAmount, o.Amount)
	}
	if o.Status != OrderStatusFilled {
		t.Errorf("Status = %s, want filled", o.Status)
	}
	wantAvg := (0.4*100 + 0.6*110) / 1.0
	if d := o.AvgFillPrice - wantAvg; d > 1e-9 || d < -1e-9 {
		t.Errorf("AvgFillPrice = %v, want %v", o.AvgFillPrice, wantAvg)
	}
	if _, err := o.ApplyFill(0.1, 100, 0, now); err == nil {
		t.Error("ApplyFill on filled order succeeded, want error")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"exchange", fmt.Errorf("fetch: %w", ErrExchange), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"funds", &ExchangeError{Op: "create", Kind: ErrInsufficientFunds, Err: errors.New("balance")}, false},
		{"invalid", &ExchangeError{Op: "create", Kind: ErrInvalidOrder, Err: errors.New("lot size")}, false},
		{"wrapped exchange", &ExchangeError{Op: "create", Kind: ErrExchange, Err: errors.New("503")}, true},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}

	var rv error = &RiskViolationError{Check: "emergency_stop", Reason: "halted"}
	if !errors.Is(rv, ErrRiskViolation) {
		t.Error("RiskViolationError should match ErrRiskViolation")
	}
}
