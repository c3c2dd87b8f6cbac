package monitor

import (
	"context"
	"testing"

	"orb-trading-bot/internal/types"
)

func rangeBars(closes ...float64) []types.Candle {
	bars := make([]types.Candle, 0, len(closes))
	for i, c := range closes {
		bars = append(bars, types.Candle{
			Ts:    int64(i * 60),
			Open:  c,
			High:  c + 1,
			Low:   c - 1,
			Close: c,
		})
	}
	return bars
}

func TestBreakoutAboveRangeGoesLong(t *testing.T) {
	e := NewRangeBreakout(3, 1)

	// Range from the first 3 bars: high 101, low 97.
	bars := rangeBars(99, 100, 98, 99, 105)
	ev := e.Evaluate(context.Background(), "RELIANCE", bars)

	if !ev.Accept {
		t.Fatalf("Expected breakout accepted, rejected with %q", ev.Reason)
	}
	if ev.Direction != types.SideLong {
		t.Errorf("Expected long direction, got %s", ev.Direction)
	}
	if ev.StopLoss != 97 {
		t.Errorf("Expected stop at range low 97, got %f", ev.StopLoss)
	}
	if ev.TakeProfit <= ev.Entry {
		t.Error("Expected target above entry for a long")
	}
}

func TestBreakdownBelowRangeGoesShort(t *testing.T) {
	e := NewRangeBreakout(3, 1)

	bars := rangeBars(99, 100, 98, 99, 92)
	ev := e.Evaluate(context.Background(), "RELIANCE", bars)

	if !ev.Accept {
		t.Fatalf("Expected breakdown accepted, rejected with %q", ev.Reason)
	}
	if ev.Direction != types.SideShort {
		t.Errorf("Expected short direction, got %s", ev.Direction)
	}
	if ev.StopLoss != 101 {
		t.Errorf("Expected stop at range high 101, got %f", ev.StopLoss)
	}
	if ev.TakeProfit >= ev.Entry {
		t.Error("Expected target below entry for a short")
	}
}

func TestInsideRangeRejected(t *testing.T) {
	e := NewRangeBreakout(3, 1)

	bars := rangeBars(99, 100, 98, 99, 100)
	ev := e.Evaluate(context.Background(), "RELIANCE", bars)

	if ev.Accept {
		t.Error("Expected close inside the range to be rejected")
	}
}

func TestInsufficientBarsRejected(t *testing.T) {
	e := NewRangeBreakout(5, 1)

	ev := e.Evaluate(context.Background(), "RELIANCE", rangeBars(99, 100))
	if ev.Accept || ev.Reason != "insufficient_bars" {
		t.Errorf("Expected insufficient_bars rejection, got %+v", ev)
	}
}
