package ledger

import (
	"testing"

	"orb-trading-bot/internal/types"
)

func TestAvailableExposureCapsAllocation(t *testing.T) {
	l := New(0.7, 0.25, 0.03)
	funds := 100000.0

	// Nothing allocated: the per-position cap binds first.
	if got := l.AvailableExposure(funds); got != 25000 {
		t.Errorf("Expected 25000 available, got %f", got)
	}

	if err := l.RegisterOpen("RELIANCE", 40000); err != nil {
		t.Fatalf("RegisterOpen failed: %v", err)
	}
	if err := l.RegisterOpen("TCS", 25000); err != nil {
		t.Fatalf("RegisterOpen failed: %v", err)
	}

	// 65000 of the 70000 allocation cap is committed. A 10000 candidate
	// must not fit in the remaining 5000.
	got := l.AvailableExposure(funds)
	if got != 5000 {
		t.Errorf("Expected 5000 available, got %f", got)
	}
	if candidate := 10000.0; candidate <= got {
		t.Error("Expected 10000 candidate to exceed available exposure")
	}
}

func TestAvailableExposureNeverNegative(t *testing.T) {
	l := New(0.5, 0.25, 0)

	if err := l.RegisterOpen("INFY", 60000); err != nil {
		t.Fatalf("RegisterOpen failed: %v", err)
	}

	// Allocation exceeds the cap after a funds drop; available clamps to 0.
	if got := l.AvailableExposure(100000); got != 0 {
		t.Errorf("Expected 0 available, got %f", got)
	}
}

func TestCapitalConservation(t *testing.T) {
	l := New(0.7, 0.7, 0)
	funds := 100000.0

	if err := l.RegisterOpen("RELIANCE", 30000); err != nil {
		t.Fatalf("RegisterOpen failed: %v", err)
	}
	if err := l.RegisterOpen("TCS", 20000); err != nil {
		t.Fatalf("RegisterOpen failed: %v", err)
	}

	if got := l.Allocated(); got != 50000 {
		t.Errorf("Expected 50000 allocated, got %f", got)
	}

	released := l.RegisterClose("RELIANCE")
	if released != 30000 {
		t.Errorf("Expected 30000 released, got %f", released)
	}
	if got := l.Allocated(); got != 20000 {
		t.Errorf("Expected 20000 allocated after close, got %f", got)
	}

	// Allocated plus available must equal the allocation cap throughout.
	if got := l.AvailableExposure(funds) + l.Allocated(); got != funds*0.7 {
		t.Errorf("Expected allocated+available to equal cap, got %f", got)
	}
}

func TestRegisterOpenRejectsDuplicateAndInvalid(t *testing.T) {
	l := New(0.7, 0.7, 0)

	if err := l.RegisterOpen("RELIANCE", 10000); err != nil {
		t.Fatalf("RegisterOpen failed: %v", err)
	}
	if err := l.RegisterOpen("RELIANCE", 10000); err == nil {
		t.Error("Expected duplicate RegisterOpen to fail")
	}
	if err := l.RegisterOpen("TCS", -5); err == nil {
		t.Error("Expected negative cost to be rejected")
	}
	if got := l.OpenCount(); got != 1 {
		t.Errorf("Expected 1 open position, got %d", got)
	}
}

func TestDailyLossBreached(t *testing.T) {
	l := New(0.7, 0.7, 0.03)
	funds := 100000.0

	l.AddRealized(-1000)
	l.SetUnrealized(-1500)
	if l.DailyLossBreached(funds) {
		t.Error("Loss of 2500 should not breach a 3000 limit")
	}

	l.SetUnrealized(-2500)
	if !l.DailyLossBreached(funds) {
		t.Error("Loss of 3500 should breach a 3000 limit")
	}

	// Zero limit disables the check.
	l2 := New(0.7, 0.7, 0)
	l2.AddRealized(-99999)
	if l2.DailyLossBreached(funds) {
		t.Error("Disabled limit should never report a breach")
	}
}

func TestResetDayKeepsOpenPositions(t *testing.T) {
	l := New(0.7, 0.7, 0.03)

	if err := l.RegisterOpen("RELIANCE", 15000); err != nil {
		t.Fatalf("RegisterOpen failed: %v", err)
	}
	l.AddRealized(-500)
	l.SetLastBalance(types.Balance{Total: 100000, Available: 85000})

	l.ResetDay()

	stats := l.Snapshot()
	if stats.RealizedPnL != 0 || stats.TotalTrades != 0 {
		t.Errorf("Expected daily counters cleared, got %+v", stats)
	}
	if !l.HasOpen("RELIANCE") {
		t.Error("Expected open position to carry across rollover")
	}
	if stats.Allocated != 15000 {
		t.Errorf("Expected allocation to carry across rollover, got %f", stats.Allocated)
	}
}
