package session

import (
	"context"
	"testing"
	"time"

	"orb-trading-bot/internal/broker/sim"
	"orb-trading-bot/internal/events"
	"orb-trading-bot/internal/store"
	"orb-trading-bot/internal/types"
)

type alwaysTradingCal struct{}

func (alwaysTradingCal) IsTradingDay(time.Time, string) bool { return true }
func (alwaysTradingCal) NextTradingDay(after time.Time, _ string) time.Time {
	return after.AddDate(0, 0, 1)
}

func mustParse(t *testing.T, s string) store.TimeOfDay {
	t.Helper()
	tod, err := store.ParseTimeOfDay(s)
	if err != nil {
		t.Fatalf("ParseTimeOfDay failed: %v", err)
	}
	return tod
}

func testMonitor(t *testing.T, gw *sim.Sim) (*Monitor, *int) {
	t.Helper()

	cancelled := 0
	m := New(Config{
		Market:        "NSE",
		OpenTime:      mustParse(t, "09:15"),
		CloseTime:     mustParse(t, "15:30"),
		Location:      time.UTC,
		PollInterval:  time.Second,
		FlattenBuffer: 15 * time.Minute,
		CallTimeout:   time.Second,
	}, alwaysTradingCal{}, gw, events.NewBus(), func() { cancelled++ })
	return m, &cancelled
}

func at(t *testing.T, clock string) func() time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", "2026-09-01 "+clock, time.UTC)
	if err != nil {
		t.Fatalf("bad clock %q: %v", clock, err)
	}
	return func() time.Time { return ts }
}

func TestTransitionsThroughTradingDay(t *testing.T) {
	m, cancelled := testMonitor(t, sim.New())
	ctx := context.Background()

	m.now = at(t, "09:00")
	m.tick(ctx)
	if got := m.State(); got != types.SessionWaiting {
		t.Errorf("Expected WAITING before open, got %s", got)
	}

	m.now = at(t, "10:00")
	m.tick(ctx)
	if got := m.State(); got != types.SessionOpen {
		t.Errorf("Expected OPEN during session, got %s", got)
	}

	m.now = at(t, "15:31")
	m.tick(ctx)
	if got := m.State(); got != types.SessionClosed {
		t.Errorf("Expected CLOSED after close, got %s", got)
	}
	if *cancelled != 1 {
		t.Errorf("Expected shared cancellation fired once, got %d", *cancelled)
	}

	// Further ticks must not fire the cancellation again.
	m.tick(ctx)
	if *cancelled != 1 {
		t.Errorf("Expected cancellation to stay at 1, got %d", *cancelled)
	}
}

func TestColdStartAfterCloseDoesNotCancel(t *testing.T) {
	m, cancelled := testMonitor(t, sim.New())

	// Process started at 18:00; the session was never observed open.
	m.now = at(t, "18:00")
	m.tick(context.Background())

	if got := m.State(); got != types.SessionWaiting {
		t.Errorf("Expected WAITING on cold start after hours, got %s", got)
	}
	if *cancelled != 0 {
		t.Errorf("Expected no cancellation on cold start, got %d", *cancelled)
	}
}

func TestColdStartSleepsUntilNextOpen(t *testing.T) {
	m, _ := testMonitor(t, sim.New())

	m.now = at(t, "18:00")
	wait := m.tick(context.Background())

	// 18:00 to 09:15 next day.
	want := 15*time.Hour + 15*time.Minute
	if wait != want {
		t.Errorf("Expected sleep of %v, got %v", want, wait)
	}
}

func TestForceFlattenInsideBuffer(t *testing.T) {
	gw := sim.New()
	gw.SeedPosition(types.Position{
		Symbol: "RELIANCE24SEPFUT", Underlying: "RELIANCE", Quantity: 50, CostBasis: 20000,
	})
	m, _ := testMonitor(t, gw)
	ctx := context.Background()

	// Open the session first.
	m.now = at(t, "10:00")
	m.tick(ctx)

	// 15:20 is inside the 15-minute flatten buffer before 15:30.
	m.now = at(t, "15:20")
	m.tick(ctx)

	positions, err := gw.GetPositions(ctx)
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("Expected all positions flattened, %d remain", len(positions))
	}
	if got := m.State(); got != types.SessionOpen {
		t.Errorf("Session stays OPEN through the flatten window, got %s", got)
	}
}

func TestFlattenRepeatsInsideBuffer(t *testing.T) {
	gw := sim.New()
	m, _ := testMonitor(t, gw)
	ctx := context.Background()

	m.now = at(t, "10:00")
	m.tick(ctx)

	// First in-buffer tick finds nothing to close.
	m.now = at(t, "15:20")
	m.tick(ctx)

	// A position appearing mid-window must still be closed by a later tick.
	gw.SeedPosition(types.Position{Symbol: "TCS24SEPFUT", Underlying: "TCS", Quantity: 10, CostBasis: 15000})
	m.now = at(t, "15:25")
	m.tick(ctx)

	positions, err := gw.GetPositions(ctx)
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("Expected mid-window position flattened before close, %d remain", len(positions))
	}

	m.now = at(t, "15:31")
	m.tick(ctx)
	if got := m.State(); got != types.SessionClosed {
		t.Errorf("Expected CLOSED after close, got %s", got)
	}
}

func TestRolloverResetsDay(t *testing.T) {
	m, _ := testMonitor(t, sim.New())
	ctx := context.Background()

	rolled := 0
	m.OnRollover = func(context.Context) { rolled++ }

	m.now = at(t, "10:00")
	m.tick(ctx)
	m.now = at(t, "15:31")
	m.tick(ctx)

	// Next calendar day.
	next := at(t, "09:00")().AddDate(0, 0, 1)
	m.now = func() time.Time { return next }
	m.tick(ctx)

	if rolled != 1 {
		t.Errorf("Expected one rollover callback, got %d", rolled)
	}
	if got := m.State(); got != types.SessionWaiting {
		t.Errorf("Expected WAITING on the new day, got %s", got)
	}
}
