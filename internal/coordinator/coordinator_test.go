package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orb-trading-bot/internal/broker/sim"
	"orb-trading-bot/internal/events"
	"orb-trading-bot/internal/ledger"
	"orb-trading-bot/internal/store"
	"orb-trading-bot/internal/tradestate"
	"orb-trading-bot/internal/types"
)

type gateStub struct{ state types.SessionState }

func (g *gateStub) State() types.SessionState { return g.state }

type fixture struct {
	coord *Coordinator
	gw    *sim.Sim
	ldg   *ledger.Ledger
	store *tradestate.Store
	gate  *gateStub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := tradestate.Open(t.TempDir(), "NSE", 7, time.UTC)
	require.NoError(t, err)

	gw := sim.New()
	gw.SetBalance(types.Balance{Total: 100000, Available: 100000})
	ldg := ledger.New(0.7, 0.7, 0)
	gate := &gateStub{state: types.SessionOpen}

	coord := New(Params{
		Gateway:         gw,
		Ledger:          ldg,
		Store:           st,
		Session:         gate,
		Bus:             events.NewBus(),
		EntryLock:       &sync.Mutex{},
		Market:          "NSE",
		OneTradePerSym:  true,
		MaxTradesPerDay: 10,
		CallTimeout:     2 * time.Second,
	})
	return &fixture{coord: coord, gw: gw, ldg: ldg, store: st, gate: gate}
}

func proposal(symbol string, cost float64) Proposal {
	return Proposal{
		Symbol:     symbol,
		Contract:   symbol + "24SEPFUT",
		Direction:  types.SideLong,
		Quantity:   1,
		Entry:      cost,
		StopLoss:   cost * 0.99,
		TakeProfit: cost * 1.02,
		Cost:       cost,
	}
}

func TestTryEnterFillsAndCommits(t *testing.T) {
	f := newFixture(t)

	res := f.coord.TryEnter(context.Background(), proposal("RELIANCE", 10000))

	require.Equal(t, OutcomeFilled, res.Outcome)
	require.NotNil(t, res.Position)
	assert.Equal(t, "RELIANCE", res.Position.Underlying)
	assert.True(t, f.store.IsOpen("RELIANCE"))
	assert.True(t, f.store.TradedToday("RELIANCE"))
	assert.Equal(t, 10000.0, f.ldg.Allocated())
}

func TestTryEnterSerializesCompetingAttempts(t *testing.T) {
	f := newFixture(t)
	f.gw.PlaceDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]Result, 2)
	symbols := []string{"RELIANCE", "TCS"}
	for i, sym := range symbols {
		wg.Add(1)
		go func(i int, sym string) {
			defer wg.Done()
			results[i] = f.coord.TryEnter(context.Background(), proposal(sym, 40000))
		}(i, sym)
	}
	wg.Wait()

	// The allocation cap is 70000, so only one 40000 entry fits. The loser
	// must be rejected by the exposure check, never by a racing placement.
	assert.False(t, f.gw.Overlapped(), "placement calls must not overlap")

	var filled, blocked int
	for _, r := range results {
		switch r.Outcome {
		case OutcomeFilled:
			filled++
		case OutcomeBlocked:
			blocked++
			assert.Equal(t, "insufficient_exposure", r.Reason)
		}
	}
	assert.Equal(t, 1, filled)
	assert.Equal(t, 1, blocked)
	assert.EqualValues(t, 1, f.gw.PlaceCalls())
}

func TestTryEnterSameSymbolOnlyOnce(t *testing.T) {
	f := newFixture(t)
	f.gw.PlaceDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.coord.TryEnter(context.Background(), proposal("RELIANCE", 5000))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.gw.PlaceCalls())
	assert.Equal(t, 5000.0, f.ldg.Allocated())
}

func TestTryEnterBlockedWhenSessionNotOpen(t *testing.T) {
	f := newFixture(t)
	f.gate.state = types.SessionWaiting

	res := f.coord.TryEnter(context.Background(), proposal("RELIANCE", 5000))

	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, "session_not_open", res.Reason)
	// Nothing was consumed: the symbol stays eligible.
	assert.False(t, f.store.TradedToday("RELIANCE"))
	assert.Zero(t, f.ldg.Allocated())
	assert.Zero(t, f.gw.PlaceCalls())
}

func TestTryEnterRespectsOneTradePolicy(t *testing.T) {
	f := newFixture(t)

	first := f.coord.TryEnter(context.Background(), proposal("RELIANCE", 5000))
	require.Equal(t, OutcomeFilled, first.Outcome)

	// Position closes externally; the traded mark still blocks re-entry.
	f.gw.ClosePositionExternally("RELIANCE24SEPFUT")
	require.NoError(t, f.store.MarkClosed("RELIANCE", true))
	f.ldg.RegisterClose("RELIANCE")

	second := f.coord.TryEnter(context.Background(), proposal("RELIANCE", 5000))
	assert.Equal(t, OutcomeBlocked, second.Outcome)
	assert.Equal(t, "already_traded_today", second.Reason)
}

func TestCapitalRejectionConsumesSymbol(t *testing.T) {
	f := newFixture(t)
	f.gw.FailPlaceWith(&types.CapitalError{Reason: "insufficient funds", Required: 5000, Available: 100})

	res := f.coord.TryEnter(context.Background(), proposal("RELIANCE", 5000))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "broker_capital_rejection", res.Reason)
	assert.True(t, f.store.TradedToday("RELIANCE"), "capital rejection consumes the symbol for the day")
	assert.False(t, f.store.IsOpen("RELIANCE"))
	assert.Zero(t, f.ldg.Allocated())
}

func TestTransientFailureLeavesSymbolEligible(t *testing.T) {
	f := newFixture(t)
	f.gw.FailPlaceWith(types.NewTransient("place bracket order", errors.New("connection reset")))

	res := f.coord.TryEnter(context.Background(), proposal("RELIANCE", 5000))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.False(t, f.store.TradedToday("RELIANCE"))

	// The same attempt succeeds once the fault clears.
	f.gw.FailPlaceWith(nil)
	res = f.coord.TryEnter(context.Background(), proposal("RELIANCE", 5000))
	assert.Equal(t, OutcomeFilled, res.Outcome)
}

func TestBrokerPositionBlocksAndHealsLocalState(t *testing.T) {
	f := newFixture(t)

	// A position from a previous run exists only at the broker.
	f.gw.SeedPosition(types.Position{
		Symbol: "RELIANCE24SEPFUT", Underlying: "RELIANCE", Quantity: 50, CostBasis: 12000,
	})

	res := f.coord.TryEnter(context.Background(), proposal("RELIANCE", 5000))

	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, "broker_position_exists", res.Reason)
	assert.True(t, f.store.IsOpen("RELIANCE"), "local state healed from broker")
	assert.Equal(t, 12000.0, f.ldg.Allocated())
}

func TestPendingOrderCountsAsOccupancy(t *testing.T) {
	f := newFixture(t)
	f.gw.SeedOpenOrder(types.OpenOrder{OrderID: "X1", Symbol: "RELIANCE24SEPFUT", Underlying: "RELIANCE", Status: "OPEN"})

	res := f.coord.TryEnter(context.Background(), proposal("RELIANCE", 5000))

	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, "pending_order_exists", res.Reason)
}

func TestMaxTradesPerDay(t *testing.T) {
	f := newFixture(t)

	st, err := tradestate.Open(t.TempDir(), "NSE", 7, time.UTC)
	require.NoError(t, err)
	f.coord.store = st
	f.coord.maxTradesPerDay = 2

	require.Equal(t, OutcomeFilled, f.coord.TryEnter(context.Background(), proposal("RELIANCE", 1000)).Outcome)
	require.Equal(t, OutcomeFilled, f.coord.TryEnter(context.Background(), proposal("TCS", 1000)).Outcome)

	res := f.coord.TryEnter(context.Background(), proposal("INFY", 1000))
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, "max_trades_reached", res.Reason)
}

func TestEntryCutoffRejectsLateAttempts(t *testing.T) {
	f := newFixture(t)
	f.coord.entryCutoff = store.TimeOfDay{Hour: 14, Minute: 15}

	day := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	clock := func(hh, mm int) func() time.Time {
		return func() time.Time {
			return day.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
		}
	}

	f.coord.now = clock(14, 15)
	res := f.coord.TryEnter(context.Background(), proposal("RELIANCE", 10000))
	require.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, "past_entry_cutoff", res.Reason)
	assert.Zero(t, f.ldg.Allocated(), "rejection must not touch the ledger")
	assert.False(t, f.store.TradedToday("RELIANCE"))

	// Before the cutoff the same proposal goes through.
	f.coord.now = clock(14, 14)
	res = f.coord.TryEnter(context.Background(), proposal("RELIANCE", 10000))
	require.Equal(t, OutcomeFilled, res.Outcome)
}
