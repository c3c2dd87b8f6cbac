// Package coordinator serializes every order-entry attempt across all
// symbol monitors. One attempt runs the full check-and-commit sequence at
// a time; competing attempts wait on the same lock rather than racing the
// capital and occupancy checks.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"orb-trading-bot/internal/broker"
	"orb-trading-bot/internal/events"
	"orb-trading-bot/internal/ledger"
	"orb-trading-bot/internal/logger"
	"orb-trading-bot/internal/metrics"
	"orb-trading-bot/internal/store"
	"orb-trading-bot/internal/tradestate"
	"orb-trading-bot/internal/types"
)

// SessionGate reports whether the market session currently permits entry.
type SessionGate interface {
	State() types.SessionState
}

// Outcome classifies an entry attempt.
type Outcome string

const (
	// OutcomeFilled means the bracket was placed and state committed.
	OutcomeFilled Outcome = "filled"
	// OutcomeBlocked means a policy or capital check rejected the attempt
	// before any order was sent. Nothing was mutated.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeFailed means the gateway rejected or failed the placement.
	OutcomeFailed Outcome = "failed"
)

// Proposal is a fully priced entry candidate for one underlying.
type Proposal struct {
	Symbol     string // underlying, the occupancy key
	Contract   string // tradable contract symbol
	Direction  types.Side
	Quantity   int
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	Cost       float64 // estimated capital consumed by the position
}

// Result reports what happened to a proposal.
type Result struct {
	Outcome  Outcome
	Reason   string
	Position *types.Position
	Err      error
}

type Params struct {
	Gateway         broker.Gateway
	Ledger          *ledger.Ledger
	Store           *tradestate.Store
	Session         SessionGate
	Bus             *events.Bus
	EntryLock       *sync.Mutex
	Market          string
	OneTradePerSym  bool
	MaxTradesPerDay int
	CallTimeout     time.Duration

	// EntryCutoff is the wall-clock time after which no new entry is
	// accepted. The zero value disables the check.
	EntryCutoff store.TimeOfDay
	Location    *time.Location
}

type Coordinator struct {
	gw      broker.Gateway
	ledger  *ledger.Ledger
	store   *tradestate.Store
	session SessionGate
	bus     *events.Bus
	mu      *sync.Mutex

	market          string
	oneTradePerSym  bool
	maxTradesPerDay int
	callTimeout     time.Duration
	entryCutoff     store.TimeOfDay
	loc             *time.Location

	now func() time.Time
}

func New(p Params) *Coordinator {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Coordinator{
		gw:              p.Gateway,
		ledger:          p.Ledger,
		store:           p.Store,
		session:         p.Session,
		bus:             p.Bus,
		mu:              p.EntryLock,
		market:          p.Market,
		oneTradePerSym:  p.OneTradePerSym,
		maxTradesPerDay: p.MaxTradesPerDay,
		callTimeout:     p.CallTimeout,
		entryCutoff:     p.EntryCutoff,
		loc:             loc,
		now:             time.Now,
	}
}

// TryEnter runs the serialized entry sequence for one proposal. Callers
// may invoke it concurrently from any number of symbol monitors.
func (c *Coordinator) TryEnter(ctx context.Context, p Proposal) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Session may have closed while this attempt waited on the lock.
	if c.session.State() != types.SessionOpen {
		return c.blocked(ctx, p, "session_not_open")
	}

	// Late entries leave no room to manage the position before the
	// end-of-day flatten, so the day has a hard entry cutoff.
	if c.entryCutoff != (store.TimeOfDay{}) {
		if now := c.now().In(c.loc); !now.Before(c.entryCutoff.On(now, c.loc)) {
			return c.blocked(ctx, p, "past_entry_cutoff")
		}
	}

	if res, ok := c.checkOccupancy(ctx, p); !ok {
		return res
	}

	if c.maxTradesPerDay > 0 && c.store.TotalTrades() >= c.maxTradesPerDay {
		return c.blocked(ctx, p, "max_trades_reached")
	}

	// Fresh balance every attempt. A stale snapshot under-counts losses
	// and over-commits capital.
	bal, err := c.fetchBalance(ctx)
	if err != nil {
		return c.failed(ctx, p, "balance_query_failed", err)
	}
	c.ledger.SetLastBalance(bal)

	if c.ledger.DailyLossBreached(bal.Total) {
		return c.blocked(ctx, p, "daily_loss_limit")
	}

	if avail := c.ledger.AvailableExposure(bal.Total); p.Cost > avail {
		logger.Entry(ctx, p.Symbol, string(OutcomeBlocked), "insufficient_exposure", p.Cost)
		metrics.RecordEntry(p.Symbol, string(OutcomeBlocked))
		c.publish(events.EntryBlocked, p, fmt.Sprintf("cost %.2f exceeds available exposure %.2f", p.Cost, avail))
		return Result{Outcome: OutcomeBlocked, Reason: "insufficient_exposure"}
	}

	pos, err := c.place(ctx, p)
	if err != nil {
		return c.placementFailed(ctx, p, err)
	}

	// Commit local state before reporting success. A crash between the
	// broker fill and these writes is what the reconciliation sweep and
	// the startup sync exist to repair.
	if err := c.ledger.RegisterOpen(p.Symbol, p.Cost); err != nil {
		logger.ErrorWithErr(ctx, "Ledger registration failed after fill", err, "symbol", p.Symbol)
	}
	if err := c.store.RecordEntry(p.Symbol); err != nil {
		logger.ErrorWithErr(ctx, "Trade-state persistence failed after fill", err, "symbol", p.Symbol)
	}

	stats := c.ledger.Snapshot()
	metrics.RecordEntry(p.Symbol, string(OutcomeFilled))
	metrics.UpdateAllocation(stats.Allocated, stats.OpenPositions)
	logger.Entry(ctx, p.Symbol, string(OutcomeFilled), "", p.Cost)
	c.bus.Publish(events.Event{
		Type:   events.EntryFilled,
		Market: c.market,
		Symbol: p.Symbol,
		Fields: map[string]any{
			"contract":    p.Contract,
			"direction":   string(p.Direction),
			"quantity":    p.Quantity,
			"cost":        p.Cost,
			"order_id":    pos.EntryOrderID,
			"entry":       p.Entry,
			"stop_loss":   p.StopLoss,
			"take_profit": p.TakeProfit,
		},
	})

	return Result{Outcome: OutcomeFilled, Position: pos}
}

// checkOccupancy rejects symbols that already traded or still hold an
// order or position, consulting both local state and the live gateway.
func (c *Coordinator) checkOccupancy(ctx context.Context, p Proposal) (Result, bool) {
	if c.store.IsOpen(p.Symbol) {
		return c.blocked(ctx, p, "position_open"), false
	}
	if c.oneTradePerSym && c.store.TradedToday(p.Symbol) {
		return c.blocked(ctx, p, "already_traded_today"), false
	}

	// Local state can miss fills from a previous run or manual orders, so
	// the gateway gets the last word on occupancy.
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	positions, err := c.gw.GetPositions(cctx)
	cancel()
	if err != nil {
		return c.failed(ctx, p, "position_query_failed", err), false
	}
	for _, pos := range positions {
		if strings.EqualFold(pos.Underlying, p.Symbol) && pos.Quantity != 0 {
			c.healOccupancy(ctx, p.Symbol, pos.CostBasis)
			return c.blocked(ctx, p, "broker_position_exists"), false
		}
	}

	cctx, cancel = context.WithTimeout(ctx, c.callTimeout)
	orders, err := c.gw.GetOpenOrders(cctx)
	cancel()
	if err != nil {
		return c.failed(ctx, p, "order_query_failed", err), false
	}
	for _, o := range orders {
		if strings.EqualFold(o.Underlying, p.Symbol) {
			return c.blocked(ctx, p, "pending_order_exists"), false
		}
	}

	return Result{}, true
}

// healOccupancy folds a broker-side position the local state missed back
// into the ledger and store.
func (c *Coordinator) healOccupancy(ctx context.Context, symbol string, costBasis float64) {
	logger.Reconcile(ctx, symbol, "untracked_broker_position_adopted")
	metrics.RecordDrift()
	if !c.ledger.HasOpen(symbol) {
		if err := c.ledger.RegisterOpen(symbol, costBasis); err != nil {
			logger.ErrorWithErr(ctx, "Drift heal ledger registration failed", err, "symbol", symbol)
		}
	}
	if !c.store.IsOpen(symbol) {
		if err := c.store.RecordEntry(symbol); err != nil {
			logger.ErrorWithErr(ctx, "Drift heal persistence failed", err, "symbol", symbol)
		}
	}
}

func (c *Coordinator) fetchBalance(ctx context.Context) (types.Balance, error) {
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.gw.GetBalance(cctx)
}

func (c *Coordinator) place(ctx context.Context, p Proposal) (*types.Position, error) {
	req := types.BracketOrderReq{
		Symbol:     p.Contract,
		Underlying: p.Symbol,
		Side:       p.Direction,
		Quantity:   p.Quantity,
		Entry:      p.Entry,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Tag:        "orb",
	}

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	ids, err := c.gw.PlaceBracketOrder(cctx, req)
	if err != nil {
		return nil, err
	}

	return &types.Position{
		Symbol:       p.Contract,
		Underlying:   p.Symbol,
		EntryOrderID: ids.EntryOrderID,
		SLOrderID:    ids.SLOrderID,
		TPOrderID:    ids.TPOrderID,
		Quantity:     p.Quantity,
		CostBasis:    p.Cost,
		OpenedAt:     time.Now(),
	}, nil
}

// placementFailed classifies a gateway error. Capital rejections consume
// the symbol for the day; transient and validation failures leave it
// eligible for a later attempt.
func (c *Coordinator) placementFailed(ctx context.Context, p Proposal, err error) Result {
	reason := "placement_failed"
	switch {
	case types.IsCapital(err):
		reason = "broker_capital_rejection"
		if err := c.store.MarkTraded(p.Symbol); err != nil {
			logger.ErrorWithErr(ctx, "Trade-state persistence failed after capital rejection", err, "symbol", p.Symbol)
		}
		metrics.RecordGatewayError("capital")
	case types.IsValidation(err):
		reason = "order_rejected"
		metrics.RecordGatewayError("validation")
	case types.IsTransient(err):
		reason = "gateway_transient"
		metrics.RecordGatewayError("transient")
	default:
		metrics.RecordGatewayError("unknown")
	}

	logger.Entry(ctx, p.Symbol, string(OutcomeFailed), reason, p.Cost)
	metrics.RecordEntry(p.Symbol, string(OutcomeFailed))
	c.publish(events.EntryBlocked, p, reason)
	return Result{Outcome: OutcomeFailed, Reason: reason, Err: err}
}

func (c *Coordinator) blocked(ctx context.Context, p Proposal, reason string) Result {
	logger.Entry(ctx, p.Symbol, string(OutcomeBlocked), reason, p.Cost)
	metrics.RecordEntry(p.Symbol, string(OutcomeBlocked))
	c.publish(events.EntryBlocked, p, reason)
	return Result{Outcome: OutcomeBlocked, Reason: reason}
}

func (c *Coordinator) failed(ctx context.Context, p Proposal, reason string, err error) Result {
	logger.ErrorWithErr(ctx, "Entry attempt failed", err, "symbol", p.Symbol, "reason", reason)
	metrics.RecordEntry(p.Symbol, string(OutcomeFailed))
	if types.IsTransient(err) {
		metrics.RecordGatewayError("transient")
	}
	c.publish(events.EntryBlocked, p, reason)
	return Result{Outcome: OutcomeFailed, Reason: reason, Err: err}
}

func (c *Coordinator) publish(t events.Type, p Proposal, reason string) {
	c.bus.Publish(events.Event{
		Type:   t,
		Market: c.market,
		Symbol: p.Symbol,
		Reason: reason,
	})
}
