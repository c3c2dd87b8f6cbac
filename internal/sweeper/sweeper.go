// Package sweeper periodically reconciles local trade state against the
// broker. Stop-loss and take-profit fills, manual exits, and positions the
// bot never saw all surface here.
package sweeper

import (
	"context"
	"strings"
	"sync"
	"time"

	"orb-trading-bot/internal/broker"
	"orb-trading-bot/internal/events"
	"orb-trading-bot/internal/ledger"
	"orb-trading-bot/internal/logger"
	"orb-trading-bot/internal/metrics"
	"orb-trading-bot/internal/tradestate"
)

type Params struct {
	Gateway     broker.Gateway
	Ledger      *ledger.Ledger
	Store       *tradestate.Store
	Bus         *events.Bus
	EntryLock   *sync.Mutex
	Market      string
	Interval    time.Duration
	CallTimeout time.Duration

	// RetainTraded keeps a symbol marked as traded after its position
	// closes, enforcing one trade per symbol per day.
	RetainTraded bool
}

type Sweeper struct {
	gw    broker.Gateway
	ldg   *ledger.Ledger
	store *tradestate.Store
	bus   *events.Bus
	mu    *sync.Mutex

	market       string
	interval     time.Duration
	callTimeout  time.Duration
	retainTraded bool
}

func New(p Params) *Sweeper {
	return &Sweeper{
		gw:           p.Gateway,
		ldg:          p.Ledger,
		store:        p.Store,
		bus:          p.Bus,
		mu:           p.EntryLock,
		market:       p.Market,
		interval:     p.Interval,
		callTimeout:  p.CallTimeout,
		retainTraded: p.RetainTraded,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info(ctx, "Reconciliation sweeper started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Reconciliation sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass. A gateway failure skips the pass
// entirely; local state is never mutated on partial information.
func (s *Sweeper) Sweep(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	positions, err := s.gw.GetPositions(cctx)
	cancel()
	if err != nil {
		logger.ErrorWithErr(ctx, "Reconciliation position query failed, pass skipped", err)
		metrics.RecordGatewayError("transient")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	local := s.store.OpenSymbols()

	// An empty broker response while positions are locally open is more
	// likely a degraded API than a mass exit. Flag it, change nothing.
	if len(positions) == 0 && len(local) > 0 {
		logger.Reconcile(ctx, "", "empty_gateway_response_preserved")
		metrics.RecordDrift()
		return
	}

	// Keyed by the gateway-supplied casing. The coordinator and store use
	// that casing too; rewriting it here would fork the occupancy key.
	byUnderlying := make(map[string]float64, len(positions))
	var unrealized float64
	for _, pos := range positions {
		if pos.Quantity == 0 {
			continue
		}
		byUnderlying[pos.Underlying] = pos.CostBasis
		unrealized += pos.PnL
	}

	liveAtBroker := func(sym string) bool {
		for k := range byUnderlying {
			if strings.EqualFold(k, sym) {
				return true
			}
		}
		return false
	}

	// Locally open, gone at the broker: the position closed externally.
	for _, sym := range local {
		if liveAtBroker(sym) {
			continue
		}

		released := s.ldg.RegisterClose(sym)
		if err := s.store.MarkClosed(sym, s.retainTraded); err != nil {
			logger.ErrorWithErr(ctx, "Reconciliation persistence failed", err, "symbol", sym)
			continue
		}

		logger.Reconcile(ctx, sym, "external_close_detected")
		s.bus.Publish(events.Event{
			Type:   events.PositionClosed,
			Market: s.market,
			Symbol: sym,
			Reason: "external_close",
			Fields: map[string]any{"released": released},
		})
	}

	openLocally := func(sym string) bool {
		for _, l := range local {
			if strings.EqualFold(l, sym) {
				return true
			}
		}
		return false
	}

	// Live at the broker, unknown locally: adopt it so capital checks and
	// occupancy see the truth.
	for sym, costBasis := range byUnderlying {
		if s.ldg.HasOpen(sym) || openLocally(sym) {
			continue
		}
		logger.Reconcile(ctx, sym, "untracked_broker_position_adopted")
		metrics.RecordDrift()
		if err := s.ldg.RegisterOpen(sym, costBasis); err != nil {
			logger.ErrorWithErr(ctx, "Reconciliation ledger registration failed", err, "symbol", sym)
			continue
		}
		if !s.store.IsOpen(sym) {
			if err := s.store.RecordEntry(sym); err != nil {
				logger.ErrorWithErr(ctx, "Reconciliation persistence failed", err, "symbol", sym)
			}
		}
	}

	s.ldg.SetUnrealized(unrealized)
	stats := s.ldg.Snapshot()
	metrics.UpdateAllocation(stats.Allocated, stats.OpenPositions)
}
