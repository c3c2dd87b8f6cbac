// Package monitor runs one watcher goroutine per instrument. The watcher
// asks a pluggable evaluator for a signal and hands accepted signals to
// the entry coordinator. All ordering and capital discipline lives in the
// coordinator; a watcher only proposes.
package monitor

import (
	"context"
	"time"

	"orb-trading-bot/internal/broker"
	"orb-trading-bot/internal/coordinator"
	"orb-trading-bot/internal/logger"
	"orb-trading-bot/internal/types"
)

// BarSource supplies recent intraday candles for an underlying.
type BarSource interface {
	RecentBars(ctx context.Context, symbol string, n int) ([]types.Candle, error)
}

// Evaluation is an evaluator's verdict on one symbol.
type Evaluation struct {
	Accept     bool
	Reason     string // populated on reject
	Direction  types.Side
	Contract   string // tradable contract to use
	Premium    float64
	Quantity   int
	Entry      float64
	StopLoss   float64
	TakeProfit float64
}

// EntryEvaluator turns a bar window into an entry decision.
type EntryEvaluator interface {
	Evaluate(ctx context.Context, symbol string, bars []types.Candle) Evaluation
}

// Occupancy lets a watcher skip evaluation cheaply when the symbol is
// already committed. The coordinator re-checks under its lock.
type Occupancy interface {
	IsOpen(symbol string) bool
	TradedToday(symbol string) bool
}

type Params struct {
	Symbol       string
	Gateway      broker.Gateway
	Bars         BarSource
	Evaluator    EntryEvaluator
	Coordinator  *coordinator.Coordinator
	Session      coordinator.SessionGate
	Occupancy    Occupancy
	PollInterval time.Duration
	BarCount     int
}

type SymbolMonitor struct {
	p Params
}

func New(p Params) *SymbolMonitor {
	return &SymbolMonitor{p: p}
}

// Run polls until ctx is cancelled.
func (m *SymbolMonitor) Run(ctx context.Context) {
	logger.Info(ctx, "Symbol monitor started", "symbol", m.p.Symbol, "interval", m.p.PollInterval.String())
	ticker := time.NewTicker(m.p.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Symbol monitor stopped", "symbol", m.p.Symbol)
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *SymbolMonitor) poll(ctx context.Context) {
	if m.p.Session.State() != types.SessionOpen {
		return
	}
	if m.p.Occupancy.IsOpen(m.p.Symbol) || m.p.Occupancy.TradedToday(m.p.Symbol) {
		return
	}

	bars, err := m.p.Bars.RecentBars(ctx, m.p.Symbol, m.p.BarCount)
	if err != nil {
		logger.Warn(ctx, "Bar fetch failed", "symbol", m.p.Symbol, "error", err.Error())
		return
	}

	ev := m.p.Evaluator.Evaluate(ctx, m.p.Symbol, bars)
	if !ev.Accept {
		logger.Debug(ctx, "Signal rejected", "symbol", m.p.Symbol, "reason", ev.Reason)
		return
	}

	cost := ev.Premium * float64(ev.Quantity) * m.p.Gateway.ContractMultiplier(m.p.Symbol)
	res := m.p.Coordinator.TryEnter(ctx, coordinator.Proposal{
		Symbol:     m.p.Symbol,
		Contract:   ev.Contract,
		Direction:  ev.Direction,
		Quantity:   ev.Quantity,
		Entry:      ev.Entry,
		StopLoss:   ev.StopLoss,
		TakeProfit: ev.TakeProfit,
		Cost:       cost,
	})

	if res.Outcome == coordinator.OutcomeFilled {
		logger.Info(ctx, "Entry filled", "symbol", m.p.Symbol, "contract", ev.Contract, "quantity", ev.Quantity)
	}
}
