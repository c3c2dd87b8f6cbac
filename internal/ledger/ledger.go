// Package ledger is the authoritative in-memory view of committed capital.
// Mutations happen only inside the coordinator's or sweeper's serialized
// sections; reads taken elsewhere are for display and eventually consistent.
package ledger

import (
	"fmt"
	"sync"

	"orb-trading-bot/internal/types"
)

type Ledger struct {
	mu sync.RWMutex

	maxAllocationPct  float64
	maxPositionPct    float64
	dailyLossLimitPct float64

	open        map[string]float64 // underlying -> cost basis
	allocated   float64            // always == sum of open
	realized    float64
	unrealized  float64
	totalTrades int

	lastBalance types.Balance // cached, display only
}

func New(maxAllocationPct, maxPositionPct, dailyLossLimitPct float64) *Ledger {
	return &Ledger{
		maxAllocationPct:  maxAllocationPct,
		maxPositionPct:    maxPositionPct,
		dailyLossLimitPct: dailyLossLimitPct,
		open:              make(map[string]float64),
	}
}

// AvailableExposure returns how much more capital may be committed given a
// fresh totalFunds figure: the remaining headroom under the allocation
// ceiling, capped by the per-position ceiling.
func (l *Ledger) AvailableExposure(totalFunds float64) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	headroom := totalFunds*l.maxAllocationPct - l.allocated
	if headroom < 0 {
		headroom = 0
	}
	positionCap := totalFunds * l.maxPositionPct
	if positionCap < headroom {
		return positionCap
	}
	return headroom
}

func (l *Ledger) RegisterOpen(symbol string, cost float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.open[symbol]; exists {
		return fmt.Errorf("position already registered for %s", symbol)
	}
	if cost <= 0 {
		return fmt.Errorf("invalid cost %.2f for %s", cost, symbol)
	}
	l.open[symbol] = cost
	l.allocated += cost
	l.totalTrades++
	return nil
}

// RegisterClose releases a position's committed capital and returns the
// cost that was held. Zero if the symbol was not tracked.
func (l *Ledger) RegisterClose(symbol string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	cost, ok := l.open[symbol]
	if !ok {
		return 0
	}
	delete(l.open, symbol)
	l.allocated -= cost
	return cost
}

func (l *Ledger) AddRealized(pnl float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.realized += pnl
}

// SetUnrealized records the marked-to-market P&L of open positions, fed by
// the reconciliation sweep.
func (l *Ledger) SetUnrealized(pnl float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unrealized = pnl
}

// DailyLossBreached reports whether realized plus marked-to-market losses
// have reached the daily loss ceiling.
func (l *Ledger) DailyLossBreached(totalFunds float64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.dailyLossLimitPct <= 0 {
		return false
	}
	return l.realized+l.unrealized <= -totalFunds*l.dailyLossLimitPct
}

func (l *Ledger) Allocated() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allocated
}

func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.open)
}

func (l *Ledger) HasOpen(symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.open[symbol]
	return ok
}

func (l *Ledger) SetLastBalance(b types.Balance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastBalance = b
}

// LastBalance returns the most recent cached balance. Display only; the
// go/no-go exposure check always uses a freshly-fetched balance.
func (l *Ledger) LastBalance() types.Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastBalance
}

// Stats is a display snapshot for reporting.
type Stats struct {
	Allocated     float64
	RealizedPnL   float64
	UnrealizedPnL float64
	TotalTrades   int
	OpenPositions int
	LastBalance   types.Balance
}

func (l *Ledger) Snapshot() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		Allocated:     l.allocated,
		RealizedPnL:   l.realized,
		UnrealizedPnL: l.unrealized,
		TotalTrades:   l.totalTrades,
		OpenPositions: len(l.open),
		LastBalance:   l.lastBalance,
	}
}

// ResetDay clears daily counters at rollover. Open positions carry over.
func (l *Ledger) ResetDay() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.realized = 0
	l.unrealized = 0
	l.totalTrades = 0
}
