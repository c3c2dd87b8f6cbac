// Package sim is an in-memory gateway used in DRY_RUN mode and in tests.
// Orders fill instantly and positions live in memory; failures can be
// injected to exercise the error taxonomy.
package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"orb-trading-bot/internal/broker"
	"orb-trading-bot/internal/types"
)

type Sim struct {
	mu          sync.Mutex
	balance     types.Balance
	positions   map[string]types.Position // keyed by contract symbol
	orders      []types.OpenOrder
	multipliers map[string]float64
	seq         int64

	// failure injection
	placeErr     error
	balanceErr   error
	positionsErr error

	// PlaceDelay stretches PlaceBracketOrder so overlap is observable.
	PlaceDelay time.Duration

	inFlight   int32
	overlapped atomic.Bool
	placeCalls atomic.Int64
}

var _ broker.Gateway = (*Sim)(nil)

func New() *Sim {
	return &Sim{
		balance:     types.Balance{Total: 100000, Available: 100000},
		positions:   make(map[string]types.Position),
		multipliers: make(map[string]float64),
	}
}

func (s *Sim) Connect(ctx context.Context) error { return nil }

func (s *Sim) SetBalance(b types.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = b
}

func (s *Sim) SetMultiplier(underlying string, m float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multipliers[underlying] = m
}

// SeedPosition installs a broker-side position directly, as if placed in an
// earlier run or manually.
func (s *Sim) SeedPosition(pos types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.Symbol] = pos
}

// SeedOpenOrder installs a pending broker-side order.
func (s *Sim) SeedOpenOrder(o types.OpenOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, o)
}

// ClosePositionExternally removes a position as a manual broker-side action
// would, without telling the bot.
func (s *Sim) ClosePositionExternally(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, symbol)
}

func (s *Sim) FailPlaceWith(err error)     { s.mu.Lock(); s.placeErr = err; s.mu.Unlock() }
func (s *Sim) FailBalanceWith(err error)   { s.mu.Lock(); s.balanceErr = err; s.mu.Unlock() }
func (s *Sim) FailPositionsWith(err error) { s.mu.Lock(); s.positionsErr = err; s.mu.Unlock() }

// Overlapped reports whether two PlaceBracketOrder calls were ever in
// flight at the same time.
func (s *Sim) Overlapped() bool { return s.overlapped.Load() }

// PlaceCalls returns how many PlaceBracketOrder calls were made.
func (s *Sim) PlaceCalls() int64 { return s.placeCalls.Load() }

func (s *Sim) GetBalance(ctx context.Context) (types.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balanceErr != nil {
		return types.Balance{}, s.balanceErr
	}
	return s.balance, nil
}

func (s *Sim) GetPositions(ctx context.Context) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.positionsErr != nil {
		return nil, s.positionsErr
	}
	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *Sim) GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.OpenOrder(nil), s.orders...), nil
}

func (s *Sim) PlaceBracketOrder(ctx context.Context, req types.BracketOrderReq) (types.BracketOrderIDs, error) {
	if n := atomic.AddInt32(&s.inFlight, 1); n > 1 {
		s.overlapped.Store(true)
	}
	defer atomic.AddInt32(&s.inFlight, -1)
	s.placeCalls.Add(1)

	if s.PlaceDelay > 0 {
		select {
		case <-time.After(s.PlaceDelay):
		case <-ctx.Done():
			return types.BracketOrderIDs{}, types.NewTransient("place bracket order", ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.placeErr != nil {
		return types.BracketOrderIDs{}, s.placeErr
	}

	cost := req.Entry * float64(req.Quantity)
	if cost > s.balance.Available {
		return types.BracketOrderIDs{}, &types.CapitalError{
			Reason:    "insufficient funds",
			Required:  cost,
			Available: s.balance.Available,
		}
	}

	s.seq++
	ids := types.BracketOrderIDs{
		EntryOrderID: fmt.Sprintf("SIM-E-%d", s.seq),
		SLOrderID:    fmt.Sprintf("SIM-S-%d", s.seq),
		TPOrderID:    fmt.Sprintf("SIM-T-%d", s.seq),
	}

	qty := req.Quantity
	if req.Side == types.SideShort {
		qty = -qty
	}
	s.positions[req.Symbol] = types.Position{
		Symbol:       req.Symbol,
		Underlying:   req.Underlying,
		EntryOrderID: ids.EntryOrderID,
		SLOrderID:    ids.SLOrderID,
		TPOrderID:    ids.TPOrderID,
		Quantity:     qty,
		CostBasis:    cost,
		OpenedAt:     time.Now(),
	}
	s.balance.Available -= cost

	return ids, nil
}

func (s *Sim) CancelOpenOrders(ctx context.Context, underlying string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.orders[:0]
	for _, o := range s.orders {
		if o.Underlying != underlying {
			kept = append(kept, o)
		}
	}
	s.orders = kept
	return nil
}

func (s *Sim) ExitPosition(ctx context.Context, pos types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[pos.Symbol]
	if !ok {
		return nil
	}
	delete(s.positions, pos.Symbol)
	s.balance.Available += p.CostBasis
	return nil
}

func (s *Sim) ContractMultiplier(underlying string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.multipliers[underlying]; ok {
		return m
	}
	return 1
}
