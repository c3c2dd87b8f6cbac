package monitor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"orb-trading-bot/internal/types"
)

// SyntheticBars generates a random-walk minute series per symbol, for dry
// runs where no live feed is attached. Each symbol keeps its own walk so
// repeated calls extend the same series.
type SyntheticBars struct {
	mu    sync.Mutex
	walks map[string]*walk
	base  float64
	now   func() time.Time
}

type walk struct {
	price float64
	bars  []types.Candle
}

func NewSyntheticBars(base float64) *SyntheticBars {
	if base <= 0 {
		base = 1000
	}
	return &SyntheticBars{
		walks: make(map[string]*walk),
		base:  base,
		now:   time.Now,
	}
}

func (s *SyntheticBars) RecentBars(_ context.Context, symbol string, n int) ([]types.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.walks[symbol]
	if !ok {
		w = &walk{price: s.base * (0.5 + rand.Float64())}
		s.walks[symbol] = w
	}

	now := s.now().Unix()
	for len(w.bars) < n {
		c := w.price + (rand.Float64()-0.5)*w.price*0.004
		h := c + rand.Float64()*w.price*0.002
		l := c - rand.Float64()*w.price*0.002
		w.bars = append(w.bars, types.Candle{
			Ts:    now - int64((n-len(w.bars))*60),
			Open:  w.price,
			High:  h,
			Low:   l,
			Close: c,
			Vol:   rand.Float64() * 1000,
		})
		w.price = c
	}
	if len(w.bars) > n {
		w.bars = w.bars[len(w.bars)-n:]
	}

	out := make([]types.Candle, len(w.bars))
	copy(out, w.bars)
	return out, nil
}
