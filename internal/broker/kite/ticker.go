package kite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"orb-trading-bot/internal/logger"
	"orb-trading-bot/internal/types"
)

const maxCandlesPerSymbol = 200

// TickStream streams live ticks over the Kite websocket and aggregates
// them into one-minute candles per subscribed symbol.
type TickStream struct {
	ticker *kiteticker.Ticker
	mapper *instrumentMapper

	mu            sync.RWMutex
	candles       map[string][]types.Candle
	building      map[string]*types.Candle
	tokenToSymbol map[uint32]string
	tokens        []uint32
}

func newTickStream(apiKey, accessToken string, mapper *instrumentMapper) *TickStream {
	return &TickStream{
		ticker:        kiteticker.New(apiKey, accessToken),
		mapper:        mapper,
		candles:       make(map[string][]types.Candle),
		building:      make(map[string]*types.Candle),
		tokenToSymbol: make(map[uint32]string),
	}
}

// Start resolves instrument tokens for the symbols and serves the
// websocket. Subscription happens on connect, and again on reconnect.
func (ts *TickStream) Start(ctx context.Context, symbols []string) error {
	for _, symbol := range symbols {
		token, ok := ts.mapper.token(symbol)
		if !ok {
			return fmt.Errorf("no instrument token for %s", symbol)
		}
		ts.tokenToSymbol[token] = symbol
		ts.tokens = append(ts.tokens, token)
		ts.candles[symbol] = make([]types.Candle, 0, maxCandlesPerSymbol)
	}

	ts.ticker.OnConnect(func() {
		logger.Info(ctx, "Tick stream connected", "symbols", len(ts.tokens))
		ts.subscribe(ctx)
	})
	ts.ticker.OnReconnect(func(attempt int, delay time.Duration) {
		logger.Info(ctx, "Tick stream reconnecting", "attempt", attempt, "delay", delay.String())
	})
	ts.ticker.OnError(func(err error) {
		logger.ErrorWithErr(ctx, "Tick stream error", err)
	})
	ts.ticker.OnClose(func(code int, reason string) {
		logger.Warn(ctx, "Tick stream closed", "code", code, "reason", reason)
	})
	ts.ticker.OnNoReconnect(func(attempt int) {
		logger.Error(ctx, "Tick stream gave up reconnecting", "attempt", attempt)
	})
	ts.ticker.OnTick(ts.onTick)

	go ts.ticker.Serve()
	return nil
}

func (ts *TickStream) Stop() {
	if ts.ticker != nil {
		ts.ticker.Stop()
	}
}

func (ts *TickStream) subscribe(ctx context.Context) {
	if err := ts.ticker.Subscribe(ts.tokens); err != nil {
		logger.ErrorWithErr(ctx, "Tick stream subscribe failed", err)
		return
	}
	if err := ts.ticker.SetMode(kiteticker.ModeFull, ts.tokens); err != nil {
		logger.ErrorWithErr(ctx, "Tick stream mode change failed", err)
	}
}

// RecentBars returns up to n of the most recent completed minute candles.
func (ts *TickStream) RecentBars(_ context.Context, symbol string, n int) ([]types.Candle, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	cs, ok := ts.candles[symbol]
	if !ok || len(cs) == 0 {
		return nil, fmt.Errorf("no candle data for %s", symbol)
	}
	if len(cs) <= n {
		return append([]types.Candle(nil), cs...), nil
	}
	return append([]types.Candle(nil), cs[len(cs)-n:]...), nil
}

// onTick folds a tick into the current minute bucket; a minute boundary
// seals the bucket into the candle buffer.
func (ts *TickStream) onTick(tick models.Tick) {
	symbol, ok := ts.tokenToSymbol[tick.InstrumentToken]
	if !ok {
		return
	}

	at := tick.Timestamp.Time
	if at.IsZero() {
		at = time.Now()
	}
	minute := at.Truncate(time.Minute).Unix()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	cur := ts.building[symbol]
	if cur == nil || cur.Ts != minute {
		if cur != nil {
			ts.appendCandle(symbol, *cur)
		}
		ts.building[symbol] = &types.Candle{
			Ts:    minute,
			Open:  tick.LastPrice,
			High:  tick.LastPrice,
			Low:   tick.LastPrice,
			Close: tick.LastPrice,
			Vol:   float64(tick.VolumeTraded),
		}
		return
	}

	if tick.LastPrice > cur.High {
		cur.High = tick.LastPrice
	}
	if tick.LastPrice < cur.Low {
		cur.Low = tick.LastPrice
	}
	cur.Close = tick.LastPrice
	cur.Vol = float64(tick.VolumeTraded)
}

func (ts *TickStream) appendCandle(symbol string, c types.Candle) {
	cs := append(ts.candles[symbol], c)
	if len(cs) > maxCandlesPerSymbol {
		cs = cs[1:]
	}
	ts.candles[symbol] = cs
}
