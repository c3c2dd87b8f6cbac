package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"orb-trading-bot/internal/broker"
	"orb-trading-bot/internal/broker/kite"
	"orb-trading-bot/internal/broker/sim"
	"orb-trading-bot/internal/calendar"
	"orb-trading-bot/internal/coordinator"
	"orb-trading-bot/internal/events"
	"orb-trading-bot/internal/ledger"
	"orb-trading-bot/internal/logger"
	"orb-trading-bot/internal/metrics"
	"orb-trading-bot/internal/monitor"
	"orb-trading-bot/internal/session"
	"orb-trading-bot/internal/store"
	"orb-trading-bot/internal/sweeper"
	"orb-trading-bot/internal/tradelog"
	"orb-trading-bot/internal/tradestate"
	"orb-trading-bot/internal/types"
)

type app struct {
	cfg   *store.Config
	gw    broker.Gateway
	ticks *kite.TickStream // nil outside LIVE mode

	bus     *events.Bus
	ldg     *ledger.Ledger
	st      *tradestate.Store
	sess    *session.Monitor
	swp     *sweeper.Sweeper
	watches []*monitor.SymbolMonitor
}

func bootstrap(ctx context.Context, cfg *store.Config, stop context.CancelFunc) (*app, error) {
	cal := initializeCalendar(ctx)

	gw, ticks, bars, err := initializeGateway(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st, ldg, err := initializeState(ctx, cfg, gw)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	entryLock := &sync.Mutex{}
	callTimeout := time.Duration(cfg.Gateway.CallTimeoutSeconds) * time.Second

	sess := session.New(session.Config{
		Market:        cfg.Market,
		OpenTime:      mustTime(cfg.Session.OpenTime),
		CloseTime:     mustTime(cfg.Session.CloseTime),
		Location:      cfg.Location(),
		PollInterval:  time.Duration(cfg.Session.PollSeconds) * time.Second,
		FlattenBuffer: time.Duration(cfg.Session.ForceFlattenMinutes) * time.Minute,
		CallTimeout:   callTimeout,
	}, cal, gw, bus, stop)

	sess.OnRollover = func(ctx context.Context) {
		if err := st.Rollover(); err != nil {
			logger.ErrorWithErr(ctx, "Trade-state rollover failed", err)
		}
		ldg.ResetDay()
	}
	sess.OnClose = func(ctx context.Context) {
		stats := ldg.Snapshot()
		bus.Publish(events.Event{
			Type:   events.DailySummary,
			Market: cfg.Market,
			Fields: map[string]any{
				"total_trades": st.TotalTrades(),
				"open_count":   stats.OpenPositions,
				"allocated":    stats.Allocated,
				"realized":     stats.RealizedPnL,
				"unrealized":   stats.UnrealizedPnL,
			},
		})
	}

	coord := coordinator.New(coordinator.Params{
		Gateway:         gw,
		Ledger:          ldg,
		Store:           st,
		Session:         sess,
		Bus:             bus,
		EntryLock:       entryLock,
		Market:          cfg.Market,
		OneTradePerSym:  cfg.Policy.OneTradePerSymbol,
		MaxTradesPerDay: cfg.Policy.MaxTradesPerDay,
		CallTimeout:     callTimeout,
		EntryCutoff:     mustTime(cfg.Session.MaxEntryTime),
		Location:        cfg.Location(),
	})

	swp := sweeper.New(sweeper.Params{
		Gateway:      gw,
		Ledger:       ldg,
		Store:        st,
		Bus:          bus,
		EntryLock:    entryLock,
		Market:       cfg.Market,
		Interval:     time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second,
		CallTimeout:  callTimeout,
		RetainTraded: cfg.Policy.OneTradePerSymbol,
	})

	evaluator := initializeEvaluator(ctx, cfg)
	watches := make([]*monitor.SymbolMonitor, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		watches = append(watches, monitor.New(monitor.Params{
			Symbol:       sym,
			Gateway:      gw,
			Bars:         bars,
			Evaluator:    evaluator,
			Coordinator:  coord,
			Session:      sess,
			Occupancy:    st,
			PollInterval: time.Duration(cfg.Monitor.PollSeconds) * time.Second,
			BarCount:     cfg.Monitor.BarCount,
		}))
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Listen); err != nil {
				logger.ErrorWithErr(ctx, "Metrics endpoint failed", err)
			}
		}()
	}

	return &app{
		cfg:     cfg,
		gw:      gw,
		ticks:   ticks,
		bus:     bus,
		ldg:     ldg,
		st:      st,
		sess:    sess,
		swp:     swp,
		watches: watches,
	}, nil
}

func (a *app) start(ctx context.Context, wg *sync.WaitGroup) {
	go consumeEvents(ctx, a.bus.Subscribe())

	wg.Add(2)
	go func() { defer wg.Done(); a.sess.Run(ctx) }()
	go func() { defer wg.Done(); a.swp.Run(ctx) }()

	for _, w := range a.watches {
		wg.Add(1)
		go func(w *monitor.SymbolMonitor) { defer wg.Done(); w.Run(ctx) }(w)
	}
}

func (a *app) finish(ctx context.Context) {
	if a.ticks != nil {
		a.ticks.Stop()
	}

	stats := a.ldg.Snapshot()
	_ = tradelog.AppendSummary(tradelog.SummaryEntry{
		Market:      a.cfg.Market,
		TotalTrades: a.st.TotalTrades(),
		OpenCount:   stats.OpenPositions,
		Allocated:   stats.Allocated,
		Realized:    stats.RealizedPnL,
		Unrealized:  stats.UnrealizedPnL,
	})

	a.bus.Close()
}

// initializeCalendar builds the holiday calendar. A failed refresh leaves
// the static override table in charge, never blocks startup.
func initializeCalendar(ctx context.Context) calendar.Service {
	cal := calendar.NewNSE()
	if err := cal.Refresh(ctx); err != nil {
		logger.Warn(ctx, "Holiday calendar refresh failed, using static table", "error", err.Error())
	}
	return cal
}

// initializeGateway selects the live Kite adapter or the simulator and
// connects it. The live candle stream is only attached in LIVE mode.
func initializeGateway(ctx context.Context, cfg *store.Config) (broker.Gateway, *kite.TickStream, monitor.BarSource, error) {
	if cfg.Mode != "LIVE" {
		logger.Warn(ctx, "Running in DRY_RUN mode, orders are simulated")
		s := sim.New()
		s.SetBalance(simFunds())
		if err := s.Connect(ctx); err != nil {
			return nil, nil, nil, err
		}
		return s, nil, monitor.NewSyntheticBars(1000), nil
	}

	k := kite.New(kite.Params{
		APIKey:      os.Getenv("KITE_API_KEY"),
		AccessToken: os.Getenv("KITE_ACCESS_TOKEN"),
		Exchange:    cfg.Gateway.Exchange,
		CallTimeout: time.Duration(cfg.Gateway.CallTimeoutSeconds) * time.Second,
		RateLimit:   cfg.Gateway.RequestsPerSecond,
	})
	if err := k.Connect(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("gateway connect: %w", err)
	}

	ticks := k.TickStream()
	if err := ticks.Start(ctx, cfg.Symbols); err != nil {
		return nil, nil, nil, fmt.Errorf("tick stream: %w", err)
	}
	return k, ticks, ticks, nil
}

// initializeState opens the durable trade state and reconciles it against
// the broker before any trading decision runs.
func initializeState(ctx context.Context, cfg *store.Config, gw broker.Gateway) (*tradestate.Store, *ledger.Ledger, error) {
	st, err := tradestate.Open(cfg.State.Dir, cfg.Market, cfg.State.RetentionDays, cfg.Location())
	if err != nil {
		return nil, nil, fmt.Errorf("trade state: %w", err)
	}

	ldg := ledger.New(cfg.Risk.MaxAllocationPct, cfg.Risk.MaxPositionPct, cfg.Risk.DailyLossLimitPct)

	cctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Gateway.CallTimeoutSeconds)*time.Second)
	positions, err := gw.GetPositions(cctx)
	cancel()
	if err != nil {
		logger.ErrorWithErr(ctx, "Startup reconciliation skipped, broker unreachable", err)
		return st, ldg, nil
	}

	if err := st.SyncWithGateway(ctx, positions); err != nil {
		logger.ErrorWithErr(ctx, "Startup reconciliation failed", err)
	}

	costByUnderlying := make(map[string]float64, len(positions))
	for _, p := range positions {
		if p.Quantity != 0 {
			costByUnderlying[p.Underlying] = p.CostBasis
		}
	}
	for _, sym := range st.OpenSymbols() {
		if err := ldg.RegisterOpen(sym, costByUnderlying[sym]); err != nil {
			logger.ErrorWithErr(ctx, "Ledger seed failed", err, "symbol", sym)
		}
	}

	logger.Info(ctx, "Startup reconciliation complete",
		"open_positions", len(st.OpenSymbols()),
		"total_trades", st.TotalTrades(),
	)
	return st, ldg, nil
}

func initializeEvaluator(ctx context.Context, cfg *store.Config) monitor.EntryEvaluator {
	if os.Getenv("ENTRIES_DISABLED") == "true" {
		logger.Warn(ctx, "Entry evaluation disabled, bot will only reconcile")
		return monitor.NoopEvaluator{}
	}
	rangeBars := cfg.Monitor.BarCount / 2
	if rangeBars < 1 {
		rangeBars = 1
	}
	return monitor.NewRangeBreakout(rangeBars, 1)
}

// consumeEvents drains the outbound stream into the tradelog and the
// structured log. An external notifier would subscribe the same way.
func consumeEvents(ctx context.Context, ch <-chan events.Event) {
	for e := range ch {
		logger.Info(ctx, "Event", "event_type", string(e.Type), "symbol", e.Symbol, "reason", e.Reason)

		switch e.Type {
		case events.EntryFilled:
			_ = tradelog.AppendFill(tradelog.FillEntry{
				Symbol:     e.Symbol,
				Contract:   str(e.Fields, "contract"),
				Side:       str(e.Fields, "direction"),
				Qty:        num[int](e.Fields, "quantity"),
				Entry:      num[float64](e.Fields, "entry"),
				StopLoss:   num[float64](e.Fields, "stop_loss"),
				TakeProfit: num[float64](e.Fields, "take_profit"),
				Cost:       num[float64](e.Fields, "cost"),
				OrderID:    str(e.Fields, "order_id"),
			})
		case events.PositionClosed:
			_ = tradelog.AppendClose(tradelog.CloseEntry{
				Symbol:   e.Symbol,
				Reason:   e.Reason,
				Released: num[float64](e.Fields, "released"),
			})
		case events.DailySummary:
			_ = tradelog.AppendSummary(tradelog.SummaryEntry{
				Market:      e.Market,
				TotalTrades: num[int](e.Fields, "total_trades"),
				OpenCount:   num[int](e.Fields, "open_count"),
				Allocated:   num[float64](e.Fields, "allocated"),
				Realized:    num[float64](e.Fields, "realized"),
				Unrealized:  num[float64](e.Fields, "unrealized"),
			})
		}
	}
}

func str(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func num[T int | float64](fields map[string]any, key string) T {
	switch v := fields[key].(type) {
	case int:
		return T(v)
	case float64:
		return T(v)
	}
	var zero T
	return zero
}

func mustTime(s string) store.TimeOfDay {
	t, err := store.ParseTimeOfDay(s)
	if err != nil {
		// Validate() already rejected malformed times.
		panic(err)
	}
	return t
}

func simFunds() types.Balance {
	total := 1_000_000.0
	if v := os.Getenv("DRY_RUN_FUNDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			total = f
		}
	}
	return types.Balance{Total: total, Available: total}
}
