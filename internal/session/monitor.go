// Package session owns the market-session state machine and is the single
// source of truth for "is entry permitted now".
package session

import (
	"context"
	"sync"
	"time"

	"orb-trading-bot/internal/broker"
	"orb-trading-bot/internal/calendar"
	"orb-trading-bot/internal/events"
	"orb-trading-bot/internal/logger"
	"orb-trading-bot/internal/metrics"
	"orb-trading-bot/internal/store"
	"orb-trading-bot/internal/types"
)

const dateLayout = "2006-01-02"

type Config struct {
	Market        string
	OpenTime      store.TimeOfDay
	CloseTime     store.TimeOfDay
	Location      *time.Location
	PollInterval  time.Duration
	FlattenBuffer time.Duration
	CallTimeout   time.Duration
}

type Monitor struct {
	cfg Config
	cal calendar.Service
	gw  broker.Gateway
	bus *events.Bus

	// shutdown is the shared cancellation, fired once at hard close of a
	// session that was observed open this run, or never on a cold start
	// outside market hours.
	shutdown context.CancelFunc

	// OnRollover runs at day change (state store rollover, ledger reset).
	OnRollover func(ctx context.Context)
	// OnClose runs once when the session transitions to CLOSED, before the
	// shared cancellation fires.
	OnClose func(ctx context.Context)

	mu             sync.RWMutex
	state          types.SessionState
	day            string
	wasOpenThisRun bool

	now func() time.Time
}

func New(cfg Config, cal calendar.Service, gw broker.Gateway, bus *events.Bus, shutdown context.CancelFunc) *Monitor {
	return &Monitor{
		cfg:      cfg,
		cal:      cal,
		gw:       gw,
		bus:      bus,
		shutdown: shutdown,
		state:    types.SessionWaiting,
		now:      time.Now,
	}
}

func (m *Monitor) State() types.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) Session() types.TradingSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now().In(m.cfg.Location)
	return types.TradingSession{
		Market:    m.cfg.Market,
		Date:      m.day,
		State:     m.state,
		OpenTime:  m.cfg.OpenTime.On(now, m.cfg.Location),
		CloseTime: m.cfg.CloseTime.On(now, m.cfg.Location),
		Timezone:  m.cfg.Location.String(),
	}
}

// Run polls the wall clock until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	logger.Info(ctx, "Session monitor started",
		"market", m.cfg.Market,
		"open", m.cfg.OpenTime.On(m.now(), m.cfg.Location).Format("15:04"),
		"close", m.cfg.CloseTime.On(m.now(), m.cfg.Location).Format("15:04"),
	)

	for {
		wait := m.tick(ctx)
		if wait <= 0 {
			wait = m.cfg.PollInterval
		}
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Session monitor stopped", "market", m.cfg.Market)
			return
		case <-time.After(wait):
		}
	}
}

// tick advances the state machine once and returns how long to sleep before
// the next poll.
func (m *Monitor) tick(ctx context.Context) time.Duration {
	now := m.now().In(m.cfg.Location)
	today := now.Format(dateLayout)

	m.mu.Lock()
	if m.day == "" {
		m.day = today
	} else if m.day != today {
		m.day = today
		m.state = types.SessionWaiting
		m.mu.Unlock()
		logger.Info(ctx, "Day rollover", "market", m.cfg.Market, "date", today)
		if m.OnRollover != nil {
			m.OnRollover(ctx)
		}
		m.mu.Lock()
	}
	m.mu.Unlock()

	open := m.cfg.OpenTime.On(now, m.cfg.Location)
	close := m.cfg.CloseTime.On(now, m.cfg.Location)

	if !m.cal.IsTradingDay(now, m.cfg.Market) {
		m.transition(ctx, types.SessionWaiting)
		return m.sleepToNextOpen(ctx, now)
	}

	switch {
	case now.Before(open):
		m.transition(ctx, types.SessionWaiting)
		if until := open.Sub(now); until < m.cfg.PollInterval {
			return until
		}
		return m.cfg.PollInterval

	case now.Before(close):
		m.transition(ctx, types.SessionOpen)
		if !now.Before(close.Add(-m.cfg.FlattenBuffer)) {
			m.forceFlatten(ctx)
		}
		return m.cfg.PollInterval

	default:
		m.mu.RLock()
		wasOpen := m.wasOpenThisRun
		m.mu.RUnlock()

		if wasOpen {
			// A live session just ended: close out and raise the shared
			// cancellation so every task winds down.
			if m.transition(ctx, types.SessionClosed) {
				if m.OnClose != nil {
					m.OnClose(ctx)
				}
				if m.shutdown != nil {
					m.shutdown()
				}
			}
			return m.cfg.PollInterval
		}

		// Cold start after hours: no session was observed this run, so
		// raising cancellation here would shut the bot down in a loop.
		// Sleep through to the next trading day instead.
		return m.sleepToNextOpen(ctx, now)
	}
}

// transition moves the state machine, reporting whether a change happened.
func (m *Monitor) transition(ctx context.Context, to types.SessionState) bool {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return false
	}
	m.state = to
	if to == types.SessionOpen {
		m.wasOpenThisRun = true
	}
	m.mu.Unlock()

	logger.Session(ctx, m.cfg.Market, string(from), string(to))
	metrics.UpdateSession(m.cfg.Market, to == types.SessionOpen)
	m.bus.Publish(events.Event{
		Type:   events.SessionStateChanged,
		Market: m.cfg.Market,
		Reason: string(to),
		Fields: map[string]any{"from": string(from), "to": string(to)},
	})
	return true
}

// sleepToNextOpen computes the wait until the next valid trading day's
// open, skipping weekends and holidays.
func (m *Monitor) sleepToNextOpen(ctx context.Context, now time.Time) time.Duration {
	var openAt time.Time
	if m.cal.IsTradingDay(now, m.cfg.Market) && now.Before(m.cfg.OpenTime.On(now, m.cfg.Location)) {
		openAt = m.cfg.OpenTime.On(now, m.cfg.Location)
	} else {
		next := m.cal.NextTradingDay(now, m.cfg.Market)
		openAt = m.cfg.OpenTime.On(next, m.cfg.Location)
	}

	wait := openAt.Sub(now)
	logger.Info(ctx, "Outside session, sleeping until next open",
		"market", m.cfg.Market,
		"next_open", openAt.Format(time.RFC3339),
		"sleep", wait.Round(time.Second).String(),
	)
	return wait
}

// forceFlatten closes every open position reported by the gateway before
// the hard close. It runs on every poll inside the buffer so a position
// that appears mid-window is still closed out. The gateway is queried
// directly, not the local tracking: manual broker-side actions may have
// made local state stale.
func (m *Monitor) forceFlatten(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	positions, err := m.gw.GetPositions(cctx)
	cancel()
	if err != nil {
		logger.ErrorWithErr(ctx, "Force-flatten position query failed, will retry", err, "market", m.cfg.Market)
		metrics.RecordGatewayError("transient")
		return
	}
	if len(positions) == 0 {
		return
	}

	logger.Info(ctx, "Force-flatten window, closing positions", "market", m.cfg.Market, "open_positions", len(positions))

	for _, pos := range positions {
		if pos.Quantity == 0 {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		err := m.gw.ExitPosition(cctx, pos)
		cancel()
		if err != nil {
			logger.ErrorWithErr(ctx, "Force-flatten exit failed", err, "symbol", pos.Underlying, "contract", pos.Symbol)
			continue
		}

		cctx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
		if err := m.gw.CancelOpenOrders(cctx, pos.Underlying); err != nil {
			logger.ErrorWithErr(ctx, "Force-flatten order cancel failed", err, "symbol", pos.Underlying)
		}
		cancel()

		m.bus.Publish(events.Event{
			Type:   events.PositionClosed,
			Market: m.cfg.Market,
			Symbol: pos.Underlying,
			Reason: "force_flatten",
			Fields: map[string]any{"contract": pos.Symbol, "quantity": pos.Quantity},
		})
	}
}
