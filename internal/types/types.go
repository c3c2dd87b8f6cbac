package types

import "time"

// SessionState is the market session lifecycle. Transitions are monotonic
// within a trading day: Waiting -> Open -> Closed.
type SessionState string

const (
	SessionWaiting SessionState = "WAITING"
	SessionOpen    SessionState = "OPEN"
	SessionClosed  SessionState = "CLOSED"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// TradingSession is owned exclusively by the session monitor.
type TradingSession struct {
	Market    string       `json:"market"`
	Date      string       `json:"date"`
	State     SessionState `json:"state"`
	OpenTime  time.Time    `json:"open_time"`
	CloseTime time.Time    `json:"close_time"`
	Timezone  string       `json:"timezone"`
}

// Balance is an account funds snapshot from the gateway.
type Balance struct {
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
}

// Position is a live broker position. Underlying is resolved by the gateway
// adapter from its instrument data, never parsed out of the contract name by
// the core.
type Position struct {
	Symbol       string     `json:"symbol"` // broker contract, e.g. NIFTY24SEP24800CE
	Underlying   string     `json:"underlying"`
	EntryOrderID string     `json:"entry_order_id,omitempty"`
	SLOrderID    string     `json:"sl_order_id,omitempty"`
	TPOrderID    string     `json:"tp_order_id,omitempty"`
	Quantity     int        `json:"quantity"`
	CostBasis    float64    `json:"cost_basis"`
	PnL          float64    `json:"pnl"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

type Candle struct {
	Ts                          int64
	Open, High, Low, Close, Vol float64
}

// BracketOrderReq describes a bracket: entry plus linked stop-loss and
// take-profit exits.
type BracketOrderReq struct {
	Symbol     string // contract to trade
	Underlying string
	Side       Side
	Quantity   int
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	Tag        string
}

type BracketOrderIDs struct {
	EntryOrderID string `json:"entry_order_id"`
	SLOrderID    string `json:"sl_order_id"`
	TPOrderID    string `json:"tp_order_id"`
}

// OpenOrder is a pending (unfilled) order at the broker.
type OpenOrder struct {
	OrderID    string
	Symbol     string
	Underlying string
	Status     string
}
