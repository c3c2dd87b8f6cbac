// Package kite adapts the Zerodha Kite Connect API to the broker.Gateway
// contract.
package kite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"golang.org/x/time/rate"

	"orb-trading-bot/internal/broker"
	"orb-trading-bot/internal/logger"
	"orb-trading-bot/internal/types"
)

type Params struct {
	APIKey      string
	AccessToken string
	Exchange    string // derivatives exchange for contracts, e.g. NFO
	CallTimeout time.Duration
	RateLimit   float64 // requests per second
}

type Kite struct {
	p       Params
	kc      *kiteconnect.Client
	limiter *rate.Limiter
	mapper  *instrumentMapper
}

var _ broker.Gateway = (*Kite)(nil)

func New(p Params) *Kite {
	if p.CallTimeout == 0 {
		p.CallTimeout = 5 * time.Second
	}
	if p.RateLimit == 0 {
		p.RateLimit = 3
	}
	return &Kite{
		p:       p,
		limiter: rate.NewLimiter(rate.Limit(p.RateLimit), 1),
		mapper:  newInstrumentMapper(),
	}
}

// Connect authenticates, bounds the HTTP timeout, and loads the instrument
// dump used to resolve underlyings and lot sizes.
func (k *Kite) Connect(ctx context.Context) error {
	if k.p.APIKey == "" || k.p.AccessToken == "" {
		return &types.ValidationError{Reason: "missing API key/access token"}
	}

	k.kc = kiteconnect.New(k.p.APIKey)
	k.kc.SetAccessToken(k.p.AccessToken)
	k.kc.SetTimeout(k.p.CallTimeout)

	if err := k.wait(ctx); err != nil {
		return err
	}
	profile, err := k.kc.GetUserProfile()
	if err != nil {
		return fmt.Errorf("gateway authentication failed: %w", err)
	}
	logger.Info(ctx, "Gateway connected", "broker", "kite", "user", profile.UserID)

	if err := k.wait(ctx); err != nil {
		return err
	}
	instruments, err := k.kc.GetInstrumentsByExchange(k.p.Exchange)
	if err != nil {
		return fmt.Errorf("instrument dump for %s: %w", k.p.Exchange, err)
	}
	k.mapper.load(instruments)
	logger.Info(ctx, "Instrument map loaded", "exchange", k.p.Exchange, "instruments", len(instruments))

	return nil
}

// TickStream builds a live candle source over the Kite websocket, sharing
// this client's instrument map for token resolution. Call after Connect.
func (k *Kite) TickStream() *TickStream {
	return newTickStream(k.p.APIKey, k.p.AccessToken, k.mapper)
}

func (k *Kite) wait(ctx context.Context) error {
	if err := k.limiter.Wait(ctx); err != nil {
		return types.NewTransient("rate limit wait", err)
	}
	return nil
}

func (k *Kite) GetBalance(ctx context.Context) (types.Balance, error) {
	if err := k.wait(ctx); err != nil {
		return types.Balance{}, err
	}
	margins, err := k.kc.GetUserMargins()
	if err != nil {
		return types.Balance{}, classify("get balance", err)
	}
	eq := margins.Equity
	return types.Balance{
		Total:     eq.Available.LiveBalance + eq.Used.Debits,
		Available: eq.Net,
	}, nil
}

func (k *Kite) GetPositions(ctx context.Context) ([]types.Position, error) {
	if err := k.wait(ctx); err != nil {
		return nil, err
	}
	raw, err := k.kc.GetPositions()
	if err != nil {
		return nil, classify("get positions", err)
	}

	out := make([]types.Position, 0, len(raw.Net))
	for _, p := range raw.Net {
		if p.Quantity == 0 {
			continue
		}
		underlying, ok := k.mapper.underlying(p.Tradingsymbol)
		if !ok {
			// Position in something the bot does not recognize; keep the
			// contract name so the sweeper can still see it.
			underlying = p.Tradingsymbol
		}
		qty := p.Quantity
		if qty < 0 {
			qty = -qty
		}
		out = append(out, types.Position{
			Symbol:     p.Tradingsymbol,
			Underlying: underlying,
			Quantity:   p.Quantity,
			CostBasis:  p.AveragePrice * float64(qty),
			PnL:        p.PnL,
		})
	}
	return out, nil
}

var pendingStatuses = map[string]bool{
	"OPEN":             true,
	"TRIGGER PENDING":  true,
	"AMO REQ RECEIVED": true,
}

func (k *Kite) GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	if err := k.wait(ctx); err != nil {
		return nil, err
	}
	orders, err := k.kc.GetOrders()
	if err != nil {
		return nil, classify("get orders", err)
	}

	var out []types.OpenOrder
	for _, o := range orders {
		if !pendingStatuses[o.Status] {
			continue
		}
		underlying, ok := k.mapper.underlying(o.TradingSymbol)
		if !ok {
			underlying = o.TradingSymbol
		}
		out = append(out, types.OpenOrder{
			OrderID:    o.OrderID,
			Symbol:     o.TradingSymbol,
			Underlying: underlying,
			Status:     o.Status,
		})
	}
	return out, nil
}

// PlaceBracketOrder places the entry, then the linked exits. If an exit leg
// fails after the entry went through, the entry stands and the error is
// reported; the sweeper and force-flatten pick up the unprotected position.
func (k *Kite) PlaceBracketOrder(ctx context.Context, req types.BracketOrderReq) (types.BracketOrderIDs, error) {
	var ids types.BracketOrderIDs

	if req.Quantity <= 0 || req.Entry <= 0 {
		return ids, &types.ValidationError{Reason: fmt.Sprintf("bad bracket request for %s: qty=%d entry=%.2f", req.Symbol, req.Quantity, req.Entry)}
	}

	// Long option strategies buy the contract on entry and sell on exit.
	entrySide := kiteconnect.TransactionTypeBuy
	exitSide := kiteconnect.TransactionTypeSell
	if req.Side == types.SideShort {
		entrySide = kiteconnect.TransactionTypeSell
		exitSide = kiteconnect.TransactionTypeBuy
	}

	if err := k.wait(ctx); err != nil {
		return ids, err
	}
	entry, err := k.kc.PlaceOrder(kiteconnect.VarietyRegular, kiteconnect.OrderParams{
		Exchange:        k.p.Exchange,
		Tradingsymbol:   req.Symbol,
		Product:         kiteconnect.ProductMIS,
		OrderType:       kiteconnect.OrderTypeLimit,
		TransactionType: entrySide,
		Quantity:        req.Quantity,
		Price:           req.Entry,
		Validity:        "DAY",
		Tag:             req.Tag,
	})
	if err != nil {
		return ids, classify("place entry order", err)
	}
	ids.EntryOrderID = entry.OrderID

	if err := k.wait(ctx); err != nil {
		return ids, err
	}
	sl, err := k.kc.PlaceOrder(kiteconnect.VarietyRegular, kiteconnect.OrderParams{
		Exchange:        k.p.Exchange,
		Tradingsymbol:   req.Symbol,
		Product:         kiteconnect.ProductMIS,
		OrderType:       kiteconnect.OrderTypeSLM,
		TransactionType: exitSide,
		Quantity:        req.Quantity,
		TriggerPrice:    req.StopLoss,
		Validity:        "DAY",
		Tag:             req.Tag,
	})
	if err != nil {
		return ids, classify("place stop-loss order", err)
	}
	ids.SLOrderID = sl.OrderID

	if err := k.wait(ctx); err != nil {
		return ids, err
	}
	tp, err := k.kc.PlaceOrder(kiteconnect.VarietyRegular, kiteconnect.OrderParams{
		Exchange:        k.p.Exchange,
		Tradingsymbol:   req.Symbol,
		Product:         kiteconnect.ProductMIS,
		OrderType:       kiteconnect.OrderTypeLimit,
		TransactionType: exitSide,
		Quantity:        req.Quantity,
		Price:           req.TakeProfit,
		Validity:        "DAY",
		Tag:             req.Tag,
	})
	if err != nil {
		return ids, classify("place take-profit order", err)
	}
	ids.TPOrderID = tp.OrderID

	return ids, nil
}

func (k *Kite) CancelOpenOrders(ctx context.Context, underlying string) error {
	orders, err := k.GetOpenOrders(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, o := range orders {
		if o.Underlying != underlying {
			continue
		}
		if err := k.wait(ctx); err != nil {
			return err
		}
		if _, err := k.kc.CancelOrder(kiteconnect.VarietyRegular, o.OrderID, nil); err != nil {
			logger.ErrorWithErr(ctx, "Failed to cancel order", err, "order_id", o.OrderID, "symbol", o.Symbol)
			if firstErr == nil {
				firstErr = classify("cancel order", err)
			}
		}
	}
	return firstErr
}

func (k *Kite) ExitPosition(ctx context.Context, pos types.Position) error {
	side := kiteconnect.TransactionTypeSell
	qty := pos.Quantity
	if qty < 0 {
		side = kiteconnect.TransactionTypeBuy
		qty = -qty
	}

	if err := k.wait(ctx); err != nil {
		return err
	}
	_, err := k.kc.PlaceOrder(kiteconnect.VarietyRegular, kiteconnect.OrderParams{
		Exchange:        k.p.Exchange,
		Tradingsymbol:   pos.Symbol,
		Product:         kiteconnect.ProductMIS,
		OrderType:       kiteconnect.OrderTypeMarket,
		TransactionType: side,
		Quantity:        qty,
		Validity:        "DAY",
		Tag:             "flatten",
	})
	if err != nil {
		return classify("exit position", err)
	}
	return nil
}

func (k *Kite) ContractMultiplier(underlying string) float64 {
	return k.mapper.lotSize(underlying)
}

// classify maps Kite API failures onto the error taxonomy.
func classify(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewTransient(op, err)
	}

	var kerr kiteconnect.Error
	if errors.As(err, &kerr) {
		// Funds rejections arrive under several ErrorTypes; the message is
		// the reliable signal.
		msg := strings.ToLower(kerr.Message)
		if strings.Contains(msg, "insufficient") || strings.Contains(msg, "margin") || strings.Contains(msg, "funds") {
			return &types.CapitalError{Reason: kerr.Message}
		}
		switch kerr.ErrorType {
		case "NetworkException", "GeneralException", "DataException":
			return types.NewTransient(op, err)
		case "InputException", "TokenException", "PermissionException":
			return &types.ValidationError{Reason: fmt.Sprintf("%s: %s", op, kerr.Message)}
		}
		return types.NewTransient(op, err)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient") || strings.Contains(msg, "margin") {
		return &types.CapitalError{Reason: err.Error()}
	}
	return types.NewTransient(op, err)
}
