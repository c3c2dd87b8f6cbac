// Package broker defines the order execution gateway contract. Adapters are
// broker-specific; the core deals only with this interface.
package broker

import (
	"context"

	"orb-trading-bot/internal/types"
)

type Gateway interface {
	// Connect authenticates against the broker. A failure here is fatal at
	// startup: trading must not begin without a working gateway.
	Connect(ctx context.Context) error

	GetBalance(ctx context.Context) (types.Balance, error)

	// GetPositions returns live broker positions. Each position carries a
	// resolved Underlying, supplied by the adapter from its instrument data.
	GetPositions(ctx context.Context) ([]types.Position, error)

	// GetOpenOrders returns pending (unfilled) orders.
	GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error)

	// PlaceBracketOrder places the entry plus linked stop-loss and
	// take-profit orders. Errors are classified: *types.CapitalError for
	// funds/margin rejections, *types.TransientError for network failures.
	PlaceBracketOrder(ctx context.Context, req types.BracketOrderReq) (types.BracketOrderIDs, error)

	// CancelOpenOrders cancels pending orders for an underlying.
	CancelOpenOrders(ctx context.Context, underlying string) error

	// ExitPosition closes a live position at market.
	ExitPosition(ctx context.Context, pos types.Position) error

	// ContractMultiplier returns the instrument's contract multiplier
	// (lot size for index/stock options), used to compute position cost.
	ContractMultiplier(underlying string) float64
}
