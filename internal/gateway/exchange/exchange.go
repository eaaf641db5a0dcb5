package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway is the narrow venue contract the trader depends on. Every failure
// that originates at the venue is reported as a *VenueError.
type Gateway interface {
	Name() string

	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// PlaceOrder submits a market entry order and returns once the venue
	// reports a terminal state for it.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// QueryOrder looks an order up by its client order id. It returns
	// ErrOrderNotFound when the venue never accepted it.
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (OrderResult, error)

	ClosePosition(ctx context.Context, req CloseRequest) (CloseResult, error)

	GetSymbolConstraints(ctx context.Context, symbol string) (SymbolConstraints, error)

	ListOpenPositions(ctx context.Context) ([]Position, error)

	GetBalance(ctx context.Context) (Balance, error)
}
