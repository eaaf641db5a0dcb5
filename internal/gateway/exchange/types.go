// Package exchange defines the venue abstraction shared by the live and paper
// gateways, so the trader never depends on a concrete exchange client.
package exchange

import (
	"strings"
	"time"

	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
)

// Position is a position as the venue reports it.
type Position struct {
	ExternalID string
	Symbol     string
	Side       trading.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	Leverage   decimal.Decimal
	UpdatedAt  time.Time
}

// PositionKey identifies a venue position for venues that net positions per
// symbol and side instead of assigning ids.
func PositionKey(symbol string, side trading.Side) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + ":" + string(side)
}

type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	UpdatedAt time.Time
}

// SymbolConstraints are the venue's trading filters for one symbol.
type SymbolConstraints struct {
	Symbol      string
	MinQty      decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
	TickSize    decimal.Decimal
}

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the venue will not change the order any more.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderRequest opens a position with a market order.
type OrderRequest struct {
	Symbol        string
	Side          trading.Side
	Quantity      decimal.Decimal
	ClientOrderID string
	Leverage      decimal.Decimal
}

type OrderResult struct {
	OrderID        string
	ClientOrderID  string
	Symbol         string
	Side           trading.Side
	Status         OrderStatus
	FillPrice      decimal.Decimal
	FilledQuantity decimal.Decimal
	// Fee is the venue-reported commission; zero when the venue does not
	// report it with the fill.
	Fee        decimal.Decimal
	ExternalID string
	FilledAt   time.Time
}

// IsFilled reports a fill usable as a position: some quantity at a price.
func (r OrderResult) IsFilled() bool {
	return r.FilledQuantity.IsPositive() && r.FillPrice.IsPositive() &&
		(r.Status == OrderStatusFilled || r.Status == OrderStatusPartiallyFilled)
}

// CloseRequest flattens one position. ClientOrderID is stable across retries
// of the same close so the venue side can be queried after an ambiguous
// failure.
type CloseRequest struct {
	PositionID    string
	ExternalID    string
	Symbol        string
	Side          trading.Side
	Quantity      decimal.Decimal
	ClientOrderID string
	Reason        trading.ExitReason
}

type CloseResult struct {
	OrderID        string
	ExitPrice      decimal.Decimal
	FilledQuantity decimal.Decimal
	Fee            decimal.Decimal
	ClosedAt       time.Time
}

// Operation names used in VenueError.Op, metrics labels and fault injection.
const (
	OpGetPrice          = "get_price"
	OpPlaceOrder        = "place_order"
	OpQueryOrder        = "query_order"
	OpClosePosition     = "close_position"
	OpSymbolConstraints = "symbol_constraints"
	OpListPositions     = "list_positions"
	OpGetBalance        = "get_balance"
)
