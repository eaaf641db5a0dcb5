// Package paper is an in-memory venue. It fills market orders at the last
// price set on it and supports scripted failures, so it serves both dry runs
// and tests.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tothemoon/internal/gateway/exchange"
	"tothemoon/internal/trading"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PriceFeed supplies live prices for dry runs.
type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type Config struct {
	Balance            decimal.Decimal
	FeeRatePercent     decimal.Decimal
	DefaultConstraints exchange.SymbolConstraints
	// Feed, when set, is consulted by GetPrice and its answer becomes the
	// fill price for later orders.
	Feed PriceFeed
}

type fault struct {
	err       error
	submitted bool
}

type Gateway struct {
	mu sync.Mutex

	cfg         Config
	prices      map[string]decimal.Decimal
	constraints map[string]exchange.SymbolConstraints
	positions   map[string]*exchange.Position
	orders      map[string]exchange.OrderResult
	closes      map[string]exchange.CloseResult
	faults      map[string][]fault
	calls       map[string]int
	now         func() time.Time
}

func New(cfg Config) *Gateway {
	if cfg.DefaultConstraints.StepSize.IsZero() {
		cfg.DefaultConstraints = exchange.SymbolConstraints{
			MinQty:      decimal.RequireFromString("0.001"),
			StepSize:    decimal.RequireFromString("0.001"),
			MinNotional: decimal.NewFromInt(5),
			TickSize:    decimal.RequireFromString("0.01"),
		}
	}
	return &Gateway{
		cfg:         cfg,
		prices:      make(map[string]decimal.Decimal),
		constraints: make(map[string]exchange.SymbolConstraints),
		positions:   make(map[string]*exchange.Position),
		orders:      make(map[string]exchange.OrderResult),
		closes:      make(map[string]exchange.CloseResult),
		faults:      make(map[string][]fault),
		calls:       make(map[string]int),
		now:         time.Now,
	}
}

func (g *Gateway) Name() string { return "paper" }

func norm(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

// SetPrice sets the last price used for quotes and fills.
func (g *Gateway) SetPrice(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	g.prices[norm(symbol)] = price
	g.mu.Unlock()
}

func (g *Gateway) SetConstraints(c exchange.SymbolConstraints) {
	g.mu.Lock()
	g.constraints[norm(c.Symbol)] = c
	g.mu.Unlock()
}

func (g *Gateway) SetBalance(total decimal.Decimal) {
	g.mu.Lock()
	g.cfg.Balance = total
	g.mu.Unlock()
}

// SetClock replaces time.Now for fills.
func (g *Gateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// FailNext makes the next call to op fail with a non-ambiguous venue error.
func (g *Gateway) FailNext(op string, err error, times int) {
	g.queueFault(op, fault{err: err}, times)
}

// FailAfterSubmit makes the next call to op take effect on the venue and then
// report an ambiguous error, like a timeout after the request was sent.
func (g *Gateway) FailAfterSubmit(op string, err error, times int) {
	g.queueFault(op, fault{err: err, submitted: true}, times)
}

func (g *Gateway) queueFault(op string, f fault, times int) {
	if f.err == nil {
		f.err = errors.New("injected failure")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 0; i < times; i++ {
		g.faults[op] = append(g.faults[op], f)
	}
}

// ClearFaults drops every pending scripted failure for op.
func (g *Gateway) ClearFaults(op string) {
	g.mu.Lock()
	delete(g.faults, op)
	g.mu.Unlock()
}

// Drop removes a venue position without going through ClosePosition, the way
// a liquidation or an out-of-band close would.
func (g *Gateway) Drop(externalID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.positions[externalID]; !ok {
		return false
	}
	delete(g.positions, externalID)
	return true
}

// Calls returns how many times op was invoked, including failed calls.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// enter records the call and pops a pending fault. Callers hold g.mu.
func (g *Gateway) enter(op string) (fault, bool) {
	g.calls[op]++
	queue := g.faults[op]
	if len(queue) == 0 {
		return fault{}, false
	}
	f := queue[0]
	g.faults[op] = queue[1:]
	return f, true
}

func (g *Gateway) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, exchange.NewVenueError(exchange.OpGetPrice, symbol, false, err)
	}
	if g.cfg.Feed != nil {
		px, err := g.cfg.Feed.GetPrice(ctx, symbol)
		if err != nil {
			return decimal.Zero, exchange.NewVenueError(exchange.OpGetPrice, symbol, false, err)
		}
		g.SetPrice(symbol, px)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.enter(exchange.OpGetPrice); ok {
		return decimal.Zero, exchange.NewVenueError(exchange.OpGetPrice, symbol, false, f.err)
	}
	px, ok := g.prices[norm(symbol)]
	if !ok || !px.IsPositive() {
		return decimal.Zero, exchange.NewVenueError(exchange.OpGetPrice, symbol, false, fmt.Errorf("no price for %s", symbol))
	}
	return px, nil
}

func (g *Gateway) fee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(g.cfg.FeeRatePercent).Div(hundred)
}

func (g *Gateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	symbol := norm(req.Symbol)
	if err := ctx.Err(); err != nil {
		return exchange.OrderResult{}, exchange.NewVenueError(exchange.OpPlaceOrder, symbol, false, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	f, failing := g.enter(exchange.OpPlaceOrder)
	if failing && !f.submitted {
		return exchange.OrderResult{}, exchange.NewVenueError(exchange.OpPlaceOrder, symbol, false, f.err)
	}
	if !req.Side.Valid() || !req.Quantity.IsPositive() {
		return exchange.OrderResult{}, exchange.NewVenueError(exchange.OpPlaceOrder, symbol, false,
			fmt.Errorf("invalid order side=%q qty=%s", req.Side, req.Quantity))
	}
	if _, dup := g.orders[req.ClientOrderID]; dup && req.ClientOrderID != "" {
		return exchange.OrderResult{}, exchange.NewVenueError(exchange.OpPlaceOrder, symbol, false,
			fmt.Errorf("duplicate client order id %s", req.ClientOrderID))
	}
	px, ok := g.prices[symbol]
	if !ok || !px.IsPositive() {
		return exchange.OrderResult{}, exchange.NewVenueError(exchange.OpPlaceOrder, symbol, false, fmt.Errorf("no price for %s", symbol))
	}
	now := g.now()
	externalID := "paper-" + uuid.NewString()
	g.positions[externalID] = &exchange.Position{
		ExternalID: externalID,
		Symbol:     symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: px,
		MarkPrice:  px,
		Leverage:   req.Leverage,
		UpdatedAt:  now,
	}
	res := exchange.OrderResult{
		OrderID:        uuid.NewString(),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         symbol,
		Side:           req.Side,
		Status:         exchange.OrderStatusFilled,
		FillPrice:      px,
		FilledQuantity: req.Quantity,
		Fee:            g.fee(px.Mul(req.Quantity)),
		ExternalID:     externalID,
		FilledAt:       now,
	}
	if req.ClientOrderID != "" {
		g.orders[req.ClientOrderID] = res
	}
	if failing {
		return exchange.OrderResult{}, exchange.NewVenueError(exchange.OpPlaceOrder, symbol, true, f.err)
	}
	return res, nil
}

func (g *Gateway) QueryOrder(ctx context.Context, symbol, clientOrderID string) (exchange.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return exchange.OrderResult{}, exchange.NewVenueError(exchange.OpQueryOrder, symbol, false, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.enter(exchange.OpQueryOrder); ok {
		return exchange.OrderResult{}, exchange.NewVenueError(exchange.OpQueryOrder, symbol, f.submitted, f.err)
	}
	res, ok := g.orders[clientOrderID]
	if !ok {
		return exchange.OrderResult{}, exchange.NewVenueError(exchange.OpQueryOrder, symbol, false, exchange.ErrOrderNotFound)
	}
	return res, nil
}

func (g *Gateway) ClosePosition(ctx context.Context, req exchange.CloseRequest) (exchange.CloseResult, error) {
	symbol := norm(req.Symbol)
	if err := ctx.Err(); err != nil {
		return exchange.CloseResult{}, exchange.NewVenueError(exchange.OpClosePosition, symbol, false, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	f, failing := g.enter(exchange.OpClosePosition)
	if failing && !f.submitted {
		return exchange.CloseResult{}, exchange.NewVenueError(exchange.OpClosePosition, symbol, false, f.err)
	}
	if prior, ok := g.closes[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return prior, nil
	}
	pos, ok := g.positions[req.ExternalID]
	if !ok {
		return exchange.CloseResult{}, exchange.NewVenueError(exchange.OpClosePosition, symbol, false,
			fmt.Errorf("position %s not found", req.ExternalID))
	}
	px, ok := g.prices[pos.Symbol]
	if !ok || !px.IsPositive() {
		return exchange.CloseResult{}, exchange.NewVenueError(exchange.OpClosePosition, symbol, false, fmt.Errorf("no price for %s", symbol))
	}
	delete(g.positions, req.ExternalID)
	res := exchange.CloseResult{
		OrderID:        uuid.NewString(),
		ExitPrice:      px,
		FilledQuantity: pos.Quantity,
		Fee:            g.fee(px.Mul(pos.Quantity)),
		ClosedAt:       g.now(),
	}
	if req.ClientOrderID != "" {
		g.closes[req.ClientOrderID] = res
	}
	if failing {
		return exchange.CloseResult{}, exchange.NewVenueError(exchange.OpClosePosition, symbol, true, f.err)
	}
	return res, nil
}

func (g *Gateway) GetSymbolConstraints(ctx context.Context, symbol string) (exchange.SymbolConstraints, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.enter(exchange.OpSymbolConstraints); ok {
		return exchange.SymbolConstraints{}, exchange.NewVenueError(exchange.OpSymbolConstraints, symbol, false, f.err)
	}
	if c, ok := g.constraints[norm(symbol)]; ok {
		return c, nil
	}
	c := g.cfg.DefaultConstraints
	c.Symbol = norm(symbol)
	return c, nil
}

func (g *Gateway) ListOpenPositions(ctx context.Context) ([]exchange.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, exchange.NewVenueError(exchange.OpListPositions, "", false, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.enter(exchange.OpListPositions); ok {
		return nil, exchange.NewVenueError(exchange.OpListPositions, "", false, f.err)
	}
	out := make([]exchange.Position, 0, len(g.positions))
	for _, p := range g.positions {
		cp := *p
		if px, ok := g.prices[p.Symbol]; ok {
			cp.MarkPrice = px
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (g *Gateway) GetBalance(ctx context.Context) (exchange.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.enter(exchange.OpGetBalance); ok {
		return exchange.Balance{}, exchange.NewVenueError(exchange.OpGetBalance, "", false, f.err)
	}
	return exchange.Balance{
		Asset:     "USDT",
		Total:     g.cfg.Balance,
		Available: g.cfg.Balance,
		UpdatedAt: g.now(),
	}, nil
}

// OpenPositionsFor is a test helper listing venue positions on symbol.
func (g *Gateway) OpenPositionsFor(symbol string, side trading.Side) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, p := range g.positions {
		if p.Symbol == norm(symbol) && p.Side == side {
			n++
		}
	}
	return n
}

var _ exchange.Gateway = (*Gateway)(nil)
