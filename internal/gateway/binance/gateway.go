// Package binance implements exchange.Gateway on the USDⓈ-M futures REST API.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"tothemoon/internal/gateway/exchange"
	"tothemoon/internal/logger"
	"tothemoon/internal/pkg/circuit"
	"tothemoon/internal/trading"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Gateway 基于 go-binance SDK 实现 exchange.Gateway。
type Gateway struct {
	cfg     Config
	client  *futures.Client
	limiter *rate.Limiter
	breaker *circuit.CircuitBreaker
	log     *logger.Component

	mu            sync.RWMutex
	constraints   map[string]exchange.SymbolConstraints
	constraintsAt time.Time
	leverageSet   map[string]bool
	// 上次下单结果不明的平仓 client id，重试前先查单
	unsettled map[string]struct{}
}

func New(cfg Config) (*Gateway, error) {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Gateway{
		cfg:         final,
		client:      client,
		limiter:     rate.NewLimiter(rate.Limit(final.RequestsPerSecond), final.Burst),
		breaker:     circuit.NewCircuitBreaker("binance", final.BreakerThreshold, final.BreakerCooldown),
		log:         logger.With("binance"),
		constraints: make(map[string]exchange.SymbolConstraints),
		leverageSet: make(map[string]bool),
		unsettled:   make(map[string]struct{}),
	}, nil
}

func (g *Gateway) Name() string { return "binance" }

// Breaker exposes the breaker so callers can observe state changes.
func (g *Gateway) Breaker() *circuit.CircuitBreaker { return g.breaker }

func norm(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

// call paces the request, runs it behind the breaker and wraps any failure
// in a VenueError. Only mutating calls can be ambiguous.
func (g *Gateway) call(ctx context.Context, op, symbol string, mutating bool, fn func(context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return exchange.NewVenueError(op, symbol, false, err)
	}
	err := g.breaker.Do(func() error { return fn(ctx) }, countsAgainstVenue)
	if err == nil {
		return nil
	}
	if errors.Is(err, circuit.ErrOpen) {
		return exchange.NewVenueError(op, symbol, false, exchange.ErrCircuitOpen)
	}
	return exchange.NewVenueError(op, symbol, mutating && ambiguous(err), err)
}

func (g *Gateway) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = norm(symbol)
	var price decimal.Decimal
	err := g.call(ctx, exchange.OpGetPrice, symbol, false, func(ctx context.Context) error {
		prices, err := g.client.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil {
			return err
		}
		for _, p := range prices {
			if p != nil && strings.EqualFold(p.Symbol, symbol) {
				price = parseDecimal(p.Price)
				break
			}
		}
		if !price.IsPositive() {
			return fmt.Errorf("no price for %s", symbol)
		}
		return nil
	})
	return price, err
}

func (g *Gateway) ensureLeverage(ctx context.Context, symbol string) error {
	if g.cfg.Leverage <= 0 {
		return nil
	}
	g.mu.RLock()
	done := g.leverageSet[symbol]
	g.mu.RUnlock()
	if done {
		return nil
	}
	err := g.call(ctx, exchange.OpPlaceOrder, symbol, false, func(ctx context.Context) error {
		_, err := g.client.NewChangeLeverageService().Symbol(symbol).Leverage(g.cfg.Leverage).Do(ctx)
		return err
	})
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.leverageSet[symbol] = true
	g.mu.Unlock()
	return nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	symbol := norm(req.Symbol)
	if err := g.ensureLeverage(ctx, symbol); err != nil {
		return exchange.OrderResult{}, err
	}
	var resp *futures.CreateOrderResponse
	err := g.call(ctx, exchange.OpPlaceOrder, symbol, true, func(ctx context.Context) error {
		svc := g.client.NewCreateOrderService().
			Symbol(symbol).
			Side(openSideFor(string(req.Side))).
			Type(futures.OrderTypeMarket).
			Quantity(req.Quantity.String()).
			NewOrderResponseType(futures.NewOrderRespTypeRESULT)
		if req.ClientOrderID != "" {
			svc = svc.NewClientOrderID(req.ClientOrderID)
		}
		var err error
		resp, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return exchange.OrderResult{}, err
	}
	res := exchange.OrderResult{
		OrderID:        fmt.Sprintf("%d", resp.OrderID),
		ClientOrderID:  resp.ClientOrderID,
		Symbol:         symbol,
		Side:           req.Side,
		Status:         exchange.OrderStatus(resp.Status),
		FillPrice:      parseDecimal(resp.AvgPrice),
		FilledQuantity: parseDecimal(resp.ExecutedQuantity),
		ExternalID:     exchange.PositionKey(symbol, req.Side),
		FilledAt:       time.UnixMilli(resp.UpdateTime),
	}
	return res, nil
}

func (g *Gateway) QueryOrder(ctx context.Context, symbol, clientOrderID string) (exchange.OrderResult, error) {
	symbol = norm(symbol)
	var order *futures.Order
	err := g.call(ctx, exchange.OpQueryOrder, symbol, false, func(ctx context.Context) error {
		var err error
		order, err = g.client.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
		if isNoSuchOrder(err) {
			return fmt.Errorf("%w: %w", exchange.ErrOrderNotFound, err)
		}
		return err
	})
	if err != nil {
		return exchange.OrderResult{}, err
	}
	side := trading.SideLong
	if order.Side == futures.SideTypeSell {
		side = trading.SideShort
	}
	if order.ReduceOnly {
		// 平仓单方向与持仓相反
		if side == trading.SideLong {
			side = trading.SideShort
		} else {
			side = trading.SideLong
		}
	}
	return exchange.OrderResult{
		OrderID:        fmt.Sprintf("%d", order.OrderID),
		ClientOrderID:  order.ClientOrderID,
		Symbol:         symbol,
		Side:           side,
		Status:         exchange.OrderStatus(order.Status),
		FillPrice:      parseDecimal(order.AvgPrice),
		FilledQuantity: parseDecimal(order.ExecutedQuantity),
		ExternalID:     exchange.PositionKey(symbol, side),
		FilledAt:       time.UnixMilli(order.UpdateTime),
	}, nil
}

// ClosePosition sends a reduce-only market order against the position. After
// an ambiguous attempt the same client id is looked up before resending.
func (g *Gateway) ClosePosition(ctx context.Context, req exchange.CloseRequest) (exchange.CloseResult, error) {
	symbol := norm(req.Symbol)
	if req.ClientOrderID != "" && g.isUnsettled(req.ClientOrderID) {
		prior, err := g.QueryOrder(ctx, symbol, req.ClientOrderID)
		switch {
		case err == nil && prior.IsFilled():
			g.settle(req.ClientOrderID)
			return exchange.CloseResult{
				OrderID:        prior.OrderID,
				ExitPrice:      prior.FillPrice,
				FilledQuantity: prior.FilledQuantity,
				ClosedAt:       prior.FilledAt,
			}, nil
		case err == nil && !prior.Status.Terminal():
			return exchange.CloseResult{}, exchange.NewVenueError(exchange.OpClosePosition, symbol, true,
				fmt.Errorf("close order %s still %s", req.ClientOrderID, prior.Status))
		case err != nil && !errors.Is(err, exchange.ErrOrderNotFound):
			return exchange.CloseResult{}, err
		}
		g.settle(req.ClientOrderID)
	}
	var resp *futures.CreateOrderResponse
	err := g.call(ctx, exchange.OpClosePosition, symbol, true, func(ctx context.Context) error {
		svc := g.client.NewCreateOrderService().
			Symbol(symbol).
			Side(closeSideFor(string(req.Side))).
			Type(futures.OrderTypeMarket).
			Quantity(req.Quantity.String()).
			ReduceOnly(true).
			NewOrderResponseType(futures.NewOrderRespTypeRESULT)
		if req.ClientOrderID != "" {
			svc = svc.NewClientOrderID(req.ClientOrderID)
		}
		var err error
		resp, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		if exchange.IsAmbiguous(err) && req.ClientOrderID != "" {
			g.markUnsettled(req.ClientOrderID)
		}
		return exchange.CloseResult{}, err
	}
	return exchange.CloseResult{
		OrderID:        fmt.Sprintf("%d", resp.OrderID),
		ExitPrice:      parseDecimal(resp.AvgPrice),
		FilledQuantity: parseDecimal(resp.ExecutedQuantity),
		ClosedAt:       time.UnixMilli(resp.UpdateTime),
	}, nil
}

func (g *Gateway) isUnsettled(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.unsettled[id]
	return ok
}

func (g *Gateway) markUnsettled(id string) {
	g.mu.Lock()
	g.unsettled[id] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) settle(id string) {
	g.mu.Lock()
	delete(g.unsettled, id)
	g.mu.Unlock()
}

func (g *Gateway) GetSymbolConstraints(ctx context.Context, symbol string) (exchange.SymbolConstraints, error) {
	symbol = norm(symbol)
	g.mu.RLock()
	c, ok := g.constraints[symbol]
	fresh := time.Since(g.constraintsAt) < g.cfg.ConstraintsTTL
	g.mu.RUnlock()
	if ok && fresh {
		return c, nil
	}
	if err := g.refreshConstraints(ctx); err != nil {
		if ok {
			g.log.Warnf("exchangeInfo refresh failed, using cached filters for %s: %v", symbol, err)
			return c, nil
		}
		return exchange.SymbolConstraints{}, err
	}
	g.mu.RLock()
	c, ok = g.constraints[symbol]
	g.mu.RUnlock()
	if !ok {
		return exchange.SymbolConstraints{}, exchange.NewVenueError(exchange.OpSymbolConstraints, symbol, false,
			fmt.Errorf("symbol %s not listed", symbol))
	}
	return c, nil
}

func (g *Gateway) refreshConstraints(ctx context.Context) error {
	var info *futures.ExchangeInfo
	err := g.call(ctx, exchange.OpSymbolConstraints, "", false, func(ctx context.Context) error {
		var err error
		info, err = g.client.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return err
	}
	next := make(map[string]exchange.SymbolConstraints, len(info.Symbols))
	for _, sym := range info.Symbols {
		c := constraintsFrom(sym)
		next[c.Symbol] = c
	}
	g.mu.Lock()
	g.constraints = next
	g.constraintsAt = time.Now()
	g.mu.Unlock()
	return nil
}

func (g *Gateway) ListOpenPositions(ctx context.Context) ([]exchange.Position, error) {
	var risks []*futures.PositionRisk
	err := g.call(ctx, exchange.OpListPositions, "", false, func(ctx context.Context) error {
		var err error
		risks, err = g.client.NewGetPositionRiskService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Position, 0, len(risks))
	now := time.Now()
	for _, r := range risks {
		if r == nil {
			continue
		}
		amt := parseDecimal(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := trading.SideLong
		switch strings.ToUpper(r.PositionSide) {
		case "SHORT":
			side = trading.SideShort
		case "LONG":
		default:
			if amt.IsNegative() {
				side = trading.SideShort
			}
		}
		symbol := norm(r.Symbol)
		out = append(out, exchange.Position{
			ExternalID: exchange.PositionKey(symbol, side),
			Symbol:     symbol,
			Side:       side,
			Quantity:   amt.Abs(),
			EntryPrice: parseDecimal(r.EntryPrice),
			MarkPrice:  parseDecimal(r.MarkPrice),
			Leverage:   parseDecimal(r.Leverage),
			UpdatedAt:  now,
		})
	}
	return out, nil
}

func (g *Gateway) GetBalance(ctx context.Context) (exchange.Balance, error) {
	var balances []*futures.Balance
	err := g.call(ctx, exchange.OpGetBalance, "", false, func(ctx context.Context) error {
		var err error
		balances, err = g.client.NewGetBalanceService().Do(ctx)
		return err
	})
	if err != nil {
		return exchange.Balance{}, err
	}
	for _, b := range balances {
		if b == nil || !strings.EqualFold(b.Asset, g.cfg.QuoteAsset) {
			continue
		}
		return exchange.Balance{
			Asset:     g.cfg.QuoteAsset,
			Total:     parseDecimal(b.Balance),
			Available: parseDecimal(b.AvailableBalance),
			UpdatedAt: time.Now(),
		}, nil
	}
	return exchange.Balance{}, exchange.NewVenueError(exchange.OpGetBalance, "", false,
		fmt.Errorf("no %s balance in account", g.cfg.QuoteAsset))
}

var _ exchange.Gateway = (*Gateway)(nil)
