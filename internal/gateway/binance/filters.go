package binance

import (
	"strings"

	"tothemoon/internal/gateway/exchange"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

func parseDecimal(raw string) decimal.Decimal {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return v
}

// constraintsFrom 从 exchangeInfo 的 filters 中提取下单约束。
func constraintsFrom(sym futures.Symbol) exchange.SymbolConstraints {
	out := exchange.SymbolConstraints{Symbol: strings.ToUpper(sym.Symbol)}
	if lot := sym.LotSizeFilter(); lot != nil {
		out.MinQty = parseDecimal(lot.MinQuantity)
		out.StepSize = parseDecimal(lot.StepSize)
	}
	if mn := sym.MinNotionalFilter(); mn != nil {
		out.MinNotional = parseDecimal(mn.Notional)
	}
	if pf := sym.PriceFilter(); pf != nil {
		out.TickSize = parseDecimal(pf.TickSize)
	}
	return out
}

func closeSideFor(side string) futures.SideType {
	if strings.EqualFold(side, "SHORT") {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func openSideFor(side string) futures.SideType {
	if strings.EqualFold(side, "SHORT") {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}
