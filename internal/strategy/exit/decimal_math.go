package exit

import (
	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
)

// ratchetStop 计算追踪止损价: entry 按 (profit - step)% 向有利方向偏移。
func ratchetStop(entry, profitPct, stepPct decimal.Decimal, side trading.Side) decimal.Decimal {
	return trading.RelativePrice(entry, profitPct.Sub(stepPct), side)
}

// withinGap 判断价格距止损是否不超过 gapPct（已击穿也算）。
func withinGap(pos *trading.Position, price, gapPct decimal.Decimal) bool {
	if !price.IsPositive() || gapPct.IsNegative() {
		return false
	}
	return pos.StopDistancePercent(price).LessThanOrEqual(gapPct)
}
