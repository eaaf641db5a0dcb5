// Package trading holds the position data model shared by the risk gate, the
// exit manager and the trader loop, plus the sizing arithmetic around it.
package trading

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// EngagedCapital is the notional reserved for a trade sized as a percent of
// total capital.
func EngagedCapital(totalCapital, sizePercent decimal.Decimal) decimal.Decimal {
	if !totalCapital.IsPositive() || !sizePercent.IsPositive() {
		return decimal.Zero
	}
	return totalCapital.Mul(sizePercent).Div(hundred)
}

// OrderQuantity converts engaged capital into a venue quantity, floored to
// the venue step size so the order is never rejected for precision.
func OrderQuantity(engaged, leverage, price, step decimal.Decimal) decimal.Decimal {
	if !engaged.IsPositive() || !price.IsPositive() {
		return decimal.Zero
	}
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	return FloorToStep(engaged.Mul(leverage).Div(price), step)
}

// FloorToStep rounds v down to a multiple of step. A non-positive step
// leaves v untouched.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// PercentOf returns pct percent of v.
func PercentOf(v, pct decimal.Decimal) decimal.Decimal {
	return v.Mul(pct).Div(hundred)
}

// RelativePrice moves entry by pct percent in the position's favour: up for
// LONG, down for SHORT. A negative pct moves against the position, which is
// how stop levels are derived.
func RelativePrice(entry, pct decimal.Decimal, side Side) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	factor := hundred.Add(pct.Mul(side.Sign()))
	return entry.Mul(factor).Div(hundred)
}
