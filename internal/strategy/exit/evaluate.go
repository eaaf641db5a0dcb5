package exit

import (
	"fmt"
	"time"

	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
)

// Step evaluates one tick for pos and applies any trailing-stop mutation to
// it in place. It performs no I/O.
//
// Order:
//  1. unrealized P&L percent
//  2. stop breach (price on or beyond the stop): STOP_LOSS, or TRAILING_STOP once armed
//  3. take profit
//  4. arm trailing at the activation threshold (HOLD)
//  5. re-ratchet after a further full step of profit (HOLD)
//  6. timeout with profit below the minimum
//  7. HOLD
//
// The breach check runs before any trailing mutation so a ratchet can never
// mask a same-tick breach.
func Step(cfg Config, pos *trading.Position, price decimal.Decimal, elapsed time.Duration) (Directive, error) {
	if pos == nil {
		return Directive{}, fmt.Errorf("%w: evaluate nil position", trading.ErrInvariant)
	}
	if !price.IsPositive() {
		return Directive{}, fmt.Errorf("%w: position %s evaluated with non-positive price %s", trading.ErrInvariant, pos.ID, price)
	}
	if elapsed < 0 {
		return Directive{}, fmt.Errorf("%w: position %s evaluated with negative elapsed %s", trading.ErrInvariant, pos.ID, elapsed)
	}
	profit := pos.UnrealizedPnlPercent(price)
	out := Directive{Price: price, ProfitPercent: profit, StopLossPrice: pos.StopLossPrice}

	if pos.StopBreached(price) {
		out.Action = ActionClose
		out.Reason = trading.ExitStopLoss
		if pos.TrailingArmed {
			out.Reason = trading.ExitTrailingStop
		}
		return out, nil
	}
	if pos.TargetReached(price) {
		out.Action = ActionClose
		out.Reason = trading.ExitTakeProfit
		return out, nil
	}
	if !pos.TrailingArmed {
		if profit.GreaterThanOrEqual(cfg.TrailingActivationPercent) {
			pos.TrailingArmed = true
			pos.LastRatchetProfitPercent = profit
			pos.TightenStop(ratchetStop(pos.EntryPrice, profit, cfg.TrailingStepPercent, pos.Side))
			out.Armed = true
			out.StopLossPrice = pos.StopLossPrice
			return out, nil
		}
	} else if profit.GreaterThanOrEqual(pos.LastRatchetProfitPercent.Add(cfg.TrailingStepPercent)) {
		pos.LastRatchetProfitPercent = profit
		out.Ratcheted = pos.TightenStop(ratchetStop(pos.EntryPrice, profit, cfg.TrailingStepPercent, pos.Side))
		out.StopLossPrice = pos.StopLossPrice
		return out, nil
	}
	if cfg.TradeTimeout > 0 && elapsed >= cfg.TradeTimeout && profit.LessThan(cfg.MinProfitBeforeTimeoutPercent) {
		out.Action = ActionClose
		out.Reason = trading.ExitTimeout
		return out, nil
	}
	return out, nil
}
