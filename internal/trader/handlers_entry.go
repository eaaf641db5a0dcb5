package trader

import (
	"context"
	"fmt"
	"time"

	"tothemoon/internal/gateway/exchange"
	"tothemoon/internal/gateway/notifier"
	"tothemoon/internal/risk"
	"tothemoon/internal/store"
	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
)

// handleAdmit runs the risk gate against ledger OPEN rows plus in-flight
// reservations and reserves exposure for an admitted entry.
func (t *Trader) handleAdmit(p *admitPayload) error {
	ctx := context.Background()
	now := t.now()
	t.rollover(ctx, now)

	portfolio, err := t.portfolio(ctx, p.capital)
	if err != nil {
		return err
	}
	sig := p.signal
	engaged := trading.EngagedCapital(p.capital, sig.SizePercent)
	d := t.gate.Admit(risk.Candidate{
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		SizePercent:    sig.SizePercent,
		CapitalEngaged: engaged,
		MinNotional:    p.constraints.MinNotional,
	}, portfolio, t.budget.Snapshot())

	if d.TriggerDailyStop && t.budget.MarkStopLossTriggered() {
		t.log.Warnf("daily loss limit reached on %s, entries blocked until rollover: %s", t.budget.TradingDay, d.Detail)
		t.saveBudget(ctx)
		t.refreshSnapshot()
	}
	if d.Admitted {
		qty := trading.OrderQuantity(engaged, t.cfg.Leverage, p.price, p.constraints.StepSize)
		notional := qty.Mul(p.price)
		switch {
		case !qty.IsPositive(), p.constraints.MinQty.IsPositive() && qty.LessThan(p.constraints.MinQty):
			d = risk.Reject(risk.ReasonBelowMinimumNotional,
				fmt.Sprintf("quantity %s below min qty %s", qty, p.constraints.MinQty))
		case p.constraints.MinNotional.IsPositive() && notional.LessThan(p.constraints.MinNotional):
			d = risk.Reject(risk.ReasonBelowMinimumNotional,
				fmt.Sprintf("order notional %s below %s", notional.StringFixed(4), p.constraints.MinNotional))
		default:
			res := &reservation{
				ID:            p.reservationID,
				ClientOrderID: orderID("o"),
				Symbol:        sig.Symbol,
				Side:          sig.Side,
				Engaged:       engaged,
				Quantity:      qty,
				Leverage:      t.cfg.Leverage,
				CreatedAt:     now,
			}
			t.reservations[res.ID] = res
			cp := *res
			p.reservation = &cp
		}
	}
	p.decision = d
	return nil
}

// portfolio 汇总账本中的 OPEN 仓位与尚未落库的预留。
func (t *Trader) portfolio(ctx context.Context, capital decimal.Decimal) (risk.Portfolio, error) {
	rows, err := t.ledger.QueryByStatus(ctx, trading.StatusOpen)
	if err != nil {
		return risk.Portfolio{}, fmt.Errorf("load open positions: %w", err)
	}
	pf := risk.Portfolio{
		TotalCapital:   capital,
		EngagedCapital: decimal.Zero,
		OpenBySymbol:   make(map[string]int),
	}
	for _, row := range rows {
		pf.EngagedCapital = pf.EngagedCapital.Add(row.CapitalEngaged)
		pf.OpenCount++
		pf.OpenBySymbol[normalizeSymbol(row.Symbol)]++
	}
	for _, res := range t.reservations {
		pf.EngagedCapital = pf.EngagedCapital.Add(res.Engaged)
		pf.OpenCount++
		pf.OpenBySymbol[res.Symbol]++
	}
	return pf, nil
}

// handleCommitOpen persists and tracks a confirmed fill.
func (t *Trader) handleCommitOpen(p *commitPayload) error {
	ctx := context.Background()
	res, ok := t.reservations[p.reservationID]
	if !ok {
		return fmt.Errorf("%w: no reservation %s", trading.ErrInvariant, p.reservationID)
	}
	fill := p.fill
	pos := t.positionFromFill(res, fill)
	if err := pos.ValidateOpen(); err != nil {
		delete(t.reservations, res.ID)
		t.escalate(ctx, notifier.EventOrderUnknown, store.OpOrderUnknown, pos.ID, pos.Symbol,
			fmt.Sprintf("unusable entry fill %s: %v", fill.OrderID, err))
		return err
	}
	if err := t.insertPosition(ctx, pos); err != nil {
		res.Fill = &fill
		res.Unknown = true
		t.escalate(ctx, notifier.EventOrderUnknown, store.OpOrderUnknown, pos.ID, pos.Symbol,
			fmt.Sprintf("entry filled at %s but ledger insert failed: %v", fill.FillPrice, err))
		return fmt.Errorf("record filled entry %s: %w", pos.ID, err)
	}
	if err := t.exits.Track(pos); err != nil {
		t.log.Errorf("track %s failed: %v", pos.ID, err)
	}
	delete(t.reservations, res.ID)

	t.log.Infof("opened %s %s %s qty=%s entry=%s stop=%s target=%s",
		pos.ID, pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, pos.StopLossPrice, pos.TakeProfitPrice)
	t.appendOp(ctx, store.Operation{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Type:       store.OpOpened,
		Details: map[string]any{
			"side":            string(pos.Side),
			"entry_price":     pos.EntryPrice.String(),
			"quantity":        pos.Quantity.String(),
			"capital_engaged": pos.CapitalEngaged.String(),
			"stop_loss":       pos.StopLossPrice.String(),
			"take_profit":     pos.TakeProfitPrice.String(),
			"entry_fee":       pos.EntryFee.String(),
			"client_order_id": res.ClientOrderID,
		},
	})
	t.metrics.Opened(pos.Symbol, string(pos.Side))
	t.notify.Notify(notifier.Event{
		Type:       notifier.EventOpened,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       string(pos.Side),
		Price:      decimal.NewNullDecimal(pos.EntryPrice),
		At:         pos.OpenedAt,
	})
	t.refreshSnapshot()
	cp := pos.Clone()
	p.position = &cp
	return nil
}

func (t *Trader) positionFromFill(res *reservation, fill exchange.OrderResult) trading.Position {
	entry := fill.FillPrice
	qty := fill.FilledQuantity
	engaged := res.Engaged
	if res.Quantity.IsPositive() && qty.LessThan(res.Quantity) {
		engaged = engaged.Mul(qty).Div(res.Quantity)
	}
	fee := fill.Fee
	if !fee.IsPositive() {
		fee = trading.PercentOf(entry.Mul(qty), t.cfg.FeeRatePercent)
	}
	openedAt := fill.FilledAt
	if openedAt.IsZero() {
		openedAt = t.now()
	}
	stop := trading.RelativePrice(entry, t.cfg.StopLossPercent.Neg(), res.Side)
	return trading.Position{
		ID:                       res.ID,
		Symbol:                   res.Symbol,
		Side:                     res.Side,
		OrderID:                  fill.OrderID,
		ExternalID:               fill.ExternalID,
		EntryPrice:               entry,
		Quantity:                 qty,
		CapitalEngaged:           engaged,
		EntryFee:                 fee,
		OpenedAt:                 openedAt,
		StopLossPrice:            stop,
		InitialStopLossPrice:     stop,
		TakeProfitPrice:          trading.RelativePrice(entry, t.cfg.TakeProfitPercent, res.Side),
		LastRatchetProfitPercent: decimal.Zero,
		Status:                   trading.StatusOpen,
		ExitFee:                  decimal.Zero,
	}
}

func (t *Trader) handleReleaseEntry(p *releasePayload) error {
	if res, ok := t.reservations[p.reservationID]; ok {
		delete(t.reservations, p.reservationID)
		t.log.Infof("released entry reservation %s %s: %s", res.Symbol, res.ClientOrderID, p.reason)
	}
	return nil
}

// handleEntryUnknown keeps the reservation, counted toward exposure, until
// Reconcile resolves it.
func (t *Trader) handleEntryUnknown(p *releasePayload) error {
	if res, ok := t.reservations[p.reservationID]; ok {
		res.Unknown = true
	}
	return nil
}

func (t *Trader) handleUnknownList(p *unknownListPayload) error {
	for _, res := range t.reservations {
		if res.Unknown {
			cp := *res
			if res.Fill != nil {
				fill := *res.Fill
				cp.Fill = &fill
			}
			p.out = append(p.out, cp)
		}
	}
	return nil
}

// rollover starts a new trading day when now has moved past the budget's day.
func (t *Trader) rollover(ctx context.Context, now time.Time) {
	prev := t.budget.TradingDay
	if t.budget.Rollover(now) {
		t.log.Infof("trading day rolled over %s -> %s", prev, t.budget.TradingDay)
		t.saveBudget(ctx)
		t.refreshSnapshot()
	}
}
