package trader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tothemoon/internal/gateway/exchange"
	"tothemoon/internal/gateway/notifier"
	"tothemoon/internal/store"
	"tothemoon/internal/strategy/exit"
	"tothemoon/internal/trading"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// closeOrderID is stable per position so a retried close after an ambiguous
// failure can be matched on the venue.
func closeOrderID(positionID string) string {
	id := "c" + strings.ReplaceAll(positionID, "-", "")
	if len(id) > 36 {
		id = id[:36]
	}
	return id
}

// dispatchClose persists the close intent and hands the venue close to a
// goroutine. It is a no-op while a close for id is already in flight.
func (t *Trader) dispatchClose(ctx context.Context, id string, d exit.Directive) {
	if t.inflight[id] {
		return
	}
	if _, waiting := t.unfinalized[id]; waiting {
		return
	}
	pos, _, ok := t.exits.Get(id)
	if !ok {
		return
	}
	if _, err := t.updatePosition(ctx, id, store.IntentUpdate(d.Reason)); err != nil {
		t.log.Errorf("persist close intent %s %s failed: %v", id, d.Reason, err)
	}
	attempt := t.closeFails[id] + 1
	t.log.Infof("closing %s %s %s: %s at %s (attempt %d)", id, pos.Symbol, pos.Side, d.Reason, d.Price, attempt)
	details := map[string]any{
		"reason":    string(d.Reason),
		"stop_loss": pos.StopLossPrice.String(),
		"attempt":   attempt,
	}
	if d.Price.IsPositive() {
		details["price"] = d.Price.String()
		details["profit_percent"] = d.ProfitPercent.StringFixed(4)
	}
	t.appendOp(ctx, store.Operation{PositionID: id, Symbol: pos.Symbol, Type: store.OpCloseRequested, Details: details})

	t.inflight[id] = true
	t.closeWG.Add(1)
	go t.executeClose(pos, d)
}

// executeClose retries the venue close with bounded backoff and reports the
// outcome to the loop.
func (t *Trader) executeClose(pos trading.Position, d exit.Directive) {
	defer t.closeWG.Done()
	req := exchange.CloseRequest{
		PositionID:    pos.ID,
		ExternalID:    pos.ExternalID,
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		Quantity:      pos.Quantity,
		ClientOrderID: closeOrderID(pos.ID),
		Reason:        d.Reason,
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.CloseBackoffInitial
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(t.cfg.CloseMaxRetries)), t.closeCtx)

	var result exchange.CloseResult
	err := backoff.RetryNotify(func() error {
		callCtx, cancel := context.WithTimeout(t.closeCtx, t.cfg.VenueTimeout)
		defer cancel()
		r, err := t.gateway.ClosePosition(callCtx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, policy, func(err error, wait time.Duration) {
		t.metrics.VenueRetry(exchange.OpClosePosition)
		t.log.Warnf("close %s %s failed, retry in %s: %v", pos.ID, pos.Symbol, wait, err)
	})
	t.post(EvtCloseResult, pos.Symbol, &closeResultPayload{positionID: pos.ID, directive: d, result: result, err: err})
}

func (t *Trader) handleCloseResult(p *closeResultPayload) error {
	ctx := context.Background()
	delete(t.inflight, p.positionID)
	pos, _, ok := t.exits.Get(p.positionID)
	if !ok {
		return nil
	}
	if p.err != nil {
		t.closeFails[pos.ID]++
		detail := fmt.Sprintf("%s close failed after %d retries: %v", p.directive.Reason, t.cfg.CloseMaxRetries, p.err)
		if t.closeFails[pos.ID] == 1 {
			t.escalate(ctx, notifier.EventCloseFailed, store.OpCloseFailed, pos.ID, pos.Symbol, detail)
		} else {
			t.log.Errorf("%s %s still not closed (%d rounds): %s", pos.ID, pos.Symbol, t.closeFails[pos.ID], detail)
		}
		return p.err
	}
	delete(t.closeFails, pos.ID)

	exitPrice := p.result.ExitPrice
	if !exitPrice.IsPositive() {
		exitPrice = p.directive.Price
	}
	exitFee := p.result.Fee
	if !exitFee.IsPositive() {
		exitFee = trading.PercentOf(exitPrice.Mul(pos.Quantity), t.cfg.FeeRatePercent)
	}
	closedAt := p.result.ClosedAt
	if closedAt.IsZero() {
		closedAt = t.now()
	}
	if err := pos.Close(closedAt, exitPrice, p.directive.Reason, exitFee); err != nil {
		return err
	}
	return t.finalizeClose(ctx, pos)
}

// finalizeClose writes the CLOSED row, books the P&L once and releases the
// position. A ledger failure keeps the result for a later retry.
func (t *Trader) finalizeClose(ctx context.Context, pos trading.Position) error {
	applied, err := t.updatePosition(ctx, pos.ID, store.CloseUpdate(pos))
	if err != nil {
		if _, known := t.unfinalized[pos.ID]; !known {
			t.escalate(ctx, notifier.EventCloseFailed, store.OpCloseFailed, pos.ID, pos.Symbol,
				fmt.Sprintf("venue closed at %s but ledger update failed: %v", pos.ExitPrice.Decimal, err))
		}
		t.unfinalized[pos.ID] = pos
		return err
	}
	delete(t.unfinalized, pos.ID)
	t.exits.Untrack(pos.ID)

	// ApplyClose ignores a position id it has already booked, so a replayed
	// update never double counts.
	pnl := pos.RealizedPnl.Decimal
	t.rollover(ctx, t.now())
	if t.budget.ApplyClose(pos.ID, pnl, *pos.ClosedAt) {
		t.saveBudget(ctx)
	}
	t.log.Infof("closed %s %s %s reason=%s exit=%s pnl=%s", pos.ID, pos.Symbol, pos.Side,
		pos.ExitReason, pos.ExitPrice.Decimal, pnl.StringFixed(4))
	t.appendOp(ctx, store.Operation{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Type:       store.OpClosed,
		Details: map[string]any{
			"reason":       string(pos.ExitReason),
			"exit_price":   pos.ExitPrice.Decimal.String(),
			"exit_fee":     pos.ExitFee.String(),
			"realized_pnl": pnl.String(),
			"replay":       !applied,
		},
	})
	t.metrics.Closed(string(pos.ExitReason))
	t.notify.Notify(notifier.Event{
		Type:       notifier.EventClosed,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       string(pos.Side),
		Reason:     string(pos.ExitReason),
		Pnl:        pos.RealizedPnl,
		Price:      pos.ExitPrice,
		At:         *pos.ClosedAt,
	})
	t.checkGap(pos)
	t.refreshSnapshot()
	return nil
}

// retryFinalize re-attempts ledger writes for venue-confirmed closes.
// symbol "" retries all of them.
func (t *Trader) retryFinalize(ctx context.Context, symbol string) {
	for id, pos := range t.unfinalized {
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		if err := t.finalizeClose(ctx, pos); err != nil {
			t.log.Warnf("finalize %s still failing: %v", id, err)
		}
	}
}

// checkGap blacklists a symbol whose stop exit filled too far past the stop.
func (t *Trader) checkGap(pos trading.Position) {
	if !t.cfg.MaxGapPercent.IsPositive() || !pos.ExitPrice.Valid {
		return
	}
	if pos.ExitReason != trading.ExitStopLoss && pos.ExitReason != trading.ExitTrailingStop {
		return
	}
	stop := pos.StopLossPrice
	if !stop.IsPositive() {
		return
	}
	gap := stop.Sub(pos.ExitPrice.Decimal).Mul(pos.Side.Sign()).Div(stop).Mul(hundred)
	if gap.LessThanOrEqual(t.cfg.MaxGapPercent) {
		return
	}
	reason := fmt.Sprintf("exit %s gapped %s%% past stop %s", pos.ExitPrice.Decimal, gap.StringFixed(3), stop)
	if _, err := t.blacklist.Add(pos.Symbol, t.cfg.BlacklistDuration, reason); err != nil {
		t.log.Errorf("blacklist %s failed: %v", pos.Symbol, err)
	}
}

// repairPhantom records a ledger OPEN row the venue no longer holds and then
// closes it with PHANTOM_CLEANUP. The daily budget is not touched.
func (t *Trader) repairPhantom(ctx context.Context, row trading.Position) bool {
	t.log.Errorf("PHANTOM position %s %s %s: open in ledger, absent on venue (external=%s)",
		row.ID, row.Symbol, row.Side, row.ExternalID)
	if _, err := t.updatePosition(ctx, row.ID, store.PhantomUpdate()); err != nil {
		t.log.Errorf("mark %s phantom failed: %v", row.ID, err)
		return false
	}
	t.exits.Untrack(row.ID)
	t.appendOp(ctx, store.Operation{
		PositionID: row.ID,
		Symbol:     row.Symbol,
		Type:       store.OpPhantom,
		Details:    map[string]any{"external_id": row.ExternalID, "side": string(row.Side)},
	})
	t.metrics.Phantom()
	t.notify.Notify(notifier.Event{
		Type:       notifier.EventPhantomDetected,
		PositionID: row.ID,
		Symbol:     row.Symbol,
		Side:       string(row.Side),
		Reason:     string(trading.ExitPhantomCleanup),
		At:         t.now(),
	})
	if err := row.MarkPhantom(); err != nil {
		return false
	}
	return t.finalizePhantom(ctx, row)
}

func (t *Trader) finalizePhantom(ctx context.Context, row trading.Position) bool {
	if err := row.Close(t.now(), decimal.Zero, trading.ExitPhantomCleanup, decimal.Zero); err != nil {
		t.log.Errorf("phantom cleanup %s: %v", row.ID, err)
		return false
	}
	if _, err := t.updatePosition(ctx, row.ID, store.CloseUpdate(row)); err != nil {
		t.log.Errorf("phantom cleanup %s not persisted: %v", row.ID, err)
		return false
	}
	t.exits.Untrack(row.ID)
	t.appendOp(ctx, store.Operation{
		PositionID: row.ID,
		Symbol:     row.Symbol,
		Type:       store.OpClosed,
		Details:    map[string]any{"reason": string(trading.ExitPhantomCleanup), "realized_pnl": "0"},
	})
	t.metrics.Closed(string(trading.ExitPhantomCleanup))
	t.notify.Notify(notifier.Event{
		Type:       notifier.EventClosed,
		PositionID: row.ID,
		Symbol:     row.Symbol,
		Side:       string(row.Side),
		Reason:     string(trading.ExitPhantomCleanup),
		Pnl:        row.RealizedPnl,
		At:         t.now(),
	})
	t.refreshSnapshot()
	return true
}
