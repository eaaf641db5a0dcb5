package trader

import (
	"context"
	"fmt"
	"time"

	"tothemoon/internal/gateway/notifier"
	"tothemoon/internal/store"
	"tothemoon/internal/strategy/exit"
	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
)

// Tick evaluates every tracked position on symbol at price. Closing
// directives are dispatched before Tick returns; their venue execution is
// asynchronous.
func (t *Trader) Tick(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error {
	if t.stopping.Load() {
		return ErrStopped
	}
	symbol = normalizeSymbol(symbol)
	if symbol == "" || !price.IsPositive() {
		return fmt.Errorf("%w: tick needs a symbol and a positive price (symbol=%q price=%s)", trading.ErrInvariant, symbol, price)
	}
	if at.IsZero() {
		at = t.now()
	}
	return t.sendSync(ctx, EvtPriceTick, symbol, &tickPayload{symbol: symbol, price: price, at: at})
}

// ManualClose closes a tracked position with reason MANUAL through the normal
// execution path.
func (t *Trader) ManualClose(ctx context.Context, positionID string) error {
	if t.stopping.Load() {
		return ErrStopped
	}
	return t.sendSync(ctx, EvtManualClose, "", &manualClosePayload{positionID: positionID})
}

func (t *Trader) handleTick(p *tickPayload) error {
	ctx := context.Background()
	t.rollover(ctx, p.at)
	if len(t.unfinalized) > 0 {
		t.retryFinalize(ctx, p.symbol)
	}
	for _, id := range t.exits.BySymbol(p.symbol) {
		if _, waiting := t.unfinalized[id]; waiting {
			continue
		}
		d, err := t.exits.Evaluate(id, p.price, p.at)
		if err != nil {
			t.log.Errorf("evaluate %s at %s: %v", id, p.price, err)
			continue
		}
		if d.StopMoved() {
			t.persistStop(ctx, id, d)
		}
		if d.IsClose() {
			t.dispatchClose(ctx, id, d)
		}
	}
	return nil
}

func (t *Trader) persistStop(ctx context.Context, id string, d exit.Directive) {
	pos, _, ok := t.exits.Get(id)
	if !ok {
		return
	}
	if _, err := t.updatePosition(ctx, id, store.StopUpdate(pos)); err != nil {
		t.log.Errorf("persist stop for %s failed: %v", id, err)
	}
	kind := "ratchet"
	if d.Armed {
		kind = "arm"
	}
	t.log.Infof("%s %s trailing %s: stop=%s profit=%s%%", id, pos.Symbol, kind, pos.StopLossPrice, d.ProfitPercent.StringFixed(3))
	t.appendOp(ctx, store.Operation{
		PositionID: id,
		Symbol:     pos.Symbol,
		Type:       store.OpStopMoved,
		Details: map[string]any{
			"kind":           kind,
			"stop_loss":      pos.StopLossPrice.String(),
			"price":          d.Price.String(),
			"profit_percent": d.ProfitPercent.StringFixed(4),
		},
	})
	t.metrics.StopRatcheted()
}

func (t *Trader) handleManualClose(p *manualClosePayload) error {
	d, err := t.exits.BeginClose(p.positionID, trading.ExitManual)
	if err != nil {
		return err
	}
	t.dispatchClose(context.Background(), p.positionID, d)
	return nil
}

// handleRedispatch re-sends every decided close that is not in flight.
func (t *Trader) handleRedispatch(p *sweepPayload) error {
	ctx := context.Background()
	t.retryFinalize(ctx, "")
	for _, v := range t.exits.Views() {
		id := v.Position.ID
		if v.Phase != exit.PhaseClosing.String() || t.inflight[id] {
			continue
		}
		d, err := t.exits.BeginClose(id, v.Position.PendingExitReason)
		if err != nil {
			t.log.Errorf("redispatch %s: %v", id, err)
			continue
		}
		t.dispatchClose(ctx, id, d)
		p.pending = append(p.pending, id)
	}
	return nil
}

// handleShutdownSweep escalates every close that is still not confirmed.
// The ledger keeps the close intent, so Recover picks them up on restart.
func (t *Trader) handleShutdownSweep(p *sweepPayload) error {
	ctx := context.Background()
	for _, v := range t.exits.Views() {
		id := v.Position.ID
		_, waiting := t.unfinalized[id]
		if v.Phase != exit.PhaseClosing.String() && !waiting {
			continue
		}
		p.pending = append(p.pending, id)
		state := "not confirmed by venue"
		switch {
		case waiting:
			state = "venue confirmed, ledger not updated"
		case t.inflight[id]:
			state = "venue close still in flight"
		}
		t.escalate(ctx, notifier.EventShutdownPendingClose, store.OpCloseFailed, id, v.Position.Symbol,
			fmt.Sprintf("%s close pending at shutdown: %s", v.Position.PendingExitReason, state))
	}
	for _, res := range t.reservations {
		if res.Unknown {
			t.log.Errorf("entry %s %s still unresolved at shutdown (client order %s)", res.Symbol, res.Side, res.ClientOrderID)
		}
	}
	return nil
}
