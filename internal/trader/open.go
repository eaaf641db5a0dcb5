package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tothemoon/internal/gateway/exchange"
	"tothemoon/internal/gateway/notifier"
	"tothemoon/internal/risk"
	"tothemoon/internal/store"
	"tothemoon/internal/trading"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const entryLockKey = "entry"

func (s Signal) validate() error {
	if normalizeSymbol(s.Symbol) == "" {
		return fmt.Errorf("%w: signal symbol required", trading.ErrInvariant)
	}
	if !s.Side.Valid() {
		return fmt.Errorf("%w: signal side %q", trading.ErrInvariant, s.Side)
	}
	if !s.SizePercent.IsPositive() {
		return fmt.Errorf("%w: signal size_percent must be > 0, got %s", trading.ErrInvariant, s.SizePercent)
	}
	return nil
}

// OpenPosition admits, places and records a new position.
//
// A business rejection is returned in OpenResult.Decision with a nil error.
// Errors are venue failures, invariant violations, ErrFillUnknown or
// ErrStopped.
func (t *Trader) OpenPosition(ctx context.Context, sig Signal) (OpenResult, error) {
	if t.stopping.Load() {
		return OpenResult{}, ErrStopped
	}
	if err := sig.validate(); err != nil {
		return OpenResult{}, err
	}
	sig.Symbol = normalizeSymbol(sig.Symbol)

	if entry, blocked := t.blacklist.Blocked(sig.Symbol); blocked {
		d := risk.Reject(risk.ReasonSymbolBlacklisted,
			fmt.Sprintf("blacklisted until %s: %s", entry.Until.Format(time.RFC3339), entry.Reason))
		t.recordRejection(ctx, sig, d)
		return OpenResult{Decision: d}, nil
	}

	constraints, err := t.venueConstraints(ctx, sig.Symbol)
	if err != nil {
		return OpenResult{}, err
	}
	capital, err := t.totalCapital(ctx)
	if err != nil {
		return OpenResult{}, err
	}
	price, err := t.venuePrice(ctx, sig.Symbol)
	if err != nil {
		return OpenResult{}, err
	}

	unlock, err := t.locker.Acquire(ctx, entryLockKey, t.cfg.LockTTL)
	if err != nil {
		return OpenResult{}, fmt.Errorf("acquire entry lock: %w", err)
	}
	defer unlock()

	admit := &admitPayload{reservationID: uuid.NewString(), signal: sig, constraints: constraints, capital: capital, price: price}
	if err := t.sendSync(ctx, EvtAdmit, sig.Symbol, admit); err != nil {
		// 事件可能已入队，稍后仍会预留额度
		t.post(EvtReleaseEntry, sig.Symbol, &releasePayload{reservationID: admit.reservationID, reason: "admit abandoned: " + err.Error()})
		return OpenResult{}, err
	}
	if !admit.decision.Admitted {
		t.recordRejection(ctx, sig, admit.decision)
		return OpenResult{Decision: admit.decision}, nil
	}
	res := admit.reservation

	fill, err := t.placeEntry(ctx, res)
	switch {
	case err == nil:
	case errors.Is(err, ErrFillUnknown):
		t.post(EvtEntryUnknown, res.Symbol, &releasePayload{reservationID: res.ID, reason: err.Error()})
		t.escalate(ctx, notifier.EventOrderUnknown, store.OpOrderUnknown, res.ID, res.Symbol, err.Error())
		return OpenResult{Decision: admit.decision}, err
	default:
		t.post(EvtReleaseEntry, res.Symbol, &releasePayload{reservationID: res.ID, reason: err.Error()})
		t.log.Warnf("entry %s %s abandoned: %v", res.Symbol, res.Side, err)
		return OpenResult{Decision: admit.decision}, err
	}

	commit := &commitPayload{reservationID: res.ID, fill: fill}
	if err := t.sendSync(ctx, EvtCommitOpen, res.Symbol, commit); err != nil {
		return OpenResult{Decision: admit.decision}, err
	}
	return OpenResult{Decision: admit.decision, Position: commit.position}, nil
}

// placeEntry sends the market order. A non-ambiguous failure means nothing
// happened on the venue. An ambiguous one is resolved through QueryOrder.
func (t *Trader) placeEntry(ctx context.Context, res *reservation) (exchange.OrderResult, error) {
	req := exchange.OrderRequest{
		Symbol:        res.Symbol,
		Side:          res.Side,
		Quantity:      res.Quantity,
		ClientOrderID: res.ClientOrderID,
		Leverage:      res.Leverage,
	}
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.VenueTimeout)
	fill, err := t.gateway.PlaceOrder(callCtx, req)
	cancel()
	if err == nil {
		if !fill.IsFilled() {
			return t.confirmFill(ctx, res)
		}
		return fill, nil
	}
	if !exchange.IsAmbiguous(err) {
		return exchange.OrderResult{}, err
	}
	t.log.Warnf("entry %s %s ambiguous, confirming fill: %v", res.Symbol, res.ClientOrderID, err)
	return t.confirmFill(ctx, res)
}

var errNotFilledYet = errors.New("order not filled yet")

// confirmFill polls QueryOrder with backoff for FillConfirmWindow.
func (t *Trader) confirmFill(ctx context.Context, res *reservation) (exchange.OrderResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = t.cfg.FillConfirmWindow

	var fill exchange.OrderResult
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, t.cfg.VenueTimeout)
		defer cancel()
		got, err := t.gateway.QueryOrder(callCtx, res.Symbol, res.ClientOrderID)
		if err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) {
				return backoff.Permanent(err)
			}
			t.metrics.VenueRetry(exchange.OpQueryOrder)
			return err
		}
		if got.Status.Terminal() && !got.IsFilled() {
			return backoff.Permanent(fmt.Errorf("entry order %s ended %s", res.ClientOrderID, got.Status))
		}
		if !got.IsFilled() {
			return errNotFilledYet
		}
		fill = got
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err == nil {
		return fill, nil
	}
	if errors.Is(err, exchange.ErrOrderNotFound) {
		return exchange.OrderResult{}, fmt.Errorf("entry order %s never reached the venue: %w", res.ClientOrderID, err)
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return exchange.OrderResult{}, perm.Err
	}
	return exchange.OrderResult{}, fmt.Errorf("%w: %s %s: %v", ErrFillUnknown, res.Symbol, res.ClientOrderID, err)
}

func (t *Trader) venueConstraints(ctx context.Context, symbol string) (exchange.SymbolConstraints, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.VenueTimeout)
	defer cancel()
	return t.gateway.GetSymbolConstraints(callCtx, symbol)
}

func (t *Trader) venuePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.VenueTimeout)
	defer cancel()
	return t.gateway.GetPrice(callCtx, symbol)
}

func (t *Trader) totalCapital(ctx context.Context) (decimal.Decimal, error) {
	if t.cfg.TotalCapitalOverride.IsPositive() {
		return t.cfg.TotalCapitalOverride, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.VenueTimeout)
	defer cancel()
	bal, err := t.gateway.GetBalance(callCtx)
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Total, nil
}

func (t *Trader) recordRejection(ctx context.Context, sig Signal, d risk.Decision) {
	t.log.Infof("entry %s %s rejected: %s", sig.Symbol, sig.Side, d)
	t.metrics.Rejected(string(d.Reason))
	t.appendOp(ctx, store.Operation{
		Symbol: sig.Symbol,
		Type:   store.OpRejected,
		Details: map[string]any{
			"side":         string(sig.Side),
			"size_percent": sig.SizePercent.String(),
			"reason":       string(d.Reason),
			"detail":       d.Detail,
		},
	})
	t.notify.Notify(notifier.Event{
		Type:   notifier.EventRiskRejected,
		Symbol: sig.Symbol,
		Side:   string(sig.Side),
		Reason: string(d.Reason),
		Detail: d.Detail,
		At:     t.now(),
	})
}
