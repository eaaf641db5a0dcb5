package trader

import (
	"context"
	"errors"
	"time"

	"tothemoon/internal/gateway/notifier"
	"tothemoon/internal/store"
	"tothemoon/internal/trading"

	"github.com/cenkalti/backoff/v4"
)

const (
	ledgerRetries = 3
	ledgerTimeout = 5 * time.Second
)

func ledgerBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(bo, ledgerRetries), ctx)
}

// retryable stops retries on outcomes a retry cannot change.
func retryable(err error) error {
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) || errors.Is(err, trading.ErrInvariant) {
		return backoff.Permanent(err)
	}
	return err
}

func (t *Trader) insertPosition(ctx context.Context, pos trading.Position) error {
	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, ledgerTimeout)
		defer cancel()
		return retryable(t.ledger.Insert(callCtx, pos))
	}, ledgerBackoff(ctx))
}

func (t *Trader) updatePosition(ctx context.Context, id string, u store.PositionUpdate) (bool, error) {
	var applied bool
	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, ledgerTimeout)
		defer cancel()
		ok, err := t.ledger.Update(callCtx, id, u)
		if err != nil {
			return retryable(err)
		}
		applied = ok
		return nil
	}, ledgerBackoff(ctx))
	return applied, err
}

// appendOp writes an audit line. Failures are logged and never fail the
// trading operation.
func (t *Trader) appendOp(ctx context.Context, op store.Operation) {
	if op.At.IsZero() {
		op.At = t.now()
	}
	callCtx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()
	if err := t.ledger.AppendOperation(callCtx, op); err != nil {
		t.log.Warnf("append %s operation for %s failed: %v", op.Type, op.PositionID, err)
	}
}

func (t *Trader) saveBudget(ctx context.Context) {
	snap := t.budget.Snapshot()
	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, ledgerTimeout)
		defer cancel()
		return t.ledger.SaveBudget(callCtx, snap)
	}, ledgerBackoff(ctx))
	if err != nil {
		t.log.Errorf("persist daily budget %s failed: %v", snap.TradingDay, err)
	}
}

// escalate surfaces a condition that needs an operator: log, audit line,
// metric and notification.
func (t *Trader) escalate(ctx context.Context, kind notifier.EventType, opType store.OperationType, positionID, symbol, detail string) {
	t.log.Errorf("%s %s %s: %s", kind, symbol, positionID, detail)
	t.metrics.Escalated(string(kind))
	t.appendOp(ctx, store.Operation{
		PositionID: positionID,
		Symbol:     symbol,
		Type:       opType,
		Details:    map[string]any{"detail": detail, "escalation": string(kind)},
	})
	t.notify.Notify(notifier.Event{
		Type:       kind,
		PositionID: positionID,
		Symbol:     symbol,
		Detail:     detail,
		At:         t.now(),
	})
}
