// Package store defines the trade ledger contract. Implementations live in
// gormstore (sqlite) and memstore (in-process).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidTransition rejects updates that would re-open or rewrite a
	// terminal row.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// Ledger persists positions, their operation log and the daily budget.
//
// Update has at-least-once semantics: replaying a CLOSE that was already
// applied returns applied=false and no error, so callers can safely retry.
type Ledger interface {
	Insert(ctx context.Context, pos trading.Position) error
	Update(ctx context.Context, id string, u PositionUpdate) (applied bool, err error)
	Get(ctx context.Context, id string) (trading.Position, error)
	QueryByStatus(ctx context.Context, status trading.Status) ([]trading.Position, error)
	// QueryClosedBetween returns CLOSED rows with from <= closedAt < to.
	QueryClosedBetween(ctx context.Context, from, to time.Time) ([]trading.Position, error)
	SumCapitalEngaged(ctx context.Context, status trading.Status) (decimal.Decimal, error)

	AppendOperation(ctx context.Context, op Operation) error
	ListOperations(ctx context.Context, positionID string, limit int) ([]Operation, error)

	LoadBudget(ctx context.Context, tradingDay string) (trading.BudgetSnapshot, bool, error)
	SaveBudget(ctx context.Context, snap trading.BudgetSnapshot) error

	Close() error
}

// PositionUpdate carries the mutable fields of a ledger row. Nil fields are
// left untouched.
type PositionUpdate struct {
	Status                   *trading.Status
	StopLossPrice            *decimal.Decimal
	TrailingArmed            *bool
	LastRatchetProfitPercent *decimal.Decimal
	PendingExitReason        *trading.ExitReason

	ClosedAt    *time.Time
	ExitPrice   *decimal.NullDecimal
	ExitReason  *trading.ExitReason
	ExitFee     *decimal.Decimal
	RealizedPnl *decimal.NullDecimal
}

// StopUpdate persists the trailing state of pos.
func StopUpdate(pos trading.Position) PositionUpdate {
	return PositionUpdate{
		StopLossPrice:            &pos.StopLossPrice,
		TrailingArmed:            &pos.TrailingArmed,
		LastRatchetProfitPercent: &pos.LastRatchetProfitPercent,
	}
}

// IntentUpdate records a decided close before it is sent to the venue.
func IntentUpdate(reason trading.ExitReason) PositionUpdate {
	return PositionUpdate{PendingExitReason: &reason}
}

func PhantomUpdate() PositionUpdate {
	st := trading.StatusPhantom
	return PositionUpdate{Status: &st}
}

// CloseUpdate copies the close fields of an already closed pos.
func CloseUpdate(pos trading.Position) PositionUpdate {
	st := trading.StatusClosed
	none := trading.ExitReason("")
	return PositionUpdate{
		Status:            &st,
		StopLossPrice:     &pos.StopLossPrice,
		PendingExitReason: &none,
		ClosedAt:          pos.ClosedAt,
		ExitPrice:         &pos.ExitPrice,
		ExitReason:        &pos.ExitReason,
		ExitFee:           &pos.ExitFee,
		RealizedPnl:       &pos.RealizedPnl,
	}
}

// CheckTransition decides whether u may be applied to a row in status cur
// carrying exit reason curReason. apply=false with a nil error is a replay.
func CheckTransition(cur trading.Status, curReason trading.ExitReason, u PositionUpdate) (apply bool, err error) {
	next := cur
	if u.Status != nil {
		next = *u.Status
	}
	switch cur {
	case trading.StatusOpen:
		if next == trading.StatusClosed && (u.ExitReason == nil || *u.ExitReason == trading.ExitPhantomCleanup) {
			return false, fmt.Errorf("%w: OPEN -> CLOSED needs a trading exit reason", ErrInvalidTransition)
		}
		return true, nil
	case trading.StatusPhantom:
		switch next {
		case trading.StatusPhantom:
			if u.Status != nil {
				return false, nil
			}
			return false, fmt.Errorf("%w: PHANTOM row only accepts cleanup", ErrInvalidTransition)
		case trading.StatusClosed:
			if u.ExitReason == nil || *u.ExitReason != trading.ExitPhantomCleanup {
				return false, fmt.Errorf("%w: PHANTOM -> CLOSED needs %s", ErrInvalidTransition, trading.ExitPhantomCleanup)
			}
			return true, nil
		}
	case trading.StatusClosed:
		if u.Status != nil && *u.Status == trading.StatusClosed && u.ExitReason != nil && *u.ExitReason == curReason {
			return false, nil
		}
		if u.Status != nil && *u.Status == trading.StatusPhantom {
			// 已关闭的仓位不会再被判定为幽灵仓位
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
}

// Apply writes the non-nil fields of u onto pos.
func (u PositionUpdate) Apply(pos *trading.Position) {
	if u.Status != nil {
		pos.Status = *u.Status
	}
	if u.StopLossPrice != nil {
		pos.StopLossPrice = *u.StopLossPrice
	}
	if u.TrailingArmed != nil {
		pos.TrailingArmed = *u.TrailingArmed
	}
	if u.LastRatchetProfitPercent != nil {
		pos.LastRatchetProfitPercent = *u.LastRatchetProfitPercent
	}
	if u.PendingExitReason != nil {
		pos.PendingExitReason = *u.PendingExitReason
	}
	if u.ClosedAt != nil {
		at := *u.ClosedAt
		pos.ClosedAt = &at
	}
	if u.ExitPrice != nil {
		pos.ExitPrice = *u.ExitPrice
	}
	if u.ExitReason != nil {
		pos.ExitReason = *u.ExitReason
	}
	if u.ExitFee != nil {
		pos.ExitFee = *u.ExitFee
	}
	if u.RealizedPnl != nil {
		pos.RealizedPnl = *u.RealizedPnl
	}
}

type OperationType string

const (
	OpOpened         OperationType = "OPENED"
	OpStopMoved      OperationType = "STOP_MOVED"
	OpCloseRequested OperationType = "CLOSE_REQUESTED"
	OpClosed         OperationType = "CLOSED"
	OpPhantom        OperationType = "PHANTOM"
	OpCloseFailed    OperationType = "CLOSE_FAILED"
	OpOrderUnknown   OperationType = "ORDER_UNKNOWN"
	OpRejected       OperationType = "REJECTED"
)

// Operation is one audit line in the position operation log.
type Operation struct {
	ID         int64          `json:"id"`
	PositionID string         `json:"position_id"`
	Symbol     string         `json:"symbol"`
	Type       OperationType  `json:"type"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}
