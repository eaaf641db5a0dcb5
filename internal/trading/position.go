package trading

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide accepts LONG/SHORT as well as the buy/sell spelling venues use.
func ParseSide(raw string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LONG", "BUY":
		return SideLong, nil
	case "SHORT", "SELL":
		return SideShort, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrInvariant, raw)
	}
}

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// Sign is +1 for LONG and -1 for SHORT.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (s Side) String() string { return string(s) }

type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusClosed  Status = "CLOSED"
	StatusPhantom Status = "PHANTOM"
)

type ExitReason string

const (
	ExitStopLoss       ExitReason = "STOP_LOSS"
	ExitTakeProfit     ExitReason = "TAKE_PROFIT"
	ExitTrailingStop   ExitReason = "TRAILING_STOP"
	ExitTimeout        ExitReason = "TIMEOUT"
	ExitManual         ExitReason = "MANUAL"
	ExitPhantomCleanup ExitReason = "PHANTOM_CLEANUP"
)

func (r ExitReason) Valid() bool {
	switch r {
	case ExitStopLoss, ExitTakeProfit, ExitTrailingStop, ExitTimeout, ExitManual, ExitPhantomCleanup:
		return true
	}
	return false
}

// Position is one directional trade from entry to exit.
//
// EntryPrice, Quantity, CapitalEngaged and OpenedAt are fixed at open.
// StopLossPrice only moves in the position's favour (TightenStop).
// ClosedAt, ExitPrice, ExitReason and RealizedPnl are written exactly once by
// Close.
type Position struct {
	ID         string `json:"id"`
	Symbol     string `json:"symbol"`
	Side       Side   `json:"side"`
	OrderID    string `json:"order_id,omitempty"`
	ExternalID string `json:"external_id"`

	EntryPrice     decimal.Decimal `json:"entry_price"`
	Quantity       decimal.Decimal `json:"quantity"`
	CapitalEngaged decimal.Decimal `json:"capital_engaged"`
	EntryFee       decimal.Decimal `json:"entry_fee"`
	OpenedAt       time.Time       `json:"opened_at"`

	StopLossPrice            decimal.Decimal `json:"stop_loss_price"`
	InitialStopLossPrice     decimal.Decimal `json:"initial_stop_loss_price"`
	TakeProfitPrice          decimal.Decimal `json:"take_profit_price"`
	TrailingArmed            bool            `json:"trailing_armed"`
	LastRatchetProfitPercent decimal.Decimal `json:"last_ratchet_profit_percent"`

	Status            Status     `json:"status"`
	PendingExitReason ExitReason `json:"pending_exit_reason,omitempty"`

	ClosedAt    *time.Time          `json:"closed_at,omitempty"`
	ExitPrice   decimal.NullDecimal `json:"exit_price"`
	ExitReason  ExitReason          `json:"exit_reason,omitempty"`
	ExitFee     decimal.Decimal     `json:"exit_fee"`
	RealizedPnl decimal.NullDecimal `json:"realized_pnl"`
}

// ValidateOpen checks the invariants a position must satisfy to be tracked.
func (p *Position) ValidateOpen() error {
	if p == nil {
		return fmt.Errorf("%w: nil position", ErrInvariant)
	}
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("%w: position missing id or symbol", ErrInvariant)
	}
	if !p.Side.Valid() {
		return fmt.Errorf("%w: position %s has invalid side %q", ErrInvariant, p.ID, p.Side)
	}
	if p.Status != StatusOpen {
		return fmt.Errorf("%w: position %s is %s, not OPEN", ErrInvariant, p.ID, p.Status)
	}
	if !p.Quantity.IsPositive() || !p.CapitalEngaged.IsPositive() || !p.EntryPrice.IsPositive() {
		return fmt.Errorf("%w: position %s needs positive quantity, capital and entry (qty=%s capital=%s entry=%s)",
			ErrInvariant, p.ID, p.Quantity, p.CapitalEngaged, p.EntryPrice)
	}
	if !p.StopLossPrice.IsPositive() || !p.TakeProfitPrice.IsPositive() {
		return fmt.Errorf("%w: position %s missing stop or target", ErrInvariant, p.ID)
	}
	initial := p.InitialStopLossPrice
	if initial.IsZero() {
		initial = p.StopLossPrice
	}
	switch p.Side {
	case SideLong:
		if !initial.LessThan(p.EntryPrice) || !p.EntryPrice.LessThan(p.TakeProfitPrice) {
			return fmt.Errorf("%w: LONG %s needs stop < entry < target (stop=%s entry=%s target=%s)",
				ErrInvariant, p.ID, initial, p.EntryPrice, p.TakeProfitPrice)
		}
	case SideShort:
		if !initial.GreaterThan(p.EntryPrice) || !p.EntryPrice.GreaterThan(p.TakeProfitPrice) {
			return fmt.Errorf("%w: SHORT %s needs target < entry < stop (stop=%s entry=%s target=%s)",
				ErrInvariant, p.ID, initial, p.EntryPrice, p.TakeProfitPrice)
		}
	}
	return nil
}

func (p *Position) IsOpen() bool { return p != nil && p.Status == StatusOpen }

// UnrealizedPnlPercent is the move from entry to price in percent, signed so
// that a gain for the position is positive.
func (p *Position) UnrealizedPnlPercent(price decimal.Decimal) decimal.Decimal {
	if !p.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(hundred).Mul(p.Side.Sign())
}

// GrossPnl is (exit - entry) * quantity * directionSign.
func (p *Position) GrossPnl(exit decimal.Decimal) decimal.Decimal {
	return exit.Sub(p.EntryPrice).Mul(p.Quantity).Mul(p.Side.Sign())
}

// StopBreached reports whether price sits on or beyond the stop. Equality
// counts as a breach.
func (p *Position) StopBreached(price decimal.Decimal) bool {
	if p.Side == SideShort {
		return price.GreaterThanOrEqual(p.StopLossPrice)
	}
	return price.LessThanOrEqual(p.StopLossPrice)
}

func (p *Position) TargetReached(price decimal.Decimal) bool {
	if p.Side == SideShort {
		return price.LessThanOrEqual(p.TakeProfitPrice)
	}
	return price.GreaterThanOrEqual(p.TakeProfitPrice)
}

// StopDistancePercent is how far price sits from the stop, in percent of
// price, measured in the position's favour. It is <= 0 once breached.
func (p *Position) StopDistancePercent(price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(p.StopLossPrice).Mul(p.Side.Sign()).Div(price).Mul(hundred)
}

// TightenStop moves the stop to candidate when that is strictly in the
// position's favour and reports whether it moved.
func (p *Position) TightenStop(candidate decimal.Decimal) bool {
	if !candidate.IsPositive() {
		return false
	}
	switch p.Side {
	case SideShort:
		if candidate.LessThan(p.StopLossPrice) {
			p.StopLossPrice = candidate
			return true
		}
	default:
		if candidate.GreaterThan(p.StopLossPrice) {
			p.StopLossPrice = candidate
			return true
		}
	}
	return false
}

// MarkPhantom records that the venue no longer knows this position.
func (p *Position) MarkPhantom() error {
	if p.Status != StatusOpen {
		return fmt.Errorf("%w: position %s cannot turn phantom from %s", ErrInvariant, p.ID, p.Status)
	}
	p.Status = StatusPhantom
	return nil
}

// Close performs the single CLOSE transition. PHANTOM_CLEANUP zeroes the P&L
// impact; every other reason books gross P&L minus both fees.
func (p *Position) Close(at time.Time, exitPrice decimal.Decimal, reason ExitReason, exitFee decimal.Decimal) error {
	if !reason.Valid() {
		return fmt.Errorf("%w: unknown exit reason %q", ErrInvariant, reason)
	}
	switch p.Status {
	case StatusOpen:
		if reason == ExitPhantomCleanup {
			return fmt.Errorf("%w: position %s must be marked phantom before cleanup", ErrInvariant, p.ID)
		}
	case StatusPhantom:
		if reason != ExitPhantomCleanup {
			return fmt.Errorf("%w: phantom position %s only closes with %s", ErrInvariant, p.ID, ExitPhantomCleanup)
		}
	default:
		return fmt.Errorf("%w: position %s already %s", ErrInvariant, p.ID, p.Status)
	}
	closedAt := at
	p.ClosedAt = &closedAt
	p.ExitReason = reason
	p.PendingExitReason = ""
	if reason == ExitPhantomCleanup {
		p.ExitPrice = decimal.NullDecimal{}
		p.ExitFee = decimal.Zero
		p.RealizedPnl = decimal.NewNullDecimal(decimal.Zero)
	} else {
		p.ExitPrice = decimal.NewNullDecimal(exitPrice)
		p.ExitFee = exitFee
		p.RealizedPnl = decimal.NewNullDecimal(p.GrossPnl(exitPrice).Sub(p.EntryFee).Sub(exitFee))
	}
	p.Status = StatusClosed
	return nil
}

// Clone returns a deep copy safe to hand outside the trader loop.
func (p *Position) Clone() Position {
	cp := *p
	if p.ClosedAt != nil {
		at := *p.ClosedAt
		cp.ClosedAt = &at
	}
	return cp
}
