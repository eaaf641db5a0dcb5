package trader

import (
	"errors"
	"time"

	"tothemoon/internal/gateway/exchange"
	"tothemoon/internal/pkg/symbol"
	"tothemoon/internal/risk"
	"tothemoon/internal/strategy/exit"
	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
)

var (
	// ErrFillUnknown means an entry order may or may not have filled and the
	// venue could not confirm either way within the confirmation window.
	ErrFillUnknown = errors.New("trader: entry fill unknown")
	// ErrStopped is returned once shutdown has begun.
	ErrStopped = errors.New("trader: stopped")
)

// Signal is a request to open a position.
type Signal struct {
	Symbol      string          `json:"symbol"`
	Side        trading.Side    `json:"side"`
	SizePercent decimal.Decimal `json:"size_percent"`
	Source      string          `json:"source,omitempty"`
}

// OpenResult reports how an entry signal ended. Position is set only when
// the entry filled.
type OpenResult struct {
	Decision risk.Decision    `json:"decision"`
	Position *trading.Position `json:"position,omitempty"`
}

// ReconcileReport summarizes one ledger/venue cross-check.
type ReconcileReport struct {
	Checked  int      `json:"checked"`
	Skipped  int      `json:"skipped"`
	Phantoms []string `json:"phantoms"`
	Orphans  []string `json:"orphans"`
	Adopted  []string `json:"adopted"`
	Released []string `json:"released"`
}

// EventType 定义 actor 事件类型
type EventType string

const (
	EvtAdmit         EventType = "ADMIT"
	EvtCommitOpen    EventType = "COMMIT_OPEN"
	EvtReleaseEntry  EventType = "RELEASE_ENTRY"
	EvtEntryUnknown  EventType = "ENTRY_UNKNOWN"
	EvtPriceTick     EventType = "PRICE_TICK"
	EvtManualClose   EventType = "MANUAL_CLOSE"
	EvtCloseResult   EventType = "CLOSE_RESULT"
	EvtReconcile     EventType = "RECONCILE"
	EvtUnknownList   EventType = "UNKNOWN_LIST"
	EvtRestore       EventType = "RESTORE"
	EvtRedispatch    EventType = "REDISPATCH"
	EvtShutdownSweep EventType = "SHUTDOWN_SWEEP"
	EvtBarrier       EventType = "BARRIER"
)

// EventEnvelope 是 Actor 接收的标准消息信封
type EventEnvelope struct {
	ID        string
	Type      EventType
	Payload   any
	CreatedAt time.Time
	Symbol    string

	// ReplyCh 用于同步等待处理结果 (可选)
	ReplyCh chan error
}

type admitPayload struct {
	// reservationID is chosen by the caller so it can release a reservation
	// the loop made after the caller stopped waiting.
	reservationID string
	signal        Signal
	constraints   exchange.SymbolConstraints
	capital       decimal.Decimal
	price         decimal.Decimal

	// filled by the handler
	decision    risk.Decision
	reservation *reservation
}

type commitPayload struct {
	reservationID string
	fill          exchange.OrderResult

	position *trading.Position
}

type releasePayload struct {
	reservationID string
	reason        string
}

type tickPayload struct {
	symbol string
	price  decimal.Decimal
	at     time.Time
}

type manualClosePayload struct {
	positionID string
}

type closeResultPayload struct {
	positionID string
	directive  exit.Directive
	result     exchange.CloseResult
	err        error
}

type reconcilePayload struct {
	venue []exchange.Position
	now   time.Time

	report ReconcileReport
}

type unknownListPayload struct {
	out []reservation
}

type restorePayload struct {
	budget    *trading.BudgetSnapshot
	positions []trading.Position
	closed    []trading.Position

	restored int
}

type sweepPayload struct {
	pending []string
}

// reservation holds exposure for an admitted entry until its fill is
// committed to the ledger, or keeps it when the fill cannot be confirmed.
type reservation struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          trading.Side
	Engaged       decimal.Decimal
	Quantity      decimal.Decimal
	Leverage      decimal.Decimal
	CreatedAt     time.Time
	Unknown       bool
	// Fill is set when the venue filled but the ledger insert failed.
	Fill *exchange.OrderResult
}

func normalizeSymbol(raw string) string {
	return symbol.Normalize(raw)
}
