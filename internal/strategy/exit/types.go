package exit

import (
	"fmt"
	"time"

	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
)

// Config 是退出状态机的不可变参数，构造时传入。
type Config struct {
	TrailingActivationPercent     decimal.Decimal
	TrailingStepPercent           decimal.Decimal
	TradeTimeout                  time.Duration
	MinProfitBeforeTimeoutPercent decimal.Decimal
}

func (c Config) Validate() error {
	if !c.TrailingActivationPercent.IsPositive() {
		return fmt.Errorf("exit: trailing_activation_percent must be > 0, got %s", c.TrailingActivationPercent)
	}
	if !c.TrailingStepPercent.IsPositive() {
		return fmt.Errorf("exit: trailing_step_percent must be > 0, got %s", c.TrailingStepPercent)
	}
	if c.TradeTimeout < 0 {
		return fmt.Errorf("exit: trade_timeout must be >= 0, got %s", c.TradeTimeout)
	}
	return nil
}

// Phase is the per-position sub-state tracked by the Manager. It is separate
// from trading.Status.
type Phase int

const (
	PhaseArmedInitial Phase = iota
	PhaseArmedTrailing
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseArmedInitial:
		return "ARMED_INITIAL"
	case PhaseArmedTrailing:
		return "ARMED_TRAILING"
	case PhaseClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

type Action int

const (
	ActionHold Action = iota
	ActionClose
)

func (a Action) String() string {
	if a == ActionClose {
		return "CLOSE"
	}
	return "HOLD"
}

// Directive is the outcome of one evaluation. Armed and Ratcheted report a
// stop move the caller should persist.
type Directive struct {
	Action        Action
	Reason        trading.ExitReason
	Price         decimal.Decimal
	ProfitPercent decimal.Decimal
	StopLossPrice decimal.Decimal
	Armed         bool
	Ratcheted     bool
}

func (d Directive) IsClose() bool { return d.Action == ActionClose }

// StopMoved reports whether this evaluation changed the stop level.
func (d Directive) StopMoved() bool { return d.Armed || d.Ratcheted }

func (d Directive) String() string {
	if d.IsClose() {
		return fmt.Sprintf("CLOSE(%s)", d.Reason)
	}
	return "HOLD"
}

// View is a read-only copy of a tracked position.
type View struct {
	Position trading.Position `json:"position"`
	Phase    string           `json:"phase"`
}
