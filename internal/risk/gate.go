// Package risk implements admission control for new positions.
package risk

import (
	"fmt"
	"strings"

	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
)

type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonDailyStopLossHit     Reason = "DAILY_STOP_LOSS_HIT"
	ReasonDailyLossLimit       Reason = "DAILY_LOSS_LIMIT"
	ReasonMaxPositions         Reason = "MAX_POSITIONS"
	ReasonMaxPerSymbol         Reason = "MAX_PER_SYMBOL"
	ReasonExposureCeiling      Reason = "EXPOSURE_CEILING"
	ReasonBelowMinimumNotional Reason = "BELOW_MINIMUM_NOTIONAL"
	// ReasonSymbolBlacklisted is raised by the trader before the gate runs.
	ReasonSymbolBlacklisted Reason = "SYMBOL_BLACKLISTED"
)

var hundred = decimal.NewFromInt(100)

// Config is fixed at construction; the gate never reads ambient settings.
type Config struct {
	DailyStopLossPercent decimal.Decimal
	MaxOpenPositions     int
	MaxPerSymbol         int
	MaxExposurePercent   decimal.Decimal
}

func (c Config) Validate() error {
	if c.DailyStopLossPercent.IsNegative() {
		return fmt.Errorf("risk: daily_stop_loss_percent must be >= 0, got %s", c.DailyStopLossPercent)
	}
	if c.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk: max_open_positions must be > 0, got %d", c.MaxOpenPositions)
	}
	if c.MaxPerSymbol < 0 {
		return fmt.Errorf("risk: max_per_symbol must be >= 0, got %d", c.MaxPerSymbol)
	}
	if !c.MaxExposurePercent.IsPositive() {
		return fmt.Errorf("risk: max_exposure_percent must be > 0, got %s", c.MaxExposurePercent)
	}
	return nil
}

// Candidate is a proposed entry. MinNotional comes from the venue's symbol
// constraints.
type Candidate struct {
	Symbol         string
	Side           trading.Side
	SizePercent    decimal.Decimal
	CapitalEngaged decimal.Decimal
	MinNotional    decimal.Decimal
}

// Portfolio is the aggregate exposure at admission time, including entries
// that have been admitted but not yet persisted.
type Portfolio struct {
	TotalCapital   decimal.Decimal
	EngagedCapital decimal.Decimal
	OpenCount      int
	OpenBySymbol   map[string]int
}

func (p Portfolio) CountFor(symbol string) int {
	if p.OpenBySymbol == nil {
		return 0
	}
	return p.OpenBySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
}

// Decision is the outcome of Admit. TriggerDailyStop asks the caller to latch
// stopLossTriggeredToday on its budget.
type Decision struct {
	Admitted         bool   `json:"admitted"`
	Reason           Reason `json:"reason,omitempty"`
	Detail           string `json:"detail,omitempty"`
	TriggerDailyStop bool   `json:"trigger_daily_stop,omitempty"`
}

func (d Decision) String() string {
	if d.Admitted {
		return "ADMIT"
	}
	if d.Detail == "" {
		return "REJECT(" + string(d.Reason) + ")"
	}
	return fmt.Sprintf("REJECT(%s: %s)", d.Reason, d.Detail)
}

func admit() Decision { return Decision{Admitted: true} }

func reject(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Reject builds a rejection for checks that live outside the gate.
func Reject(reason Reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

type Gate struct {
	cfg Config
}

func NewGate(cfg Config) (*Gate, error) {
	if cfg.MaxPerSymbol == 0 {
		cfg.MaxPerSymbol = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gate{cfg: cfg}, nil
}

func (g *Gate) Config() Config { return g.cfg }

// Admit runs the admission checks in a fixed order and returns the first
// failure. It has no side effects.
//
// Order:
//  1. daily stop already latched
//  2. realized loss today at or beyond the daily limit
//  3. open position ceiling
//  4. per-symbol ceiling
//  5. exposure ceiling
//  6. venue minimum notional
func (g *Gate) Admit(c Candidate, p Portfolio, budget trading.BudgetSnapshot) Decision {
	if budget.StopLossTriggeredToday {
		return reject(ReasonDailyStopLossHit, "daily stop latched for %s", budget.TradingDay)
	}
	if loss, ok := g.dailyLossPercent(budget, p.TotalCapital); ok && g.cfg.DailyStopLossPercent.IsPositive() &&
		loss.LessThanOrEqual(g.cfg.DailyStopLossPercent.Neg()) {
		d := reject(ReasonDailyLossLimit, "realized %s%% <= -%s%%", loss.StringFixed(4), g.cfg.DailyStopLossPercent)
		d.TriggerDailyStop = true
		return d
	}
	if p.OpenCount >= g.cfg.MaxOpenPositions {
		return reject(ReasonMaxPositions, "%d/%d open", p.OpenCount, g.cfg.MaxOpenPositions)
	}
	if n := p.CountFor(c.Symbol); n >= g.cfg.MaxPerSymbol {
		return reject(ReasonMaxPerSymbol, "%s has %d/%d open", c.Symbol, n, g.cfg.MaxPerSymbol)
	}
	ceiling := p.TotalCapital.Mul(g.cfg.MaxExposurePercent).Div(hundred)
	if after := p.EngagedCapital.Add(c.CapitalEngaged); after.GreaterThan(ceiling) {
		return reject(ReasonExposureCeiling, "engaged %s + %s > ceiling %s", p.EngagedCapital, c.CapitalEngaged, ceiling)
	}
	if !c.CapitalEngaged.IsPositive() || c.CapitalEngaged.LessThan(c.MinNotional) {
		return reject(ReasonBelowMinimumNotional, "engaged %s < min notional %s", c.CapitalEngaged, c.MinNotional)
	}
	return admit()
}

func (g *Gate) dailyLossPercent(budget trading.BudgetSnapshot, totalCapital decimal.Decimal) (decimal.Decimal, bool) {
	if !totalCapital.IsPositive() {
		return decimal.Zero, false
	}
	return budget.RealizedPnlToday.Div(totalCapital).Mul(hundred), true
}
