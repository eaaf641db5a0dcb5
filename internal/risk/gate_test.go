package risk

import (
	"testing"

	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate(Config{
		DailyStopLossPercent: d("2"),
		MaxOpenPositions:     3,
		MaxExposurePercent:   d("50"),
	})
	require.NoError(t, err)
	return g
}

func candidate() Candidate {
	return Candidate{
		Symbol:         "ETHUSDT",
		Side:           trading.SideLong,
		SizePercent:    d("10"),
		CapitalEngaged: d("1000"),
		MinNotional:    d("5"),
	}
}

func emptyPortfolio() Portfolio {
	return Portfolio{TotalCapital: d("10000"), OpenBySymbol: map[string]int{}}
}

func TestNewGate(t *testing.T) {
	g := newTestGate(t)
	assert.Equal(t, 1, g.Config().MaxPerSymbol, "per-symbol ceiling defaults to 1")

	_, err := NewGate(Config{MaxOpenPositions: 0, MaxExposurePercent: d("50")})
	assert.Error(t, err)
	_, err = NewGate(Config{MaxOpenPositions: 1})
	assert.Error(t, err)
}

func TestGate_AdmitHappyPath(t *testing.T) {
	g := newTestGate(t)
	dec := g.Admit(candidate(), emptyPortfolio(), trading.BudgetSnapshot{TradingDay: "2024-01-01"})
	assert.True(t, dec.Admitted)
	assert.Equal(t, "ADMIT", dec.String())
}

func TestGate_DailyLossLimit(t *testing.T) {
	g := newTestGate(t)
	budget := trading.BudgetSnapshot{TradingDay: "2024-01-01", RealizedPnlToday: d("-210")}

	dec := g.Admit(candidate(), emptyPortfolio(), budget)
	assert.False(t, dec.Admitted)
	assert.Equal(t, ReasonDailyLossLimit, dec.Reason)
	assert.True(t, dec.TriggerDailyStop)

	// The caller latches the stop; later recovery of the P&L does not reopen entries.
	budget.StopLossTriggeredToday = true
	budget.RealizedPnlToday = d("50")
	dec = g.Admit(candidate(), emptyPortfolio(), budget)
	assert.Equal(t, ReasonDailyStopLossHit, dec.Reason)
	assert.False(t, dec.TriggerDailyStop)
}

func TestGate_DailyLossBoundary(t *testing.T) {
	g := newTestGate(t)
	dec := g.Admit(candidate(), emptyPortfolio(), trading.BudgetSnapshot{RealizedPnlToday: d("-200")})
	assert.Equal(t, ReasonDailyLossLimit, dec.Reason, "exactly -2 percent trips the limit")

	dec = g.Admit(candidate(), emptyPortfolio(), trading.BudgetSnapshot{RealizedPnlToday: d("-199.99")})
	assert.True(t, dec.Admitted)
}

func TestGate_CheckOrder(t *testing.T) {
	g := newTestGate(t)
	full := Portfolio{
		TotalCapital:   d("10000"),
		EngagedCapital: d("4900"),
		OpenCount:      3,
		OpenBySymbol:   map[string]int{"ETHUSDT": 1},
	}
	c := candidate()
	c.CapitalEngaged = d("1")

	dec := g.Admit(c, full, trading.BudgetSnapshot{StopLossTriggeredToday: true, RealizedPnlToday: d("-500")})
	assert.Equal(t, ReasonDailyStopLossHit, dec.Reason)

	dec = g.Admit(c, full, trading.BudgetSnapshot{RealizedPnlToday: d("-500")})
	assert.Equal(t, ReasonDailyLossLimit, dec.Reason)

	dec = g.Admit(c, full, trading.BudgetSnapshot{})
	assert.Equal(t, ReasonMaxPositions, dec.Reason)

	full.OpenCount = 1
	dec = g.Admit(c, full, trading.BudgetSnapshot{})
	assert.Equal(t, ReasonMaxPerSymbol, dec.Reason)

	full.OpenBySymbol = map[string]int{}
	c.CapitalEngaged = d("101")
	dec = g.Admit(c, full, trading.BudgetSnapshot{})
	assert.Equal(t, ReasonExposureCeiling, dec.Reason)

	c.CapitalEngaged = d("4")
	dec = g.Admit(c, full, trading.BudgetSnapshot{})
	assert.Equal(t, ReasonBelowMinimumNotional, dec.Reason)
}

func TestGate_ExposureCeilingIsInclusive(t *testing.T) {
	g := newTestGate(t)
	p := emptyPortfolio()
	p.EngagedCapital = d("4000")
	dec := g.Admit(candidate(), p, trading.BudgetSnapshot{})
	assert.True(t, dec.Admitted, "landing exactly on the ceiling is allowed")
}

func TestGate_ZeroCapital(t *testing.T) {
	g := newTestGate(t)
	c := candidate()
	c.CapitalEngaged = decimal.Zero
	p := Portfolio{TotalCapital: decimal.Zero}
	dec := g.Admit(c, p, trading.BudgetSnapshot{RealizedPnlToday: d("-10")})
	assert.Equal(t, ReasonBelowMinimumNotional, dec.Reason)
}

func TestPortfolio_CountForNormalizesSymbol(t *testing.T) {
	p := Portfolio{OpenBySymbol: map[string]int{"BTCUSDT": 2}}
	assert.Equal(t, 2, p.CountFor(" btcusdt "))
	assert.Equal(t, 0, Portfolio{}.CountFor("BTCUSDT"))
}
