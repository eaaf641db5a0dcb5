package trading

import (
	"time"

	"github.com/shopspring/decimal"
)

const DayLayout = "2006-01-02"

// DailyRiskBudget is the process-wide, day-scoped loss state. It is owned by
// the trader loop; the risk gate only ever sees a BudgetSnapshot.
type DailyRiskBudget struct {
	TradingDay             string
	RealizedPnlToday       decimal.Decimal
	StopLossTriggeredToday bool

	loc     *time.Location
	applied map[string]struct{}
}

// BudgetSnapshot is the read-only view handed to the risk gate and the API.
type BudgetSnapshot struct {
	TradingDay             string          `json:"trading_day"`
	RealizedPnlToday       decimal.Decimal `json:"realized_pnl_today"`
	StopLossTriggeredToday bool            `json:"stop_loss_triggered_today"`
}

func NewDailyRiskBudget(now time.Time, loc *time.Location) *DailyRiskBudget {
	if loc == nil {
		loc = time.UTC
	}
	b := &DailyRiskBudget{loc: loc, applied: make(map[string]struct{})}
	b.TradingDay = b.DayKey(now)
	return b
}

// RestoreDailyRiskBudget rebuilds a budget from its persisted snapshot.
func RestoreDailyRiskBudget(snap BudgetSnapshot, loc *time.Location) *DailyRiskBudget {
	if loc == nil {
		loc = time.UTC
	}
	return &DailyRiskBudget{
		TradingDay:             snap.TradingDay,
		RealizedPnlToday:       snap.RealizedPnlToday,
		StopLossTriggeredToday: snap.StopLossTriggeredToday,
		loc:                    loc,
		applied:                make(map[string]struct{}),
	}
}

func (b *DailyRiskBudget) DayKey(t time.Time) string {
	return t.In(b.loc).Format(DayLayout)
}

// Rollover resets the budget when now falls on a different day than the
// current key. It reports whether a reset happened.
func (b *DailyRiskBudget) Rollover(now time.Time) bool {
	day := b.DayKey(now)
	if day == b.TradingDay {
		return false
	}
	b.TradingDay = day
	b.RealizedPnlToday = decimal.Zero
	b.StopLossTriggeredToday = false
	b.applied = make(map[string]struct{})
	return true
}

// ApplyClose books the realized P&L of one close. Replays of the same
// position id and closes stamped on another day are ignored.
func (b *DailyRiskBudget) ApplyClose(positionID string, pnl decimal.Decimal, closedAt time.Time) bool {
	if b.DayKey(closedAt) != b.TradingDay {
		return false
	}
	if _, dup := b.applied[positionID]; dup {
		return false
	}
	b.applied[positionID] = struct{}{}
	b.RealizedPnlToday = b.RealizedPnlToday.Add(pnl)
	return true
}

// DayBounds returns [start, end) of the current trading day.
func (b *DailyRiskBudget) DayBounds() (time.Time, time.Time) {
	start, err := time.ParseInLocation(DayLayout, b.TradingDay, b.loc)
	if err != nil {
		return time.Time{}, time.Time{}
	}
	return start, start.AddDate(0, 0, 1)
}

// Resync rebuilds RealizedPnlToday from the day's closed ledger rows, which
// win over a persisted snapshot that may have missed the last close. The
// stop-loss latch is left as is.
func (b *DailyRiskBudget) Resync(closed []Position) bool {
	total := decimal.Zero
	applied := make(map[string]struct{}, len(closed))
	for _, p := range closed {
		if p.Status != StatusClosed || p.ClosedAt == nil || !p.RealizedPnl.Valid {
			continue
		}
		if b.DayKey(*p.ClosedAt) != b.TradingDay {
			continue
		}
		if _, dup := applied[p.ID]; dup {
			continue
		}
		applied[p.ID] = struct{}{}
		total = total.Add(p.RealizedPnl.Decimal)
	}
	changed := !total.Equal(b.RealizedPnlToday)
	b.RealizedPnlToday = total
	b.applied = applied
	return changed
}

// MarkStopLossTriggered latches the daily circuit breaker until rollover.
func (b *DailyRiskBudget) MarkStopLossTriggered() bool {
	if b.StopLossTriggeredToday {
		return false
	}
	b.StopLossTriggeredToday = true
	return true
}

func (b *DailyRiskBudget) Snapshot() BudgetSnapshot {
	return BudgetSnapshot{
		TradingDay:             b.TradingDay,
		RealizedPnlToday:       b.RealizedPnlToday,
		StopLossTriggeredToday: b.StopLossTriggeredToday,
	}
}
