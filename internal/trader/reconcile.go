package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tothemoon/internal/gateway/exchange"
	"tothemoon/internal/trading"
)

// Reconcile cross-checks the ledger's OPEN rows against the venue.
//
//  1. Entries whose fill was unknown are re-queried: filled entries are
//     adopted, entries the venue never saw are released.
//  2. OPEN rows the venue no longer holds are repaired as phantoms, except
//     rows with a close in flight or opened within the grace period.
//  3. Venue positions unknown to the ledger are logged as orphans.
func (t *Trader) Reconcile(ctx context.Context) (ReconcileReport, error) {
	if t.stopping.Load() {
		return ReconcileReport{}, ErrStopped
	}
	var report ReconcileReport

	unknown := &unknownListPayload{}
	if err := t.sendSync(ctx, EvtUnknownList, "", unknown); err != nil {
		return report, err
	}
	for _, res := range unknown.out {
		t.resolveUnknown(ctx, res, &report)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.VenueTimeout)
	venue, err := t.gateway.ListOpenPositions(callCtx)
	cancel()
	if err != nil {
		return report, fmt.Errorf("reconcile: list venue positions: %w", err)
	}
	p := &reconcilePayload{venue: venue, now: t.now()}
	if err := t.sendSync(ctx, EvtReconcile, "", p); err != nil {
		return report, err
	}
	report.Checked = p.report.Checked
	report.Skipped = p.report.Skipped
	report.Phantoms = p.report.Phantoms
	report.Orphans = p.report.Orphans
	if len(report.Phantoms) > 0 || len(report.Adopted) > 0 || len(report.Released) > 0 {
		t.log.Warnf("reconcile: checked=%d phantoms=%d adopted=%d released=%d orphans=%d",
			report.Checked, len(report.Phantoms), len(report.Adopted), len(report.Released), len(report.Orphans))
	} else {
		t.log.Debugf("reconcile: checked=%d skipped=%d orphans=%d", report.Checked, report.Skipped, len(report.Orphans))
	}
	return report, nil
}

func (t *Trader) resolveUnknown(ctx context.Context, res reservation, report *ReconcileReport) {
	if res.Fill != nil {
		if err := t.sendSync(ctx, EvtCommitOpen, res.Symbol, &commitPayload{reservationID: res.ID, fill: *res.Fill}); err != nil {
			t.log.Warnf("adopt filled entry %s still failing: %v", res.ID, err)
			return
		}
		report.Adopted = append(report.Adopted, res.ID)
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.VenueTimeout)
	got, err := t.gateway.QueryOrder(callCtx, res.Symbol, res.ClientOrderID)
	cancel()
	switch {
	case err == nil && got.IsFilled():
		if err := t.sendSync(ctx, EvtCommitOpen, res.Symbol, &commitPayload{reservationID: res.ID, fill: got}); err != nil {
			t.log.Warnf("adopt entry %s failed: %v", res.ID, err)
			return
		}
		report.Adopted = append(report.Adopted, res.ID)
	case errors.Is(err, exchange.ErrOrderNotFound), err == nil && got.Status.Terminal():
		t.post(EvtReleaseEntry, res.Symbol, &releasePayload{reservationID: res.ID, reason: "venue has no fill"})
		report.Released = append(report.Released, res.ID)
	case err != nil:
		t.log.Warnf("entry %s %s still unknown: %v", res.Symbol, res.ClientOrderID, err)
	}
}

func (t *Trader) handleReconcile(p *reconcilePayload) error {
	ctx := context.Background()
	rows, err := t.ledger.QueryByStatus(ctx, trading.StatusOpen)
	if err != nil {
		return fmt.Errorf("reconcile: load open rows: %w", err)
	}
	onVenue := make(map[string]bool, len(p.venue))
	for _, vp := range p.venue {
		onVenue[vp.ExternalID] = true
	}
	known := make(map[string]bool, len(rows))
	for _, row := range rows {
		p.report.Checked++
		ext := row.ExternalID
		if ext == "" {
			ext = exchange.PositionKey(row.Symbol, row.Side)
		}
		known[ext] = true
		if t.inflight[row.ID] {
			p.report.Skipped++
			continue
		}
		if _, waiting := t.unfinalized[row.ID]; waiting {
			p.report.Skipped++
			continue
		}
		if p.now.Sub(row.OpenedAt) < t.cfg.PhantomGracePeriod {
			p.report.Skipped++
			continue
		}
		if onVenue[ext] {
			if _, _, tracked := t.exits.Get(row.ID); !tracked {
				if err := t.exits.Track(row); err != nil {
					t.log.Errorf("re-track %s: %v", row.ID, err)
				}
			}
			continue
		}
		if t.repairPhantom(ctx, row) {
			p.report.Phantoms = append(p.report.Phantoms, row.ID)
		}
	}
	for _, res := range t.reservations {
		if res.Fill != nil {
			known[res.Fill.ExternalID] = true
		}
	}
	for _, vp := range p.venue {
		if known[vp.ExternalID] || t.reservedOn(vp) {
			continue
		}
		t.log.Warnf("orphan venue position %s %s %s qty=%s not in ledger", vp.ExternalID, vp.Symbol, vp.Side, vp.Quantity)
		p.report.Orphans = append(p.report.Orphans, vp.ExternalID)
	}

	// a crash between the PHANTOM mark and the cleanup leaves PHANTOM rows
	stale, err := t.ledger.QueryByStatus(ctx, trading.StatusPhantom)
	if err != nil {
		t.log.Warnf("reconcile: load phantom rows: %v", err)
	}
	for _, row := range stale {
		if t.finalizePhantom(ctx, row) {
			p.report.Phantoms = append(p.report.Phantoms, row.ID)
		}
	}
	t.refreshSnapshot()
	return nil
}

// reservedOn reports whether an entry on the venue position's symbol and side
// is still awaiting its fill confirmation.
func (t *Trader) reservedOn(vp exchange.Position) bool {
	for _, res := range t.reservations {
		if res.Symbol == normalizeSymbol(vp.Symbol) && res.Side == vp.Side {
			return true
		}
	}
	return false
}

// Recover rebuilds in-memory state from the ledger on startup: the day's risk
// budget, every OPEN position with its trailing state, and pending closes.
// It finishes with one Reconcile.
func (t *Trader) Recover(ctx context.Context) (ReconcileReport, error) {
	p := &restorePayload{}
	day := t.now().In(t.cfg.Location).Format(trading.DayLayout)
	snap, found, err := t.ledger.LoadBudget(ctx, day)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("recover: load budget %s: %w", day, err)
	}
	if found {
		p.budget = &snap
	}
	if p.positions, err = t.ledger.QueryByStatus(ctx, trading.StatusOpen); err != nil {
		return ReconcileReport{}, fmt.Errorf("recover: load open positions: %w", err)
	}
	start, err := time.ParseInLocation(trading.DayLayout, day, t.cfg.Location)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("recover: day %s: %w", day, err)
	}
	if p.closed, err = t.ledger.QueryClosedBetween(ctx, start, start.AddDate(0, 0, 1)); err != nil {
		return ReconcileReport{}, fmt.Errorf("recover: load closed positions %s: %w", day, err)
	}
	if err := t.sendSync(ctx, EvtRestore, "", p); err != nil {
		return ReconcileReport{}, err
	}
	t.log.Infof("recovered %d open positions, budget %s pnl=%s stopped=%v",
		p.restored, day, t.Budget().RealizedPnlToday, t.Budget().StopLossTriggeredToday)
	return t.Reconcile(ctx)
}

func (t *Trader) handleRestore(p *restorePayload) error {
	ctx := context.Background()
	now := t.now()
	if p.budget != nil && p.budget.TradingDay == t.budget.DayKey(now) {
		t.budget = trading.RestoreDailyRiskBudget(*p.budget, t.cfg.Location)
	}
	before := t.budget.RealizedPnlToday
	if t.budget.Resync(p.closed) {
		t.log.Warnf("budget %s realized pnl %s resynced from %d ledger closes to %s",
			t.budget.TradingDay, before, len(p.closed), t.budget.RealizedPnlToday)
		t.saveBudget(ctx)
	}
	for _, pos := range p.positions {
		if _, _, tracked := t.exits.Get(pos.ID); tracked {
			continue
		}
		if err := t.exits.Track(pos); err != nil {
			t.log.Errorf("recover %s: %v", pos.ID, err)
			continue
		}
		p.restored++
		if pos.PendingExitReason != "" {
			d, err := t.exits.BeginClose(pos.ID, pos.PendingExitReason)
			if err != nil {
				t.log.Errorf("recover close intent %s: %v", pos.ID, err)
				continue
			}
			t.log.Warnf("re-dispatching %s close for %s decided before restart", pos.PendingExitReason, pos.ID)
			t.dispatchClose(ctx, pos.ID, d)
		}
	}
	t.refreshSnapshot()
	return nil
}

// RunReconciler calls Reconcile every interval until ctx is done.
func (t *Trader) RunReconciler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := t.Reconcile(ctx); err != nil {
				if errors.Is(err, ErrStopped) {
					return nil
				}
				t.log.Warnf("reconcile failed: %v", err)
			}
		}
	}
}
