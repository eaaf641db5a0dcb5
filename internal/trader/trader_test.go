package trader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tothemoon/internal/gateway/exchange"
	"tothemoon/internal/gateway/notifier"
	"tothemoon/internal/risk"
	"tothemoon/internal/store"
	"tothemoon/internal/trading"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPosition_FillsPersistsAndTracks(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	pos := h.open(t, "btcusdt", trading.SideLong)

	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.True(t, pos.EntryPrice.Equal(dec("100")))
	assert.True(t, pos.Quantity.Equal(dec("10")))
	assert.True(t, pos.CapitalEngaged.Equal(dec("1000")))
	assert.True(t, pos.StopLossPrice.Equal(dec("99.5")))
	assert.True(t, pos.TakeProfitPrice.Equal(dec("101")))

	row := h.row(t, pos.ID)
	assert.Equal(t, trading.StatusOpen, row.Status)
	assert.Len(t, h.tr.Positions(), 1)
	assert.Equal(t, 1, h.venue.OpenPositionsFor("BTCUSDT", trading.SideLong))
	assert.Len(t, h.events.OfType(notifier.EventOpened), 1)

	ops, err := h.ledger.ListOperations(context.Background(), pos.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, ops)
	assert.Equal(t, store.OpOpened, ops[0].Type)
}

func TestOpenPosition_ShortLevels(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	pos := h.open(t, "ETHUSDT", trading.SideShort)
	assert.True(t, pos.StopLossPrice.Equal(dec("50.25")))
	assert.True(t, pos.TakeProfitPrice.Equal(dec("49.5")))
}

func TestOpenPosition_InvalidSignal(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.tr.OpenPosition(context.Background(), Signal{Symbol: "BTCUSDT", Side: trading.SideLong})
	assert.ErrorIs(t, err, trading.ErrInvariant)
	_, err = h.tr.OpenPosition(context.Background(), Signal{Symbol: "", Side: trading.SideLong, SizePercent: dec("1")})
	assert.ErrorIs(t, err, trading.ErrInvariant)
}

func TestOpenPosition_BelowMinimumNotional(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	res, err := h.tr.OpenPosition(context.Background(), Signal{Symbol: "BTCUSDT", Side: trading.SideLong, SizePercent: dec("0.01")})
	require.NoError(t, err)
	assert.False(t, res.Decision.Admitted)
	assert.Equal(t, risk.ReasonBelowMinimumNotional, res.Decision.Reason)
	assert.Len(t, h.events.OfType(notifier.EventRiskRejected), 1)
	assert.Equal(t, 0, h.venue.Calls(exchange.OpPlaceOrder))
}

func TestOpenPosition_NonAmbiguousFailureAbandons(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.venue.FailNext(exchange.OpPlaceOrder, errors.New("insufficient margin"), 1)
	_, err := h.tr.OpenPosition(context.Background(), Signal{Symbol: "BTCUSDT", Side: trading.SideLong, SizePercent: dec("10")})
	require.Error(t, err)
	assert.ErrorIs(t, err, exchange.ErrVenue)
	assert.Equal(t, 0, h.venue.Calls(exchange.OpQueryOrder))

	// the reservation was released, so the symbol is free again
	h.open(t, "BTCUSDT", trading.SideLong)
}

func TestOpenPosition_AmbiguousFillIsConfirmed(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.venue.FailAfterSubmit(exchange.OpPlaceOrder, context.DeadlineExceeded, 1)
	pos := h.open(t, "BTCUSDT", trading.SideLong)
	assert.GreaterOrEqual(t, h.venue.Calls(exchange.OpQueryOrder), 1)
	assert.Equal(t, trading.StatusOpen, h.row(t, pos.ID).Status)
	assert.Equal(t, 1, h.venue.OpenPositionsFor("BTCUSDT", trading.SideLong))
}

func TestOpenPosition_UnknownFillIsEscalatedThenAdopted(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.venue.FailAfterSubmit(exchange.OpPlaceOrder, context.DeadlineExceeded, 1)
	h.venue.FailNext(exchange.OpQueryOrder, errors.New("gateway timeout"), 1000)

	_, err := h.tr.OpenPosition(context.Background(), Signal{Symbol: "BTCUSDT", Side: trading.SideLong, SizePercent: dec("10")})
	require.ErrorIs(t, err, ErrFillUnknown)
	require.Eventually(t, func() bool {
		return len(h.events.OfType(notifier.EventOrderUnknown)) == 1
	}, time.Second, 5*time.Millisecond)

	// the unknown entry still holds its symbol slot
	res, err := h.tr.OpenPosition(context.Background(), Signal{Symbol: "BTCUSDT", Side: trading.SideLong, SizePercent: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonMaxPerSymbol, res.Decision.Reason)

	h.venue.ClearFaults(exchange.OpQueryOrder)
	report, err := h.tr.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Adopted, 1)
	assert.Empty(t, report.Orphans)
	assert.Empty(t, report.Phantoms)

	row := h.row(t, report.Adopted[0])
	assert.Equal(t, trading.StatusOpen, row.Status)
	assert.Len(t, h.tr.Positions(), 1)
}

func TestOpenPosition_ConcurrentSameSymbolAdmitsOne(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	var wg sync.WaitGroup
	results := make([]OpenResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.tr.OpenPosition(context.Background(),
				Signal{Symbol: "BTCUSDT", Side: trading.SideLong, SizePercent: dec("10")})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	admitted := 0
	for _, res := range results {
		if res.Decision.Admitted {
			admitted++
		} else {
			assert.Equal(t, risk.ReasonMaxPerSymbol, res.Decision.Reason)
		}
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, h.venue.OpenPositionsFor("BTCUSDT", trading.SideLong))
}

func TestOpenPosition_SecondEntryOnOpenSymbolRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "BTCUSDT", trading.SideLong)
	res, err := h.tr.OpenPosition(context.Background(), Signal{Symbol: "BTCUSDT", Side: trading.SideShort, SizePercent: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonMaxPerSymbol, res.Decision.Reason)
}

func TestOpenPosition_ExposureCeiling(t *testing.T) {
	h := newHarness(t, harnessOpts{risk: func(c *risk.Config) { c.MaxExposurePercent = dec("15") }})
	h.open(t, "BTCUSDT", trading.SideLong)
	res, err := h.tr.OpenPosition(context.Background(), Signal{Symbol: "ETHUSDT", Side: trading.SideLong, SizePercent: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonExposureCeiling, res.Decision.Reason)
}

func TestTick_TakeProfitClosesAndBooksPnl(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	pos := h.open(t, "BTCUSDT", trading.SideLong)

	h.tick(t, "BTCUSDT", "101")

	row := h.row(t, pos.ID)
	assert.Equal(t, trading.StatusClosed, row.Status)
	assert.Equal(t, trading.ExitTakeProfit, row.ExitReason)
	require.True(t, row.RealizedPnl.Valid)
	assert.True(t, row.RealizedPnl.Decimal.Equal(dec("10")), row.RealizedPnl.Decimal.String())
	assert.Empty(t, row.PendingExitReason)
	assert.True(t, h.tr.Budget().RealizedPnlToday.Equal(dec("10")))
	assert.Empty(t, h.tr.Positions())
	assert.Equal(t, 0, h.venue.OpenPositionsFor("BTCUSDT", trading.SideLong))

	closed := h.events.OfType(notifier.EventClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, string(trading.ExitTakeProfit), closed[0].Reason)

	snap, found, err := h.ledger.LoadBudget(context.Background(), "2024-03-04")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, snap.RealizedPnlToday.Equal(dec("10")))
}

func TestTick_StopBoundaryClosesWithFees(t *testing.T) {
	h := newHarness(t, harnessOpts{trader: func(c *Config) { c.FeeRatePercent = dec("0.1") }})
	pos := h.open(t, "BTCUSDT", trading.SideLong)
	assert.True(t, pos.EntryFee.Equal(dec("1")), pos.EntryFee.String())

	h.tick(t, "BTCUSDT", "99.5")

	row := h.row(t, pos.ID)
	assert.Equal(t, trading.ExitStopLoss, row.ExitReason)
	// gross -5, entry fee 1, exit fee 0.995
	assert.True(t, row.RealizedPnl.Decimal.Equal(dec("-6.995")), row.RealizedPnl.Decimal.String())
}

func TestTick_TrailingArmsThenClosesOnRetrace(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	pos := h.open(t, "BTCUSDT", trading.SideLong)

	h.tick(t, "BTCUSDT", "100.6")
	views := h.tr.Positions()
	require.Len(t, views, 1)
	assert.Equal(t, "ARMED_TRAILING", views[0].Phase)
	assert.True(t, views[0].Position.StopLossPrice.Equal(dec("100.3")))

	row := h.row(t, pos.ID)
	assert.True(t, row.TrailingArmed)
	assert.True(t, row.StopLossPrice.Equal(dec("100.3")))

	h.tick(t, "BTCUSDT", "100.2")
	row = h.row(t, pos.ID)
	assert.Equal(t, trading.StatusClosed, row.Status)
	assert.Equal(t, trading.ExitTrailingStop, row.ExitReason)
	assert.True(t, row.StopLossPrice.Equal(dec("100.3")))
	assert.True(t, row.RealizedPnl.Decimal.Equal(dec("2")), row.RealizedPnl.Decimal.String())
}

func TestTick_TimeoutClosesStagnantTrade(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	pos := h.open(t, "BTCUSDT", trading.SideLong)

	h.clock.Advance(14 * time.Minute)
	h.tick(t, "BTCUSDT", "100.1")
	assert.Equal(t, trading.StatusOpen, h.row(t, pos.ID).Status)

	h.clock.Advance(time.Minute)
	h.tick(t, "BTCUSDT", "100.1")
	assert.Equal(t, trading.ExitTimeout, h.row(t, pos.ID).ExitReason)
}

func TestTick_RejectsBadInput(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	err := h.tr.Tick(context.Background(), "BTCUSDT", dec("0"), time.Time{})
	assert.ErrorIs(t, err, trading.ErrInvariant)
}

func TestClose_TransientFailureIsRetried(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	pos := h.open(t, "BTCUSDT", trading.SideLong)
	h.venue.FailNext(exchange.OpClosePosition, errors.New("502 bad gateway"), 1)

	h.tick(t, "BTCUSDT", "99")

	assert.Equal(t, trading.StatusClosed, h.row(t, pos.ID).Status)
	assert.Equal(t, 2, h.venue.Calls(exchange.OpClosePosition))
	assert.Empty(t, h.events.OfType(notifier.EventCloseFailed))
}

func TestClose_AmbiguousFailureIsNotDoubleExecuted(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	pos := h.open(t, "BTCUSDT", trading.SideLong)
	h.venue.FailAfterSubmit(exchange.OpClosePosition, context.DeadlineExceeded, 1)

	h.tick(t, "BTCUSDT", "101")

	row := h.row(t, pos.ID)
	assert.Equal(t, trading.StatusClosed, row.Status)
	assert.True(t, row.RealizedPnl.Decimal.Equal(dec("10")))
	assert.True(t, h.tr.Budget().RealizedPnlToday.Equal(dec("10")))
}

func TestClose_ExhaustionEscalatesAndNextTickRetries(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	pos := h.open(t, "BTCUSDT", trading.SideLong)
	// CloseMaxRetries=2 means three attempts per round
	h.venue.FailNext(exchange.OpClosePosition, errors.New("service unavailable"), 3)

	h.tick(t, "BTCUSDT", "99.4")

	row := h.row(t, pos.ID)
	assert.Equal(t, trading.StatusOpen, row.Status)
	assert.Equal(t, trading.ExitStopLoss, row.PendingExitReason)
	require.Len(t, h.events.OfType(notifier.EventCloseFailed), 1)
	views := h.tr.Positions()
	require.Len(t, views, 1)
	assert.Equal(t, "CLOSING", views[0].Phase)

	// the decided reason is kept even though price recovered
	h.tick(t, "BTCUSDT", "100.2")
	row = h.row(t, pos.ID)
	assert.Equal(t, trading.StatusClosed, row.Status)
	assert.Equal(t, trading.ExitStopLoss, row.ExitReason)
	assert.Len(t, h.events.OfType(notifier.EventCloseFailed), 1)
}

func TestManualClose(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	pos := h.open(t, "BTCUSDT", trading.SideLong)

	assert.ErrorIs(t, h.tr.ManualClose(context.Background(), "nope"), trading.ErrInvariant)

	require.NoError(t, h.tr.ManualClose(context.Background(), pos.ID))
	h.flush(t)
	row := h.row(t, pos.ID)
	assert.Equal(t, trading.ExitManual, row.ExitReason)
	assert.True(t, row.RealizedPnl.Decimal.IsZero())
}

func TestReconcile_PhantomIsCleanedUpWithoutPnl(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	pos := h.open(t, "BTCUSDT", trading.SideLong)
	keep := h.open(t, "ETHUSDT", trading.SideLong)
	require.True(t, h.venue.Drop(pos.ExternalID))

	report, err := h.tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, []string{pos.ID}, report.Phantoms)

	row := h.row(t, pos.ID)
	assert.Equal(t, trading.StatusClosed, row.Status)
	assert.Equal(t, trading.ExitPhantomCleanup, row.ExitReason)
	require.True(t, row.RealizedPnl.Valid)
	assert.True(t, row.RealizedPnl.Decimal.IsZero())
	assert.False(t, row.ExitPrice.Valid)
	assert.True(t, h.tr.Budget().RealizedPnlToday.IsZero())

	assert.Equal(t, trading.StatusOpen, h.row(t, keep.ID).Status)
	require.Len(t, h.tr.Positions(), 1)
	assert.Len(t, h.events.OfType(notifier.EventPhantomDetected), 1)

	var types []store.OperationType
	ops, err := h.ledger.ListOperations(context.Background(), pos.ID, 10)
	require.NoError(t, err)
	for _, op := range ops {
		types = append(types, op.Type)
	}
	assert.Contains(t, types, store.OpPhantom)
	assert.Contains(t, types, store.OpClosed)

	// a second pass finds nothing to repair
	report, err = h.tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Phantoms)
}

func TestReconcile_GracePeriodSkipsFreshPositions(t *testing.T) {
	h := newHarness(t, harnessOpts{trader: func(c *Config) { c.PhantomGracePeriod = time.Minute }})
	pos := h.open(t, "BTCUSDT", trading.SideLong)
	h.venue.Drop(pos.ExternalID)

	report, err := h.tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, report.Phantoms)

	h.clock.Advance(2 * time.Minute)
	report, err = h.tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{pos.ID}, report.Phantoms)
}

func TestReconcile_ReportsOrphans(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.venue.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "ETHUSDT", Side: trading.SideShort, Quantity: dec("1"), ClientOrderID: "manual-1",
	})
	require.NoError(t, err)
	report, err := h.tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Orphans, 1)
	assert.Empty(t, h.tr.Positions())
}

func TestDailyLossLimitLatchesUntilRollover(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	require.NoError(t, h.ledger.SaveBudget(context.Background(), trading.BudgetSnapshot{
		TradingDay:       "2024-03-04",
		RealizedPnlToday: dec("-210"),
	}))
	_, err := h.tr.Recover(context.Background())
	require.NoError(t, err)

	res, err := h.tr.OpenPosition(context.Background(), Signal{Symbol: "BTCUSDT", Side: trading.SideLong, SizePercent: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonDailyLossLimit, res.Decision.Reason)
	assert.True(t, h.tr.Budget().StopLossTriggeredToday)

	snap, _, err := h.ledger.LoadBudget(context.Background(), "2024-03-04")
	require.NoError(t, err)
	assert.True(t, snap.StopLossTriggeredToday)

	res, err = h.tr.OpenPosition(context.Background(), Signal{Symbol: "ETHUSDT", Side: trading.SideLong, SizePercent: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonDailyStopLossHit, res.Decision.Reason)

	h.clock.Advance(24 * time.Hour)
	h.open(t, "ETHUSDT", trading.SideLong)
	assert.Equal(t, "2024-03-05", h.tr.Budget().TradingDay)
	assert.False(t, h.tr.Budget().StopLossTriggeredToday)
}

func TestGapExitBlacklistsSymbol(t *testing.T) {
	h := newHarness(t, harnessOpts{trader: func(c *Config) {
		c.MaxGapPercent = dec("0.2")
		c.BlacklistDuration = time.Hour
	}})
	h.open(t, "BTCUSDT", trading.SideLong)

	h.tick(t, "BTCUSDT", "99")

	res, err := h.tr.OpenPosition(context.Background(), Signal{Symbol: "BTCUSDT", Side: trading.SideLong, SizePercent: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonSymbolBlacklisted, res.Decision.Reason)

	// a fill right at the stop is not a gap
	h.open(t, "ETHUSDT", trading.SideLong)
	h.tick(t, "ETHUSDT", "49.75")
	res, err = h.tr.OpenPosition(context.Background(), Signal{Symbol: "ETHUSDT", Side: trading.SideLong, SizePercent: dec("10")})
	require.NoError(t, err)
	assert.True(t, res.Decision.Admitted, res.Decision.String())
}

func TestStopEscalatesPendingClosesAndRecoverFinishesThem(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	pos := h.open(t, "BTCUSDT", trading.SideLong)
	h.venue.FailNext(exchange.OpClosePosition, errors.New("maintenance"), 1000)

	h.tick(t, "BTCUSDT", "99")

	err := h.tr.Stop(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	assert.Len(t, h.events.OfType(notifier.EventShutdownPendingClose), 1)
	assert.ErrorIs(t, h.tr.Tick(context.Background(), "BTCUSDT", dec("99"), time.Time{}), ErrStopped)
	_, err = h.tr.OpenPosition(context.Background(), Signal{Symbol: "ETHUSDT", Side: trading.SideLong, SizePercent: dec("1")})
	assert.ErrorIs(t, err, ErrStopped)

	row := h.row(t, pos.ID)
	assert.Equal(t, trading.StatusOpen, row.Status)
	assert.Equal(t, trading.ExitStopLoss, row.PendingExitReason)

	h.venue.ClearFaults(exchange.OpClosePosition)
	h.start(t, harnessOpts{})
	report, err := h.tr.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Phantoms)
	h.flush(t)

	row = h.row(t, pos.ID)
	assert.Equal(t, trading.StatusClosed, row.Status)
	assert.Equal(t, trading.ExitStopLoss, row.ExitReason)
	assert.True(t, h.tr.Budget().RealizedPnlToday.Equal(dec("-10")))
}

func TestRecover_RestoresTrailingState(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	pos := h.open(t, "BTCUSDT", trading.SideLong)
	h.tick(t, "BTCUSDT", "100.6")
	require.NoError(t, h.tr.Stop(context.Background()))

	h.start(t, harnessOpts{})
	_, err := h.tr.Recover(context.Background())
	require.NoError(t, err)
	views := h.tr.Positions()
	require.Len(t, views, 1)
	assert.Equal(t, pos.ID, views[0].Position.ID)
	assert.Equal(t, "ARMED_TRAILING", views[0].Phase)
	assert.True(t, views[0].Position.StopLossPrice.Equal(dec("100.3")))
}

func TestClose_LedgerFailureIsFinalizedOnNextTick(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	pos := h.open(t, "BTCUSDT", trading.SideLong)
	// intent write and close write each exhaust their retries
	h.ledger.FailNext("Update", errors.New("database is locked"), 8)

	h.tick(t, "BTCUSDT", "101")

	assert.Equal(t, trading.StatusOpen, h.row(t, pos.ID).Status)
	assert.Equal(t, 0, h.venue.OpenPositionsFor("BTCUSDT", trading.SideLong))
	require.Len(t, h.events.OfType(notifier.EventCloseFailed), 1)
	assert.True(t, h.tr.Budget().RealizedPnlToday.IsZero())

	h.tick(t, "BTCUSDT", "95")

	row := h.row(t, pos.ID)
	assert.Equal(t, trading.StatusClosed, row.Status)
	assert.Equal(t, trading.ExitTakeProfit, row.ExitReason)
	assert.True(t, row.ExitPrice.Decimal.Equal(dec("101")))
	assert.True(t, h.tr.Budget().RealizedPnlToday.Equal(dec("10")))
	assert.Equal(t, 1, h.venue.Calls(exchange.OpClosePosition))
}

// slowLedger stalls the open-position query the admission check runs, keeping
// the trader loop busy.
type slowLedger struct {
	store.Ledger
	delay time.Duration
}

func (l slowLedger) QueryByStatus(ctx context.Context, status trading.Status) ([]trading.Position, error) {
	time.Sleep(l.delay)
	return l.Ledger.QueryByStatus(ctx, status)
}

func TestOpenPosition_AbandonedAdmitReleasesReservation(t *testing.T) {
	h := newHarness(t, harnessOpts{ledger: func(l store.Ledger) store.Ledger {
		return slowLedger{Ledger: l, delay: 150 * time.Millisecond}
	}})
	sig := Signal{Symbol: "BTCUSDT", Side: trading.SideLong, SizePercent: dec("10")}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.tr.OpenPosition(ctx, sig)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	h.flush(t)
	assert.Equal(t, 0, h.venue.Calls("place_order"))

	res, err := h.tr.OpenPosition(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, res.Decision.Admitted, res.Decision.String())
	require.NotNil(t, res.Position)
	assert.Equal(t, 1, h.venue.Calls("place_order"))
}

func TestRecover_RebuildsBudgetFromLedgerCloses(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "BTCUSDT", trading.SideLong)
	h.tick(t, "BTCUSDT", "101")
	require.True(t, h.tr.Budget().RealizedPnlToday.Equal(dec("10")))
	require.NoError(t, h.tr.Stop(context.Background()))

	// the process died after the CLOSED row but before the budget write
	require.NoError(t, h.ledger.SaveBudget(context.Background(), trading.BudgetSnapshot{
		TradingDay: "2024-03-04", RealizedPnlToday: dec("0"),
	}))

	h.start(t, harnessOpts{})
	_, err := h.tr.Recover(context.Background())
	require.NoError(t, err)
	assert.True(t, h.tr.Budget().RealizedPnlToday.Equal(dec("10")), h.tr.Budget().RealizedPnlToday.String())

	snap, found, err := h.ledger.LoadBudget(context.Background(), "2024-03-04")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, snap.RealizedPnlToday.Equal(dec("10")))
}
