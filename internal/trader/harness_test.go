package trader

import (
	"context"
	"sync"
	"testing"
	"time"

	"tothemoon/internal/gateway/notifier"
	"tothemoon/internal/gateway/paper"
	"tothemoon/internal/risk"
	"tothemoon/internal/store"
	"tothemoon/internal/store/memstore"
	"tothemoon/internal/strategy/exit"
	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(dur time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(dur)
	c.mu.Unlock()
}

type harness struct {
	tr     *Trader
	venue  *paper.Gateway
	ledger *memstore.Store
	events *notifier.Recorder
	clock  *testClock
	cfg    Config
}

type harnessOpts struct {
	trader func(*Config)
	risk   func(*risk.Config)
	ledger func(store.Ledger) store.Ledger
}

func testConfig() Config {
	return Config{
		StopLossPercent:     dec("0.5"),
		TakeProfitPercent:   dec("1"),
		Leverage:            dec("1"),
		VenueTimeout:        time.Second,
		CloseMaxRetries:     2,
		CloseBackoffInitial: time.Millisecond,
		FillConfirmWindow:   150 * time.Millisecond,
		ShutdownTimeout:     time.Second,
	}
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
	venue := paper.New(paper.Config{Balance: dec("10000")})
	venue.SetClock(clock.Now)
	venue.SetPrice("BTCUSDT", dec("100"))
	venue.SetPrice("ETHUSDT", dec("50"))
	h := &harness{venue: venue, ledger: memstore.New(), clock: clock}
	h.cfg = testConfig()
	if opts.trader != nil {
		opts.trader(&h.cfg)
	}
	h.start(t, opts)
	return h
}

// start builds a fresh trader over the harness venue and ledger, the way a
// process restart would.
func (h *harness) start(t *testing.T, opts harnessOpts) {
	t.Helper()
	riskCfg := risk.Config{
		DailyStopLossPercent: dec("2"),
		MaxOpenPositions:     3,
		MaxPerSymbol:         1,
		MaxExposurePercent:   dec("50"),
	}
	if opts.risk != nil {
		opts.risk(&riskCfg)
	}
	gate, err := risk.NewGate(riskCfg)
	require.NoError(t, err)
	exits, err := exit.NewManager(exit.Config{
		TrailingActivationPercent:     dec("0.5"),
		TrailingStepPercent:           dec("0.3"),
		TradeTimeout:                  15 * time.Minute,
		MinProfitBeforeTimeoutPercent: dec("0.2"),
	})
	require.NoError(t, err)
	h.events = &notifier.Recorder{}
	var ledger store.Ledger = h.ledger
	if opts.ledger != nil {
		ledger = opts.ledger(ledger)
	}
	tr, err := New(h.cfg, Deps{
		Gateway:  h.venue,
		Ledger:   ledger,
		Gate:     gate,
		Exits:    exits,
		Notifier: h.events,
		Clock:    h.clock.Now,
	})
	require.NoError(t, err)
	tr.Start()
	h.tr = tr
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })
}

func (h *harness) open(t *testing.T, symbol string, side trading.Side) trading.Position {
	t.Helper()
	res, err := h.tr.OpenPosition(context.Background(), Signal{Symbol: symbol, Side: side, SizePercent: dec("10")})
	require.NoError(t, err)
	require.True(t, res.Decision.Admitted, res.Decision.String())
	require.NotNil(t, res.Position)
	return *res.Position
}

// tick sets the venue price and feeds it to the trader, then waits for any
// dispatched close to settle.
func (h *harness) tick(t *testing.T, symbol, price string) {
	t.Helper()
	h.venue.SetPrice(symbol, dec(price))
	require.NoError(t, h.tr.Tick(context.Background(), symbol, dec(price), h.clock.Now()))
	h.flush(t)
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.tr.Flush(ctx))
}

func (h *harness) row(t *testing.T, id string) trading.Position {
	t.Helper()
	pos, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return pos
}
