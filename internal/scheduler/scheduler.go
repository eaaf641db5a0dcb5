package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tothemoon/internal/logger"
	"tothemoon/internal/trader"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// PriceSource is the venue price lookup the poller reads from.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// TickSink receives every polled price.
type TickSink interface {
	Tick(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error
}

// Watchlist reports which symbols carry open positions and whether a price
// sits within the gap-protection band of any stop on that symbol.
type Watchlist interface {
	Symbols() []string
	NearStop(symbol string, price, gapPct decimal.Decimal) bool
}

type Config struct {
	NormalInterval       time.Duration
	FastInterval         time.Duration
	GapProtectionPercent decimal.Decimal
	Concurrency          int
	Timeout              time.Duration
}

func (c Config) withDefaults() Config {
	if c.NormalInterval <= 0 {
		c.NormalInterval = 20 * time.Second
	}
	if c.FastInterval <= 0 {
		c.FastInterval = 3 * time.Second
	}
	if c.FastInterval > c.NormalInterval {
		c.FastInterval = c.NormalInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Poller polls the price of every symbol with an open position and feeds it
// to the trader. A symbol whose price is near a stop is polled at
// FastInterval until it closes or moves away, otherwise at NormalInterval.
type Poller struct {
	cfg    Config
	prices PriceSource
	sink   TickSink
	watch  Watchlist
	log    *logger.Component

	mu    sync.Mutex
	next  map[string]time.Time
	fast  map[string]bool
	nowFn func() time.Time
}

func New(cfg Config, prices PriceSource, sink TickSink, watch Watchlist) (*Poller, error) {
	if prices == nil || sink == nil || watch == nil {
		return nil, fmt.Errorf("scheduler: price source, sink and watchlist are required")
	}
	if cfg.GapProtectionPercent.IsNegative() {
		return nil, fmt.Errorf("scheduler: gap_protection_percent must be >= 0, got %s", cfg.GapProtectionPercent)
	}
	return &Poller{
		cfg:    cfg.withDefaults(),
		prices: prices,
		sink:   sink,
		watch:  watch,
		log:    logger.With("scheduler"),
		next:   make(map[string]time.Time),
		fast:   make(map[string]bool),
		nowFn:  time.Now,
	}, nil
}

// Run polls until ctx is done or the trader stops. The loop wakes at
// FastInterval granularity and polls only the symbols that are due.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Infof("price poller started normal=%s fast=%s gap=%s%% concurrency=%d",
		p.cfg.NormalInterval, p.cfg.FastInterval, p.cfg.GapProtectionPercent, p.cfg.Concurrency)
	ticker := time.NewTicker(p.cfg.FastInterval)
	defer ticker.Stop()
	for {
		if err := p.PollDue(ctx); err != nil {
			if errors.Is(err, trader.ErrStopped) {
				p.log.Infof("trader stopped, poller exit")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warnf("poll round failed: %v", err)
		}
		select {
		case <-ctx.Done():
			p.log.Infof("ctx done, poller exit")
			return nil
		case <-ticker.C:
		}
	}
}

// PollDue runs one round over the symbols whose next poll time has passed.
// Price errors are logged per symbol; only a stopped trader aborts the round.
func (p *Poller) PollDue(ctx context.Context) error {
	now := p.nowFn()
	due := p.due(now)
	if len(due) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, symbol := range due {
		symbol := symbol
		g.Go(func() error {
			return p.pollSymbol(gctx, symbol)
		})
	}
	return g.Wait()
}

func (p *Poller) pollSymbol(ctx context.Context, symbol string) error {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	price, err := p.prices.GetPrice(callCtx, symbol)
	cancel()
	if err != nil {
		p.log.Warnf("price %s failed: %v", symbol, err)
		p.schedule(symbol, p.isFast(symbol))
		return nil
	}
	at := p.nowFn()
	if err := p.sink.Tick(ctx, symbol, price, at); err != nil {
		if errors.Is(err, trader.ErrStopped) {
			return err
		}
		p.log.Errorf("tick %s @ %s failed: %v", symbol, price, err)
	}
	near := p.cfg.GapProtectionPercent.IsPositive() && p.watch.NearStop(symbol, price, p.cfg.GapProtectionPercent)
	if near != p.isFast(symbol) {
		if near {
			p.log.Warnf("%s @ %s within %s%% of stop, polling every %s", symbol, price, p.cfg.GapProtectionPercent, p.cfg.FastInterval)
		} else {
			p.log.Infof("%s @ %s left the stop band, polling every %s", symbol, price, p.cfg.NormalInterval)
		}
	}
	p.schedule(symbol, near)
	return nil
}

// due returns the watched symbols ready to poll and forgets symbols that no
// longer have open positions.
func (p *Poller) due(now time.Time) []string {
	symbols := p.watch.Symbols()
	watched := make(map[string]bool, len(symbols))
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, s := range symbols {
		watched[s] = true
		if at, ok := p.next[s]; !ok || !now.Before(at) {
			out = append(out, s)
		}
	}
	for s := range p.next {
		if !watched[s] {
			delete(p.next, s)
			delete(p.fast, s)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Poller) schedule(symbol string, fast bool) {
	interval := p.cfg.NormalInterval
	if fast {
		interval = p.cfg.FastInterval
	}
	p.mu.Lock()
	p.fast[symbol] = fast
	p.next[symbol] = p.nowFn().Add(interval)
	p.mu.Unlock()
}

func (p *Poller) isFast(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fast[symbol]
}

// Interval reports the current polling cadence for symbol.
func (p *Poller) Interval(symbol string) time.Duration {
	if p.isFast(symbol) {
		return p.cfg.FastInterval
	}
	return p.cfg.NormalInterval
}
