package trader

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"tothemoon/internal/blacklist"
	"tothemoon/internal/gateway/exchange"
	"tothemoon/internal/gateway/notifier"
	"tothemoon/internal/logger"
	"tothemoon/internal/metrics"
	"tothemoon/internal/pkg/lock"
	"tothemoon/internal/risk"
	"tothemoon/internal/store"
	"tothemoon/internal/strategy/exit"
	"tothemoon/internal/trading"

	"github.com/google/uuid"
)

// Trader is the position lifecycle controller.
//
// Architecture:
//   - A single event loop (runLoop) owns the daily budget, entry reservations
//     and close bookkeeping, so admissions never race past the exposure
//     ceiling.
//   - Venue calls run outside the loop; their results come back as events.
//   - The exit manager holds the per-position state machine and is safe to
//     read from any goroutine.
type Trader struct {
	cfg       Config
	gateway   exchange.Gateway
	ledger    store.Ledger
	gate      *risk.Gate
	exits     *exit.Manager
	notify    notifier.Sink
	metrics   *metrics.Metrics
	blacklist *blacklist.Registry
	locker    lock.Locker
	now       func() time.Time
	log       *logger.Component

	eventRegistry *HandlerRegistry

	msgCh    chan EventEnvelope
	stopCh   chan struct{}
	stopping atomic.Bool
	started  atomic.Bool
	wg       sync.WaitGroup

	// closeCtx outlives Stop until the sweep has finished.
	closeCtx    context.Context
	closeCancel context.CancelFunc
	closeWG     sync.WaitGroup

	// loop-owned state
	budget       *trading.DailyRiskBudget
	reservations map[string]*reservation
	inflight     map[string]bool
	closeFails   map[string]int
	unfinalized  map[string]trading.Position

	budgetSnapshot atomic.Value
}

func New(cfg Config, deps Deps) (*Trader, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	deps, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}
	eventReg := NewHandlerRegistry()
	eventReg.RegisterDefaultHandlers()

	closeCtx, closeCancel := context.WithCancel(context.Background())
	t := &Trader{
		cfg:           cfg,
		gateway:       deps.Gateway,
		ledger:        deps.Ledger,
		gate:          deps.Gate,
		exits:         deps.Exits,
		notify:        deps.Notifier,
		metrics:       deps.Metrics,
		blacklist:     deps.Blacklist,
		locker:        deps.Locker,
		now:           deps.Clock,
		log:           logger.With("trader"),
		eventRegistry: eventReg,
		msgCh:         make(chan EventEnvelope, 256),
		stopCh:        make(chan struct{}),
		closeCtx:      closeCtx,
		closeCancel:   closeCancel,
		reservations:  make(map[string]*reservation),
		inflight:      make(map[string]bool),
		closeFails:    make(map[string]int),
		unfinalized:   make(map[string]trading.Position),
	}
	t.budget = trading.NewDailyRiskBudget(t.now(), cfg.Location)
	t.refreshSnapshot()
	return t, nil
}

func (t *Trader) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	t.wg.Add(1)
	go t.runLoop()
}

// Stop refuses new work, gives decided closes up to ShutdownTimeout to
// complete and escalates every close still pending.
func (t *Trader) Stop(ctx context.Context) error {
	if !t.stopping.CompareAndSwap(false, true) {
		return nil
	}
	if !t.started.Load() {
		t.closeCancel()
		return nil
	}
	t.log.Infof("stopping, draining in-flight closes")

	redispatched := &sweepPayload{}
	if err := t.sendSync(ctx, EvtRedispatch, "", redispatched); err != nil {
		t.log.Warnf("redispatch before shutdown failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, t.cfg.ShutdownTimeout)
	drained := t.waitCloses(waitCtx)
	cancel()
	if !drained {
		t.log.Warnf("closes still in flight after %s", t.cfg.ShutdownTimeout)
	}

	sweep := &sweepPayload{}
	sweepCtx, cancelSweep := context.WithTimeout(context.Background(), 5*time.Second)
	if err := t.sendSync(sweepCtx, EvtShutdownSweep, "", sweep); err != nil {
		t.log.Errorf("shutdown sweep failed: %v", err)
	}
	cancelSweep()

	t.closeCancel()
	close(t.stopCh)
	t.wg.Wait()
	if len(sweep.pending) > 0 {
		return fmt.Errorf("%w: %d closes pending at shutdown", ErrStopped, len(sweep.pending))
	}
	return nil
}

// waitCloses blocks until no close is in flight and every result has been
// processed by the loop.
func (t *Trader) waitCloses(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		t.closeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return false
	}
	return t.sendSync(ctx, EvtBarrier, "", struct{}{}) == nil
}

// Flush waits for in-flight closes and their bookkeeping to finish.
func (t *Trader) Flush(ctx context.Context) error {
	if !t.waitCloses(ctx) {
		return ctx.Err()
	}
	return nil
}

func (t *Trader) Send(evt EventEnvelope) error {
	select {
	case t.msgCh <- evt:
		return nil
	case <-t.stopCh:
		return ErrStopped
	}
}

func (t *Trader) SendSync(ctx context.Context, evt EventEnvelope) error {
	if evt.ReplyCh == nil {
		evt.ReplyCh = make(chan error, 1)
	}
	if err := t.Send(evt); err != nil {
		return err
	}
	select {
	case err := <-evt.ReplyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stopCh:
		return ErrStopped
	}
}

func (t *Trader) sendSync(ctx context.Context, typ EventType, symbol string, payload any) error {
	return t.SendSync(ctx, EventEnvelope{
		ID:        newEventID(string(typ)),
		Type:      typ,
		Payload:   payload,
		CreatedAt: t.now(),
		Symbol:    symbol,
	})
}

func (t *Trader) post(typ EventType, symbol string, payload any) {
	err := t.Send(EventEnvelope{
		ID:        newEventID(string(typ)),
		Type:      typ,
		Payload:   payload,
		CreatedAt: t.now(),
		Symbol:    symbol,
	})
	if err != nil {
		t.log.Warnf("post %s for %s dropped: %v", typ, symbol, err)
	}
}

func (t *Trader) runLoop() {
	defer t.wg.Done()
	t.log.Infof("actor started")
	for {
		select {
		case evt := <-t.msgCh:
			t.handleEvent(evt)
		case <-t.stopCh:
			t.log.Infof("actor stopped")
			return
		}
	}
}

// handleEvent recovers handler panics, replies to SendSync callers and warns
// on slow handlers.
func (t *Trader) handleEvent(evt EventEnvelope) {
	var err error
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			t.log.Errorf("panic handling event %s: %v\n%s", evt.Type, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
		if evt.ReplyCh != nil {
			evt.ReplyCh <- err
			close(evt.ReplyCh)
		}
		if dur := time.Since(start); dur > 250*time.Millisecond {
			t.log.Warnf("slow event %s took %v", evt.Type, dur)
		}
	}()

	handler, ok := t.eventRegistry.Get(evt.Type)
	if !ok {
		t.log.Warnf("no handler registered for event type %s", evt.Type)
		return
	}
	err = handler.Handle(NewHandlerContext(t), evt.Payload)
	if err != nil {
		t.log.Debugf("%s %s: %v", evt.Type, evt.Symbol, err)
	}
}

// Budget returns the latest daily risk budget snapshot.
func (t *Trader) Budget() trading.BudgetSnapshot {
	if v, ok := t.budgetSnapshot.Load().(trading.BudgetSnapshot); ok {
		return v
	}
	return trading.BudgetSnapshot{}
}

// Positions lists tracked open positions with their exit phase.
func (t *Trader) Positions() []exit.View {
	return t.exits.Views()
}

func (t *Trader) refreshSnapshot() {
	t.budgetSnapshot.Store(t.budget.Snapshot())
	if t.metrics != nil {
		t.metrics.SetOpenPositions(t.exits.Len())
		t.metrics.SetRealizedPnlToday(t.budget.RealizedPnlToday)
	}
}

func newEventID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// orderID builds a venue client order id; Binance caps them at 36 chars.
func orderID(prefix string) string {
	id := uuid.New()
	return fmt.Sprintf("%s%x", prefix, id[:])
}
