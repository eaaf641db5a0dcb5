package exit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"tothemoon/internal/pkg/symbol"
	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
)

type tracked struct {
	pos     trading.Position
	phase   Phase
	closing Directive
}

// Manager 维护所有被跟踪的 OPEN 仓位及其退出子状态。
type Manager struct {
	cfg Config

	mu        sync.RWMutex
	positions map[string]*tracked
	bySymbol  map[string]map[string]struct{}
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:       cfg,
		positions: make(map[string]*tracked),
		bySymbol:  make(map[string]map[string]struct{}),
	}, nil
}

func (m *Manager) Config() Config { return m.cfg }

func normalizeSymbol(s string) string { return symbol.Normalize(s) }

// Track 将仓位放入跟踪集合。持久化过的 PendingExitReason 会直接进入 CLOSING。
func (m *Manager) Track(pos trading.Position) error {
	if err := pos.ValidateOpen(); err != nil {
		return err
	}
	if pos.InitialStopLossPrice.IsZero() {
		pos.InitialStopLossPrice = pos.StopLossPrice
	}
	pos.Symbol = normalizeSymbol(pos.Symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.positions[pos.ID]; dup {
		return fmt.Errorf("%w: position %s already tracked", trading.ErrInvariant, pos.ID)
	}
	t := &tracked{pos: pos, phase: PhaseArmedInitial}
	if pos.TrailingArmed {
		t.phase = PhaseArmedTrailing
	}
	if pos.PendingExitReason != "" {
		t.phase = PhaseClosing
		t.closing = Directive{Action: ActionClose, Reason: pos.PendingExitReason, StopLossPrice: pos.StopLossPrice}
	}
	m.positions[pos.ID] = t
	set, ok := m.bySymbol[pos.Symbol]
	if !ok {
		set = make(map[string]struct{})
		m.bySymbol[pos.Symbol] = set
	}
	set[pos.ID] = struct{}{}
	return nil
}

// Untrack 在交易所确认平仓后移除仓位。
func (m *Manager) Untrack(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.positions[id]
	if !ok {
		return false
	}
	delete(m.positions, id)
	if set := m.bySymbol[t.pos.Symbol]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.bySymbol, t.pos.Symbol)
		}
	}
	return true
}

// Evaluate runs one tick for a tracked position. A position already in
// CLOSING returns its stored directive so the caller can re-dispatch.
func (m *Manager) Evaluate(id string, price decimal.Decimal, now time.Time) (Directive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.positions[id]
	if !ok {
		return Directive{}, fmt.Errorf("%w: position %s is not tracked", trading.ErrInvariant, id)
	}
	if t.phase == PhaseClosing {
		d := t.closing
		if price.IsPositive() {
			d.Price = price
			d.ProfitPercent = t.pos.UnrealizedPnlPercent(price)
		}
		return d, nil
	}
	elapsed := now.Sub(t.pos.OpenedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	d, err := Step(m.cfg, &t.pos, price, elapsed)
	if err != nil {
		return Directive{}, err
	}
	switch {
	case d.IsClose():
		t.phase = PhaseClosing
		t.closing = d
		t.pos.PendingExitReason = d.Reason
	case d.Armed:
		t.phase = PhaseArmedTrailing
	}
	return d, nil
}

// BeginClose forces a position into CLOSING with reason, used for manual
// closes. An existing close decision is kept.
func (m *Manager) BeginClose(id string, reason trading.ExitReason) (Directive, error) {
	if !reason.Valid() {
		return Directive{}, fmt.Errorf("%w: unknown exit reason %q", trading.ErrInvariant, reason)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.positions[id]
	if !ok {
		return Directive{}, fmt.Errorf("%w: position %s is not tracked", trading.ErrInvariant, id)
	}
	if t.phase == PhaseClosing {
		return t.closing, nil
	}
	t.phase = PhaseClosing
	t.closing = Directive{Action: ActionClose, Reason: reason, StopLossPrice: t.pos.StopLossPrice}
	t.pos.PendingExitReason = reason
	return t.closing, nil
}

func (m *Manager) Get(id string) (trading.Position, Phase, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.positions[id]
	if !ok {
		return trading.Position{}, 0, false
	}
	return t.pos.Clone(), t.phase, true
}

// BySymbol returns the ids tracked for symbol in a stable order.
func (m *Manager) BySymbol(symbol string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.bySymbol[normalizeSymbol(symbol)]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.bySymbol))
	for sym := range m.bySymbol {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// Views returns copies of every tracked position ordered by open time.
func (m *Manager) Views() []View {
	m.mu.RLock()
	list := make([]View, 0, len(m.positions))
	for _, t := range m.positions {
		list = append(list, View{Position: t.pos.Clone(), Phase: t.phase.String()})
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if list[i].Position.OpenedAt.Equal(list[j].Position.OpenedAt) {
			return list[i].Position.ID < list[j].Position.ID
		}
		return list[i].Position.OpenedAt.Before(list[j].Position.OpenedAt)
	})
	return list
}

// NearStop reports whether any open position on symbol sits within gapPct
// of its stop at price.
func (m *Manager) NearStop(symbol string, price, gapPct decimal.Decimal) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id := range m.bySymbol[normalizeSymbol(symbol)] {
		if t := m.positions[id]; t != nil && withinGap(&t.pos, price, gapPct) {
			return true
		}
	}
	return false
}
