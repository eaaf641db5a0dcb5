// Package memstore is an in-process store.Ledger for dry runs and tests. It
// applies the same transition rules as the sqlite ledger.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tothemoon/internal/store"
	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
)

type Store struct {
	mu        sync.RWMutex
	positions map[string]trading.Position
	ops       []store.Operation
	budgets   map[string]trading.BudgetSnapshot
	nextOpID  int64

	faults map[string][]error
	calls  map[string]int
}

func New() *Store {
	return &Store{
		positions: make(map[string]trading.Position),
		budgets:   make(map[string]trading.BudgetSnapshot),
		faults:    make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// FailNext makes the next `times` calls of method ("Insert", "Update", ...)
// return err.
func (s *Store) FailNext(method string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < times; i++ {
		s.faults[method] = append(s.faults[method], err)
	}
}

func (s *Store) Calls(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[method]
}

func (s *Store) enter(method string) error {
	s.calls[method]++
	q := s.faults[method]
	if len(q) == 0 {
		return nil
	}
	s.faults[method] = q[1:]
	return q[0]
}

func (s *Store) Insert(ctx context.Context, pos trading.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Insert"); err != nil {
		return err
	}
	if strings.TrimSpace(pos.ID) == "" {
		return fmt.Errorf("%w: position id required", trading.ErrInvariant)
	}
	if existing, ok := s.positions[pos.ID]; ok {
		if existing.Status == pos.Status && existing.EntryPrice.Equal(pos.EntryPrice) && existing.Quantity.Equal(pos.Quantity) {
			return nil
		}
		return fmt.Errorf("%w: position %s already exists", store.ErrInvalidTransition, pos.ID)
	}
	pos.Symbol = strings.ToUpper(strings.TrimSpace(pos.Symbol))
	s.positions[pos.ID] = pos.Clone()
	return nil
}

func (s *Store) Update(ctx context.Context, id string, u store.PositionUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Update"); err != nil {
		return false, err
	}
	pos, ok := s.positions[id]
	if !ok {
		return false, fmt.Errorf("%w: position %s", store.ErrNotFound, id)
	}
	apply, err := store.CheckTransition(pos.Status, pos.ExitReason, u)
	if err != nil || !apply {
		return false, err
	}
	u.Apply(&pos)
	s.positions[id] = pos
	return true, nil
}

func (s *Store) Get(ctx context.Context, id string) (trading.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[id]
	if !ok {
		return trading.Position{}, fmt.Errorf("%w: position %s", store.ErrNotFound, id)
	}
	return pos.Clone(), nil
}

func (s *Store) QueryByStatus(ctx context.Context, status trading.Status) ([]trading.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("QueryByStatus"); err != nil {
		return nil, err
	}
	out := make([]trading.Position, 0)
	for _, p := range s.positions {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

func (s *Store) QueryClosedBetween(ctx context.Context, from, to time.Time) ([]trading.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("QueryClosedBetween"); err != nil {
		return nil, err
	}
	out := make([]trading.Position, 0)
	for _, p := range s.positions {
		if p.Status != trading.StatusClosed || p.ClosedAt == nil {
			continue
		}
		if p.ClosedAt.Before(from) || !p.ClosedAt.Before(to) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClosedAt.Equal(*out[j].ClosedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ClosedAt.Before(*out[j].ClosedAt)
	})
	return out, nil
}

func (s *Store) SumCapitalEngaged(ctx context.Context, status trading.Status) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, p := range s.positions {
		if p.Status == status {
			total = total.Add(p.CapitalEngaged)
		}
	}
	return total, nil
}

func (s *Store) AppendOperation(ctx context.Context, op store.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("AppendOperation"); err != nil {
		return err
	}
	s.nextOpID++
	op.ID = s.nextOpID
	op.Symbol = strings.ToUpper(strings.TrimSpace(op.Symbol))
	if op.At.IsZero() {
		op.At = time.Now()
	}
	s.ops = append(s.ops, op)
	return nil
}

func (s *Store) ListOperations(ctx context.Context, positionID string, limit int) ([]store.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]store.Operation, 0)
	for i := len(s.ops) - 1; i >= 0 && len(out) < limit; i-- {
		if positionID == "" || s.ops[i].PositionID == positionID {
			out = append(out, s.ops[i])
		}
	}
	return out, nil
}

func (s *Store) LoadBudget(ctx context.Context, tradingDay string) (trading.BudgetSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.budgets[tradingDay]
	return snap, ok, nil
}

func (s *Store) SaveBudget(ctx context.Context, snap trading.BudgetSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SaveBudget"); err != nil {
		return err
	}
	s.budgets[snap.TradingDay] = snap
	return nil
}

func (s *Store) Close() error { return nil }

var _ store.Ledger = (*Store)(nil)
