package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"tothemoon/internal/store"
	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LifecycleAndFaults(t *testing.T) {
	ctx := context.Background()
	s := New()
	pos := trading.Position{
		ID: "a", Symbol: "btcusdt", Side: trading.SideLong, Status: trading.StatusOpen,
		EntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), CapitalEngaged: decimal.NewFromInt(100),
	}
	boom := errors.New("disk full")
	s.FailNext("Insert", boom, 1)
	assert.ErrorIs(t, s.Insert(ctx, pos), boom)
	require.NoError(t, s.Insert(ctx, pos))
	assert.Equal(t, 2, s.Calls("Insert"))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", got.Symbol)

	sum, err := s.SumCapitalEngaged(ctx, trading.StatusOpen)
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(100)))

	require.NoError(t, pos.Close(time.Now(), decimal.NewFromInt(99), trading.ExitStopLoss, decimal.Zero))
	applied, err := s.Update(ctx, "a", store.CloseUpdate(pos))
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = s.Update(ctx, "a", store.CloseUpdate(pos))
	require.NoError(t, err)
	assert.False(t, applied)

	sum, err = s.SumCapitalEngaged(ctx, trading.StatusOpen)
	require.NoError(t, err)
	assert.True(t, sum.IsZero())

	require.NoError(t, s.AppendOperation(ctx, store.Operation{PositionID: "a", Type: store.OpOpened}))
	require.NoError(t, s.AppendOperation(ctx, store.Operation{PositionID: "a", Type: store.OpClosed}))
	ops, err := s.ListOperations(ctx, "a", 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, store.OpClosed, ops[0].Type)
}
