package paper

import (
	"context"
	"errors"
	"testing"

	"tothemoon/internal/gateway/exchange"
	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGateway_OpenAndClose(t *testing.T) {
	ctx := context.Background()
	g := New(Config{Balance: d("1000"), FeeRatePercent: d("0.04")})
	g.SetPrice("BTCUSDT", d("100"))

	res, err := g.PlaceOrder(ctx, exchange.OrderRequest{Symbol: "btcusdt", Side: trading.SideLong, Quantity: d("2"), ClientOrderID: "c1"})
	require.NoError(t, err)
	assert.True(t, res.IsFilled())
	assert.True(t, res.Fee.Equal(d("0.08")))

	positions, err := g.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, res.ExternalID, positions[0].ExternalID)

	g.SetPrice("BTCUSDT", d("101"))
	closed, err := g.ClosePosition(ctx, exchange.CloseRequest{ExternalID: res.ExternalID, Symbol: "BTCUSDT", ClientOrderID: "x1"})
	require.NoError(t, err)
	assert.True(t, closed.ExitPrice.Equal(d("101")))

	again, err := g.ClosePosition(ctx, exchange.CloseRequest{ExternalID: res.ExternalID, Symbol: "BTCUSDT", ClientOrderID: "x1"})
	require.NoError(t, err, "repeating a close by client id returns the first result")
	assert.Equal(t, closed.OrderID, again.OrderID)

	_, err = g.ClosePosition(ctx, exchange.CloseRequest{ExternalID: res.ExternalID, Symbol: "BTCUSDT", ClientOrderID: "x2"})
	assert.ErrorIs(t, err, exchange.ErrVenue)
}

func TestGateway_Faults(t *testing.T) {
	ctx := context.Background()
	g := New(Config{})
	g.SetPrice("ETHUSDT", d("10"))

	g.FailNext(exchange.OpPlaceOrder, errors.New("rejected"), 1)
	_, err := g.PlaceOrder(ctx, exchange.OrderRequest{Symbol: "ETHUSDT", Side: trading.SideShort, Quantity: d("1"), ClientOrderID: "a"})
	require.Error(t, err)
	assert.False(t, exchange.IsAmbiguous(err))
	_, err = g.QueryOrder(ctx, "ETHUSDT", "a")
	assert.ErrorIs(t, err, exchange.ErrOrderNotFound)

	g.FailAfterSubmit(exchange.OpPlaceOrder, context.DeadlineExceeded, 1)
	_, err = g.PlaceOrder(ctx, exchange.OrderRequest{Symbol: "ETHUSDT", Side: trading.SideShort, Quantity: d("1"), ClientOrderID: "b"})
	require.Error(t, err)
	assert.True(t, exchange.IsAmbiguous(err))
	found, err := g.QueryOrder(ctx, "ETHUSDT", "b")
	require.NoError(t, err)
	assert.True(t, found.IsFilled())
	assert.Equal(t, 1, g.OpenPositionsFor("ETHUSDT", trading.SideShort))
	assert.Equal(t, 2, g.Calls(exchange.OpPlaceOrder))

	assert.True(t, g.Drop(found.ExternalID))
	assert.False(t, g.Drop(found.ExternalID))
}

func TestGateway_ConstraintsAndBalance(t *testing.T) {
	ctx := context.Background()
	g := New(Config{Balance: d("500")})
	c, err := g.GetSymbolConstraints(ctx, "solusdt")
	require.NoError(t, err)
	assert.Equal(t, "SOLUSDT", c.Symbol)
	assert.True(t, c.StepSize.Equal(d("0.001")))

	g.SetConstraints(exchange.SymbolConstraints{Symbol: "SOLUSDT", MinQty: d("1"), StepSize: d("1"), MinNotional: d("20")})
	c, err = g.GetSymbolConstraints(ctx, "SOLUSDT")
	require.NoError(t, err)
	assert.True(t, c.MinNotional.Equal(d("20")))

	bal, err := g.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Total.Equal(d("500")))

	_, err = g.GetPrice(ctx, "DOGEUSDT")
	assert.ErrorIs(t, err, exchange.ErrVenue)
}

type stubFeed struct {
	px  decimal.Decimal
	err error
}

func (s stubFeed) GetPrice(context.Context, string) (decimal.Decimal, error) { return s.px, s.err }

func TestGateway_FeedDrivesFills(t *testing.T) {
	ctx := context.Background()
	g := New(Config{Balance: d("1000"), Feed: stubFeed{px: d("250.5")}})

	px, err := g.GetPrice(ctx, "solusdt")
	require.NoError(t, err)
	assert.True(t, px.Equal(d("250.5")))

	res, err := g.PlaceOrder(ctx, exchange.OrderRequest{Symbol: "SOLUSDT", Side: trading.SideShort, Quantity: d("1"), ClientOrderID: "c9"})
	require.NoError(t, err)
	assert.True(t, res.FillPrice.Equal(d("250.5")))

	bad := New(Config{Feed: stubFeed{err: errors.New("ws down")}})
	_, err = bad.GetPrice(ctx, "SOLUSDT")
	require.Error(t, err)
	assert.False(t, exchange.IsAmbiguous(err))
}
