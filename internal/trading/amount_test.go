package trading

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderQuantity(t *testing.T) {
	engaged := EngagedCapital(d("10000"), d("10"))
	assert.True(t, engaged.Equal(d("1000")))

	qty := OrderQuantity(engaged, d("5"), d("30000"), d("0.001"))
	assert.True(t, qty.Equal(d("0.166")), qty.String())

	assert.True(t, OrderQuantity(engaged, d("1"), d("0"), d("0.001")).IsZero())
	assert.True(t, OrderQuantity(engaged, d("0"), d("100"), d("1")).Equal(d("10")), "non-positive leverage means 1x")
}

func TestFloorToStep(t *testing.T) {
	assert.True(t, FloorToStep(d("1.23456"), d("0.01")).Equal(d("1.23")))
	assert.True(t, FloorToStep(d("1.23456"), d("0")).Equal(d("1.23456")))
}

func TestRelativePrice(t *testing.T) {
	assert.True(t, RelativePrice(d("100"), d("2"), SideLong).Equal(d("102")))
	assert.True(t, RelativePrice(d("100"), d("-1"), SideLong).Equal(d("99")))
	assert.True(t, RelativePrice(d("100"), d("2"), SideShort).Equal(d("98")))
	assert.True(t, RelativePrice(d("100"), d("-1"), SideShort).Equal(d("101")))
}
