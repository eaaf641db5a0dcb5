package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":       "BTCUSDT",
		" btcusdt ":     "BTCUSDT",
		"eth/usdt":      "ETHUSDT",
		"SOL/USDT:USDT": "SOLUSDT",
		"1000PEPEUSDT":  "1000PEPEUSDT",
		"ETHBTC":        "ETHBTC",
		"weird":         "WEIRD",
		"":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestParse(t *testing.T) {
	s := Parse("doge/usdc")
	assert.Equal(t, "DOGE", s.Base)
	assert.Equal(t, "USDC", s.Quote)
	assert.Equal(t, "DOGE/USDC", s.Pair())
	assert.True(t, IsValid("BNBUSDT"))
	assert.False(t, IsValid("USDT"))
}

func TestNormalizeList(t *testing.T) {
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, NormalizeList([]string{"btc/usdt", "BTCUSDT", " ", "ETHUSDT"}))
	assert.Nil(t, NormalizeList(nil))
}
