package gateway

import (
	"testing"

	"tothemoon/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromConfig(t *testing.T) {
	gw, err := NewFromConfig(&config.Config{Exchange: config.ExchangeConfig{Name: "paper"}})
	require.NoError(t, err)
	assert.Equal(t, "paper", gw.Name())

	gw, err = NewFromConfig(&config.Config{Exchange: config.ExchangeConfig{Name: "Binance"}})
	require.NoError(t, err)
	assert.Equal(t, "binance", gw.Name())

	_, err = NewFromConfig(&config.Config{Exchange: config.ExchangeConfig{Name: "kraken"}})
	assert.Error(t, err)

	_, err = NewFromConfig(nil)
	assert.Error(t, err)
}
