package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsFillUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "app:\n  log_level: debug\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, ":9991", cfg.App.HTTPAddr)
	assert.Equal(t, "paper", cfg.Exchange.Name)
	assert.True(t, cfg.Risk.DailyStopLossPercent.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 1, cfg.Risk.MaxPerSymbol)
	assert.True(t, cfg.Position.StopLossPercent.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 30*time.Minute, cfg.Position.TradeTimeout)
	assert.Equal(t, 3*time.Second, cfg.Controller.FastPollInterval)
	assert.Equal(t, 256, cfg.Notify.Buffer)
	assert.Nil(t, cfg.RedisLock())
}

func TestLoad_IncludesMergeInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
position:
  stop_loss_percent: 0.8
  take_profit_percent: "1.5"
  trade_timeout: 10m
controller:
  max_gap_percent: 0.25
`)
	path := writeFile(t, dir, "config.yaml", `
include:
  - base.yaml
position:
  stop_loss_percent: 0.6
risk:
  trading_day_timezone: Asia/Shanghai
  max_open_positions: 5
notify:
  events: [CLOSED, phantom_detected]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Position.StopLossPercent.Equal(decimal.RequireFromString("0.6")))
	assert.True(t, cfg.Position.TakeProfitPercent.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, 10*time.Minute, cfg.Position.TradeTimeout)
	assert.Equal(t, 5, cfg.Risk.MaxOpenPositions)
	assert.Len(t, cfg.NotifyFilter(), 2)

	tc := cfg.TraderConfig()
	assert.True(t, tc.MaxGapPercent.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, "Asia/Shanghai", tc.Location.String())
	assert.True(t, tc.Leverage.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 10*time.Minute, cfg.ExitConfig().TradeTimeout)
	assert.Equal(t, 5, cfg.RiskConfig().MaxOpenPositions)
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "exchange:\n  name: binance\n")
	t.Setenv("TOTHEMOON_EXCHANGE_API_KEY", "key")
	t.Setenv("TOTHEMOON_EXCHANGE_API_SECRET", "secret")
	t.Setenv("TOTHEMOON_LOCK_REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("TOTHEMOON_POSITION_FEE_RATE_PERCENT", "0.04")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "key", cfg.Exchange.APIKey)
	assert.True(t, cfg.Position.FeeRatePercent.Equal(decimal.RequireFromString("0.04")))
	require.NotNil(t, cfg.RedisLock())
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisLock().Addr)
	assert.Equal(t, "key", cfg.BinanceConfig().APIKey)
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"binance without keys":    "exchange:\n  name: binance\n",
		"unknown venue":           "exchange:\n  name: kraken\n",
		"bad timezone":            "risk:\n  trading_day_timezone: Mars/Olympus\n",
		"step above activation":   "position:\n  trailing_activation_percent: 0.2\n  trailing_step_percent: 0.5\n",
		"fast slower than normal": "controller:\n  normal_poll_interval: 2s\n  fast_poll_interval: 5s\n",
		"unknown event":           "notify:\n  events: [EXPLODED]\n",
		"telegram without token":  "notify:\n  telegram:\n    enabled: true\n",
		"bad decimal":             "position:\n  stop_loss_percent: abc\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}
