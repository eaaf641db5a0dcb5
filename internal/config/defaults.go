package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppHTTPAddr      = ":9991"
	defaultExchangeName     = "paper"
	defaultExchangeTimeout  = 10 * time.Second
	defaultExchangeRPS      = 10
	defaultExchangeLeverage = 1
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultLedgerPath       = "data/tothemoon.db"
	defaultMaxOpen          = 3
	defaultMaxPerSymbol     = 1
	defaultTimezone         = "UTC"
	defaultTradeTimeout     = 30 * time.Minute
	defaultNormalPoll       = 20 * time.Second
	defaultFastPoll         = 3 * time.Second
	defaultBlacklistTTL     = 6 * time.Hour
	defaultReconcile        = time.Minute
	defaultVenueTimeout     = 10 * time.Second
	defaultCloseRetries     = 3
	defaultCloseBackoff     = 500 * time.Millisecond
	defaultFillWindow       = 15 * time.Second
	defaultPhantomGrace     = 30 * time.Second
	defaultPollConcurrency  = 4
	defaultShutdownTimeout  = 30 * time.Second
	defaultLockTTL          = 30 * time.Second
	defaultLockPrefix       = "tothemoon:lock:"
	defaultNotifyBuffer     = 256
)

var (
	defaultPaperBalance         = decimal.NewFromInt(10000)
	defaultDailyStopLossPercent = decimal.NewFromInt(2)
	defaultMaxExposurePercent   = decimal.NewFromInt(50)
	defaultStopLossPercent      = decimal.RequireFromString("0.5")
	defaultTakeProfitPercent    = decimal.NewFromInt(1)
	defaultTrailingActivation   = decimal.RequireFromString("0.5")
	defaultTrailingStep         = decimal.RequireFromString("0.3")
	defaultMinProfitTimeout     = decimal.RequireFromString("0.2")
	defaultGapProtection        = decimal.RequireFromString("0.3")
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Position.applyDefaults(keys)
	c.Controller.applyDefaults(keys)
	c.Lock.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	e.Name = strings.ToLower(strings.TrimSpace(e.Name))
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.name", &e.Name, defaultExchangeName),
		durationFieldDefault("exchange.timeout", &e.Timeout, defaultExchangeTimeout),
		intFieldDefault("exchange.leverage", &e.Leverage, defaultExchangeLeverage),
		intFieldDefault("exchange.breaker_threshold", &e.BreakerThreshold, defaultBreakerThreshold),
		durationFieldDefault("exchange.breaker_cooldown", &e.BreakerCooldown, defaultBreakerCooldown),
		decimalFieldDefault("exchange.paper_balance", &e.PaperBalance, defaultPaperBalance),
		fieldDefault{
			key:   "exchange.requests_per_second",
			need:  func() bool { return e.RequestsPerSecond <= 0 },
			apply: func() { e.RequestsPerSecond = defaultExchangeRPS },
		},
	)
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("ledger.path", &l.Path, defaultLedgerPath))
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		decimalFieldDefault("risk.daily_stop_loss_percent", &r.DailyStopLossPercent, defaultDailyStopLossPercent),
		intFieldDefault("risk.max_open_positions", &r.MaxOpenPositions, defaultMaxOpen),
		intFieldDefault("risk.max_per_symbol", &r.MaxPerSymbol, defaultMaxPerSymbol),
		decimalFieldDefault("risk.max_exposure_percent", &r.MaxExposurePercent, defaultMaxExposurePercent),
		stringFieldDefault("risk.trading_day_timezone", &r.TradingDayTimezone, defaultTimezone),
	)
}

func (p *PositionConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		decimalFieldDefault("position.stop_loss_percent", &p.StopLossPercent, defaultStopLossPercent),
		decimalFieldDefault("position.take_profit_percent", &p.TakeProfitPercent, defaultTakeProfitPercent),
		decimalFieldDefault("position.trailing_activation_percent", &p.TrailingActivationPercent, defaultTrailingActivation),
		decimalFieldDefault("position.trailing_step_percent", &p.TrailingStepPercent, defaultTrailingStep),
		durationFieldDefault("position.trade_timeout", &p.TradeTimeout, defaultTradeTimeout),
		decimalFieldDefault("position.min_profit_before_timeout_percent", &p.MinProfitBeforeTimeoutPercent, defaultMinProfitTimeout),
	)
}

func (c *ControllerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		durationFieldDefault("controller.normal_poll_interval", &c.NormalPollInterval, defaultNormalPoll),
		durationFieldDefault("controller.fast_poll_interval", &c.FastPollInterval, defaultFastPoll),
		decimalFieldDefault("controller.gap_protection_percent", &c.GapProtectionPercent, defaultGapProtection),
		durationFieldDefault("controller.blacklist_duration", &c.BlacklistDuration, defaultBlacklistTTL),
		durationFieldDefault("controller.reconcile_interval", &c.ReconcileInterval, defaultReconcile),
		durationFieldDefault("controller.venue_timeout", &c.VenueTimeout, defaultVenueTimeout),
		intFieldDefault("controller.close_max_retries", &c.CloseMaxRetries, defaultCloseRetries),
		durationFieldDefault("controller.close_backoff_initial", &c.CloseBackoffInitial, defaultCloseBackoff),
		durationFieldDefault("controller.fill_confirm_window", &c.FillConfirmWindow, defaultFillWindow),
		durationFieldDefault("controller.phantom_grace_period", &c.PhantomGracePeriod, defaultPhantomGrace),
		intFieldDefault("controller.poll_concurrency", &c.PollConcurrency, defaultPollConcurrency),
		durationFieldDefault("controller.shutdown_timeout", &c.ShutdownTimeout, defaultShutdownTimeout),
	)
}

func (l *LockConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		durationFieldDefault("lock.ttl", &l.TTL, defaultLockTTL),
		stringFieldDefault("lock.prefix", &l.Prefix, defaultLockPrefix),
	)
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, intFieldDefault("notify.buffer", &n.Buffer, defaultNotifyBuffer))
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func decimalFieldDefault(key string, target *decimal.Decimal, def decimal.Decimal) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target.IsZero() },
		apply: func() { *target = def },
	}
}
