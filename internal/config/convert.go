package config

import (
	"time"

	"tothemoon/internal/gateway/binance"
	"tothemoon/internal/gateway/notifier"
	"tothemoon/internal/gateway/paper"
	"tothemoon/internal/pkg/lock"
	"tothemoon/internal/risk"
	"tothemoon/internal/scheduler"
	"tothemoon/internal/strategy/exit"
	"tothemoon/internal/trader"

	"github.com/shopspring/decimal"
)

// Location 返回交易日切换所用时区，已在 validate 中校验。
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Risk.TradingDayTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) RiskConfig() risk.Config {
	return risk.Config{
		DailyStopLossPercent: c.Risk.DailyStopLossPercent,
		MaxOpenPositions:     c.Risk.MaxOpenPositions,
		MaxPerSymbol:         c.Risk.MaxPerSymbol,
		MaxExposurePercent:   c.Risk.MaxExposurePercent,
	}
}

func (c *Config) ExitConfig() exit.Config {
	return exit.Config{
		TrailingActivationPercent:     c.Position.TrailingActivationPercent,
		TrailingStepPercent:           c.Position.TrailingStepPercent,
		TradeTimeout:                  c.Position.TradeTimeout,
		MinProfitBeforeTimeoutPercent: c.Position.MinProfitBeforeTimeoutPercent,
	}
}

func (c *Config) TraderConfig() trader.Config {
	return trader.Config{
		StopLossPercent:      c.Position.StopLossPercent,
		TakeProfitPercent:    c.Position.TakeProfitPercent,
		FeeRatePercent:       c.Position.FeeRatePercent,
		Leverage:             decimal.NewFromInt(int64(c.Exchange.Leverage)),
		TotalCapitalOverride: c.Risk.TotalCapitalOverride,
		MaxGapPercent:        c.Controller.MaxGapPercent,
		BlacklistDuration:    c.Controller.BlacklistDuration,
		VenueTimeout:         c.Controller.VenueTimeout,
		CloseMaxRetries:      c.Controller.CloseMaxRetries,
		CloseBackoffInitial:  c.Controller.CloseBackoffInitial,
		FillConfirmWindow:    c.Controller.FillConfirmWindow,
		PhantomGracePeriod:   c.Controller.PhantomGracePeriod,
		ShutdownTimeout:      c.Controller.ShutdownTimeout,
		LockTTL:              c.Lock.TTL,
		Location:             c.Location(),
	}
}

func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		NormalInterval:       c.Controller.NormalPollInterval,
		FastInterval:         c.Controller.FastPollInterval,
		GapProtectionPercent: c.Controller.GapProtectionPercent,
		Concurrency:          c.Controller.PollConcurrency,
		Timeout:              c.Controller.VenueTimeout,
	}
}

func (c *Config) BinanceConfig() binance.Config {
	return binance.Config{
		APIKey:            c.Exchange.APIKey,
		APISecret:         c.Exchange.APISecret,
		RESTBaseURL:       c.Exchange.BaseURL,
		Testnet:           c.Exchange.Testnet,
		HTTPTimeout:       c.Exchange.Timeout,
		ProxyEnabled:      c.Exchange.ProxyURL != "",
		RESTProxyURL:      c.Exchange.ProxyURL,
		RequestsPerSecond: c.Exchange.RequestsPerSecond,
		Leverage:          c.Exchange.Leverage,
		BreakerThreshold:  c.Exchange.BreakerThreshold,
		BreakerCooldown:   c.Exchange.BreakerCooldown,
	}
}

func (c *Config) PaperConfig() paper.Config {
	return paper.Config{
		Balance:        c.Exchange.PaperBalance,
		FeeRatePercent: c.Exchange.PaperFeePercent,
	}
}

// RedisLock 返回 nil 表示未配置 Redis，使用进程内锁。
func (c *Config) RedisLock() *lock.RedisOptions {
	if c.Lock.RedisAddr == "" {
		return nil
	}
	return &lock.RedisOptions{
		Addr:     c.Lock.RedisAddr,
		Password: c.Lock.RedisPassword,
		DB:       c.Lock.RedisDB,
		Prefix:   c.Lock.Prefix,
	}
}

func (c *Config) NotifyFilter() []notifier.EventType {
	if len(c.Notify.Events) == 0 {
		return nil
	}
	out := make([]notifier.EventType, 0, len(c.Notify.Events))
	for _, name := range c.Notify.Events {
		if t, ok := notifier.ParseEventType(name); ok {
			out = append(out, t)
		}
	}
	return out
}
