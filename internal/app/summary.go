package app

import (
	"fmt"
	"strings"

	"tothemoon/internal/config"
	"tothemoon/internal/gateway/exchange"
)

type StartupSummary struct {
	Venue      string
	Paper      bool
	Ledger     string
	HTTPAddr   string
	Lock       string
	Notify     string
	Risk       config.RiskConfig
	Position   config.PositionConfig
	Controller config.ControllerConfig
}

func newStartupSummary(cfg *config.Config, gw exchange.Gateway) *StartupSummary {
	s := &StartupSummary{
		Paper:      cfg.Exchange.IsPaper(),
		Ledger:     cfg.Ledger.Path,
		HTTPAddr:   cfg.App.HTTPAddr,
		Lock:       "local",
		Notify:     "log",
		Risk:       cfg.Risk,
		Position:   cfg.Position,
		Controller: cfg.Controller,
	}
	if gw != nil {
		s.Venue = gw.Name()
	}
	if cfg.Lock.RedisAddr != "" {
		s.Lock = "redis " + cfg.Lock.RedisAddr
	}
	if cfg.Notify.Telegram.Enabled {
		s.Notify = "telegram"
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[交易场所 (VENUE)]")
	mode := "live"
	if s.Paper {
		mode = "paper"
	}
	fmt.Printf("  场所: %s (%s)\n", s.Venue, mode)
	fmt.Printf("  账本: %s\n", s.Ledger)
	fmt.Printf("  HTTP: %s\n", formatValue(s.HTTPAddr))
	fmt.Printf("  锁:   %s\n", s.Lock)
	fmt.Printf("  通知: %s\n", s.Notify)
	fmt.Println()

	fmt.Println("[风控 (RISK)]")
	capital := "venue balance"
	if s.Risk.TotalCapitalOverride.IsPositive() {
		capital = s.Risk.TotalCapitalOverride.String()
	}
	fmt.Printf("  本金: %s\n", capital)
	fmt.Printf("  日止损: %s%%  时区: %s\n", s.Risk.DailyStopLossPercent, s.Risk.TradingDayTimezone)
	fmt.Printf("  最大持仓: %d  单币种: %d  敞口上限: %s%%\n", s.Risk.MaxOpenPositions, s.Risk.MaxPerSymbol, s.Risk.MaxExposurePercent)
	fmt.Println()

	fmt.Println("[仓位 (POSITION)]")
	fmt.Printf("  止损/止盈: %s%% / %s%%\n", s.Position.StopLossPercent, s.Position.TakeProfitPercent)
	fmt.Printf("  追踪: 激活 %s%% 步长 %s%%\n", s.Position.TrailingActivationPercent, s.Position.TrailingStepPercent)
	fmt.Printf("  超时: %s (最低盈利 %s%%)\n", s.Position.TradeTimeout, s.Position.MinProfitBeforeTimeoutPercent)
	fmt.Printf("  手续费率: %s%%\n", s.Position.FeeRatePercent)
	fmt.Println()

	fmt.Println("[调度 (CONTROLLER)]")
	fmt.Printf("  轮询: %s / 近止损 %s (带宽 %s%%)\n", s.Controller.NormalPollInterval, s.Controller.FastPollInterval, s.Controller.GapProtectionPercent)
	fmt.Printf("  跳空黑名单: >%s%% 封禁 %s\n", s.Controller.MaxGapPercent, s.Controller.BlacklistDuration)
	fmt.Printf("  对账间隔: %s  平仓重试: %d\n", s.Controller.ReconcileInterval, s.Controller.CloseMaxRetries)
	fmt.Println(strings.Repeat("=", 80))
}

func formatValue(v string) string {
	if strings.TrimSpace(v) == "" {
		return "(disabled)"
	}
	return v
}
