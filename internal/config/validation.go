package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"tothemoon/internal/gateway/notifier"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Position.validate(); err != nil {
		return err
	}
	if err := c.Controller.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	switch e.Name {
	case "paper":
		if !e.PaperBalance.IsPositive() {
			return fmt.Errorf("exchange.paper_balance must be > 0")
		}
	case "binance":
		if strings.TrimSpace(e.APIKey) == "" || strings.TrimSpace(e.APISecret) == "" {
			return fmt.Errorf("exchange.api_key and exchange.api_secret are required for binance (env %s_EXCHANGE_API_KEY)", EnvPrefix)
		}
	default:
		return fmt.Errorf("exchange.name must be paper or binance, got %q", e.Name)
	}
	if e.Leverage <= 0 || e.Leverage > 125 {
		return fmt.Errorf("exchange.leverage must be in [1,125], got %d", e.Leverage)
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.TotalCapitalOverride.IsNegative() {
		return fmt.Errorf("risk.total_capital_override must be >= 0")
	}
	if !r.DailyStopLossPercent.IsPositive() {
		return fmt.Errorf("risk.daily_stop_loss_percent must be > 0")
	}
	if r.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be > 0")
	}
	if r.MaxPerSymbol <= 0 {
		return fmt.Errorf("risk.max_per_symbol must be > 0")
	}
	if !r.MaxExposurePercent.IsPositive() {
		return fmt.Errorf("risk.max_exposure_percent must be > 0")
	}
	if _, err := time.LoadLocation(r.TradingDayTimezone); err != nil {
		return fmt.Errorf("risk.trading_day_timezone invalid: %w", err)
	}
	return nil
}

func (p *PositionConfig) validate() error {
	if !p.StopLossPercent.IsPositive() {
		return fmt.Errorf("position.stop_loss_percent must be > 0")
	}
	if !p.TakeProfitPercent.IsPositive() {
		return fmt.Errorf("position.take_profit_percent must be > 0")
	}
	if !p.TrailingActivationPercent.IsPositive() || !p.TrailingStepPercent.IsPositive() {
		return fmt.Errorf("position.trailing_activation_percent and trailing_step_percent must be > 0")
	}
	if p.TrailingStepPercent.GreaterThan(p.TrailingActivationPercent) {
		return fmt.Errorf("position.trailing_step_percent (%s) cannot exceed trailing_activation_percent (%s)",
			p.TrailingStepPercent, p.TrailingActivationPercent)
	}
	if p.FeeRatePercent.IsNegative() {
		return fmt.Errorf("position.fee_rate_percent must be >= 0")
	}
	return nil
}

func (c *ControllerConfig) validate() error {
	if c.FastPollInterval > c.NormalPollInterval {
		return fmt.Errorf("controller.fast_poll_interval (%s) must not exceed normal_poll_interval (%s)",
			c.FastPollInterval, c.NormalPollInterval)
	}
	if c.GapProtectionPercent.IsNegative() || c.MaxGapPercent.IsNegative() {
		return fmt.Errorf("controller.gap_protection_percent and max_gap_percent must be >= 0")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	for _, name := range n.Events {
		if _, ok := notifier.ParseEventType(name); !ok {
			return fmt.Errorf("notify.events contains unknown event %q", name)
		}
	}
	if !n.Telegram.Enabled {
		return nil
	}
	if strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "" {
		return fmt.Errorf("notify.telegram.bot_token and chat_id are required when enabled")
	}
	return nil
}
