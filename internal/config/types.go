package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config 是 tothemoon 的主配置载体。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Position   PositionConfig   `mapstructure:"position"`
	Controller ControllerConfig `mapstructure:"controller"`
	Lock       LockConfig       `mapstructure:"lock"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	LogPath  string `mapstructure:"log_path"`
	HTTPAddr string `mapstructure:"http_addr"`
}

// ExchangeConfig 选择交易场所：paper 为本地模拟撮合，binance 为 U 本位合约。
type ExchangeConfig struct {
	Name              string          `mapstructure:"name"`
	APIKey            string          `mapstructure:"api_key"`
	APISecret         string          `mapstructure:"api_secret"`
	BaseURL           string          `mapstructure:"base_url"`
	Testnet           bool            `mapstructure:"testnet"`
	ProxyURL          string          `mapstructure:"proxy_url"`
	Timeout           time.Duration   `mapstructure:"timeout"`
	RequestsPerSecond float64         `mapstructure:"requests_per_second"`
	Leverage          int             `mapstructure:"leverage"`
	BreakerThreshold  int             `mapstructure:"breaker_threshold"`
	BreakerCooldown   time.Duration   `mapstructure:"breaker_cooldown"`
	PaperBalance      decimal.Decimal `mapstructure:"paper_balance"`
	PaperFeePercent   decimal.Decimal `mapstructure:"paper_fee_percent"`
}

func (e ExchangeConfig) IsPaper() bool {
	return strings.EqualFold(strings.TrimSpace(e.Name), "paper")
}

type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

type RiskConfig struct {
	TotalCapitalOverride decimal.Decimal `mapstructure:"total_capital_override"`
	DailyStopLossPercent decimal.Decimal `mapstructure:"daily_stop_loss_percent"`
	MaxOpenPositions     int             `mapstructure:"max_open_positions"`
	MaxPerSymbol         int             `mapstructure:"max_per_symbol"`
	MaxExposurePercent   decimal.Decimal `mapstructure:"max_exposure_percent"`
	TradingDayTimezone   string          `mapstructure:"trading_day_timezone"`
}

// PositionConfig 描述单笔仓位的止损、止盈、追踪与超时参数（百分比单位为 %）。
type PositionConfig struct {
	StopLossPercent               decimal.Decimal `mapstructure:"stop_loss_percent"`
	TakeProfitPercent             decimal.Decimal `mapstructure:"take_profit_percent"`
	TrailingActivationPercent     decimal.Decimal `mapstructure:"trailing_activation_percent"`
	TrailingStepPercent           decimal.Decimal `mapstructure:"trailing_step_percent"`
	TradeTimeout                  time.Duration   `mapstructure:"trade_timeout"`
	MinProfitBeforeTimeoutPercent decimal.Decimal `mapstructure:"min_profit_before_timeout_percent"`
	FeeRatePercent                decimal.Decimal `mapstructure:"fee_rate_percent"`
}

type ControllerConfig struct {
	NormalPollInterval   time.Duration   `mapstructure:"normal_poll_interval"`
	FastPollInterval     time.Duration   `mapstructure:"fast_poll_interval"`
	GapProtectionPercent decimal.Decimal `mapstructure:"gap_protection_percent"`
	MaxGapPercent        decimal.Decimal `mapstructure:"max_gap_percent"`
	BlacklistDuration    time.Duration   `mapstructure:"blacklist_duration"`
	BlacklistPath        string          `mapstructure:"blacklist_path"`
	ReconcileInterval    time.Duration   `mapstructure:"reconcile_interval"`
	VenueTimeout         time.Duration   `mapstructure:"venue_timeout"`
	CloseMaxRetries      int             `mapstructure:"close_max_retries"`
	CloseBackoffInitial  time.Duration   `mapstructure:"close_backoff_initial"`
	FillConfirmWindow    time.Duration   `mapstructure:"fill_confirm_window"`
	PhantomGracePeriod   time.Duration   `mapstructure:"phantom_grace_period"`
	PollConcurrency      int             `mapstructure:"poll_concurrency"`
	ShutdownTimeout      time.Duration   `mapstructure:"shutdown_timeout"`
}

// LockConfig 为空 redis_addr 时使用进程内锁。
type LockConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Prefix        string        `mapstructure:"prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type NotifyConfig struct {
	Buffer   int            `mapstructure:"buffer"`
	Events   []string       `mapstructure:"events"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
