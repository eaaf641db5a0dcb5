package trader

import (
	"fmt"
	"time"

	"tothemoon/internal/blacklist"
	"tothemoon/internal/gateway/exchange"
	"tothemoon/internal/gateway/notifier"
	"tothemoon/internal/metrics"
	"tothemoon/internal/pkg/lock"
	"tothemoon/internal/risk"
	"tothemoon/internal/store"
	"tothemoon/internal/strategy/exit"

	"github.com/shopspring/decimal"
)

// Config holds the controller settings. It is copied at construction.
type Config struct {
	StopLossPercent   decimal.Decimal
	TakeProfitPercent decimal.Decimal
	FeeRatePercent    decimal.Decimal
	Leverage          decimal.Decimal
	// TotalCapitalOverride replaces the venue balance when positive.
	TotalCapitalOverride decimal.Decimal

	MaxGapPercent     decimal.Decimal
	BlacklistDuration time.Duration

	VenueTimeout        time.Duration
	CloseMaxRetries     int
	CloseBackoffInitial time.Duration
	FillConfirmWindow   time.Duration
	PhantomGracePeriod  time.Duration
	ShutdownTimeout     time.Duration
	LockTTL             time.Duration

	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.Leverage.IsZero() {
		c.Leverage = decimal.NewFromInt(1)
	}
	if c.VenueTimeout <= 0 {
		c.VenueTimeout = 10 * time.Second
	}
	if c.CloseMaxRetries <= 0 {
		c.CloseMaxRetries = 5
	}
	if c.CloseBackoffInitial <= 0 {
		c.CloseBackoffInitial = 500 * time.Millisecond
	}
	if c.FillConfirmWindow <= 0 {
		c.FillConfirmWindow = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.BlacklistDuration <= 0 {
		c.BlacklistDuration = 24 * time.Hour
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

func (c Config) validate() error {
	if !c.StopLossPercent.IsPositive() {
		return fmt.Errorf("trader: stop_loss_percent must be > 0, got %s", c.StopLossPercent)
	}
	if !c.TakeProfitPercent.IsPositive() {
		return fmt.Errorf("trader: take_profit_percent must be > 0, got %s", c.TakeProfitPercent)
	}
	if c.FeeRatePercent.IsNegative() {
		return fmt.Errorf("trader: fee_rate_percent must be >= 0, got %s", c.FeeRatePercent)
	}
	if !c.Leverage.IsPositive() {
		return fmt.Errorf("trader: leverage must be > 0, got %s", c.Leverage)
	}
	if c.MaxGapPercent.IsNegative() {
		return fmt.Errorf("trader: max_gap_percent must be >= 0, got %s", c.MaxGapPercent)
	}
	return nil
}

// Deps are the collaborators of the Trader. Gateway, Ledger, Gate and Exits
// are required; the rest fall back to no-op implementations.
type Deps struct {
	Gateway   exchange.Gateway
	Ledger    store.Ledger
	Gate      *risk.Gate
	Exits     *exit.Manager
	Notifier  notifier.Sink
	Metrics   *metrics.Metrics
	Blacklist *blacklist.Registry
	Locker    lock.Locker
	Clock     func() time.Time
}

func (d Deps) withDefaults() (Deps, error) {
	if d.Gateway == nil || d.Ledger == nil || d.Gate == nil || d.Exits == nil {
		return d, fmt.Errorf("trader: gateway, ledger, gate and exit manager are required")
	}
	if d.Notifier == nil {
		d.Notifier = notifier.Nop()
	}
	if d.Blacklist == nil {
		d.Blacklist, _ = blacklist.NewRegistry("")
	}
	if d.Locker == nil {
		d.Locker = lock.NewLocal()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d, nil
}
