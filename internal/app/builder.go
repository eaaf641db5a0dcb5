package app

import (
	"context"
	"fmt"
	"time"

	"tothemoon/internal/blacklist"
	"tothemoon/internal/config"
	"tothemoon/internal/gateway"
	"tothemoon/internal/gateway/exchange"
	"tothemoon/internal/gateway/notifier"
	"tothemoon/internal/logger"
	"tothemoon/internal/metrics"
	"tothemoon/internal/pkg/lock"
	"tothemoon/internal/risk"
	"tothemoon/internal/scheduler"
	"tothemoon/internal/store"
	"tothemoon/internal/store/gormstore"
	"tothemoon/internal/strategy/exit"
	"tothemoon/internal/trader"
	"tothemoon/internal/transport/http/api"
)

// 以下 provide* 函数组成 wire provider set，每个返回值的 cleanup 按构建逆序执行。

func provideGateway(cfg *config.Config) (exchange.Gateway, error) {
	if cfg.Exchange.IsPaper() {
		logger.Warnf("exchange=paper: orders are simulated in memory, balance=%s", cfg.Exchange.PaperBalance)
	}
	return gateway.NewFromConfig(cfg)
}

func provideLedger(cfg *config.Config) (store.Ledger, func(), error) {
	st, err := gormstore.NewGormStore(cfg.Ledger.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger %s: %w", cfg.Ledger.Path, err)
	}
	return st, func() {
		if err := st.Close(); err != nil {
			logger.Warnf("close ledger: %v", err)
		}
	}, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideDispatcher(cfg *config.Config) (*notifier.Dispatcher, func()) {
	var sender notifier.TextNotifier = notifier.LogText()
	if cfg.Notify.Telegram.Enabled {
		sender = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
	}
	d := notifier.NewDispatcher(sender, cfg.Notify.Buffer, cfg.NotifyFilter())
	d.OnSent(func(ev notifier.Event, err error) {
		if err != nil && ev.Type.Escalation() {
			logger.Errorf("escalation %s for %s could not be delivered: %v", ev.Type, ev.PositionID, err)
		}
	})
	return d, func() { d.Close(5 * time.Second) }
}

func provideBlacklist(cfg *config.Config) (*blacklist.Registry, error) {
	return blacklist.NewRegistry(cfg.Controller.BlacklistPath)
}

func provideLocker(cfg *config.Config) (lock.Locker, func(), error) {
	opts := cfg.RedisLock()
	if opts == nil {
		return lock.NewLocal(), func() {}, nil
	}
	rl := lock.NewRedis(*opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rl.Ping(ctx); err != nil {
		_ = rl.Close()
		return nil, nil, fmt.Errorf("redis lock %s unreachable: %w", opts.Addr, err)
	}
	return rl, func() { _ = rl.Close() }, nil
}

func provideGate(cfg *config.Config) (*risk.Gate, error) {
	return risk.NewGate(cfg.RiskConfig())
}

func provideExits(cfg *config.Config) (*exit.Manager, error) {
	return exit.NewManager(cfg.ExitConfig())
}

func provideTrader(cfg *config.Config, gw exchange.Gateway, ledger store.Ledger, gate *risk.Gate, exits *exit.Manager,
	d *notifier.Dispatcher, m *metrics.Metrics, bl *blacklist.Registry, locker lock.Locker) (*trader.Trader, error) {
	return trader.New(cfg.TraderConfig(), trader.Deps{
		Gateway:   gw,
		Ledger:    ledger,
		Gate:      gate,
		Exits:     exits,
		Notifier:  d,
		Metrics:   m,
		Blacklist: bl,
		Locker:    locker,
	})
}

func providePoller(cfg *config.Config, gw exchange.Gateway, t *trader.Trader, exits *exit.Manager) (*scheduler.Poller, error) {
	return scheduler.New(cfg.SchedulerConfig(), gw, t, exits)
}

func provideHTTP(cfg *config.Config, t *trader.Trader, ledger store.Ledger, m *metrics.Metrics) (*api.Server, error) {
	return api.NewServer(api.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Trader:  t,
		Ledger:  ledger,
		Metrics: m.Handler(),
	})
}

func provideApp(cfg *config.Config, t *trader.Trader, poller *scheduler.Poller, server *api.Server,
	d *notifier.Dispatcher, bl *blacklist.Registry, gw exchange.Gateway) *App {
	return &App{
		cfg:        cfg,
		trader:     t,
		poller:     poller,
		http:       server,
		dispatcher: d,
		blacklist:  bl,
		Summary:    newStartupSummary(cfg, gw),
	}
}
