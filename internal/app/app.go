package app

import (
	"context"
	"errors"
	"fmt"

	"tothemoon/internal/blacklist"
	"tothemoon/internal/config"
	"tothemoon/internal/gateway/notifier"
	"tothemoon/internal/logger"
	"tothemoon/internal/scheduler"
	"tothemoon/internal/trader"
	"tothemoon/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：恢复仓位 → 启动轮询/对账/HTTP → 退出时排空平仓。
type App struct {
	cfg        *config.Config
	trader     *trader.Trader
	poller     *scheduler.Poller
	http       *api.Server
	dispatcher *notifier.Dispatcher
	blacklist  *blacklist.Registry
	cleanup    func()
	Summary    *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	a, cleanup, err := buildApp(cfg)
	if err != nil {
		return nil, err
	}
	a.cleanup = cleanup
	return a, nil
}

// Run recovers persisted state, then drives the poller, the periodic
// reconciler and the HTTP API until ctx is done. On the way out the trader is
// stopped so decided closes finish or are escalated.
func (a *App) Run(ctx context.Context) (err error) {
	if a == nil || a.cfg == nil || a.trader == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.release()

	if a.Summary != nil {
		a.Summary.Print()
	}

	// 通知队列独立于 ctx，关停阶段产生的升级事件仍能送达，cleanup 时排空
	go func() { _ = a.dispatcher.Run(context.Background()) }()
	a.blacklist.Watch()

	a.trader.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Controller.ShutdownTimeout+a.cfg.Controller.VenueTimeout)
		defer cancel()
		if stopErr := a.trader.Stop(stopCtx); stopErr != nil {
			logger.Errorf("trader stop: %v", stopErr)
			err = errors.Join(err, stopErr)
		}
	}()

	report, err := a.trader.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	logger.Infof("startup reconcile: checked=%d skipped=%d phantoms=%d orphans=%d adopted=%d released=%d",
		report.Checked, report.Skipped, len(report.Phantoms), len(report.Orphans), len(report.Adopted), len(report.Released))

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.poller.Run(gctx)
	})
	group.Go(func() error {
		return a.trader.RunReconciler(gctx, a.cfg.Controller.ReconcileInterval)
	})
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(gctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (a *App) release() {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
}

// Trader exposes the trader for replay harnesses and tests.
func (a *App) Trader() *trader.Trader {
	if a == nil {
		return nil
	}
	return a.trader
}
