//go:build wireinject

package app

import (
	"tothemoon/internal/config"

	"github.com/google/wire"
)

var providerSet = wire.NewSet(
	provideGateway,
	provideLedger,
	provideMetrics,
	provideDispatcher,
	provideBlacklist,
	provideLocker,
	provideGate,
	provideExits,
	provideTrader,
	providePoller,
	provideHTTP,
	provideApp,
)

func buildApp(cfg *config.Config) (*App, func(), error) {
	wire.Build(providerSet)
	return nil, nil, nil
}
