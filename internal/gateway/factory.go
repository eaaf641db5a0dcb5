package gateway

import (
	"fmt"
	"strings"

	"tothemoon/internal/config"
	"tothemoon/internal/gateway/binance"
	"tothemoon/internal/gateway/exchange"
	"tothemoon/internal/gateway/paper"
)

// NewFromConfig builds the venue named by exchange.name. Paper mode still
// reads prices from the binance public endpoint and only simulates fills.
func NewFromConfig(cfg *config.Config) (exchange.Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Exchange.Name))
	switch name {
	case "paper":
		pcfg := cfg.PaperConfig()
		feed, err := binance.New(cfg.BinanceConfig())
		if err != nil {
			return nil, fmt.Errorf("init paper price feed: %w", err)
		}
		pcfg.Feed = feed
		return paper.New(pcfg), nil
	case "", "binance", "binance-futures":
		gw, err := binance.New(cfg.BinanceConfig())
		if err != nil {
			return nil, fmt.Errorf("init binance gateway: %w", err)
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.Exchange.Name)
	}
}
