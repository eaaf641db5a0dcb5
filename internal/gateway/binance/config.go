package binance

import (
	"strings"
	"time"
)

const (
	mainnetURL = "https://fapi.binance.com"
	testnetURL = "https://testnet.binancefuture.com"
)

type Config struct {
	APIKey      string
	APISecret   string
	RESTBaseURL string
	Testnet     bool
	HTTPTimeout time.Duration

	ProxyEnabled bool
	RESTProxyURL string

	RequestsPerSecond float64
	Burst             int
	Leverage          int
	QuoteAsset        string

	BreakerThreshold int
	BreakerCooldown  time.Duration
	ConstraintsTTL   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = mainnetURL
		if out.Testnet {
			out.RESTBaseURL = testnetURL
		}
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = 10
	}
	if out.Burst <= 0 {
		out.Burst = int(out.RequestsPerSecond)
		if out.Burst < 1 {
			out.Burst = 1
		}
	}
	out.QuoteAsset = strings.ToUpper(strings.TrimSpace(out.QuoteAsset))
	if out.QuoteAsset == "" {
		out.QuoteAsset = "USDT"
	}
	if out.BreakerThreshold == 0 {
		out.BreakerThreshold = 5
	}
	if out.BreakerCooldown <= 0 {
		out.BreakerCooldown = 30 * time.Second
	}
	if out.ConstraintsTTL <= 0 {
		out.ConstraintsTTL = time.Hour
	}
	return out
}
