package internal

import (
	"fmt"

	binance "github.com/adshao/go-binance/v2"
	bybit "github.com/hirokisan/bybit/v2"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custody/internal/clients"
	"github.com/vadiminshakov/custody/internal/services/pricer"
)

// serviceProvider builds the platform-specific price source.
type serviceProvider interface {
	Pricer() (pricer.Pricer, error)
	Name() string
}

// newServiceProvider creates a new service provider based on the client type.
// This is the single point of truth for dispatching to platform-specific implementations.
func newServiceProvider(client any, logger *zap.Logger) (serviceProvider, error) {
	switch c := client.(type) {
	case *binance.Client:
		return &binanceProvider{client: c}, nil
	case *bybit.Client:
		return &bybitProvider{client: c}, nil
	case *clients.HyperliquidClient:
		return &hyperliquidProvider{client: c}, nil
	case *pricer.StaticPricer:
		return &staticProvider{pricer: c, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unsupported client type: %T", client)
	}
}

type binanceProvider struct {
	client *binance.Client
}

func (p *binanceProvider) Pricer() (pricer.Pricer, error) {
	return pricer.NewBinancePricer(p.client), nil
}
func (p *binanceProvider) Name() string { return "binance" }

type bybitProvider struct {
	client *bybit.Client
}

func (p *bybitProvider) Pricer() (pricer.Pricer, error) {
	return pricer.NewBybitPricer(p.client), nil
}
func (p *bybitProvider) Name() string { return "bybit" }

type hyperliquidProvider struct {
	client *clients.HyperliquidClient
}

func (p *hyperliquidProvider) Pricer() (pricer.Pricer, error) {
	return pricer.NewHyperliquidPricer(p.client.Exchange().Info()), nil
}
func (p *hyperliquidProvider) Name() string { return "hyperliquid" }

type staticProvider struct {
	pricer *pricer.StaticPricer
	logger *zap.Logger
}

func (p *staticProvider) Pricer() (pricer.Pricer, error) {
	p.logger.Warn("Using operator-set static prices")
	return p.pricer, nil
}
func (p *staticProvider) Name() string { return "static" }
