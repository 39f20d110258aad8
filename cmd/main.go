// Command custody runs a multi-asset custodial vault that values deposits in USD,
// converts supported assets to the stable asset and serves signed HTTP requests.
// It can be configured via a YAML file, command-line arguments or the setup wizard.
//
// Usage:
//
//	custody --config config.yaml
//	custody --setup
//	custody --platform static --admins 0xabc... (uses CLI arguments)
//
// Environment variables:
//
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET (optional, public prices are used without them)
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET
//	For Hyperliquid: HYPERLIQUID_PRIVATE_KEY, HYPERLIQUID_API_URL (optional)
//	CUSTODY_PRIVATE_KEY derives the custody account; custody_address is used otherwise
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custody/config"
	"github.com/vadiminshakov/custody/internal"
	"github.com/vadiminshakov/custody/internal/clients"
	"github.com/vadiminshakov/custody/internal/services/pricer"
	"github.com/vadiminshakov/custody/internal/setup"
)

const defaultHyperliquidURL = "https://api.hyperliquid.xyz"

func main() {
	opts, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	cfg := opts.Config
	if opts.Setup {
		path, err := setup.RunTUI()
		if err != nil {
			log.Fatal(err)
		}
		if cfg, err = config.Load(path); err != nil {
			log.Fatal(err)
		}
	}

	client, err := newClient(cfg)
	if err != nil {
		log.Fatal(err)
	}

	custodyAccount, err := custodyAddress(cfg)
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	app, err := internal.NewApp(cfg, client, custodyAccount, logger)
	if err != nil {
		logger.Fatal("failed to start vault", zap.Error(err))
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Error("vault stopped", zap.Error(err))
	}
}

func newClient(cfg config.Config) (any, error) {
	switch cfg.Platform {
	case config.PlatformBinance:
		apiKey := os.Getenv("BINANCE_API_KEY")
		apiSecret := os.Getenv("BINANCE_API_SECRET")
		if apiKey == "" || apiSecret == "" {
			return clients.NewPublicBinanceClient(), nil
		}
		return clients.NewBinanceClient(apiKey, apiSecret), nil
	case config.PlatformBybit:
		apiKey := os.Getenv("BYBIT_API_KEY")
		apiSecret := os.Getenv("BYBIT_API_SECRET")
		if apiKey == "" || apiSecret == "" {
			log.Fatal("BYBIT_API_KEY and BYBIT_API_SECRET environment variables must be set")
		}
		return clients.NewBybitClient(apiKey, apiSecret), nil
	case config.PlatformHyperliquid:
		privateKey := os.Getenv("HYPERLIQUID_PRIVATE_KEY")
		if privateKey == "" {
			log.Fatal("HYPERLIQUID_PRIVATE_KEY environment variable must be set")
		}
		baseURL := os.Getenv("HYPERLIQUID_API_URL")
		if baseURL == "" {
			baseURL = defaultHyperliquidURL
		}
		return clients.NewHyperliquidClient(privateKey, baseURL)
	case config.PlatformSimulate:
		return clients.NewPublicBinanceClient(), nil
	case config.PlatformStatic:
		p := pricer.NewStaticPricer()
		now := time.Now()
		for pair, price := range cfg.StaticPrices {
			p.Set(pair, price, now)
		}
		return p, nil
	default:
		log.Fatal("unsupported platform")
	}
	return nil, nil
}

func custodyAddress(cfg config.Config) (common.Address, error) {
	if hexKey := os.Getenv("CUSTODY_PRIVATE_KEY"); hexKey != "" {
		key, err := clients.ParsePrivateKey(hexKey)
		if err != nil {
			return common.Address{}, err
		}
		return clients.AddressFromKey(key)
	}
	if cfg.CustodyAddress == (common.Address{}) {
		log.Fatal("CUSTODY_PRIVATE_KEY environment variable or 'custody_address' param must be set")
	}
	return cfg.CustodyAddress, nil
}
