// Package config loads the vault configuration from a YAML file or command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/custody/internal/domain"
)

const (
	PlatformBinance     = "binance"
	PlatformBybit       = "bybit"
	PlatformHyperliquid = "hyperliquid"
	PlatformSimulate    = "simulate"
	PlatformStatic      = "static"
)

const (
	defaultStateDir           = "./wal"
	defaultHTTPAddr           = ":8080"
	defaultCheckpointInterval = 10 * time.Minute
	defaultStatusInterval     = time.Minute
	defaultFeeBps             = 30
)

// defaultPool is the liquidity account of the simulated venue when none is configured.
var defaultPool = common.HexToAddress("0x00000000000000000000000000000000000000f1")

// Config is a validated vault configuration. USD amounts are at internal scale,
// MinSwapOutput is in stable native units.
type Config struct {
	Platform           string
	StateDir           string
	StableAsset        domain.Asset
	BankCap            *uint256.Int
	MaxWithdraw        *uint256.Int
	StalenessTolerance time.Duration
	MinSwapOutput      *uint256.Int
	Admins             []common.Address
	// CustodyAddress is used when CUSTODY_PRIVATE_KEY is not set.
	CustodyAddress     common.Address
	Assets             []Asset
	Venue              Venue
	Genesis            []Allocation
	StaticPrices       map[domain.Pair]decimal.Decimal
	HTTP               HTTP
	CheckpointInterval time.Duration
	StatusInterval     time.Duration
}

// Asset is a token on the custody chain. Assets with a feed are registered for direct deposits
// the first time the vault starts.
type Asset struct {
	Symbol           domain.Asset
	Decimals         uint8
	ReportsDecimals  bool
	Feed             string
	DecimalsOverride uint8
}

type Venue struct {
	FeeBps    uint32
	Pool      common.Address
	// Quotes maps an output asset to the symbol its prices are quoted in.
	Quotes    map[domain.Asset]string
	// Liquidity is minted to the pool on first start, in native units per asset.
	Liquidity map[domain.Asset]*uint256.Int
}

// Allocation is a balance minted on the custody chain on first start.
type Allocation struct {
	Account common.Address
	Asset   domain.Asset
	Amount  *uint256.Int
}

type HTTP struct {
	Addr      string
	// Domain enables automatic TLS certificates for the given host name.
	Domain    string
	CertCache string
}

// Registrations returns the registry seed derived from the asset table.
func (c Config) Registrations() []domain.Registration {
	var regs []domain.Registration
	for _, a := range c.Assets {
		if a.Feed == "" || a.Symbol == c.StableAsset {
			continue
		}
		regs = append(regs, domain.Registration{
			Asset:            a.Symbol,
			Accepted:         true,
			Feed:             a.Feed,
			DecimalsOverride: a.DecimalsOverride,
		})
	}
	return regs
}

// ConfigTmp is the YAML form of Config.
type ConfigTmp struct {
	Platform           string            `yaml:"platform"`
	StateDir           string            `yaml:"state_dir,omitempty"`
	StableAsset        string            `yaml:"stable_asset"`
	BankCap            string            `yaml:"bank_cap"`
	MaxWithdraw        string            `yaml:"max_withdraw"`
	StalenessTolerance time.Duration     `yaml:"staleness_tolerance"`
	MinSwapOutput      string            `yaml:"min_swap_output"`
	Admins             []string          `yaml:"admins"`
	CustodyAddress     string            `yaml:"custody_address,omitempty"`
	Assets             []AssetTmp        `yaml:"assets"`
	Venue              VenueTmp          `yaml:"venue,omitempty"`
	Genesis            []AllocationTmp   `yaml:"genesis,omitempty"`
	StaticPrices       map[string]string `yaml:"static_prices,omitempty"`
	HTTP               HTTPTmp           `yaml:"http,omitempty"`
	CheckpointInterval time.Duration     `yaml:"checkpoint_interval,omitempty"`
	StatusInterval     time.Duration     `yaml:"status_interval,omitempty"`
}

type AssetTmp struct {
	Symbol           string `yaml:"symbol"`
	Decimals         uint8  `yaml:"decimals"`
	// HideDecimals deploys the token without a working decimals() call.
	HideDecimals     bool   `yaml:"hide_decimals,omitempty"`
	Feed             string `yaml:"feed,omitempty"`
	DecimalsOverride uint8  `yaml:"decimals_override,omitempty"`
}

type VenueTmp struct {
	FeeBps    *uint32           `yaml:"fee_bps,omitempty"`
	Pool      string            `yaml:"pool,omitempty"`
	Quotes    map[string]string `yaml:"quotes,omitempty"`
	Liquidity map[string]string `yaml:"liquidity,omitempty"`
}

type AllocationTmp struct {
	Account string `yaml:"account"`
	Asset   string `yaml:"asset"`
	Amount  string `yaml:"amount"`
}

type HTTPTmp struct {
	Addr      string `yaml:"addr,omitempty"`
	Domain    string `yaml:"domain,omitempty"`
	CertCache string `yaml:"cert_cache,omitempty"`
}

// Options are the command-line switches.
type Options struct {
	ConfigPath string
	Setup      bool
	Config     Config
}

// Get parses the process flags. A --config file takes precedence over the individual flags.
func Get() (Options, error) {
	return Parse(flag.CommandLine, os.Args[1:])
}

// Parse reads options from args using fs.
func Parse(fs *flag.FlagSet, args []string) (Options, error) {
	configPath := fs.String("config", "", "path to yaml config")
	setup := fs.Bool("setup", false, "run the interactive configuration wizard")
	platform := fs.String("platform", PlatformSimulate, "price source: binance, bybit, hyperliquid, simulate or static")
	stateDir := fs.String("statedir", defaultStateDir, "directory for the ledger and settlement logs")
	stable := fs.String("stable", "USDC", "stable asset symbol, 6 decimals")
	bankCap := fs.String("bankcap", "1000000", "bank cap in USD")
	maxWithdraw := fs.String("maxwithdraw", "10000", "max value of a single non-stable withdrawal in USD")
	staleness := fs.Duration("staleness", time.Hour, "max age of a price reading, 0 disables the check")
	minSwapOut := fs.String("minswapout", "0.01", "min stable output of a swap deposit")
	admins := fs.String("admins", "", "comma separated administrator addresses")
	addr := fs.String("addr", defaultHTTPAddr, "http listen address")

	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}

	opts := Options{ConfigPath: *configPath, Setup: *setup}
	if opts.Setup {
		return opts, nil
	}

	if opts.ConfigPath != "" {
		cfg, err := Load(opts.ConfigPath)
		if err != nil {
			return Options{}, err
		}
		opts.Config = cfg
		return opts, nil
	}

	tmp := ConfigTmp{
		Platform:           *platform,
		StateDir:           *stateDir,
		StableAsset:        *stable,
		BankCap:            *bankCap,
		MaxWithdraw:        *maxWithdraw,
		StalenessTolerance: *staleness,
		MinSwapOutput:      *minSwapOut,
		Admins:             splitList(*admins),
		Assets:             []AssetTmp{{Symbol: *stable, Decimals: domain.InternalDecimals}},
		HTTP:               HTTPTmp{Addr: *addr},
	}
	cfg, err := tmp.Config()
	if err != nil {
		return Options{}, err
	}
	opts.Config = cfg
	return opts, nil
}

// Load reads a YAML config file.
func Load(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, fmt.Errorf("parse yaml config %s: %w", path, err)
	}

	return tmp.Config()
}

// Config validates the YAML form and converts it.
func (c ConfigTmp) Config() (Config, error) {
	cfg := Config{
		Platform:           strings.ToLower(strings.TrimSpace(c.Platform)),
		StateDir:           c.StateDir,
		StableAsset:        domain.NewAsset(c.StableAsset),
		StalenessTolerance: c.StalenessTolerance,
		CheckpointInterval: c.CheckpointInterval,
		StatusInterval:     c.StatusInterval,
		StaticPrices:       make(map[domain.Pair]decimal.Decimal, len(c.StaticPrices)),
		HTTP: HTTP{
			Addr:      c.HTTP.Addr,
			Domain:    c.HTTP.Domain,
			CertCache: c.HTTP.CertCache,
		},
	}

	switch cfg.Platform {
	case PlatformBinance, PlatformBybit, PlatformHyperliquid, PlatformSimulate, PlatformStatic:
	case "":
		cfg.Platform = PlatformSimulate
	default:
		return Config{}, fmt.Errorf("unsupported 'platform' param in config: %s", c.Platform)
	}

	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = defaultHTTPAddr
	}
	if cfg.HTTP.Domain != "" && cfg.HTTP.CertCache == "" {
		cfg.HTTP.CertCache = "./certs"
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = defaultCheckpointInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.StalenessTolerance < 0 {
		return Config{}, fmt.Errorf("incorrect 'staleness_tolerance' param in config: must not be negative")
	}
	if cfg.StableAsset == "" {
		return Config{}, fmt.Errorf("'stable_asset' param is required")
	}

	var err error
	if cfg.BankCap, err = domain.ParseUSD(c.BankCap); err != nil {
		return Config{}, fmt.Errorf("incorrect 'bank_cap' param in config (correct format is 1000000.50), error: %w", err)
	}
	if cfg.MaxWithdraw, err = domain.ParseUSD(c.MaxWithdraw); err != nil {
		return Config{}, fmt.Errorf("incorrect 'max_withdraw' param in config (correct format is 10000), error: %w", err)
	}
	if cfg.MinSwapOutput, err = domain.ParseUnits(c.MinSwapOutput, domain.InternalDecimals); err != nil {
		return Config{}, fmt.Errorf("incorrect 'min_swap_output' param in config, error: %w", err)
	}
	if cfg.MinSwapOutput.IsZero() {
		return Config{}, fmt.Errorf("'min_swap_output' must be greater than zero")
	}

	for _, a := range c.Admins {
		admin, err := parseAddress(a)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'admins' entry in config: %w", err)
		}
		cfg.Admins = append(cfg.Admins, admin)
	}
	if c.CustodyAddress != "" {
		if cfg.CustodyAddress, err = parseAddress(c.CustodyAddress); err != nil {
			return Config{}, fmt.Errorf("incorrect 'custody_address' param in config: %w", err)
		}
	}

	decimalsOf := make(map[domain.Asset]uint8, len(c.Assets))
	for _, a := range c.Assets {
		asset := Asset{
			Symbol:           domain.NewAsset(a.Symbol),
			Decimals:         a.Decimals,
			ReportsDecimals:  !a.HideDecimals,
			Feed:             strings.ToUpper(strings.TrimSpace(a.Feed)),
			DecimalsOverride: a.DecimalsOverride,
		}
		if asset.Symbol == "" {
			return Config{}, fmt.Errorf("asset symbol is required")
		}
		if _, dup := decimalsOf[asset.Symbol]; dup {
			return Config{}, fmt.Errorf("asset %s is listed twice", asset.Symbol)
		}
		if asset.Decimals > domain.MaxDecimals || asset.DecimalsOverride > domain.MaxDecimals {
			return Config{}, fmt.Errorf("asset %s: decimals must not exceed %d", asset.Symbol, domain.MaxDecimals)
		}
		if asset.Feed != "" {
			if _, err := domain.ParsePair(asset.Feed); err != nil {
				return Config{}, fmt.Errorf("asset %s: %w", asset.Symbol, err)
			}
		}
		decimalsOf[asset.Symbol] = asset.Decimals
		cfg.Assets = append(cfg.Assets, asset)
	}

	stableDecimals, ok := decimalsOf[cfg.StableAsset]
	if !ok {
		return Config{}, fmt.Errorf("stable asset %s must be listed in 'assets'", cfg.StableAsset)
	}
	if stableDecimals != domain.InternalDecimals {
		return Config{}, fmt.Errorf("stable asset %s must have %d decimals, got %d", cfg.StableAsset, domain.InternalDecimals, stableDecimals)
	}

	if cfg.Venue, err = c.Venue.venue(decimalsOf); err != nil {
		return Config{}, err
	}

	for _, g := range c.Genesis {
		account, err := parseAddress(g.Account)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'genesis' account: %w", err)
		}
		asset := domain.NewAsset(g.Asset)
		decimals, ok := decimalsOf[asset]
		if !ok {
			return Config{}, fmt.Errorf("genesis asset %s is not listed in 'assets'", asset)
		}
		amount, err := domain.ParseUnits(g.Amount, decimals)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'genesis' amount for %s: %w", asset, err)
		}
		cfg.Genesis = append(cfg.Genesis, Allocation{Account: account, Asset: asset, Amount: amount})
	}

	for ref, v := range c.StaticPrices {
		pair, err := domain.ParsePair(ref)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'static_prices' key: %w", err)
		}
		price, err := decimal.NewFromString(v)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect static price for %s: %w", ref, err)
		}
		cfg.StaticPrices[pair] = price
	}
	if cfg.Platform == PlatformStatic && len(cfg.StaticPrices) == 0 {
		return Config{}, fmt.Errorf("platform %s needs 'static_prices'", PlatformStatic)
	}

	return cfg, nil
}

func (v VenueTmp) venue(decimalsOf map[domain.Asset]uint8) (Venue, error) {
	out := Venue{
		FeeBps:    defaultFeeBps,
		Pool:      defaultPool,
		Quotes:    make(map[domain.Asset]string, len(v.Quotes)),
		Liquidity: make(map[domain.Asset]*uint256.Int, len(v.Liquidity)),
	}
	if v.FeeBps != nil {
		out.FeeBps = *v.FeeBps
	}
	if out.FeeBps >= 10_000 {
		return Venue{}, fmt.Errorf("incorrect 'venue.fee_bps' param in config: must be below 10000")
	}
	if v.Pool != "" {
		pool, err := parseAddress(v.Pool)
		if err != nil {
			return Venue{}, fmt.Errorf("incorrect 'venue.pool' param in config: %w", err)
		}
		out.Pool = pool
	}
	for asset, quote := range v.Quotes {
		out.Quotes[domain.NewAsset(asset)] = strings.ToUpper(strings.TrimSpace(quote))
	}
	for symbol, amount := range v.Liquidity {
		asset := domain.NewAsset(symbol)
		decimals, ok := decimalsOf[asset]
		if !ok {
			return Venue{}, fmt.Errorf("venue liquidity asset %s is not listed in 'assets'", asset)
		}
		native, err := domain.ParseUnits(amount, decimals)
		if err != nil {
			return Venue{}, fmt.Errorf("incorrect venue liquidity for %s: %w", asset, err)
		}
		out.Liquidity[asset] = native
	}
	return out, nil
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
