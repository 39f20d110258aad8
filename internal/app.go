package internal

import (
	"context"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/custody/config"
	"github.com/vadiminshakov/custody/internal/domain"
	"github.com/vadiminshakov/custody/internal/services/access"
	"github.com/vadiminshakov/custody/internal/services/custody"
	"github.com/vadiminshakov/custody/internal/services/exchange"
	"github.com/vadiminshakov/custody/internal/services/ledger"
	"github.com/vadiminshakov/custody/internal/services/pricer"
	"github.com/vadiminshakov/custody/internal/services/registry"
	"github.com/vadiminshakov/custody/internal/services/vault"
	"github.com/vadiminshakov/custody/internal/storage/settlements"
	"github.com/vadiminshakov/custody/internal/storage/simstate"
	"github.com/vadiminshakov/custody/internal/storage/statewal"
	"github.com/vadiminshakov/custody/internal/web"
)

// App is one running vault with its storage, asset layer and HTTP surface.
type App struct {
	Config  config.Config
	Custody common.Address
	Vault   *vault.Vault
	Chain   *custody.Chain
	Server  *web.Server

	store    *statewal.WALStore
	journal  *settlements.Journal
	provider string
	logger   *zap.Logger
}

// NewApp restores durable state and wires the vault. client selects the price source,
// see newServiceProvider.
func NewApp(conf config.Config, client any, custodyAccount common.Address, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if custodyAccount == (common.Address{}) {
		return nil, errors.New("custody account is required")
	}

	provider, err := newServiceProvider(client, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create service provider")
	}
	priceSource, err := provider.Pricer()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pricer")
	}

	store, err := statewal.NewWALStore(filepath.Join(conf.StateDir, "state"))
	if err != nil {
		return nil, err
	}

	app := &App{Config: conf, Custody: custodyAccount, store: store, provider: provider.Name(), logger: logger}
	if err := app.init(priceSource); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) init(priceSource pricer.Pricer) error {
	conf := a.Config

	state, err := a.store.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load vault state")
	}

	gate := access.NewGate(conf.Admins...)
	if len(conf.Admins) == 0 {
		a.logger.Warn("No admins configured, administrative requests will be denied")
	}

	l := ledger.New(a.store)
	reg, err := registry.New(gate, a.store, a.logger.Named("registry"))
	if err != nil {
		return err
	}

	if cp := state.Checkpoint; cp != nil {
		if err := l.Load(cp.Balances, cp.Total); err != nil {
			return errors.Wrap(err, "failed to load ledger checkpoint")
		}
		records := make([]domain.RegistrationRecord, 0, len(cp.Registrations))
		for _, r := range cp.Registrations {
			records = append(records, domain.RegistrationRecord{Registration: r})
		}
		reg.Restore(records)
	}
	if err := l.Restore(state.Entries); err != nil {
		return errors.Wrap(err, "failed to replay ledger")
	}
	reg.Restore(state.Registrations)
	// settings are saved on every start, so their absence marks a new vault
	if state.Settings == nil {
		if err := reg.Bootstrap(conf.Registrations()); err != nil {
			return errors.Wrap(err, "failed to bootstrap registry")
		}
	}

	settings, err := vault.MergeSettings(vault.Settings{
		StableAsset:        conf.StableAsset,
		BankCap:            conf.BankCap,
		MaxWithdraw:        conf.MaxWithdraw,
		StalenessTolerance: conf.StalenessTolerance,
		MinSwapOutput:      conf.MinSwapOutput,
	}, state.Settings)
	if err != nil {
		return errors.Wrap(err, "invalid vault settings")
	}
	if state.Settings != nil && (state.Settings.StableAsset != conf.StableAsset || state.Settings.BankCap != conf.BankCap.Dec()) {
		a.logger.Warn("Stable asset and bank cap are fixed at creation, configured values ignored",
			zap.String("stable_asset", settings.StableAsset.String()),
			zap.String("bank_cap_usd", domain.FormatUSD(settings.BankCap)))
	}
	if err := a.store.SaveSettings(settings.Record()); err != nil {
		return errors.Wrap(err, "failed to persist vault settings")
	}

	a.journal, err = settlements.Open(filepath.Join(conf.StateDir, "settlements"))
	if err != nil {
		return err
	}
	interrupted, err := a.journal.RecoverInterrupted()
	if err != nil {
		return errors.Wrap(err, "failed to recover interrupted settlements")
	}
	for _, s := range interrupted {
		a.logger.Error("Swap settlement interrupted by restart, marked stranded",
			zap.String("settlement_id", s.ID),
			zap.String("depositor", s.Depositor),
			zap.String("asset_in", s.AssetIn.String()),
			zap.String("amount_in", s.AmountIn))
	}

	chainStore, err := simstate.NewStore(filepath.Join(conf.StateDir, "chain"), "custody")
	if err != nil {
		return err
	}
	if a.Chain, err = custody.NewChain(chainStore, a.logger.Named("chain")); err != nil {
		return errors.Wrap(err, "failed to restore custody chain")
	}
	if err := a.deployTokens(); err != nil {
		return err
	}

	stableDecimals, err := a.Chain.Decimals(context.Background(), settings.StableAsset)
	if err != nil {
		return errors.Wrapf(err, "stable asset %s", settings.StableAsset)
	}
	if stableDecimals != domain.InternalDecimals {
		return errors.Errorf("stable asset %s has %d decimals, expected %d", settings.StableAsset, stableDecimals, domain.InternalDecimals)
	}

	oracle, err := pricer.NewOracle(priceSource, a.logger.Named("oracle"))
	if err != nil {
		return err
	}
	venue, err := exchange.NewSimulateVenue(a.Chain, priceSource, conf.Venue.Pool, conf.Venue.FeeBps, conf.Venue.Quotes, a.logger.Named("venue"))
	if err != nil {
		return err
	}

	a.Vault, err = vault.New(settings, vault.Dependencies{
		Ledger:    l,
		Registry:  reg,
		Gate:      gate,
		Oracle:    oracle,
		Transfers: a.Chain.Transfers(a.Custody),
		Holdings:  a.Chain,
		Venue:     venue,
		Journal:   a.journal,
		Store:     a.store,
		Logger:    a.logger.Named("vault"),
	})
	if err != nil {
		return err
	}

	a.Server = web.NewServer(conf.HTTP.Addr, a.Vault, a.store, a.journal, a.logger.Named("web"))
	return nil
}

// deployTokens adds the configured tokens to the chain. Genesis balances and venue liquidity
// are minted only when the chain starts empty.
func (a *App) deployTokens() error {
	fresh := len(a.Chain.Tokens()) == 0

	for _, asset := range a.Config.Assets {
		if err := a.Chain.AddToken(custody.Token{
			Symbol:          asset.Symbol,
			Decimals:        asset.Decimals,
			ReportsDecimals: asset.ReportsDecimals,
		}); err != nil {
			return errors.Wrapf(err, "failed to deploy token %s", asset.Symbol)
		}
	}
	if !fresh {
		return nil
	}

	for _, g := range a.Config.Genesis {
		if err := a.Chain.Mint(g.Asset, g.Account, g.Amount); err != nil {
			return errors.Wrapf(err, "failed to mint genesis %s to %s", g.Asset, g.Account.Hex())
		}
	}
	for asset, amount := range a.Config.Venue.Liquidity {
		if err := a.Chain.Mint(asset, a.Config.Venue.Pool, amount); err != nil {
			return errors.Wrapf(err, "failed to mint venue liquidity %s", asset)
		}
	}

	a.logger.Info("Custody chain initialized",
		zap.Int("tokens", len(a.Config.Assets)),
		zap.Int("genesis_allocations", len(a.Config.Genesis)))
	return nil
}

// Run serves HTTP and runs housekeeping until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting custody vault",
		zap.String("platform", a.provider),
		zap.String("custody", a.Custody.Hex()),
		zap.String("stable_asset", a.Vault.Settings().StableAsset.String()),
		zap.String("total_usd", domain.FormatUSD(a.Vault.TotalValued())),
		zap.Int("registrations", len(a.Vault.Registrations())))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if a.Config.HTTP.Domain != "" {
			return a.Server.StartWithAutoTLS(ctx, []string{a.Config.HTTP.Domain}, a.Config.HTTP.CertCache)
		}
		return a.Server.Start(ctx)
	})
	g.Go(func() error {
		return a.housekeeping(ctx)
	})

	err := g.Wait()
	if _, cpErr := a.Vault.Checkpoint(context.Background()); cpErr != nil {
		a.logger.Error("Final checkpoint failed", zap.Error(cpErr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) housekeeping(ctx context.Context) error {
	checkpoint := time.NewTicker(a.Config.CheckpointInterval)
	defer checkpoint.Stop()
	status := time.NewTicker(a.Config.StatusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Context done, stopping housekeeping loop")
			return ctx.Err()
		case <-checkpoint.C:
			index, err := a.Vault.Checkpoint(ctx)
			if err != nil {
				a.logger.Error("Checkpoint failed", zap.Error(err))
				continue
			}
			a.logger.Debug("Checkpoint written", zap.Uint64("index", index))
		case <-status.C:
			a.logStatus()
		}
	}
}

func (a *App) logStatus() {
	settings := a.Vault.Settings()
	held, err := a.Chain.BalanceOf(context.Background(), settings.StableAsset, a.Custody)
	if err != nil {
		a.logger.Warn("Custody balance unavailable", zap.Error(err))
		return
	}

	a.logger.Info("Vault status",
		zap.String("total_usd", domain.FormatUSD(a.Vault.TotalValued())),
		zap.String("bank_cap_usd", domain.FormatUSD(settings.BankCap)),
		zap.String("custody_stable", domain.FormatUnits(held, domain.InternalDecimals)),
		zap.Int("stranded_settlements", len(a.journal.Stranded())))
}

// Close releases the logs. It is safe to call on a partially built app.
func (a *App) Close() error {
	var firstErr error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
