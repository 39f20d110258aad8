// Package vault runs the deposit, withdrawal and swap settlement flows against the ledger.
//
// Every flow validates and values first, moves assets strictly before a credit or strictly
// after a debit, and commits exactly one ledger entry, so an aborted flow leaves no ledger effect.
package vault

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custody/internal/domain"
	"github.com/vadiminshakov/custody/internal/services/ledger"
	"github.com/vadiminshakov/custody/internal/storage/settlements"
)

// Oracle is a price reference.
type Oracle interface {
	Latest(ctx context.Context, feed string) (domain.PriceReading, error)
}

// Transfers moves assets between depositors and the custody account.
type Transfers interface {
	MoveIn(ctx context.Context, asset domain.Asset, from domain.Account, amount *uint256.Int) error
	MoveOut(ctx context.Context, asset domain.Asset, to domain.Account, amount *uint256.Int) error
	Custody() domain.Account
}

// Holdings answers balance and decimals queries on the asset layer.
type Holdings interface {
	BalanceOf(ctx context.Context, asset domain.Asset, holder domain.Account) (*uint256.Int, error)
	Decimals(ctx context.Context, asset domain.Asset) (uint8, error)
}

// Venue converts assets. Its answer is advisory.
type Venue interface {
	Convert(ctx context.Context, req domain.ConvertRequest) (*uint256.Int, error)
}

type authorizer interface {
	Authorize(caller common.Address) error
}

type assetRegistry interface {
	Register(caller common.Address, asset domain.Asset, feed string, decimalsOverride uint8) error
	Unregister(caller common.Address, asset domain.Asset) error
	Lookup(asset domain.Asset) (domain.Registration, bool)
	All() []domain.Registration
}

type balanceLedger interface {
	Credit(op domain.Operation, asset domain.Asset, account domain.Account, amount, value *uint256.Int, settlementID string) (ledger.Committed, error)
	Debit(op domain.Operation, asset domain.Asset, account domain.Account, amount, value *uint256.Int) (ledger.Committed, error)
	Rollback(c ledger.Committed) (ledger.Committed, error)
	BalanceOf(asset domain.Asset, account domain.Account) *uint256.Int
	TotalValued() *uint256.Int
	Snapshot() ([]domain.BalanceRecord, *uint256.Int)
}

type settlementJournal interface {
	Start(depositor domain.Account, assetIn domain.Asset, amountIn *uint256.Int, assetOut domain.Asset) (domain.Settlement, error)
	MarkSettled(id string, out settlements.Outcome, ledgerIndex uint64) error
	MarkRefunded(id string, reason error) error
	MarkStranded(id string, out settlements.Outcome, reason error) error
	MarkFailed(id string, reason error) error
	MarkRecovered(id string, recipient domain.Account) error
	Get(id string) (domain.Settlement, bool)
}

type stateWriter interface {
	SaveSettings(record domain.SettingsRecord) error
	SaveCheckpoint(cp domain.Checkpoint) (uint64, error)
}

// Dependencies are the collaborators of a vault. Venue and Journal are only needed for swap deposits,
// Store may be nil for an in-memory vault.
type Dependencies struct {
	Ledger    balanceLedger
	Registry  assetRegistry
	Gate      authorizer
	Oracle    Oracle
	Transfers Transfers
	Holdings  Holdings
	Venue     Venue
	Journal   settlementJournal
	Store     stateWriter
	Logger    *zap.Logger
}

// Receipt describes a completed flow.
type Receipt struct {
	Asset        domain.Asset
	Account      domain.Account
	Amount       *uint256.Int
	Value        *uint256.Int
	Total        *uint256.Int
	LedgerIndex  uint64
	SettlementID string
}

// Vault is safe for concurrent use; flows are serialized against each other.
type Vault struct {
	settingsMu sync.RWMutex
	settings   Settings

	ledger    balanceLedger
	registry  assetRegistry
	gate      authorizer
	oracle    Oracle
	transfers Transfers
	holdings  Holdings
	venue     Venue
	journal   settlementJournal
	store     stateWriter

	guard *guard
	now   func() time.Time
	l     *zap.Logger
}

// New creates a vault.
func New(settings Settings, deps Dependencies) (*Vault, error) {
	if err := settings.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid vault settings")
	}
	if deps.Ledger == nil {
		return nil, errors.New("ledger is required for vault")
	}
	if deps.Registry == nil {
		return nil, errors.New("registry is required for vault")
	}
	if deps.Gate == nil {
		return nil, errors.New("access gate is required for vault")
	}
	if deps.Oracle == nil {
		return nil, errors.New("oracle is required for vault")
	}
	if deps.Transfers == nil || deps.Holdings == nil {
		return nil, errors.New("asset layer is required for vault")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Vault{
		settings:  settings.clone(),
		ledger:    deps.Ledger,
		registry:  deps.Registry,
		gate:      deps.Gate,
		oracle:    deps.Oracle,
		transfers: deps.Transfers,
		holdings:  deps.Holdings,
		venue:     deps.Venue,
		journal:   deps.Journal,
		store:     deps.Store,
		guard:     newGuard(),
		now:       time.Now,
		l:         deps.Logger,
	}, nil
}

// Settings returns a copy of the current settings.
func (v *Vault) Settings() Settings {
	v.settingsMu.RLock()
	defer v.settingsMu.RUnlock()

	return v.settings.clone()
}

// BalanceOf returns the ledger balance of account in asset.
func (v *Vault) BalanceOf(asset domain.Asset, account domain.Account) *uint256.Int {
	return v.ledger.BalanceOf(asset, account)
}

// TotalValued returns the running valued total at internal scale.
func (v *Vault) TotalValued() *uint256.Int {
	return v.ledger.TotalValued()
}

// Registrations returns every registered asset.
func (v *Vault) Registrations() []domain.Registration {
	return v.registry.All()
}

// Register adds or replaces the price reference of asset.
func (v *Vault) Register(ctx context.Context, caller common.Address, asset domain.Asset, feed string, decimalsOverride uint8) error {
	_, release, err := v.guard.enter(ctx, classAdmin)
	if err != nil {
		return err
	}
	defer release()

	return v.registry.Register(caller, asset, feed, decimalsOverride)
}

// Unregister removes asset from the direct path.
func (v *Vault) Unregister(ctx context.Context, caller common.Address, asset domain.Asset) error {
	_, release, err := v.guard.enter(ctx, classAdmin)
	if err != nil {
		return err
	}
	defer release()

	return v.registry.Unregister(caller, asset)
}

// SetStalenessTolerance changes how old a price may be. Zero disables the check.
func (v *Vault) SetStalenessTolerance(ctx context.Context, caller common.Address, tolerance time.Duration) error {
	if err := v.gate.Authorize(caller); err != nil {
		return err
	}
	if tolerance < 0 {
		return errors.New("staleness tolerance must not be negative")
	}

	_, release, err := v.guard.enter(ctx, classAdmin)
	if err != nil {
		return err
	}
	defer release()

	next := v.Settings()
	next.StalenessTolerance = tolerance
	if v.store != nil {
		if err := v.store.SaveSettings(next.Record()); err != nil {
			return errors.Wrap(err, "persist settings")
		}
	}

	v.settingsMu.Lock()
	v.settings.StalenessTolerance = tolerance
	v.settingsMu.Unlock()

	v.l.Info("staleness tolerance updated",
		zap.String("caller", caller.Hex()),
		zap.Duration("tolerance", tolerance))
	return nil
}

// Checkpoint writes a full copy of the ledger, registry and settings so that replay can start from it.
func (v *Vault) Checkpoint(ctx context.Context) (uint64, error) {
	if v.store == nil {
		return 0, nil
	}

	_, release, err := v.guard.enterAll(ctx, classLedger, classAdmin)
	if err != nil {
		return 0, err
	}
	defer release()

	balances, total := v.ledger.Snapshot()
	settings := v.Settings().Record()

	index, err := v.store.SaveCheckpoint(domain.Checkpoint{
		Time:          v.now().UTC(),
		Balances:      balances,
		Total:         total.Dec(),
		Registrations: v.registry.All(),
		Settings:      &settings,
	})
	if err != nil {
		return 0, errors.Wrap(err, "save checkpoint")
	}

	v.l.Debug("checkpoint saved", zap.Uint64("index", index), zap.Int("balances", len(balances)))
	return index, nil
}

func requirePositive(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errors.WithStack(domain.ErrZeroAmount)
	}
	return nil
}

func receiptOf(c ledger.Committed, account domain.Account, amount, value *uint256.Int, total *uint256.Int) Receipt {
	return Receipt{
		Asset:        c.Entry.Asset,
		Account:      account,
		Amount:       amount.Clone(),
		Value:        value.Clone(),
		Total:        total,
		LedgerIndex:  c.Index,
		SettlementID: c.Entry.SettlementID,
	}
}
