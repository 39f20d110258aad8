package vault

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/custody/internal/domain"
	"github.com/vadiminshakov/custody/internal/services/access"
	"github.com/vadiminshakov/custody/internal/services/custody"
	"github.com/vadiminshakov/custody/internal/services/ledger"
	"github.com/vadiminshakov/custody/internal/services/registry"
	"github.com/vadiminshakov/custody/internal/storage/statewal"
	oracleMock "github.com/vadiminshakov/custody/mocks/oracle"
)

func TestRegister_IdempotentOverwrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultSettings())

	require.NoError(t, h.vault.Register(ctx, admin, odd, "ODD_USD", 0))
	require.NoError(t, h.vault.Register(ctx, admin, odd, "ODD_USDT", 8))

	reg, ok := h.reg.Lookup(odd)
	require.True(t, ok)
	assert.Equal(t, "ODD_USDT", reg.Feed)
	assert.Equal(t, uint8(8), reg.DecimalsOverride)
	assert.Len(t, h.vault.Registrations(), 2)

	err := h.vault.Register(ctx, bob, odd, "ODD_USD", 0)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))

	err = h.vault.Unregister(ctx, admin, xyz)
	assert.True(t, errors.Is(err, domain.ErrAssetNotSupported))
	require.NoError(t, h.vault.Unregister(ctx, admin, odd))
	assert.Len(t, h.vault.Registrations(), 1)
}

func TestSetStalenessTolerance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultSettings())

	err := h.vault.SetStalenessTolerance(ctx, bob, time.Minute)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))

	require.NoError(t, h.vault.SetStalenessTolerance(ctx, admin, 0))
	assert.Zero(t, h.vault.Settings().StalenessTolerance)

	// with the check disabled an old price is accepted
	h.price(wethFeed, 2000, now.Add(-24*time.Hour))
	h.fund(t, weth, alice, ether(1))
	_, err = h.vault.Deposit(ctx, alice, weth, ether(1))
	assert.NoError(t, err)
}

func TestCheckpoint_RestoresState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := statewal.NewWALStore(dir)
	require.NoError(t, err)

	chain, err := custody.NewChain(nil, nil)
	require.NoError(t, err)
	require.NoError(t, chain.AddToken(custody.Token{Symbol: stable, Decimals: 6, ReportsDecimals: true}))
	require.NoError(t, chain.Mint(stable, alice, usd(30)))

	gate := access.NewGate(admin)
	reg, err := registry.New(gate, store, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Register(admin, weth, wethFeed, 0))

	settings := defaultSettings()
	v, err := New(settings, Dependencies{
		Ledger:    ledger.New(store),
		Registry:  reg,
		Gate:      gate,
		Oracle:    oracleMock.NewOracle(t),
		Transfers: chain.Transfers(custodyAccount),
		Holdings:  chain,
		Store:     store,
	})
	require.NoError(t, err)

	_, err = v.Deposit(ctx, alice, stable, usd(20))
	require.NoError(t, err)
	require.NoError(t, v.SetStalenessTolerance(ctx, admin, 5*time.Minute))

	index, err := v.Checkpoint(ctx)
	require.NoError(t, err)
	assert.NotZero(t, index)

	_, err = v.Deposit(ctx, alice, stable, usd(10))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := statewal.NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	state, err := reopened.Load()
	require.NoError(t, err)
	require.NotNil(t, state.Checkpoint)
	assert.Equal(t, usd(20).Dec(), state.Checkpoint.Total)
	require.Len(t, state.Checkpoint.Registrations, 1)
	require.Len(t, state.Entries, 1)
	require.NotNil(t, state.Settings)
	assert.Equal(t, 5*time.Minute, state.Settings.StalenessTolerance)

	restored := ledger.New(nil)
	require.NoError(t, restored.Load(state.Checkpoint.Balances, state.Checkpoint.Total))
	require.NoError(t, restored.Restore(state.Entries))
	assert.Equal(t, usd(30), restored.BalanceOf(stable, alice))
	assert.Equal(t, usd(30), restored.TotalValued())
}

func TestMergeSettings(t *testing.T) {
	configured := defaultSettings()

	merged, err := MergeSettings(configured, nil)
	require.NoError(t, err)
	assert.Equal(t, configured.BankCap, merged.BankCap)

	persisted := domain.SettingsRecord{
		StableAsset:        "USDT",
		BankCap:            "5000000",
		MaxWithdraw:        "1",
		StalenessTolerance: 0,
		MinSwapOutput:      "7",
	}
	merged, err = MergeSettings(configured, &persisted)
	require.NoError(t, err)
	assert.Equal(t, domain.Asset("USDT"), merged.StableAsset)
	assert.Equal(t, uint256.NewInt(5_000_000), merged.BankCap)
	assert.Zero(t, merged.StalenessTolerance)
	// operational limits follow configuration
	assert.Equal(t, configured.MaxWithdraw, merged.MaxWithdraw)
	assert.Equal(t, configured.MinSwapOutput, merged.MinSwapOutput)

	_, err = MergeSettings(configured, &domain.SettingsRecord{BankCap: "lots"})
	assert.Error(t, err)

	bad := defaultSettings()
	bad.MinSwapOutput = domain.Zero()
	_, err = MergeSettings(bad, nil)
	assert.Error(t, err)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(defaultSettings(), Dependencies{})
	assert.Error(t, err)

	settings := defaultSettings()
	settings.StableAsset = ""
	_, err = New(settings, Dependencies{})
	assert.Error(t, err)
}
