package vault

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/custody/internal/domain"
	"github.com/vadiminshakov/custody/internal/services/access"
	"github.com/vadiminshakov/custody/internal/services/custody"
	"github.com/vadiminshakov/custody/internal/services/ledger"
	"github.com/vadiminshakov/custody/internal/services/registry"
	"github.com/vadiminshakov/custody/internal/storage/settlements"
	oracleMock "github.com/vadiminshakov/custody/mocks/oracle"
	venueMock "github.com/vadiminshakov/custody/mocks/venue"
)

var (
	custodyAccount = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	pool           = common.HexToAddress("0x0000000000000000000000000000000000000f00")
	admin          = common.HexToAddress("0x000000000000000000000000000000000000ad00")
	alice          = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob            = common.HexToAddress("0x0000000000000000000000000000000000000b0b")

	now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

const (
	stable = domain.Asset("USDC")
	weth   = domain.Asset("WETH")
	odd    = domain.Asset("ODD")
	xyz    = domain.Asset("XYZ")

	wethFeed = "ETH_USD"
	oddFeed  = "ODD_USD"
)

type harness struct {
	vault   *Vault
	chain   *custody.Chain
	ledger  *ledger.Ledger
	reg     *registry.Registry
	journal *settlements.Journal
	oracle  *oracleMock.Oracle
	venue   *venueMock.Venue
}

func amt(v string) *uint256.Int { return uint256.MustFromDecimal(v) }

// usd converts whole dollars to internal scale.
func usd(dollars uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(dollars), uint256.NewInt(1_000_000))
}

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), amt("1000000000000000000"))
}

func defaultSettings() Settings {
	return Settings{
		StableAsset:        stable,
		BankCap:            usd(1_000_000),
		MaxWithdraw:        usd(10_000),
		StalenessTolerance: 60 * time.Second,
		MinSwapOutput:      uint256.NewInt(1),
	}
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()

	chain, err := custody.NewChain(nil, nil)
	require.NoError(t, err)
	require.NoError(t, chain.AddToken(custody.Token{Symbol: stable, Decimals: 6, ReportsDecimals: true}))
	require.NoError(t, chain.AddToken(custody.Token{Symbol: weth, Decimals: 18, ReportsDecimals: true}))
	require.NoError(t, chain.AddToken(custody.Token{Symbol: odd, Decimals: 8}))
	require.NoError(t, chain.AddToken(custody.Token{Symbol: xyz, Decimals: 18, ReportsDecimals: true}))

	gate := access.NewGate(admin)
	reg, err := registry.New(gate, nil, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Register(admin, weth, wethFeed, 0))

	journal, err := settlements.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	l := ledger.New(nil)
	oracle := oracleMock.NewOracle(t)
	venue := venueMock.NewVenue(t)

	v, err := New(settings, Dependencies{
		Ledger:    l,
		Registry:  reg,
		Gate:      gate,
		Oracle:    oracle,
		Transfers: chain.Transfers(custodyAccount),
		Holdings:  chain,
		Venue:     venue,
		Journal:   journal,
	})
	require.NoError(t, err)
	v.now = func() time.Time { return now }

	return &harness{vault: v, chain: chain, ledger: l, reg: reg, journal: journal, oracle: oracle, venue: venue}
}

func (h *harness) fund(t *testing.T, asset domain.Asset, to domain.Account, amount *uint256.Int) {
	t.Helper()
	require.NoError(t, h.chain.Mint(asset, to, amount))
}

func (h *harness) held(t *testing.T, asset domain.Asset, holder domain.Account) *uint256.Int {
	t.Helper()
	b, err := h.chain.BalanceOf(context.Background(), asset, holder)
	require.NoError(t, err)
	return b
}

// price quotes feed at dollars with 8 decimals, updated at the given time.
func (h *harness) price(feed string, dollars int64, updatedAt time.Time) *mock.Call {
	p := new(big.Int).Mul(big.NewInt(dollars), big.NewInt(100_000_000))
	return h.oracle.On("Latest", mock.Anything, feed).Return(domain.PriceReading{
		Price:     p,
		Decimals:  8,
		UpdatedAt: updatedAt,
	}, nil)
}
