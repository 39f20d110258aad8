package vault

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/custody/internal/domain"
)

func TestDeposit_StableCreditsOneToOne(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.fund(t, stable, alice, usd(500))

	r, err := h.vault.Deposit(context.Background(), alice, stable, usd(500))
	require.NoError(t, err)

	assert.Equal(t, usd(500), r.Value)
	assert.Equal(t, usd(500), h.vault.BalanceOf(stable, alice))
	assert.Equal(t, usd(500), h.vault.TotalValued())
	assert.Equal(t, usd(500), h.held(t, stable, custodyAccount))
	h.oracle.AssertNotCalled(t, "Latest", mock.Anything, mock.Anything)
}

func TestDeposit_ValuesThroughOracle(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.price(wethFeed, 2000, now)
	h.fund(t, weth, alice, ether(2))

	r, err := h.vault.Deposit(context.Background(), alice, weth, ether(1))
	require.NoError(t, err)

	assert.Equal(t, usd(2000), r.Value)
	assert.Equal(t, usd(2000), r.Total)
	assert.Equal(t, ether(1), h.vault.BalanceOf(weth, alice))
	assert.Equal(t, ether(1), h.held(t, weth, custodyAccount))
	assert.Equal(t, ether(1), h.held(t, weth, alice))
}

func TestDeposit_TruncatesSubCentValue(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.price(wethFeed, 2000, now)
	h.fund(t, weth, alice, amt("100000000000000"))

	// 0.0001 ETH at $2000 is $0.20
	r, err := h.vault.Deposit(context.Background(), alice, weth, amt("100000000000000"))
	require.NoError(t, err)
	assert.Equal(t, "200000", r.Value.Dec())
}

func TestDeposit_DecimalsOverride(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.fund(t, odd, alice, uint256.NewInt(300_000_000))

	require.NoError(t, h.reg.Register(admin, odd, oddFeed, 0))
	h.price(oddFeed, 10, now)

	_, err := h.vault.Deposit(context.Background(), alice, odd, uint256.NewInt(100_000_000))
	assert.True(t, errors.Is(err, domain.ErrDecimalsUnknown))

	require.NoError(t, h.reg.Register(admin, odd, oddFeed, 8))
	r, err := h.vault.Deposit(context.Background(), alice, odd, uint256.NewInt(100_000_000))
	require.NoError(t, err)
	assert.Equal(t, usd(10), r.Value)
}

func TestDeposit_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("zero amount", func(t *testing.T) {
		h := newHarness(t, defaultSettings())
		_, err := h.vault.Deposit(ctx, alice, stable, domain.Zero())
		assert.True(t, errors.Is(err, domain.ErrZeroAmount))
	})

	t.Run("unregistered asset", func(t *testing.T) {
		h := newHarness(t, defaultSettings())
		h.fund(t, xyz, alice, ether(1))
		_, err := h.vault.Deposit(ctx, alice, xyz, ether(1))
		assert.True(t, errors.Is(err, domain.ErrAssetNotSupported))
		assert.Equal(t, ether(1), h.held(t, xyz, alice))
	})

	t.Run("stale price", func(t *testing.T) {
		h := newHarness(t, defaultSettings())
		h.price(wethFeed, 2000, now.Add(-61*time.Second))
		h.fund(t, weth, alice, ether(1))

		_, err := h.vault.Deposit(ctx, alice, weth, ether(1))
		assert.True(t, errors.Is(err, domain.ErrPriceStale))
		var stale *domain.PriceStaleError
		require.True(t, errors.As(err, &stale))
		assert.Equal(t, 60*time.Second, stale.Tolerance)
	})

	t.Run("price exactly at tolerance", func(t *testing.T) {
		h := newHarness(t, defaultSettings())
		h.price(wethFeed, 2000, now.Add(-60*time.Second))
		h.fund(t, weth, alice, ether(1))

		_, err := h.vault.Deposit(ctx, alice, weth, ether(1))
		assert.NoError(t, err)
	})

	t.Run("non-positive price", func(t *testing.T) {
		h := newHarness(t, defaultSettings())
		h.oracle.On("Latest", mock.Anything, wethFeed).Return(domain.PriceReading{
			Price: big.NewInt(-1), Decimals: 8, UpdatedAt: now,
		}, nil)
		h.fund(t, weth, alice, ether(1))

		_, err := h.vault.Deposit(ctx, alice, weth, ether(1))
		assert.True(t, errors.Is(err, domain.ErrPriceUnavailable))
	})

	t.Run("oracle error", func(t *testing.T) {
		h := newHarness(t, defaultSettings())
		h.oracle.On("Latest", mock.Anything, wethFeed).Return(domain.PriceReading{}, errors.New("feed offline"))
		h.fund(t, weth, alice, ether(1))

		_, err := h.vault.Deposit(ctx, alice, weth, ether(1))
		assert.True(t, errors.Is(err, domain.ErrPriceUnavailable))
	})

	t.Run("cap exceeded", func(t *testing.T) {
		settings := defaultSettings()
		settings.BankCap = usd(3000)
		h := newHarness(t, settings)
		h.price(wethFeed, 2000, now)
		h.fund(t, weth, alice, ether(2))

		_, err := h.vault.Deposit(ctx, alice, weth, ether(1))
		require.NoError(t, err)

		_, err = h.vault.Deposit(ctx, alice, weth, ether(1))
		require.Error(t, err)
		var capErr *domain.CapExceededError
		require.True(t, errors.As(err, &capErr))
		assert.Equal(t, usd(4000), capErr.Attempted)
		assert.Equal(t, usd(3000), capErr.Cap)

		assert.Equal(t, usd(2000), h.vault.TotalValued())
		assert.Equal(t, ether(1), h.vault.BalanceOf(weth, alice))
		assert.Equal(t, ether(1), h.held(t, weth, alice))
	})

	t.Run("deposit reaching the cap exactly is accepted", func(t *testing.T) {
		settings := defaultSettings()
		settings.BankCap = usd(100)
		h := newHarness(t, settings)
		h.fund(t, stable, alice, usd(100))

		_, err := h.vault.Deposit(ctx, alice, stable, usd(100))
		require.NoError(t, err)
		assert.Equal(t, usd(100), h.vault.TotalValued())
	})

	t.Run("transfer failure", func(t *testing.T) {
		h := newHarness(t, defaultSettings())

		_, err := h.vault.Deposit(ctx, alice, stable, usd(1))
		assert.True(t, errors.Is(err, domain.ErrTransferFailure))
		assert.True(t, h.vault.TotalValued().IsZero())
	})
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultSettings())
	h.price(wethFeed, 2000, now)
	h.fund(t, weth, alice, ether(3))

	_, err := h.vault.Deposit(ctx, alice, weth, ether(3))
	require.NoError(t, err)

	before := h.vault.BalanceOf(weth, alice)
	r, err := h.vault.Withdraw(ctx, alice, weth, ether(1))
	require.NoError(t, err)

	after := h.vault.BalanceOf(weth, alice)
	assert.Equal(t, new(uint256.Int).Sub(before, ether(1)), after)
	assert.Equal(t, usd(2000), r.Value)
	assert.Equal(t, usd(4000), h.vault.TotalValued())
	assert.Equal(t, ether(1), h.held(t, weth, alice))
	assert.Equal(t, ether(2), h.held(t, weth, custodyAccount))
}

func TestWithdraw_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("insufficient balance", func(t *testing.T) {
		h := newHarness(t, defaultSettings())
		h.fund(t, stable, alice, usd(10))
		_, err := h.vault.Deposit(ctx, alice, stable, usd(10))
		require.NoError(t, err)

		_, err = h.vault.Withdraw(ctx, alice, stable, usd(11))
		var ib *domain.InsufficientBalanceError
		require.True(t, errors.As(err, &ib))
		assert.Equal(t, usd(11), ib.Requested)
		assert.Equal(t, usd(10), ib.Available)
		assert.Equal(t, usd(10), h.vault.BalanceOf(stable, alice))
	})

	t.Run("zero amount", func(t *testing.T) {
		h := newHarness(t, defaultSettings())
		_, err := h.vault.Withdraw(ctx, alice, stable, nil)
		assert.True(t, errors.Is(err, domain.ErrZeroAmount))
	})

	t.Run("max withdraw applies to non-stable assets", func(t *testing.T) {
		h := newHarness(t, defaultSettings())
		h.price(wethFeed, 2000, now)
		h.fund(t, weth, alice, ether(6))
		_, err := h.vault.Deposit(ctx, alice, weth, ether(6))
		require.NoError(t, err)

		_, err = h.vault.Withdraw(ctx, alice, weth, ether(6))
		var limitErr *domain.MaxWithdrawExceededError
		require.True(t, errors.As(err, &limitErr))
		assert.Equal(t, usd(12_000), limitErr.Value)
		assert.Equal(t, usd(10_000), limitErr.Limit)
		assert.Equal(t, ether(6), h.vault.BalanceOf(weth, alice))

		_, err = h.vault.Withdraw(ctx, alice, weth, ether(5))
		assert.NoError(t, err)
	})

	t.Run("stable asset is exempt from max withdraw", func(t *testing.T) {
		h := newHarness(t, defaultSettings())
		h.fund(t, stable, alice, usd(50_000))
		_, err := h.vault.Deposit(ctx, alice, stable, usd(50_000))
		require.NoError(t, err)

		_, err = h.vault.Withdraw(ctx, alice, stable, usd(50_000))
		require.NoError(t, err)
		assert.True(t, h.vault.TotalValued().IsZero())
		assert.Equal(t, usd(50_000), h.held(t, stable, alice))
	})

	t.Run("unregistered asset cannot be valued", func(t *testing.T) {
		h := newHarness(t, defaultSettings())
		h.price(wethFeed, 2000, now)
		h.fund(t, weth, alice, ether(1))
		_, err := h.vault.Deposit(ctx, alice, weth, ether(1))
		require.NoError(t, err)
		require.NoError(t, h.reg.Unregister(admin, weth))

		_, err = h.vault.Withdraw(ctx, alice, weth, ether(1))
		assert.True(t, errors.Is(err, domain.ErrAssetNotSupported))
	})
}

func TestWithdraw_TotalSaturatesAtZero(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultSettings())
	h.fund(t, weth, alice, ether(1))

	h.price(wethFeed, 2000, now).Once()
	_, err := h.vault.Deposit(ctx, alice, weth, ether(1))
	require.NoError(t, err)

	h.price(wethFeed, 4000, now).Once()
	r, err := h.vault.Withdraw(ctx, alice, weth, ether(1))
	require.NoError(t, err)
	assert.Equal(t, usd(4000), r.Value)
	assert.True(t, h.vault.TotalValued().IsZero())
	assert.True(t, h.vault.BalanceOf(weth, alice).IsZero())
}

func TestWithdraw_TransferFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultSettings())
	h.fund(t, stable, alice, usd(100))
	_, err := h.vault.Deposit(ctx, alice, stable, usd(100))
	require.NoError(t, err)

	h.chain.SetHook(func(_ context.Context, _ domain.Asset, from, _ domain.Account, _ *uint256.Int) error {
		if from == custodyAccount {
			return errors.New("outbound transfers paused")
		}
		return nil
	})

	_, err = h.vault.Withdraw(ctx, alice, stable, usd(40))
	assert.True(t, errors.Is(err, domain.ErrTransferFailure))
	assert.Equal(t, usd(100), h.vault.BalanceOf(stable, alice))
	assert.Equal(t, usd(100), h.vault.TotalValued())
	assert.Equal(t, usd(100), h.held(t, stable, custodyAccount))
}

func TestDeposit_ConcurrentDepositsNeverExceedCap(t *testing.T) {
	settings := defaultSettings()
	settings.BankCap = usd(1000)
	h := newHarness(t, settings)

	const depositors = 30
	accounts := make([]domain.Account, depositors)
	for i := range accounts {
		accounts[i][19] = byte(i + 1)
		h.fund(t, stable, accounts[i], usd(100))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for _, account := range accounts {
		wg.Add(1)
		go func(account domain.Account) {
			defer wg.Done()
			_, err := h.vault.Deposit(context.Background(), account, stable, usd(100))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, domain.ErrCapExceeded))
		}(account)
	}
	wg.Wait()

	assert.Equal(t, 10, accepted)
	assert.Equal(t, usd(1000), h.vault.TotalValued())
}
