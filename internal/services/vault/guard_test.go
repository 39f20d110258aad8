package vault

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/custody/internal/domain"
)

func TestGuard_RejectsReentryAndHonoursCancellation(t *testing.T) {
	g := newGuard()

	held, release, err := g.enter(context.Background(), classLedger)
	require.NoError(t, err)

	_, _, err = g.enter(held, classLedger)
	assert.True(t, errors.Is(err, domain.ErrReentrant))

	// another class is independent
	_, releaseAdmin, err := g.enter(held, classAdmin)
	require.NoError(t, err)
	releaseAdmin()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = g.enter(ctx, classLedger)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	release()
	_, release, err = g.enter(context.Background(), classLedger)
	require.NoError(t, err)
	release()
}

func TestGuard_EnterAllReleasesOnFailure(t *testing.T) {
	g := newGuard()

	heldAdmin, releaseAdmin, err := g.enter(context.Background(), classAdmin)
	require.NoError(t, err)

	_, _, err = g.enterAll(heldAdmin, classLedger, classAdmin)
	assert.True(t, errors.Is(err, domain.ErrReentrant))
	releaseAdmin()

	// the ledger slot taken by the failed call was given back
	_, release, err := g.enterAll(context.Background(), classLedger, classAdmin)
	require.NoError(t, err)
	release()
}

func TestDeposit_ReentrantCallFromTransferIsRejected(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.fund(t, stable, alice, usd(10))
	h.fund(t, stable, bob, usd(10))

	var inner error
	h.chain.SetHook(func(ctx context.Context, _ domain.Asset, from, _ domain.Account, _ *uint256.Int) error {
		if from != alice {
			return nil
		}
		_, inner = h.vault.Deposit(ctx, bob, stable, usd(10))
		return inner
	})

	_, err := h.vault.Deposit(context.Background(), alice, stable, usd(10))
	require.Error(t, err)
	assert.True(t, errors.Is(inner, domain.ErrReentrant))
	assert.True(t, errors.Is(err, domain.ErrTransferFailure))
	assert.True(t, errors.Is(err, domain.ErrReentrant))

	assert.True(t, h.vault.TotalValued().IsZero())
	assert.True(t, h.vault.BalanceOf(stable, bob).IsZero())
}

func TestSwapDeposit_ReentrantCallFromVenueIsRejected(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.fund(t, stable, alice, usd(10))
	_, err := h.vault.Deposit(context.Background(), alice, stable, usd(10))
	require.NoError(t, err)
	h.fund(t, xyz, alice, ether(1))

	var inner error
	h.venue.On("Convert", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			_, inner = h.vault.Withdraw(args.Get(0).(context.Context), alice, stable, usd(10))
		}).
		Return(nil, errors.New("aborted")).
		Once()

	_, err = h.vault.SwapDeposit(context.Background(), alice, xyz, ether(1))
	assert.True(t, errors.Is(err, domain.ErrSwapFailure))
	assert.True(t, errors.Is(inner, domain.ErrReentrant))
	assert.Equal(t, usd(10), h.vault.BalanceOf(stable, alice))
}
