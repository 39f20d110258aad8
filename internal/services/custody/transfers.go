package custody

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/vadiminshakov/custody/internal/domain"
)

// Transfers moves assets in and out of one custody account.
type Transfers struct {
	chain   *Chain
	custody domain.Account
}

// Custody returns the custody account.
func (t *Transfers) Custody() domain.Account { return t.custody }

// MoveIn pulls amount of asset from a depositor into custody.
func (t *Transfers) MoveIn(ctx context.Context, asset domain.Asset, from domain.Account, amount *uint256.Int) error {
	return t.chain.Transfer(ctx, asset, from, t.custody, amount)
}

// MoveOut pays amount of asset out of custody.
func (t *Transfers) MoveOut(ctx context.Context, asset domain.Asset, to domain.Account, amount *uint256.Int) error {
	return t.chain.Transfer(ctx, asset, t.custody, to, amount)
}
