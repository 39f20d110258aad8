package vault

import (
	"context"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custody/internal/domain"
)

// Deposit values amount of asset, checks the bank cap, pulls the asset into custody and credits account.
func (v *Vault) Deposit(ctx context.Context, account domain.Account, asset domain.Asset, amount *uint256.Int) (Receipt, error) {
	if err := requirePositive(amount); err != nil {
		return Receipt{}, err
	}

	ctx, release, err := v.guard.enter(ctx, classLedger)
	if err != nil {
		return Receipt{}, err
	}
	defer release()

	return v.deposit(ctx, v.Settings(), account, asset, amount)
}

func (v *Vault) deposit(ctx context.Context, settings Settings, account domain.Account, asset domain.Asset, amount *uint256.Int) (Receipt, error) {
	value, err := v.value(ctx, settings, asset, amount)
	if err != nil {
		return Receipt{}, err
	}

	if err := v.checkCap(settings, value); err != nil {
		return Receipt{}, err
	}

	if err := v.transfers.MoveIn(ctx, asset, account, amount); err != nil {
		return Receipt{}, &domain.TransferError{Direction: "in", Asset: asset, Amount: amount.Clone(), Err: err}
	}

	c, err := v.ledger.Credit(domain.OperationDeposit, asset, account, amount, value, "")
	if err != nil {
		// the asset is already in custody but nobody owns it on the ledger
		if outErr := v.transfers.MoveOut(ctx, asset, account, amount); outErr != nil {
			v.l.Error("failed to return deposit after ledger failure",
				zap.String("asset", asset.String()),
				zap.String("account", account.Hex()),
				zap.String("amount", amount.Dec()),
				zap.Error(outErr))
			return Receipt{}, errors.Wrapf(err, "credit failed and deposit was not returned: %v", outErr)
		}
		return Receipt{}, errors.Wrap(err, "credit deposit")
	}

	total := v.ledger.TotalValued()
	v.l.Info("deposit",
		zap.String("account", account.Hex()),
		zap.String("asset", asset.String()),
		zap.String("amount", amount.Dec()),
		zap.String("value_usd", domain.FormatUSD(value)),
		zap.String("total_usd", domain.FormatUSD(total)),
		zap.Uint64("ledger_index", c.Index))

	return receiptOf(c, account, amount, value, total), nil
}

// Withdraw debits account and pays amount of asset out of custody. Withdrawals of the stable asset
// are not subject to the per-operation limit.
func (v *Vault) Withdraw(ctx context.Context, account domain.Account, asset domain.Asset, amount *uint256.Int) (Receipt, error) {
	if err := requirePositive(amount); err != nil {
		return Receipt{}, err
	}

	ctx, release, err := v.guard.enter(ctx, classLedger)
	if err != nil {
		return Receipt{}, err
	}
	defer release()

	settings := v.Settings()

	available := v.ledger.BalanceOf(asset, account)
	if amount.Gt(available) {
		return Receipt{}, &domain.InsufficientBalanceError{Asset: asset, Requested: amount.Clone(), Available: available}
	}

	value, err := v.value(ctx, settings, asset, amount)
	if err != nil {
		return Receipt{}, err
	}
	if asset != settings.StableAsset && value.Gt(settings.MaxWithdraw) {
		return Receipt{}, &domain.MaxWithdrawExceededError{Value: value, Limit: settings.MaxWithdraw.Clone()}
	}

	c, err := v.ledger.Debit(domain.OperationWithdraw, asset, account, amount, value)
	if err != nil {
		return Receipt{}, err
	}

	if err := v.transfers.MoveOut(ctx, asset, account, amount); err != nil {
		transferErr := &domain.TransferError{Direction: "out", Asset: asset, Amount: amount.Clone(), Err: err}
		if _, rbErr := v.ledger.Rollback(c); rbErr != nil {
			v.l.Error("failed to roll back withdrawal",
				zap.String("account", account.Hex()),
				zap.String("asset", asset.String()),
				zap.Uint64("ledger_index", c.Index),
				zap.Error(rbErr))
			return Receipt{}, errors.Wrapf(transferErr, "rollback failed: %v", rbErr)
		}
		return Receipt{}, transferErr
	}

	total := v.ledger.TotalValued()
	v.l.Info("withdraw",
		zap.String("account", account.Hex()),
		zap.String("asset", asset.String()),
		zap.String("amount", amount.Dec()),
		zap.String("value_usd", domain.FormatUSD(value)),
		zap.String("total_usd", domain.FormatUSD(total)),
		zap.Uint64("ledger_index", c.Index))

	return receiptOf(c, account, amount, value, total), nil
}

func (v *Vault) checkCap(settings Settings, value *uint256.Int) error {
	attempted, overflow := new(uint256.Int).AddOverflow(v.ledger.TotalValued(), value)
	if overflow {
		attempted = new(uint256.Int).SetAllOne()
	}
	if attempted.Gt(settings.BankCap) {
		return &domain.CapExceededError{Attempted: attempted, Cap: settings.BankCap.Clone()}
	}
	return nil
}
