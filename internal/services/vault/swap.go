package vault

import (
	"context"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custody/internal/domain"
	"github.com/vadiminshakov/custody/internal/storage/settlements"
)

// SwapDeposit converts amount of asset into the stable asset through the venue and credits the
// depositor with the stable amount that actually arrived in custody, whatever the venue reports.
//
// A rejection after the exchange executed (cap exceeded, ledger failure) cannot undo the exchange:
// the stable output stays in custody outside any account and the settlement is marked stranded.
func (v *Vault) SwapDeposit(ctx context.Context, account domain.Account, asset domain.Asset, amount *uint256.Int) (Receipt, error) {
	if err := requirePositive(amount); err != nil {
		return Receipt{}, err
	}

	ctx, release, err := v.guard.enter(ctx, classLedger)
	if err != nil {
		return Receipt{}, err
	}
	defer release()

	settings := v.Settings()
	if asset == settings.StableAsset {
		return v.deposit(ctx, settings, account, asset, amount)
	}
	if v.venue == nil || v.journal == nil {
		return Receipt{}, errors.Wrap(domain.ErrSwapFailure, "swap deposits are not configured")
	}

	s, err := v.journal.Start(account, asset, amount, settings.StableAsset)
	if err != nil {
		return Receipt{}, errors.Wrap(err, "open settlement")
	}
	l := v.l.With(zap.String("settlement_id", s.ID))

	// intake
	if err := v.transfers.MoveIn(ctx, asset, account, amount); err != nil {
		transferErr := &domain.TransferError{Direction: "in", Asset: asset, Amount: amount.Clone(), Err: err}
		v.mark(l, v.journal.MarkFailed(s.ID, transferErr))
		return Receipt{}, transferErr
	}

	custody := v.transfers.Custody()
	stable := settings.StableAsset

	prior, err := v.holdings.BalanceOf(ctx, stable, custody)
	if err != nil {
		return Receipt{}, v.refund(ctx, l, s.ID, account, asset, amount,
			&domain.SwapError{SettlementID: s.ID, Reason: "stable balance unavailable", Err: err})
	}
	inputBefore, err := v.holdings.BalanceOf(ctx, asset, custody)
	if err != nil {
		return Receipt{}, v.refund(ctx, l, s.ID, account, asset, amount,
			&domain.SwapError{SettlementID: s.ID, Reason: "input balance unavailable", Err: err})
	}

	// exchange
	reported, err := v.venue.Convert(ctx, domain.ConvertRequest{
		AssetIn:      asset,
		AssetOut:     stable,
		AmountIn:     amount.Clone(),
		MinAmountOut: settings.MinSwapOutput.Clone(),
		Payer:        custody,
		Recipient:    custody,
	})
	if err != nil {
		return Receipt{}, v.unwind(ctx, l, s.ID, account, asset, stable, amount, prior, inputBefore,
			&domain.SwapError{SettlementID: s.ID, Reason: "venue rejected conversion", Err: err})
	}

	// reconcile
	post, err := v.holdings.BalanceOf(ctx, stable, custody)
	if err != nil {
		swapErr := &domain.SwapError{SettlementID: s.ID, Reason: "stable balance unavailable after exchange", Reported: reported, Err: err}
		v.mark(l, v.journal.MarkStranded(s.ID, settlements.Outcome{Prior: prior, Reported: reported}, swapErr))
		return Receipt{}, swapErr
	}

	realized := domain.Zero()
	if post.Gt(prior) {
		realized = new(uint256.Int).Sub(post, prior)
	}
	outcome := settlements.Outcome{Prior: prior, Post: post, Reported: reported, Realized: realized}

	if reported == nil {
		l.Warn("venue reported no output", zap.String("realized", realized.Dec()))
	} else if !reported.Eq(realized) {
		l.Warn("venue report differs from measured output",
			zap.String("reported", reported.Dec()),
			zap.String("realized", realized.Dec()))
	}

	if realized.IsZero() {
		return Receipt{}, v.unwind(ctx, l, s.ID, account, asset, stable, amount, prior, inputBefore,
			&domain.SwapError{SettlementID: s.ID, Reason: "no output realized", Reported: reported, Realized: realized})
	}

	// capping; the stable native scale is the internal scale
	if err := v.checkCap(settings, realized); err != nil {
		l.Warn("swap output stranded in custody",
			zap.String("account", account.Hex()),
			zap.String("realized", realized.Dec()),
			zap.Error(err))
		v.mark(l, v.journal.MarkStranded(s.ID, outcome, err))
		return Receipt{}, err
	}

	// settling
	c, err := v.ledger.Credit(domain.OperationSwap, stable, account, realized, realized, s.ID)
	if err != nil {
		v.mark(l, v.journal.MarkStranded(s.ID, outcome, err))
		return Receipt{}, errors.Wrap(err, "credit swap output")
	}
	v.mark(l, v.journal.MarkSettled(s.ID, outcome, c.Index))

	total := v.ledger.TotalValued()
	l.Info("swap deposit",
		zap.String("account", account.Hex()),
		zap.String("asset_in", asset.String()),
		zap.String("amount_in", amount.Dec()),
		zap.String("realized", realized.Dec()),
		zap.String("total_usd", domain.FormatUSD(total)),
		zap.Uint64("ledger_index", c.Index))

	return receiptOf(c, account, realized, realized, total), nil
}

// RecoverStranded pays the measured output of a stranded settlement out of custody to recipient.
func (v *Vault) RecoverStranded(ctx context.Context, caller domain.Account, settlementID string, recipient domain.Account) error {
	if err := v.gate.Authorize(caller); err != nil {
		return err
	}
	if v.journal == nil {
		return errors.New("settlement journal is not configured")
	}

	// custody balances must not move while a swap measures them
	ctx, release, err := v.guard.enterAll(ctx, classLedger, classAdmin)
	if err != nil {
		return err
	}
	defer release()

	s, ok := v.journal.Get(settlementID)
	if !ok {
		return errors.Errorf("settlement %s not found", settlementID)
	}
	if s.Status != domain.SettlementStranded {
		return errors.Errorf("settlement %s is %s, not stranded", s.ID, s.Status)
	}
	if s.Realized == "" {
		return errors.Errorf("settlement %s has no measured output to recover", s.ID)
	}
	realized, err := uint256.FromDecimal(s.Realized)
	if err != nil {
		return errors.Wrap(err, "decode realized output")
	}
	if realized.IsZero() {
		return errors.Errorf("settlement %s realized nothing", s.ID)
	}

	if err := v.transfers.MoveOut(ctx, s.AssetOut, recipient, realized); err != nil {
		return &domain.TransferError{Direction: "out", Asset: s.AssetOut, Amount: realized, Err: err}
	}
	if err := v.journal.MarkRecovered(s.ID, recipient); err != nil {
		return errors.Wrap(err, "mark settlement recovered")
	}

	v.l.Info("stranded settlement recovered",
		zap.String("caller", caller.Hex()),
		zap.String("settlement_id", s.ID),
		zap.String("recipient", recipient.Hex()),
		zap.String("amount", realized.Dec()))
	return nil
}

// unwind closes a conversion that yielded nothing to credit. The input goes back to the depositor
// only when custody still holds all of it and no stable output arrived; otherwise the settlement is
// stranded with whatever was measured.
func (v *Vault) unwind(
	ctx context.Context,
	l *zap.Logger,
	id string,
	account domain.Account,
	asset, stable domain.Asset,
	amount, prior, inputBefore *uint256.Int,
	cause *domain.SwapError,
) error {
	custody := v.transfers.Custody()
	post, postErr := v.holdings.BalanceOf(ctx, stable, custody)
	inputAfter, inputErr := v.holdings.BalanceOf(ctx, asset, custody)

	if postErr == nil && inputErr == nil && !post.Gt(prior) && !inputAfter.Lt(inputBefore) {
		return v.refund(ctx, l, id, account, asset, amount, cause)
	}

	outcome := settlements.Outcome{Prior: prior, Reported: cause.Reported}
	if postErr == nil {
		realized := domain.Zero()
		if post.Gt(prior) {
			realized = new(uint256.Int).Sub(post, prior)
		}
		outcome.Post = post
		outcome.Realized = realized
		cause.Realized = realized
	}

	fields := []zap.Field{
		zap.String("account", account.Hex()),
		zap.String("asset_in", asset.String()),
		zap.String("amount_in", amount.Dec()),
		zap.Error(cause),
	}
	if outcome.Realized != nil {
		fields = append(fields, zap.String("realized", outcome.Realized.Dec()))
	}
	if inputErr == nil {
		fields = append(fields, zap.String("input_held", inputAfter.Dec()))
	}
	l.Warn("swap left custody balances moved, settlement stranded", fields...)
	v.mark(l, v.journal.MarkStranded(id, outcome, cause))
	return cause
}

// refund returns the input to the depositor after a failed exchange.
func (v *Vault) refund(ctx context.Context, l *zap.Logger, id string, account domain.Account, asset domain.Asset, amount *uint256.Int, cause *domain.SwapError) error {
	if err := v.transfers.MoveOut(ctx, asset, account, amount); err != nil {
		l.Error("failed to refund swap input",
			zap.String("account", account.Hex()),
			zap.String("asset", asset.String()),
			zap.String("amount", amount.Dec()),
			zap.Error(err))
		v.mark(l, v.journal.MarkFailed(id, errors.Errorf("%v; refund failed: %v", cause, err)))
		cause.Reason += "; refund failed"
		return cause
	}

	l.Warn("swap refunded", zap.String("account", account.Hex()), zap.Error(cause))
	v.mark(l, v.journal.MarkRefunded(id, cause))
	return cause
}

func (v *Vault) mark(l *zap.Logger, err error) {
	if err != nil {
		l.Error("failed to update settlement journal", zap.Error(err))
	}
}
