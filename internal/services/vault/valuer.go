package vault

import (
	"context"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custody/internal/domain"
	"github.com/vadiminshakov/custody/internal/services/valuation"
)

// value converts amount of asset to internal scale. The stable asset is valued 1:1 without a price lookup.
func (v *Vault) value(ctx context.Context, settings Settings, asset domain.Asset, amount *uint256.Int) (*uint256.Int, error) {
	if asset == settings.StableAsset {
		return amount.Clone(), nil
	}

	reg, ok := v.registry.Lookup(asset)
	if !ok || !reg.Accepted {
		return nil, errors.Wrapf(domain.ErrAssetNotSupported, "asset %s is not registered", asset)
	}

	decimals := reg.DecimalsOverride
	if decimals == 0 {
		var err error
		decimals, err = v.holdings.Decimals(ctx, asset)
		if err != nil {
			return nil, errors.Wrapf(err, "decimals of %s", asset)
		}
	}

	reading, err := v.oracle.Latest(ctx, reg.Feed)
	if err != nil {
		if errors.Is(err, domain.ErrPriceUnavailable) || errors.Is(err, domain.ErrInvalidReference) {
			return nil, err
		}
		return nil, &domain.PriceUnavailableError{Err: errors.Wrapf(err, "read %s", reg.Feed)}
	}

	value, err := valuation.ValueReading(amount, decimals, reading, v.now(), settings.StalenessTolerance)
	if err != nil {
		return nil, err
	}

	v.l.Debug("valued",
		zap.String("asset", asset.String()),
		zap.String("amount", amount.Dec()),
		zap.String("feed", reg.Feed),
		zap.Stringer("price", reading.Price),
		zap.String("value", domain.FormatUSD(value)))
	return value, nil
}
