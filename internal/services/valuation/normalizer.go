// Package valuation converts raw price readings into internal fixed-point USD values.
package valuation

import (
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/custody/internal/domain"
)

var pow10 [2*domain.MaxDecimals + 1]*uint256.Int

func init() {
	pow10[0] = uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := 1; i < len(pow10); i++ {
		pow10[i] = new(uint256.Int).Mul(pow10[i-1], ten)
	}
}

// ValueOf returns floor(amount * price * 10^6 / (10^assetDecimals * 10^priceDecimals)).
//
// The result always truncates toward zero. A non-positive price fails with ErrPriceUnavailable,
// a reading older than tolerance fails with ErrPriceStale; a zero tolerance disables the age check.
func ValueOf(
	amount *uint256.Int,
	assetDecimals uint8,
	price *big.Int,
	priceDecimals uint8,
	updatedAt, now time.Time,
	tolerance time.Duration,
) (*uint256.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, &domain.PriceUnavailableError{Price: price}
	}
	if tolerance > 0 && now.After(updatedAt.Add(tolerance)) {
		return nil, &domain.PriceStaleError{UpdatedAt: updatedAt, Now: now, Tolerance: tolerance}
	}
	if assetDecimals > domain.MaxDecimals || priceDecimals > domain.MaxDecimals {
		return nil, errors.Wrapf(domain.ErrInvalidReference, "scale %d/%d exceeds %d decimals",
			assetDecimals, priceDecimals, domain.MaxDecimals)
	}
	if amount == nil || amount.IsZero() {
		return domain.Zero(), nil
	}

	p, overflow := uint256.FromBig(price)
	if overflow {
		return nil, errors.Wrapf(domain.ErrValuationOverflow, "price %s", price)
	}

	scale := int(assetDecimals) + int(priceDecimals)
	if scale >= domain.InternalDecimals {
		// 512-bit intermediate product, one truncating division.
		out, overflow := new(uint256.Int).MulDivOverflow(amount, p, pow10[scale-domain.InternalDecimals])
		if overflow {
			return nil, errors.Wrapf(domain.ErrValuationOverflow, "amount %s at price %s", amount.Dec(), price)
		}
		return out, nil
	}

	product, overflow := new(uint256.Int).MulOverflow(amount, p)
	if overflow {
		return nil, errors.Wrapf(domain.ErrValuationOverflow, "amount %s at price %s", amount.Dec(), price)
	}
	out, overflow := new(uint256.Int).MulOverflow(product, pow10[domain.InternalDecimals-scale])
	if overflow {
		return nil, errors.Wrapf(domain.ErrValuationOverflow, "amount %s at price %s", amount.Dec(), price)
	}

	return out, nil
}

// ValueReading is ValueOf applied to an oracle reading.
func ValueReading(amount *uint256.Int, assetDecimals uint8, reading domain.PriceReading, now time.Time, tolerance time.Duration) (*uint256.Int, error) {
	return ValueOf(amount, assetDecimals, reading.Price, reading.Decimals, reading.UpdatedAt, now, tolerance)
}
