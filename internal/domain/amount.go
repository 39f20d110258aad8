package domain

import (
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// InternalDecimals is the scale of every valuation: USD with 6 fractional digits.
const InternalDecimals = 6

// MaxDecimals bounds asset and price scales accepted by the valuation path.
const MaxDecimals = 38

// Zero returns a fresh zero amount.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// ParseUnits converts a human readable amount ("1.5") into native units of the given scale.
// Fractions finer than the scale are rejected rather than rounded.
func ParseUnits(value string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, errors.Wrapf(err, "parse amount %q", value)
	}
	if d.IsNegative() {
		return nil, errors.Errorf("amount %q must not be negative", value)
	}

	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, errors.Errorf("amount %q has more than %d fractional digits", value, decimals)
	}

	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, errors.Errorf("amount %q overflows 256 bits", value)
	}

	return out, nil
}

// FormatUnits renders native units at the given scale, e.g. 1500000 at 6 decimals is "1.5".
func FormatUnits(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}

	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}

// FormatUSD renders an internal-scale value.
func FormatUSD(v *uint256.Int) string {
	return FormatUnits(v, InternalDecimals)
}

// ParseUSD parses a USD amount into internal scale.
func ParseUSD(value string) (*uint256.Int, error) {
	return ParseUnits(value, InternalDecimals)
}

// MustAmount parses a base-10 integer in native units; it panics on bad input and is meant for constants and tests.
func MustAmount(v string) *uint256.Int {
	return uint256.MustFromDecimal(v)
}
