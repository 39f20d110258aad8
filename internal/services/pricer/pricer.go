// Package pricer reads spot prices from exchanges and adapts them into oracle readings.
package pricer

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/custody/internal/domain"
)

// Pricer returns the last traded price of pair.From quoted in pair.To.
type Pricer interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}
