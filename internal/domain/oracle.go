package domain

import (
	"math/big"
	"time"
)

// PriceReading is a raw answer from a price reference.
// Price is signed: a reference may report zero or negative values, which the valuation path rejects.
type PriceReading struct {
	Price     *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}
