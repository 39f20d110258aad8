package pricer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/custody/internal/domain"
)

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// StaticPricer serves prices set by the operator, each with the time it was last updated.
type StaticPricer struct {
	mu     sync.RWMutex
	quotes map[string]quote
}

// NewStaticPricer returns a pricer with no quotes; use Set to add them.
func NewStaticPricer() *StaticPricer {
	return &StaticPricer{quotes: make(map[string]quote)}
}

// Set stores the price of pair as of at.
func (p *StaticPricer) Set(pair domain.Pair, price decimal.Decimal, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.quotes[pair.String()] = quote{price: price, at: at}
}

func (p *StaticPricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	price, _, err := p.GetPriceAt(ctx, pair)
	return price, err
}

// GetPriceAt returns the price of pair and the time it was set.
func (p *StaticPricer) GetPriceAt(_ context.Context, pair domain.Pair) (decimal.Decimal, time.Time, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	q, ok := p.quotes[pair.String()]
	if !ok {
		return decimal.Zero, time.Time{}, errors.Errorf("no static price for %s", pair.String())
	}
	return q.price, q.at, nil
}
