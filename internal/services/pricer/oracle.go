package pricer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custody/internal/domain"
	"github.com/vadiminshakov/custody/pkg/retrier"
)

// OracleDecimals is the fixed-point scale of every reading produced by Oracle.
const OracleDecimals = 8

// timedPricer is implemented by pricers that know when their price was last updated.
type timedPricer interface {
	GetPriceAt(ctx context.Context, pair domain.Pair) (decimal.Decimal, time.Time, error)
}

// Oracle turns a Pricer into a price reference with a fixed 8-decimal scale.
// Prices from pricers that carry no update time are stamped with the time they were read.
type Oracle struct {
	pricer  Pricer
	retrier *retrier.Retrier
	now     func() time.Time
	l       *zap.Logger
}

// NewOracle wraps p. Failed reads are retried with backoff unless the context is done.
func NewOracle(p Pricer, l *zap.Logger, opts ...retrier.Option) (*Oracle, error) {
	if p == nil {
		return nil, errors.New("pricer is required for oracle")
	}
	if l == nil {
		l = zap.NewNop()
	}

	defaults := []retrier.Option{
		retrier.WithInitialInterval(200 * time.Millisecond),
		retrier.WithMaxInterval(2 * time.Second),
		retrier.WithMaxRetries(3),
		retrier.WithRetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retrier.WithOnRetry(func(attempt int, err error) {
			l.Warn("price read failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		}),
	}

	return &Oracle{
		pricer:  p,
		retrier: retrier.New(append(defaults, opts...)...),
		now:     time.Now,
		l:       l,
	}, nil
}

type reading struct {
	price decimal.Decimal
	at    time.Time
}

// Latest returns the current price of feed. The price is truncated to 8 decimals.
func (o *Oracle) Latest(ctx context.Context, feed string) (domain.PriceReading, error) {
	pair, err := domain.ParsePair(feed)
	if err != nil {
		return domain.PriceReading{}, errors.Wrap(domain.ErrInvalidReference, err.Error())
	}

	r, err := retrier.DoWithData(o.retrier, ctx, func(ctx context.Context) (reading, error) {
		if tp, ok := o.pricer.(timedPricer); ok {
			price, at, err := tp.GetPriceAt(ctx, pair)
			return reading{price: price, at: at}, err
		}
		price, err := o.pricer.GetPrice(ctx, pair)
		return reading{price: price, at: o.now()}, err
	})
	if err != nil {
		return domain.PriceReading{}, &domain.PriceUnavailableError{Err: errors.Wrapf(err, "read %s", pair.String())}
	}

	return domain.PriceReading{
		Price:     r.price.Shift(OracleDecimals).Truncate(0).BigInt(),
		Decimals:  OracleDecimals,
		UpdatedAt: r.at,
	}, nil
}
