// Package exchange converts assets through a spot venue.
package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custody/internal/domain"
	"github.com/vadiminshakov/custody/internal/services/custody"
)

const maxFeeBps = 10_000

// Pricer defines an interface for getting the price of a trading pair.
type Pricer interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}

type ledgerChain interface {
	Transfer(ctx context.Context, asset domain.Asset, from, to domain.Account, amount *uint256.Int) error
	Token(asset domain.Asset) (custody.Token, bool)
}

// SimulateVenue fills market conversions at the pricer's price from a liquidity pool account on the chain.
type SimulateVenue struct {
	mu     sync.Mutex
	chain  ledgerChain
	pricer Pricer
	pool   domain.Account
	feeBps uint32
	// quotes maps an output asset to the quote symbol its prices are listed in, e.g. USDC -> USDT.
	quotes map[domain.Asset]string
	logger *zap.Logger
}

// NewSimulateVenue creates a venue trading from pool. feeBps is charged on the output.
func NewSimulateVenue(chain ledgerChain, pricer Pricer, pool domain.Account, feeBps uint32, quotes map[domain.Asset]string, logger *zap.Logger) (*SimulateVenue, error) {
	if chain == nil {
		return nil, errors.New("chain is required for SimulateVenue")
	}
	if pricer == nil {
		return nil, errors.New("pricer is required for SimulateVenue")
	}
	if feeBps >= maxFeeBps {
		return nil, fmt.Errorf("fee must be below %d bps, got %d", maxFeeBps, feeBps)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	q := make(map[domain.Asset]string, len(quotes))
	for asset, quote := range quotes {
		q[asset] = quote
	}

	return &SimulateVenue{
		chain:  chain,
		pricer: pricer,
		pool:   pool,
		feeBps: feeBps,
		quotes: q,
		logger: logger,
	}, nil
}

// Pool returns the liquidity account of the venue.
func (v *SimulateVenue) Pool() domain.Account { return v.pool }

// Convert pulls AmountIn from the payer and pays the output to the recipient. The returned
// amount is what the venue reports; callers must measure what actually arrived.
func (v *SimulateVenue) Convert(ctx context.Context, req domain.ConvertRequest) (*uint256.Int, error) {
	if req.AmountIn == nil || req.AmountIn.IsZero() {
		return nil, fmt.Errorf("convert amount must be positive")
	}
	if req.AssetIn == req.AssetOut {
		return nil, fmt.Errorf("cannot convert %s into itself", req.AssetIn)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	out, price, err := v.quote(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.MinAmountOut != nil && out.Lt(req.MinAmountOut) {
		return nil, errors.Errorf("output %s %s below minimum %s", out.Dec(), req.AssetOut, req.MinAmountOut.Dec())
	}

	if err := v.chain.Transfer(ctx, req.AssetIn, req.Payer, v.pool, req.AmountIn); err != nil {
		return nil, errors.Wrap(err, "pull input")
	}
	if err := v.chain.Transfer(ctx, req.AssetOut, v.pool, req.Recipient, out); err != nil {
		if refundErr := v.chain.Transfer(ctx, req.AssetIn, v.pool, req.Payer, req.AmountIn); refundErr != nil {
			v.logger.Error("failed to return input after failed payout",
				zap.String("asset", req.AssetIn.String()),
				zap.String("amount", req.AmountIn.Dec()),
				zap.Error(refundErr))
		}
		return nil, errors.Wrap(err, "pay output")
	}

	v.logger.Info("Simulated conversion executed",
		zap.String("asset_in", req.AssetIn.String()),
		zap.String("amount_in", req.AmountIn.Dec()),
		zap.String("asset_out", req.AssetOut.String()),
		zap.String("amount_out", out.Dec()),
		zap.String("price", price.String()),
		zap.Uint32("fee_bps", v.feeBps))

	return out.Clone(), nil
}

func (v *SimulateVenue) quote(ctx context.Context, req domain.ConvertRequest) (*uint256.Int, decimal.Decimal, error) {
	// listed tokens trade even when their decimals() call fails
	tokenIn, ok := v.chain.Token(req.AssetIn)
	if !ok {
		return nil, decimal.Zero, errors.Wrapf(domain.ErrAssetNotSupported, "venue does not list %s", req.AssetIn)
	}
	tokenOut, ok := v.chain.Token(req.AssetOut)
	if !ok {
		return nil, decimal.Zero, errors.Wrapf(domain.ErrAssetNotSupported, "venue does not list %s", req.AssetOut)
	}
	decIn, decOut := tokenIn.Decimals, tokenOut.Decimals

	quote, ok := v.quotes[req.AssetOut]
	if !ok {
		quote = req.AssetOut.String()
	}
	pair := domain.Pair{From: req.AssetIn.String(), To: quote}

	price, err := v.pricer.GetPrice(ctx, pair)
	if err != nil {
		return nil, decimal.Zero, errors.Wrapf(err, "failed to get price for %s", pair.String())
	}
	if !price.IsPositive() {
		return nil, decimal.Zero, errors.Errorf("non-positive price %s for %s", price.String(), pair.String())
	}

	afterFee := decimal.NewFromInt(int64(maxFeeBps - v.feeBps)).Shift(-4)
	out := decimal.NewFromBigInt(req.AmountIn.ToBig(), -int32(decIn)).
		Mul(price).
		Mul(afterFee).
		Shift(int32(decOut)).
		Truncate(0)

	amount, overflow := uint256.FromBig(out.BigInt())
	if overflow {
		return nil, decimal.Zero, errors.Errorf("output of %s %s overflows", req.AmountIn.Dec(), req.AssetIn)
	}
	return amount, price, nil
}
