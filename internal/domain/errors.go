package domain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Error kinds. Every flow error matches exactly one of these with errors.Is;
// typed errors below carry the offending values.
var (
	ErrZeroAmount          = errors.New("amount must be greater than zero")
	ErrCapExceeded         = errors.New("bank cap exceeded")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAssetNotSupported   = errors.New("asset not supported")
	ErrPriceUnavailable    = errors.New("price unavailable")
	ErrPriceStale          = errors.New("price stale")
	ErrMaxWithdrawExceeded = errors.New("max withdraw exceeded")
	ErrTransferFailure     = errors.New("transfer failed")
	ErrSwapFailure         = errors.New("swap failed")
	ErrInvalidReference    = errors.New("invalid reference")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrReentrant           = errors.New("reentrant call rejected")
	ErrValuationOverflow   = errors.New("valuation overflow")
	ErrDecimalsUnknown     = errors.New("asset does not report decimals")
)

// CapExceededError reports the total a deposit would have produced.
type CapExceededError struct {
	Attempted *uint256.Int
	Cap       *uint256.Int
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("%s: attempted total %s USD, cap %s USD", ErrCapExceeded, FormatUSD(e.Attempted), FormatUSD(e.Cap))
}

func (e *CapExceededError) Unwrap() error { return ErrCapExceeded }

// InsufficientBalanceError reports the requested and available native amounts.
type InsufficientBalanceError struct {
	Asset     Asset
	Requested *uint256.Int
	Available *uint256.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: %s requested %s, available %s", ErrInsufficientBalance, e.Asset, e.Requested.Dec(), e.Available.Dec())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// MaxWithdrawExceededError reports the value of a rejected withdrawal.
type MaxWithdrawExceededError struct {
	Value *uint256.Int
	Limit *uint256.Int
}

func (e *MaxWithdrawExceededError) Error() string {
	return fmt.Sprintf("%s: value %s USD, limit %s USD", ErrMaxWithdrawExceeded, FormatUSD(e.Value), FormatUSD(e.Limit))
}

func (e *MaxWithdrawExceededError) Unwrap() error { return ErrMaxWithdrawExceeded }

// PriceUnavailableError carries the rejected price, nil when the reference gave no answer.
type PriceUnavailableError struct {
	Price *big.Int
	Err   error
}

func (e *PriceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", ErrPriceUnavailable, e.Err)
	}
	return fmt.Sprintf("%s: price %v", ErrPriceUnavailable, e.Price)
}

func (e *PriceUnavailableError) Is(target error) bool { return target == ErrPriceUnavailable }

func (e *PriceUnavailableError) Unwrap() error { return e.Err }

// PriceStaleError reports how old a reading was.
type PriceStaleError struct {
	UpdatedAt time.Time
	Now       time.Time
	Tolerance time.Duration
}

func (e *PriceStaleError) Error() string {
	return fmt.Sprintf("%s: updated %s ago, tolerance %s", ErrPriceStale, e.Now.Sub(e.UpdatedAt), e.Tolerance)
}

func (e *PriceStaleError) Unwrap() error { return ErrPriceStale }

// TransferError wraps a failed asset movement.
type TransferError struct {
	Direction string
	Asset     Asset
	Amount    *uint256.Int
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: move %s %s %s: %v", ErrTransferFailure, e.Direction, e.Amount.Dec(), e.Asset, e.Err)
}

func (e *TransferError) Is(target error) bool { return target == ErrTransferFailure }

func (e *TransferError) Unwrap() error { return e.Err }

// SwapError describes a failed swap settlement. Reported and Realized are nil when the venue never answered.
type SwapError struct {
	SettlementID string
	Reason       string
	Reported     *uint256.Int
	Realized     *uint256.Int
	Err          error
}

func (e *SwapError) Error() string {
	msg := fmt.Sprintf("%s: settlement %s: %s", ErrSwapFailure, e.SettlementID, e.Reason)
	if e.Reported != nil && e.Realized != nil {
		msg += fmt.Sprintf(" (reported %s, realized %s)", e.Reported.Dec(), e.Realized.Dec())
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *SwapError) Is(target error) bool { return target == ErrSwapFailure }

func (e *SwapError) Unwrap() error { return e.Err }
