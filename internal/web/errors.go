package web

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/custody/internal/domain"
)

type errorKind struct {
	err    error
	kind   string
	status int
}

// errorKinds is ordered: wrappers come before the kinds they may wrap.
var errorKinds = []errorKind{
	{ErrBadSignature, "bad_signature", http.StatusUnauthorized},
	{ErrSignerMismatch, "signer_mismatch", http.StatusUnauthorized},
	{ErrNonceUsed, "nonce_used", http.StatusUnauthorized},
	{ErrExpired, "expired", http.StatusUnauthorized},
	{ErrDeadlineTooFar, "deadline_too_far", http.StatusBadRequest},
	{errBadRequest, "bad_request", http.StatusBadRequest},
	{domain.ErrUnauthorized, "unauthorized", http.StatusForbidden},
	{domain.ErrReentrant, "reentrant", http.StatusConflict},
	{domain.ErrSwapFailure, "swap_failure", http.StatusBadGateway},
	{domain.ErrTransferFailure, "transfer_failure", http.StatusBadGateway},
	{domain.ErrZeroAmount, "zero_amount", http.StatusBadRequest},
	{domain.ErrInvalidReference, "invalid_reference", http.StatusBadRequest},
	{domain.ErrCapExceeded, "cap_exceeded", http.StatusConflict},
	{domain.ErrInsufficientBalance, "insufficient_balance", http.StatusConflict},
	{domain.ErrMaxWithdrawExceeded, "max_withdraw_exceeded", http.StatusConflict},
	{domain.ErrAssetNotSupported, "asset_not_supported", http.StatusUnprocessableEntity},
	{domain.ErrDecimalsUnknown, "decimals_unknown", http.StatusUnprocessableEntity},
	{domain.ErrValuationOverflow, "valuation_overflow", http.StatusUnprocessableEntity},
	{domain.ErrPriceStale, "price_stale", http.StatusServiceUnavailable},
	{domain.ErrPriceUnavailable, "price_unavailable", http.StatusServiceUnavailable},
}

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error   string         `json:"error"`
	Kind    string         `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

func classify(err error) (string, int) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind, k.status
		}
	}
	return "internal", http.StatusInternalServerError
}

// details exposes the values carried by typed errors.
func details(err error) map[string]any {
	var (
		capErr     *domain.CapExceededError
		balanceErr *domain.InsufficientBalanceError
		limitErr   *domain.MaxWithdrawExceededError
		staleErr   *domain.PriceStaleError
		priceErr   *domain.PriceUnavailableError
		swapErr    *domain.SwapError
		transfer   *domain.TransferError
	)

	switch {
	case errors.As(err, &swapErr):
		d := map[string]any{"settlement_id": swapErr.SettlementID, "reason": swapErr.Reason}
		if swapErr.Reported != nil {
			d["reported"] = swapErr.Reported.Dec()
		}
		if swapErr.Realized != nil {
			d["realized"] = swapErr.Realized.Dec()
		}
		return d
	case errors.As(err, &transfer):
		return map[string]any{"direction": transfer.Direction, "asset": transfer.Asset, "amount": transfer.Amount.Dec()}
	case errors.As(err, &capErr):
		return map[string]any{"attempted": domain.FormatUSD(capErr.Attempted), "cap": domain.FormatUSD(capErr.Cap)}
	case errors.As(err, &balanceErr):
		return map[string]any{"asset": balanceErr.Asset, "requested": balanceErr.Requested.Dec(), "available": balanceErr.Available.Dec()}
	case errors.As(err, &limitErr):
		return map[string]any{"value": domain.FormatUSD(limitErr.Value), "limit": domain.FormatUSD(limitErr.Limit)}
	case errors.As(err, &staleErr):
		return map[string]any{"updated_at": staleErr.UpdatedAt, "now": staleErr.Now, "tolerance": staleErr.Tolerance.String()}
	case errors.As(err, &priceErr):
		if priceErr.Price != nil {
			return map[string]any{"price": priceErr.Price.String()}
		}
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	kind, status := classify(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind, Details: details(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
