package domain

import (
	"time"

	"github.com/holiman/uint256"
)

// SettlementStatus tracks a swap deposit through its lifecycle.
type SettlementStatus string

const (
	SettlementPending  SettlementStatus = "pending"
	SettlementSettled  SettlementStatus = "settled"
	SettlementRefunded SettlementStatus = "refunded"
	// SettlementStranded means stable value sits in custody outside any account balance
	// and needs administrative recovery.
	SettlementStranded SettlementStatus = "stranded"
	SettlementFailed   SettlementStatus = "failed"
)

// SettlementRecovered means stranded value was paid out by an administrator.
const SettlementRecovered SettlementStatus = "recovered"

// Settlement is the journal record of one swap deposit.
type Settlement struct {
	ID          string           `json:"id"`
	Status      SettlementStatus `json:"status"`
	Depositor   string           `json:"depositor"`
	AssetIn     Asset            `json:"asset_in"`
	AmountIn    string           `json:"amount_in"`
	AssetOut    Asset            `json:"asset_out"`
	Prior       string           `json:"prior,omitempty"`
	Post        string           `json:"post,omitempty"`
	Reported    string           `json:"reported,omitempty"`
	Realized    string           `json:"realized,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	RecoveredTo string           `json:"recovered_to,omitempty"`
	LedgerIndex uint64           `json:"ledger_index,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ConvertRequest asks a venue to turn AmountIn of AssetIn into at least MinAmountOut of AssetOut.
type ConvertRequest struct {
	AssetIn      Asset
	AssetOut     Asset
	AmountIn     *uint256.Int
	MinAmountOut *uint256.Int
	Payer        Account
	Recipient    Account
}
