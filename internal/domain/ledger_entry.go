package domain

import "time"

// Operation names the flow that produced a ledger entry.
type Operation string

const (
	OperationDeposit  Operation = "deposit"
	OperationWithdraw Operation = "withdraw"
	OperationSwap     Operation = "swap_deposit"
	OperationRollback Operation = "rollback"
)

// LedgerEntry is one committed ledger mutation. Amounts are decimal strings in native units,
// values and totals are at internal scale.
type LedgerEntry struct {
	Time          time.Time `json:"ts"`
	Operation     Operation `json:"op"`
	Asset         Asset     `json:"asset"`
	Account       string    `json:"account"`
	Amount        string    `json:"amount"`
	Value         string    `json:"value"`
	BalanceBefore string    `json:"balance_before"`
	BalanceAfter  string    `json:"balance_after"`
	TotalBefore   string    `json:"total_before"`
	TotalAfter    string    `json:"total_after"`
	SettlementID  string    `json:"settlement_id,omitempty"`
}

// LedgerEntryRecord bundles an entry with its log index.
type LedgerEntryRecord struct {
	Index uint64
	Entry LedgerEntry
}
