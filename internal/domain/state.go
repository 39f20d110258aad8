package domain

import "time"

// SettingsRecord is the persisted configuration of a vault. BankCap is fixed when the vault is first created.
type SettingsRecord struct {
	StableAsset        Asset         `json:"stable_asset"`
	BankCap            string        `json:"bank_cap"`
	MaxWithdraw        string        `json:"max_withdraw"`
	StalenessTolerance time.Duration `json:"staleness_tolerance"`
	MinSwapOutput      string        `json:"min_swap_output"`
}

// BalanceRecord is one non-zero balance inside a checkpoint.
type BalanceRecord struct {
	Asset   Asset  `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// Checkpoint is a full copy of durable state. Replay starts from the latest checkpoint,
// so older log segments may be rotated away.
type Checkpoint struct {
	Time          time.Time       `json:"ts"`
	Balances      []BalanceRecord `json:"balances"`
	Total         string          `json:"total"`
	Registrations []Registration  `json:"registrations"`
	Settings      *SettingsRecord `json:"settings,omitempty"`
}

// State is what a restart needs: the latest checkpoint and every change logged after it.
type State struct {
	Checkpoint    *Checkpoint
	Entries       []LedgerEntry
	Registrations []RegistrationRecord
	Settings      *SettingsRecord
}
