package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Asset identifies a custodied asset by its symbol.
type Asset string

// NewAsset normalizes a symbol.
func NewAsset(symbol string) Asset {
	return Asset(strings.ToUpper(strings.TrimSpace(symbol)))
}

func (a Asset) String() string { return string(a) }

// Account identifies a depositor.
type Account = common.Address

// Registration describes how an asset is valued on the direct path.
type Registration struct {
	Asset    Asset  `json:"asset"`
	Accepted bool   `json:"accepted"`
	Feed     string `json:"feed"`
	// DecimalsOverride of zero means the asset's own decimals are used.
	DecimalsOverride uint8 `json:"decimals_override,omitempty"`
}

// RegistrationRecord is a persisted registry change.
type RegistrationRecord struct {
	Registration Registration `json:"registration"`
	Removed      bool         `json:"removed,omitempty"`
}
