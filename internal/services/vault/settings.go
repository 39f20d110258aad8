package vault

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/custody/internal/domain"
)

// Settings configure a vault. Amounts are at internal scale except MinSwapOutput,
// which is in stable native units (the same scale).
type Settings struct {
	StableAsset        domain.Asset
	BankCap            *uint256.Int
	MaxWithdraw        *uint256.Int
	StalenessTolerance time.Duration
	MinSwapOutput      *uint256.Int
}

// Validate checks that every setting is usable.
func (s Settings) Validate() error {
	if s.StableAsset == "" {
		return errors.New("stable asset is required")
	}
	if s.BankCap == nil {
		return errors.New("bank cap is required")
	}
	if s.MaxWithdraw == nil {
		return errors.New("max withdraw is required")
	}
	if s.MinSwapOutput == nil || s.MinSwapOutput.IsZero() {
		return errors.New("min swap output must be greater than zero")
	}
	if s.StalenessTolerance < 0 {
		return errors.New("staleness tolerance must not be negative")
	}
	return nil
}

// Record converts settings into their persisted form.
func (s Settings) Record() domain.SettingsRecord {
	return domain.SettingsRecord{
		StableAsset:        s.StableAsset,
		BankCap:            s.BankCap.Dec(),
		MaxWithdraw:        s.MaxWithdraw.Dec(),
		StalenessTolerance: s.StalenessTolerance,
		MinSwapOutput:      s.MinSwapOutput.Dec(),
	}
}

func (s Settings) clone() Settings {
	out := s
	out.BankCap = s.BankCap.Clone()
	out.MaxWithdraw = s.MaxWithdraw.Clone()
	out.MinSwapOutput = s.MinSwapOutput.Clone()
	return out
}

// MergeSettings combines configured settings with the ones persisted by a previous run.
// The stable asset and bank cap are fixed when the vault is created, and the staleness
// tolerance belongs to the administrators once persisted; the remaining limits follow configuration.
func MergeSettings(configured Settings, persisted *domain.SettingsRecord) (Settings, error) {
	if err := configured.Validate(); err != nil {
		return Settings{}, err
	}
	if persisted == nil {
		return configured.clone(), nil
	}

	merged := configured.clone()
	if persisted.StableAsset != "" {
		merged.StableAsset = persisted.StableAsset
	}
	if persisted.BankCap != "" {
		bankCap, err := uint256.FromDecimal(persisted.BankCap)
		if err != nil {
			return Settings{}, errors.Wrap(err, "decode persisted bank cap")
		}
		merged.BankCap = bankCap
	}
	merged.StalenessTolerance = persisted.StalenessTolerance

	return merged, merged.Validate()
}
