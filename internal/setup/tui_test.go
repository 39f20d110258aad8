package setup

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/custody/config"
	"github.com/vadiminshakov/custody/internal/domain"
)

func TestWrite_ProducesLoadableConfig(t *testing.T) {
	a := defaults()
	a.Admins = "0x000000000000000000000000000000000000ad00, 0x000000000000000000000000000000000000ad01"
	a.Asset = "weth"
	a.Feed = "eth_usdt"

	path := filepath.Join(t.TempDir(), OutputFile)
	require.NoError(t, Write(path, a))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.PlatformSimulate, cfg.Platform)
	assert.Equal(t, domain.Asset("USDC"), cfg.StableAsset)
	assert.Equal(t, time.Hour, cfg.StalenessTolerance)
	assert.Len(t, cfg.Admins, 2)

	regs := cfg.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, domain.Asset("WETH"), regs[0].Asset)
	assert.Equal(t, "ETH_USDT", regs[0].Feed)
}

func TestBuild_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Answers)
	}{
		{"bad staleness", func(a *Answers) { a.Staleness = "soon" }},
		{"bad decimals", func(a *Answers) { a.AssetDecimals = "1.5" }},
		{"too many decimals", func(a *Answers) { a.AssetDecimals = "39" }},
		{"bad cap", func(a *Answers) { a.BankCap = "lots" }},
		{"bad admin", func(a *Answers) { a.Admins = "alice" }},
		{"bad feed", func(a *Answers) { a.Feed = "ETHUSDT" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := defaults()
			tt.mutate(&a)
			_, err := Build(a)
			assert.Error(t, err)
		})
	}
}

func TestValidators(t *testing.T) {
	assert.NoError(t, validatePositive("0.01"))
	assert.Error(t, validatePositive("0"))
	assert.NoError(t, validateDuration("0"))
	assert.Error(t, validateDuration("-1s"))
	assert.NoError(t, validateAddresses("0x000000000000000000000000000000000000ad00,"))
	assert.Error(t, validateAddresses("0x12"))
}
