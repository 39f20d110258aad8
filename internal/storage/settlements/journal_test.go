package settlements

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/custody/internal/domain"
)

var depositor = common.HexToAddress("0x000000000000000000000000000000000000d3d0")

func TestJournal_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)

	settled, err := j.Start(depositor, "WETH", uint256.NewInt(100), "USDC")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementPending, settled.Status)
	assert.NotEmpty(t, settled.ID)

	refunded, err := j.Start(depositor, "WETH", uint256.NewInt(5), "USDC")
	require.NoError(t, err)
	stranded, err := j.Start(depositor, "WETH", uint256.NewInt(7), "USDC")
	require.NoError(t, err)

	require.NoError(t, j.MarkSettled(settled.ID, Outcome{
		Prior:    uint256.NewInt(10),
		Post:     uint256.NewInt(60),
		Reported: uint256.NewInt(55),
		Realized: uint256.NewInt(50),
	}, 9))
	require.NoError(t, j.MarkRefunded(refunded.ID, errors.New("venue down")))
	require.NoError(t, j.MarkStranded(stranded.ID, Outcome{Realized: uint256.NewInt(3)}, domain.ErrCapExceeded))
	require.NoError(t, j.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Get(settled.ID)
	require.True(t, ok)
	assert.Equal(t, domain.SettlementSettled, got.Status)
	assert.Equal(t, "50", got.Realized)
	assert.Equal(t, "55", got.Reported)
	assert.Equal(t, uint64(9), got.LedgerIndex)

	got, ok = reopened.Get(refunded.ID)
	require.True(t, ok)
	assert.Equal(t, domain.SettlementRefunded, got.Status)
	assert.Equal(t, "venue down", got.Reason)

	strandedList := reopened.Stranded()
	require.Len(t, strandedList, 1)
	assert.Equal(t, stranded.ID, strandedList[0].ID)
	assert.Equal(t, "3", strandedList[0].Realized)

	all := reopened.List(0)
	require.Len(t, all, 3)
	assert.Equal(t, stranded.ID, all[0].ID)
	assert.Len(t, reopened.List(2), 2)
	assert.Empty(t, reopened.Pending())

	require.NoError(t, reopened.MarkRecovered(stranded.ID, depositor))
	got, ok = reopened.Get(stranded.ID)
	require.True(t, ok)
	assert.Equal(t, domain.SettlementRecovered, got.Status)
	assert.Equal(t, depositor.Hex(), got.RecoveredTo)
	assert.Empty(t, reopened.Stranded())
}

func TestJournal_RecoverInterrupted(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)

	s, err := j.Start(depositor, "WETH", uint256.NewInt(1), "USDC")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	require.Len(t, reopened.Pending(), 1)
	recovered, err := reopened.RecoverInterrupted()
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	got, ok := reopened.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, domain.SettlementStranded, got.Status)
	assert.Equal(t, ReasonInterrupted, got.Reason)
	assert.Empty(t, reopened.Pending())
}

func TestJournal_UnknownID(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	assert.Error(t, j.MarkFailed("missing", errors.New("x")))
	_, ok := j.Get("missing")
	assert.False(t, ok)
}
