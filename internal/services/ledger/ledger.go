// Package ledger holds per-(asset, account) balances and the running valued total.
//
// The total is a running sum of valuations taken when each flow completed, not a live
// mark-to-market of custodied assets; it drifts from market value as prices move.
package ledger

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/custody/internal/domain"
)

type entryWriter interface {
	// AppendEntry durably records an entry and returns its log index.
	AppendEntry(entry domain.LedgerEntry) (uint64, error)
}

type balanceKey struct {
	asset   domain.Asset
	account domain.Account
}

// Ledger is safe for concurrent use. Every mutation is persisted before it is applied in memory.
type Ledger struct {
	mu       sync.RWMutex
	balances map[balanceKey]*uint256.Int
	total    *uint256.Int
	journal  entryWriter
	now      func() time.Time
}

// Committed is a persisted ledger mutation.
type Committed struct {
	Index uint64
	Entry domain.LedgerEntry
}

// New creates an empty ledger. journal may be nil for a purely in-memory ledger.
func New(journal entryWriter) *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]*uint256.Int),
		total:    domain.Zero(),
		journal:  journal,
		now:      time.Now,
	}
}

// Credit adds amount to the balance and value to the running total as one entry.
func (l *Ledger) Credit(op domain.Operation, asset domain.Asset, account domain.Account, amount, value *uint256.Int, settlementID string) (Committed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := balanceKey{asset: asset, account: account}
	before := l.balanceLocked(key)

	balanceAfter, overflow := new(uint256.Int).AddOverflow(before, amount)
	if overflow {
		return Committed{}, errors.Errorf("balance of %s for %s overflows", asset, account.Hex())
	}
	totalAfter, overflow := new(uint256.Int).AddOverflow(l.total, value)
	if overflow {
		return Committed{}, errors.New("valued total overflows")
	}

	return l.commitLocked(op, key, amount, value, before, balanceAfter, totalAfter, settlementID)
}

// Debit removes amount from the balance and value from the running total as one entry.
// The total saturates at zero; the balance never goes negative.
func (l *Ledger) Debit(op domain.Operation, asset domain.Asset, account domain.Account, amount, value *uint256.Int) (Committed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := balanceKey{asset: asset, account: account}
	before := l.balanceLocked(key)

	if amount.Gt(before) {
		return Committed{}, &domain.InsufficientBalanceError{
			Asset:     asset,
			Requested: amount.Clone(),
			Available: before.Clone(),
		}
	}

	balanceAfter := new(uint256.Int).Sub(before, amount)
	totalAfter, underflow := new(uint256.Int).SubOverflow(l.total, value)
	if underflow {
		totalAfter = domain.Zero()
	}

	return l.commitLocked(op, key, amount, value, before, balanceAfter, totalAfter, "")
}

// Rollback restores the before-values of a committed entry as a compensating entry.
// It is only valid while no other mutation touched the same balance or the total.
func (l *Ledger) Rollback(c Committed) (Committed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := c.Entry
	account, err := parseAccount(e.Account)
	if err != nil {
		return Committed{}, err
	}
	key := balanceKey{asset: e.Asset, account: account}

	current := l.balanceLocked(key)
	if current.Dec() != e.BalanceAfter || l.total.Dec() != e.TotalAfter {
		return Committed{}, errors.Errorf("cannot roll back entry %d: ledger moved on", c.Index)
	}

	balanceBefore, err := uint256.FromDecimal(e.BalanceBefore)
	if err != nil {
		return Committed{}, errors.Wrap(err, "decode balance before")
	}
	totalBefore, err := uint256.FromDecimal(e.TotalBefore)
	if err != nil {
		return Committed{}, errors.Wrap(err, "decode total before")
	}
	amount, err := uint256.FromDecimal(e.Amount)
	if err != nil {
		return Committed{}, errors.Wrap(err, "decode amount")
	}
	value, err := uint256.FromDecimal(e.Value)
	if err != nil {
		return Committed{}, errors.Wrap(err, "decode value")
	}

	return l.commitLocked(domain.OperationRollback, key, amount, value, current, balanceBefore, totalBefore, e.SettlementID)
}

// BalanceOf returns a copy of the balance of account in asset.
func (l *Ledger) BalanceOf(asset domain.Asset, account domain.Account) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.balanceLocked(balanceKey{asset: asset, account: account}).Clone()
}

// TotalValued returns a copy of the running valued total.
func (l *Ledger) TotalValued() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.total.Clone()
}

// Restore replays persisted entries. Entries carry absolute after-values, so replay is idempotent.
func (l *Ledger) Restore(entries []domain.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range entries {
		account, err := parseAccount(e.Account)
		if err != nil {
			return errors.Wrapf(err, "entry %d", i)
		}
		balance, err := uint256.FromDecimal(e.BalanceAfter)
		if err != nil {
			return errors.Wrapf(err, "entry %d: decode balance", i)
		}
		total, err := uint256.FromDecimal(e.TotalAfter)
		if err != nil {
			return errors.Wrapf(err, "entry %d: decode total", i)
		}

		key := balanceKey{asset: e.Asset, account: account}
		if balance.IsZero() {
			delete(l.balances, key)
		} else {
			l.balances[key] = balance
		}
		l.total = total
	}

	return nil
}

// Snapshot returns every non-zero balance, ordered by asset then account, and the valued total.
func (l *Ledger) Snapshot() ([]domain.BalanceRecord, *uint256.Int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]balanceKey, 0, len(l.balances))
	for k := range l.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].asset != keys[j].asset {
			return keys[i].asset < keys[j].asset
		}
		return bytes.Compare(keys[i].account[:], keys[j].account[:]) < 0
	})

	out := make([]domain.BalanceRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, domain.BalanceRecord{
			Asset:   k.asset,
			Account: k.account.Hex(),
			Amount:  l.balances[k].Dec(),
		})
	}
	return out, l.total.Clone()
}

// Load replaces the in-memory state with a checkpoint.
func (l *Ledger) Load(balances []domain.BalanceRecord, total string) error {
	restored := make(map[balanceKey]*uint256.Int, len(balances))
	for _, b := range balances {
		account, err := parseAccount(b.Account)
		if err != nil {
			return err
		}
		amount, err := uint256.FromDecimal(b.Amount)
		if err != nil {
			return errors.Wrapf(err, "decode balance of %s for %s", b.Asset, b.Account)
		}
		if amount.IsZero() {
			continue
		}
		restored[balanceKey{asset: b.Asset, account: account}] = amount
	}

	restoredTotal := domain.Zero()
	if total != "" {
		var err error
		restoredTotal, err = uint256.FromDecimal(total)
		if err != nil {
			return errors.Wrap(err, "decode valued total")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = restored
	l.total = restoredTotal
	return nil
}

// Holders returns the accounts holding a non-zero balance of asset.
func (l *Ledger) Holders(asset domain.Asset) []domain.Account {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.Account
	for k := range l.balances {
		if k.asset == asset {
			out = append(out, k.account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func (l *Ledger) commitLocked(
	op domain.Operation,
	key balanceKey,
	amount, value, balanceBefore, balanceAfter, totalAfter *uint256.Int,
	settlementID string,
) (Committed, error) {
	entry := domain.LedgerEntry{
		Time:          l.now().UTC(),
		Operation:     op,
		Asset:         key.asset,
		Account:       key.account.Hex(),
		Amount:        amount.Dec(),
		Value:         value.Dec(),
		BalanceBefore: balanceBefore.Dec(),
		BalanceAfter:  balanceAfter.Dec(),
		TotalBefore:   l.total.Dec(),
		TotalAfter:    totalAfter.Dec(),
		SettlementID:  settlementID,
	}

	var index uint64
	if l.journal != nil {
		var err error
		index, err = l.journal.AppendEntry(entry)
		if err != nil {
			return Committed{}, errors.Wrap(err, "persist ledger entry")
		}
	}

	if balanceAfter.IsZero() {
		delete(l.balances, key)
	} else {
		l.balances[key] = balanceAfter
	}
	l.total = totalAfter

	return Committed{Index: index, Entry: entry}, nil
}

func (l *Ledger) balanceLocked(key balanceKey) *uint256.Int {
	if b, ok := l.balances[key]; ok {
		return b
	}
	return domain.Zero()
}

func parseAccount(hex string) (domain.Account, error) {
	if !common.IsHexAddress(hex) {
		return domain.Account{}, errors.Errorf("invalid account %q", hex)
	}
	return common.HexToAddress(hex), nil
}
