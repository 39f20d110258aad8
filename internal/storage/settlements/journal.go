// Package settlements journals swap deposits so that an interrupted or rejected settlement
// is never lost.
package settlements

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/custody/internal/domain"
)

const (
	settlementKeyPrefix = "settlement_"

	journalSegmentThreshold = 1000
	journalMaxSegments      = 100

	// ReasonInterrupted marks settlements that were pending when the process stopped.
	ReasonInterrupted = "interrupted"
)

// Journal is safe for concurrent use.
type Journal struct {
	mu      sync.RWMutex
	wal     *gowal.Wal
	records []*domain.Settlement
	index   map[string]*domain.Settlement
	now     func() time.Time
}

// Open opens (or creates) the journal under dir and replays it.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure settlement journal directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "settlement_",
		SegmentThreshold: journalSegmentThreshold,
		MaxSegments:      journalMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init settlement WAL")
	}

	j := &Journal{
		wal:   wal,
		index: make(map[string]*domain.Settlement),
		now:   time.Now,
	}

	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, settlementKeyPrefix) {
			continue
		}
		var s domain.Settlement
		if err := json.Unmarshal(msg.Value, &s); err != nil {
			return nil, errors.Wrapf(err, "decode settlement %s", msg.Key)
		}
		if existing, ok := j.index[s.ID]; ok {
			*existing = s
			continue
		}
		record := s
		j.records = append(j.records, &record)
		j.index[record.ID] = &record
	}

	return j, nil
}

// Start records a pending settlement for a swap deposit and returns a copy of it.
func (j *Journal) Start(depositor domain.Account, assetIn domain.Asset, amountIn *uint256.Int, assetOut domain.Asset) (domain.Settlement, error) {
	now := j.now().UTC()
	s := &domain.Settlement{
		ID:        uuid.New().String(),
		Status:    domain.SettlementPending,
		Depositor: depositor.Hex(),
		AssetIn:   assetIn,
		AmountIn:  amountIn.Dec(),
		AssetOut:  assetOut,
		CreatedAt: now,
		UpdatedAt: now,
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.persistLocked(s); err != nil {
		return domain.Settlement{}, err
	}
	j.records = append(j.records, s)
	j.index[s.ID] = s

	return *s, nil
}

// Outcome holds the measured and reported amounts of an exchange. Nil fields are left unchanged.
type Outcome struct {
	Prior    *uint256.Int
	Post     *uint256.Int
	Reported *uint256.Int
	Realized *uint256.Int
}

// MarkSettled closes a settlement credited at the given ledger index.
func (j *Journal) MarkSettled(id string, out Outcome, ledgerIndex uint64) error {
	return j.update(id, func(s *domain.Settlement) {
		s.Status = domain.SettlementSettled
		s.LedgerIndex = ledgerIndex
		s.Reason = ""
		applyOutcome(s, out)
	})
}

// MarkRefunded closes a settlement whose input went back to the depositor.
func (j *Journal) MarkRefunded(id string, reason error) error {
	return j.update(id, func(s *domain.Settlement) {
		s.Status = domain.SettlementRefunded
		s.Reason = errorText(reason)
	})
}

// MarkStranded flags value held in custody outside any account balance.
func (j *Journal) MarkStranded(id string, out Outcome, reason error) error {
	return j.update(id, func(s *domain.Settlement) {
		s.Status = domain.SettlementStranded
		s.Reason = errorText(reason)
		applyOutcome(s, out)
	})
}

// MarkFailed closes a settlement that never reached the venue, or whose refund failed.
func (j *Journal) MarkFailed(id string, reason error) error {
	return j.update(id, func(s *domain.Settlement) {
		s.Status = domain.SettlementFailed
		s.Reason = errorText(reason)
	})
}

// MarkRecovered closes a stranded settlement whose realized output was paid to recipient.
func (j *Journal) MarkRecovered(id string, recipient domain.Account) error {
	return j.update(id, func(s *domain.Settlement) {
		s.Status = domain.SettlementRecovered
		s.RecoveredTo = recipient.Hex()
	})
}

// Get returns a copy of the settlement with the given id.
func (j *Journal) Get(id string) (domain.Settlement, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s, ok := j.index[id]
	if !ok {
		return domain.Settlement{}, false
	}
	return *s, true
}

// List returns settlements newest first, at most limit of them when limit > 0.
func (j *Journal) List(limit int) []domain.Settlement {
	return j.filter(limit, func(*domain.Settlement) bool { return true })
}

// Stranded returns settlements awaiting administrative recovery, newest first.
func (j *Journal) Stranded() []domain.Settlement {
	return j.filter(0, func(s *domain.Settlement) bool { return s.Status == domain.SettlementStranded })
}

// Pending returns settlements that have not reached a final status.
func (j *Journal) Pending() []domain.Settlement {
	return j.filter(0, func(s *domain.Settlement) bool { return s.Status == domain.SettlementPending })
}

// RecoverInterrupted marks every pending settlement stranded. It must run before any new swap starts.
func (j *Journal) RecoverInterrupted() ([]domain.Settlement, error) {
	pending := j.Pending()
	for _, s := range pending {
		if err := j.MarkStranded(s.ID, Outcome{}, errors.New(ReasonInterrupted)); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.wal.Close()
}

func (j *Journal) update(id string, apply func(s *domain.Settlement)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	current, ok := j.index[id]
	if !ok {
		return errors.Errorf("settlement %s not found", id)
	}

	next := *current
	apply(&next)
	next.UpdatedAt = j.now().UTC()

	if err := j.persistLocked(&next); err != nil {
		return err
	}
	*current = next
	return nil
}

func (j *Journal) filter(limit int, keep func(*domain.Settlement) bool) []domain.Settlement {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]domain.Settlement, 0)
	for i := len(j.records) - 1; i >= 0; i-- {
		if !keep(j.records[i]) {
			continue
		}
		out = append(out, *j.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (j *Journal) persistLocked(s *domain.Settlement) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "failed to marshal settlement")
	}
	key := fmt.Sprintf("%s%s", settlementKeyPrefix, s.ID)
	nextIndex := j.wal.CurrentIndex() + 1
	return errors.Wrap(j.wal.Write(nextIndex, key, data), "persist settlement")
}

func applyOutcome(s *domain.Settlement, out Outcome) {
	if out.Prior != nil {
		s.Prior = out.Prior.Dec()
	}
	if out.Post != nil {
		s.Post = out.Post.Dec()
	}
	if out.Reported != nil {
		s.Reported = out.Reported.Dec()
	}
	if out.Realized != nil {
		s.Realized = out.Realized.Dec()
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
