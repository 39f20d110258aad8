// Package statewal persists ledger entries, registry changes, settings and checkpoints in a WAL.
package statewal

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/custody/internal/domain"
)

const (
	defaultStateDir   = "./wal/state"
	stateSegmentLimit = 1000
	stateMaxSegments  = 1000

	ledgerKeyPrefix       = "ledger_"
	registrationKeyPrefix = "registration_"
	settingsKey           = "settings_vault"
	checkpointKey         = "checkpoint_vault"
)

// WALStore is the durable state of the vault.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore opens (or creates) the state WAL under dir.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultStateDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create state dir %s", dir)
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "state_",
		SegmentThreshold: stateSegmentLimit,
		MaxSegments:      stateMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init state WAL")
	}

	return &WALStore{wal: wal}, nil
}

// AppendEntry writes a ledger entry and returns its index.
func (s *WALStore) AppendEntry(entry domain.LedgerEntry) (uint64, error) {
	return s.write(ledgerKeyPrefix+string(entry.Operation), entry)
}

// SaveRegistration writes a registry change.
func (s *WALStore) SaveRegistration(record domain.RegistrationRecord) error {
	if record.Registration.Asset == "" {
		return errors.New("registration asset is required")
	}
	_, err := s.write(registrationKeyPrefix+string(record.Registration.Asset), record)
	return err
}

// SaveSettings writes the vault settings.
func (s *WALStore) SaveSettings(record domain.SettingsRecord) error {
	_, err := s.write(settingsKey, record)
	return err
}

// SaveCheckpoint writes a full copy of state.
func (s *WALStore) SaveCheckpoint(cp domain.Checkpoint) (uint64, error) {
	return s.write(checkpointKey, cp)
}

// Load reads the latest checkpoint and everything logged after it.
func (s *WALStore) Load() (*domain.State, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("state store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()

	var (
		state domain.State
		from  uint64 = 1
	)

	// the checkpoint is located first so that older records can be skipped
	for idx := current; idx >= 1; idx-- {
		key, payload, err := s.wal.Get(idx)
		if err != nil || key != checkpointKey {
			continue
		}
		var cp domain.Checkpoint
		if err := json.Unmarshal(payload, &cp); err != nil {
			return nil, errors.Wrapf(err, "decode checkpoint at %d", idx)
		}
		state.Checkpoint = &cp
		state.Settings = cp.Settings
		from = idx + 1
		break
	}

	for idx := from; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(key, ledgerKeyPrefix):
			var entry domain.LedgerEntry
			if err := json.Unmarshal(payload, &entry); err != nil {
				return nil, errors.Wrapf(err, "decode ledger entry at %d", idx)
			}
			state.Entries = append(state.Entries, entry)
		case strings.HasPrefix(key, registrationKeyPrefix):
			var rec domain.RegistrationRecord
			if err := json.Unmarshal(payload, &rec); err != nil {
				return nil, errors.Wrapf(err, "decode registration at %d", idx)
			}
			state.Registrations = append(state.Registrations, rec)
		case key == settingsKey:
			var rec domain.SettingsRecord
			if err := json.Unmarshal(payload, &rec); err != nil {
				return nil, errors.Wrapf(err, "decode settings at %d", idx)
			}
			state.Settings = &rec
		}
	}

	return &state, nil
}

// EntriesAfter returns all ledger entries written after the provided WAL index.
func (s *WALStore) EntriesAfter(index uint64) ([]domain.LedgerEntryRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("state store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]domain.LedgerEntryRecord, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil || !strings.HasPrefix(key, ledgerKeyPrefix) {
			continue
		}
		var entry domain.LedgerEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, errors.Wrap(err, "decode ledger entry")
		}
		records = append(records, domain.LedgerEntryRecord{
			Index: idx,
			Entry: entry,
		})
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("state store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

func (s *WALStore) write(key string, v any) (uint64, error) {
	if s == nil || s.wal == nil {
		return 0, errors.New("state store is not initialized")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return 0, errors.Wrapf(err, "marshal %s", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, key, payload); err != nil {
		return 0, errors.Wrapf(err, "write %s", key)
	}
	return nextIndex, nil
}
