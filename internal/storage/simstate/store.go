// Package simstate persists the in-process custody chain so restarts keep token balances.
package simstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const defaultStateDir = "./wal/chain"

// Store writes chain state to a single JSON file.
type Store struct {
	path string
}

func getStateDir(dir string) string {
	if dir != "" {
		return dir
	}
	if stateDir := os.Getenv("CUSTODY_CHAIN_STATE_DIR"); stateDir != "" {
		return stateDir
	}
	return defaultStateDir
}

// NewStore creates a chain state store. scope names the file and defaults to "chain".
func NewStore(dir, scope string) (*Store, error) {
	stateDir := getStateDir(dir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create chain state dir")
	}

	storeFileName := sanitizeScope(scope)
	if storeFileName == "" {
		storeFileName = "chain"
	}

	return &Store{path: filepath.Join(stateDir, fmt.Sprintf("%s.json", storeFileName))}, nil
}

// State is everything the chain persists.
type State struct {
	Tokens []StoredToken `json:"tokens"`
	// Balances maps asset -> holder address -> native amount as a decimal string.
	Balances map[string]map[string]string `json:"balances"`
}

// StoredToken describes one token contract.
type StoredToken struct {
	Symbol          string `json:"symbol"`
	Decimals        uint8  `json:"decimals"`
	ReportsDecimals bool   `json:"reports_decimals"`
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Load reads chain state from disk. It returns nil without error when nothing was saved yet.
func (s *Store) Load() (*State, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "read chain state")
	}

	if len(payload) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, errors.Wrap(err, "decode chain state")
	}

	return &state, nil
}

// Save writes chain state to disk atomically via temp file.
func (s *Store) Save(state State) error {
	if s == nil || s.path == "" {
		return nil
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode chain state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write chain state temp file")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist chain state")
	}

	return nil
}

func sanitizeScope(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return ""
	}

	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return strings.ToLower(replacer.Replace(scope))
}
