// Package ledgerstate persists the ledger syncer's own bookkeeping: pull
// and push timestamps, the last known branch head, a validity flag, and
// any claims queued while the ledger branch was unreachable.
package ledgerstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eluentwork/eluent/internal/errs"
	"github.com/eluentwork/eluent/internal/lockfile"
	"github.com/eluentwork/eluent/internal/types"
	"github.com/google/uuid"
)

// CurrentSchemaVersion is the highest schema version this build reads.
const CurrentSchemaVersion = 1

// MaxOfflineClaims bounds the queue; overflow drops the oldest entry.
const MaxOfflineClaims = 1000

// State is the ledger syncer's persisted bookkeeping.
type State struct {
	SchemaVersion int                  `json:"schema_version"`
	LastPullAt    *time.Time           `json:"last_pull_at,omitempty"`
	LastPushAt    *time.Time           `json:"last_push_at,omitempty"`
	LedgerHead    string               `json:"ledger_head,omitempty"`
	Valid         bool                 `json:"valid"`
	OfflineClaims []types.OfflineClaim `json:"offline_claims,omitempty"`
}

func defaultState() *State {
	return &State{SchemaVersion: CurrentSchemaVersion, Valid: true}
}

// Store reads and writes a ledger state file under an exclusive advisory
// lock on a sibling ".lock" file, so readers never observe a half-written
// rename target.
type Store struct {
	path     string
	lockPath string
}

// Open returns a Store for path (typically "<data-root>/<repo>/.ledger-sync-state").
func Open(path string) *Store {
	return &Store{path: path, lockPath: path + ".lock"}
}

// Load reads the state file. A missing file returns fresh defaults.
// Malformed JSON resets to defaults and returns a *errs.StateCorruptError
// alongside the usable (reset) state rather than failing the caller.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return defaultState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return defaultState(), &errs.StateCorruptError{Path: s.path}
	}
	if st.SchemaVersion > CurrentSchemaVersion {
		return nil, &errs.UpgradeRequiredError{Found: st.SchemaVersion, Supported: CurrentSchemaVersion}
	}
	if st.SchemaVersion == 0 {
		st.SchemaVersion = CurrentSchemaVersion
	}
	return &st, nil
}

// IsUpgradeRequired reports whether err is the schema-too-new condition.
func IsUpgradeRequired(err error) bool {
	var upgradeErr *errs.UpgradeRequiredError
	return errors.As(err, &upgradeErr)
}

// Save writes st atomically: temp file in the same directory, fsync,
// rename, under an exclusive lock on the sibling lock file.
func (s *Store) Save(st *State) error {
	if len(st.OfflineClaims) > MaxOfflineClaims {
		st.OfflineClaims = st.OfflineClaims[len(st.OfflineClaims)-MaxOfflineClaims:]
	}

	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	defer lockFile.Close()
	if err := lockfile.FlockExclusiveBlocking(lockFile); err != nil {
		return fmt.Errorf("locking %s: %w", s.lockPath, err)
	}
	defer lockfile.FlockUnlock(lockFile)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling ledger state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".ledger-state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// EnqueueOfflineClaim records a claim attempted while the ledger branch
// was unreachable, for later reconciliation.
func (s *Store) EnqueueOfflineClaim(atomID, agentID string, at time.Time) error {
	st, err := s.Load()
	if err != nil {
		return err
	}
	st.OfflineClaims = append(st.OfflineClaims, types.OfflineClaim{
		ID:        uuid.NewString(),
		AtomID:    atomID,
		AgentID:   agentID,
		ClaimedAt: at,
	})
	return s.Save(st)
}

// DrainOfflineClaims returns the queued offline claims and clears the
// queue, persisting the cleared state. Callers reconcile each claim
// against the ledger once it becomes reachable again.
func (s *Store) DrainOfflineClaims() ([]types.OfflineClaim, error) {
	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	claims := st.OfflineClaims
	st.OfflineClaims = nil
	if err := s.Save(st); err != nil {
		return nil, err
	}
	return claims, nil
}
