// Package syncstate persists the main-branch pull-first sync orchestrator's
// bookkeeping: the three-way merge base it last resolved against, and the
// local/remote heads observed at that sync, so later syncs can skip
// git merge-base when nothing has moved.
package syncstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eluentwork/eluent/internal/errs"
	"github.com/eluentwork/eluent/internal/lockfile"
)

// State is the orchestrator's persisted bookkeeping for one repository.
type State struct {
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	BaseCommit string     `json:"base_commit,omitempty"`
	LocalHead  string     `json:"local_head,omitempty"`
	RemoteHead string     `json:"remote_head,omitempty"`
}

// Store reads and writes a sync state file under an exclusive advisory
// lock on a sibling ".lock" file, matching internal/ledgerstate's idiom.
type Store struct {
	path     string
	lockPath string
}

// Open returns a Store for path (typically "<repo>/.eluent/.sync-state.json").
func Open(path string) *Store {
	return &Store{path: path, lockPath: path + ".lock"}
}

// Load reads the state file. A missing or malformed file returns fresh
// (zero-value) state rather than failing the caller; a malformed file is
// not fatal to the enclosing sync.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return &State{}, &errs.StateCorruptError{Path: s.path}
	}
	return &st, nil
}

// Save writes st atomically: temp file in the same directory, fsync,
// rename, under an exclusive lock on the sibling lock file.
func (s *Store) Save(st *State) error {
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
		return fmt.Errorf("marshaling sync state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".sync-state-*.tmp")
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
