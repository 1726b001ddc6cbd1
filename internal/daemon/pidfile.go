package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/eluentwork/eluent/internal/errs"
	"github.com/eluentwork/eluent/internal/lockfile"
)

// LockInfo is the JSON payload written into the PID file while the daemon
// holds it.
type LockInfo struct {
	PID       int       `json:"pid"`
	Version   string    `json:"version"`
	Socket    string     `json:"socket"`
	StartedAt time.Time `json:"started_at"`
}

// PIDFile represents a held exclusive lock on the daemon's PID file,
// enforcing exactly one daemon instance per user data directory.
type PIDFile struct {
	file *os.File
}

// Acquire opens (creating if needed) the PID file at path and takes a
// non-blocking exclusive lock on it, writing this process's metadata.
// A second daemon invocation against the same path fails immediately
// rather than blocking, since a stuck lock almost always means a live
// daemon already owns the socket.
func Acquire(path, socket, version string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening pid file %s: %w", path, err)
	}
	if err := lockfile.FlockExclusiveNonBlocking(f); err != nil {
		f.Close()
		if lockfile.IsLocked(err) {
			return nil, &errs.LockContentionError{Path: path}
		}
		return nil, fmt.Errorf("locking pid file %s: %w", path, err)
	}

	info := LockInfo{PID: os.Getpid(), Version: version, Socket: socket, StartedAt: time.Now().UTC()}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(info); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing pid file %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	return &PIDFile{file: f}, nil
}

// Release unlocks and closes the PID file. The file itself is left on
// disk; a subsequent Acquire reuses and truncates it.
func (p *PIDFile) Release() error {
	if p.file == nil {
		return nil
	}
	lockfile.FlockUnlock(p.file)
	err := p.file.Close()
	p.file = nil
	return err
}

// ReadLockInfo reads whatever metadata the current lock holder (if any)
// last wrote to path, without attempting to acquire the lock itself.
// Used by CLI clients to report "daemon already running as pid N".
func ReadLockInfo(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, &errs.ProtocolError{Reason: fmt.Sprintf("pid file %s is not valid JSON", path)}
	}
	return &info, nil
}
