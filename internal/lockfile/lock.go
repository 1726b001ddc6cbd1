// Package lockfile provides advisory file locking for the files eluent
// rewrites concurrently: a repository's data.jsonl, its ledger worktree
// state, and the daemon's own PID/lock files.
package lockfile

import "errors"

// ErrLocked is returned by FlockExclusiveNonBlocking when another process
// already holds a lock on the file.
var ErrLocked = errProcessLocked

// ErrLockBusy is returned by FlockSharedNonBlocking when another process
// already holds an exclusive lock on the file.
var ErrLockBusy = errors.New("lockfile: busy, held by another process")

// IsLocked reports whether err indicates a lock held by another process,
// covering both ErrLocked and ErrLockBusy.
func IsLocked(err error) bool {
	return errors.Is(err, errProcessLocked) || errors.Is(err, ErrLockBusy)
}
