// Package daemon implements the long-running RPC server: a single
// process per user, reachable over a Unix domain socket under the
// per-user data directory, serving length-prefixed JSON requests
// against a cache of per-repository record stores and ledger syncers.
package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// UserDataDir returns the per-user directory holding the daemon socket,
// PID file, and every repository's ledger worktree and state. It honors
// XDG_DATA_HOME, falling back to "~/.local/share/eluent".
func UserDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "eluent"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "eluent"), nil
}

// SocketPath is "<user-data>/daemon.sock".
func SocketPath(userDataDir string) string { return filepath.Join(userDataDir, "daemon.sock") }

// PIDPath is "<user-data>/daemon.pid".
func PIDPath(userDataDir string) string { return filepath.Join(userDataDir, "daemon.pid") }

// RepoDataDir returns this repository's private subdirectory under the
// user data dir, keyed by a hash of its absolute path so two repos
// checked out under colliding basenames never share state.
func RepoDataDir(userDataDir, repoPath string) (string, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(abs))
	key := filepath.Base(abs) + "-" + hex.EncodeToString(sum[:])[:12]
	return filepath.Join(userDataDir, key), nil
}
