// Package errs defines the error kinds shared across eluent's components,
// named by behavior (per spec.md §7) rather than by the package that
// raises them, so a caller one layer up (the daemon, the sync
// orchestrator) can switch on kind without importing every producer.
package errs

import "fmt"

// NotFoundError indicates a lookup found nothing matching input.
type NotFoundError struct {
	Kind  string // "atom", "bond", "id", ...
	Input string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %q", e.Kind, e.Input)
}

// AmbiguousError indicates a lookup matched more than one candidate.
type AmbiguousError struct {
	Input      string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous input %q: %d candidates", e.Input, len(e.Candidates))
}

// ConflictError indicates an operation lost to a competing claim already
// held by Owner.
type ConflictError struct {
	Owner string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: already held by %q", e.Owner)
}

// InvalidStateError indicates an operation is not valid from Current.
type InvalidStateError struct {
	Current string
	Reason  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state %q: %s", e.Current, e.Reason)
}

// InvalidRequestError indicates malformed or unacceptable caller input.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return fmt.Sprintf("invalid request: %s", e.Reason) }

// CycleDetectedError indicates a would-be bond was rejected because it
// would introduce a blocking cycle; Path lists the offending cycle.
type CycleDetectedError struct {
	Path []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("cycle detected: %v", e.Path)
}

// NoRemoteError indicates the repository has no configured git remote.
type NoRemoteError struct{}

func (e *NoRemoteError) Error() string { return "no git remote configured" }

// GitFailedError wraps a non-zero git invocation.
type GitFailedError struct {
	Cmd    []string
	Stderr string
	Exit   int
}

func (e *GitFailedError) Error() string {
	return fmt.Sprintf("git %v failed (exit %d): %s", e.Cmd, e.Exit, e.Stderr)
}

// GitTimeoutError indicates a network git operation exceeded its timeout.
type GitTimeoutError struct {
	Cmd []string
}

func (e *GitTimeoutError) Error() string { return fmt.Sprintf("git %v timed out", e.Cmd) }

// BranchInvalidError indicates a branch name failed check-ref-format.
type BranchInvalidError struct {
	Name string
}

func (e *BranchInvalidError) Error() string { return fmt.Sprintf("invalid branch name: %q", e.Name) }

// WorktreeError wraps a failure manipulating a git worktree.
type WorktreeError struct {
	Path   string
	Reason string
}

func (e *WorktreeError) Error() string {
	return fmt.Sprintf("worktree error at %q: %s", e.Path, e.Reason)
}

// LedgerNotConfiguredError indicates sync.ledger_branch is unset.
type LedgerNotConfiguredError struct{}

func (e *LedgerNotConfiguredError) Error() string { return "ledger branch not configured" }

// LedgerSyncerError wraps an unrecoverable ledger syncer failure.
type LedgerSyncerError struct {
	Reason string
}

func (e *LedgerSyncerError) Error() string { return fmt.Sprintf("ledger syncer error: %s", e.Reason) }

// StateCorruptError indicates persisted state failed to parse; the caller
// has already reset to a fresh default and this is informational.
type StateCorruptError struct {
	Path string
}

func (e *StateCorruptError) Error() string {
	return fmt.Sprintf("state file %q was corrupt and has been reset", e.Path)
}

// MaxRetriesExceededError indicates a retry loop exhausted its budget.
type MaxRetriesExceededError struct {
	Attempts int
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts", e.Attempts)
}

// SyncInProgressError indicates a concurrent sync already holds the lock.
type SyncInProgressError struct{}

func (e *SyncInProgressError) Error() string { return "sync already in progress" }

// MessageTooLargeError indicates an RPC frame exceeded the wire protocol's
// maximum message size.
type MessageTooLargeError struct {
	Size, Max int
}

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("message too large: %d bytes (max %d)", e.Size, e.Max)
}

// ProtocolError indicates a malformed RPC frame or envelope.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %s", e.Reason) }

// AlreadyInitializedError indicates init was called on an existing store.
type AlreadyInitializedError struct {
	Path string
}

func (e *AlreadyInitializedError) Error() string {
	return fmt.Sprintf("already initialized at %q", e.Path)
}

// NotInitializedError indicates an operation ran before init.
type NotInitializedError struct {
	Path string
}

func (e *NotInitializedError) Error() string { return fmt.Sprintf("not initialized at %q", e.Path) }

// LockContentionError indicates a bounded wait for an advisory lock
// expired without acquiring it.
type LockContentionError struct {
	Path string
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("lock contention on %q", e.Path)
}

// UpgradeRequiredError indicates persisted state carries a schema version
// newer than this binary supports.
type UpgradeRequiredError struct {
	Found, Supported int
}

func (e *UpgradeRequiredError) Error() string {
	return fmt.Sprintf("schema version %d requires an upgrade (supported: %d)", e.Found, e.Supported)
}

// Code returns a short machine-readable kind for err, for transport across
// the RPC wire protocol's error.code field. Unrecognized errors (including
// plain fmt.Errorf wrapping) get "internal".
func Code(err error) string {
	switch err.(type) {
	case *NotFoundError:
		return "not_found"
	case *AmbiguousError:
		return "ambiguous"
	case *ConflictError:
		return "conflict"
	case *InvalidStateError:
		return "invalid_state"
	case *InvalidRequestError:
		return "invalid_request"
	case *CycleDetectedError:
		return "cycle_detected"
	case *NoRemoteError:
		return "no_remote"
	case *GitFailedError:
		return "git_failed"
	case *GitTimeoutError:
		return "git_timeout"
	case *BranchInvalidError:
		return "branch_invalid"
	case *WorktreeError:
		return "worktree_error"
	case *LedgerNotConfiguredError:
		return "ledger_not_configured"
	case *LedgerSyncerError:
		return "ledger_syncer_error"
	case *StateCorruptError:
		return "state_corrupt"
	case *MaxRetriesExceededError:
		return "max_retries_exceeded"
	case *SyncInProgressError:
		return "sync_in_progress"
	case *MessageTooLargeError:
		return "message_too_large"
	case *ProtocolError:
		return "protocol_error"
	case *AlreadyInitializedError:
		return "already_initialized"
	case *NotInitializedError:
		return "not_initialized"
	case *LockContentionError:
		return "lock_contention"
	case *UpgradeRequiredError:
		return "upgrade_required"
	default:
		return "internal"
	}
}
