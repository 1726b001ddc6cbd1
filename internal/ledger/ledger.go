// Package ledger implements the orphan-branch multi-agent coordination
// mechanism: a dedicated git branch carrying only a repository's
// .eluent/ tree, checked out into its own worktree, through which claims
// are made atomically via optimistic concurrency and a retrying push.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/eluentwork/eluent/internal/errs"
	"github.com/eluentwork/eluent/internal/git"
	"github.com/eluentwork/eluent/internal/ledgerstate"
	"github.com/eluentwork/eluent/internal/store"
	"github.com/eluentwork/eluent/internal/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/eluentwork/eluent/internal/ledger")

const (
	retryBase = 100 * time.Millisecond
	retryMax  = 5000 * time.Millisecond
)

// Syncer manages one repository's ledger branch, worktree, and claim
// protocol. Not safe for concurrent use from multiple goroutines; callers
// serialize access per repository (the daemon does this with a mutex per
// cached instance).
type Syncer struct {
	mainRepoPath string
	worktreePath string
	branch       string
	remote       string
	maxRetries   int

	wm    *git.WorktreeManager
	state *ledgerstate.Store
	log   *slog.Logger
}

// New returns a Syncer. worktreePath is typically
// "$XDG_DATA_HOME/eluent/<repo>/.sync-worktree"; statePath is a sibling
// file such as "<same dir>/.ledger-sync-state".
func New(mainRepoPath, worktreePath, branch, remote, statePath string, maxRetries int, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	if maxRetries > 100 {
		maxRetries = 100
	}
	return &Syncer{
		mainRepoPath: mainRepoPath,
		worktreePath: worktreePath,
		branch:       branch,
		remote:       remote,
		maxRetries:   maxRetries,
		wm:           git.NewWorktreeManager(mainRepoPath),
		state:        ledgerstate.Open(statePath),
		log:          log,
	}
}

// dataDir is the .eluent directory inside the ledger worktree.
func (s *Syncer) dataDir() string { return filepath.Join(s.worktreePath, ".eluent") }

// Setup ensures the ledger branch and worktree exist, creating the branch
// as an orphan with one empty commit and seeding it from main on first
// use.
func (s *Syncer) Setup(ctx context.Context) error {
	if err := git.ValidateBranchName(s.branch); err != nil {
		return err
	}

	firstCreation := !s.branchExistsLocally(ctx) && !git.RemoteBranchExists(ctx, s.mainRepoPath, s.remote, s.branch)
	if firstCreation {
		if err := s.createOrphanBranch(ctx); err != nil {
			return err
		}
	}

	if err := s.wm.CreateLedgerWorktree(s.branch, s.worktreePath); err != nil {
		return fmt.Errorf("creating ledger worktree: %w", err)
	}

	if firstCreation {
		if err := s.SeedFromMain(); err != nil {
			return fmt.Errorf("seeding ledger from main: %w", err)
		}
		if dirty, err := s.hasUncommittedChanges(); err != nil {
			return err
		} else if dirty {
			if err := s.commitAll(ctx, "seed ledger from main"); err != nil {
				return err
			}
		}
		// Push regardless of whether the seed step added a commit: the
		// orphan branch's own initial commit still needs to reach the remote.
		if err := git.Push(ctx, s.worktreePath, s.remote, s.branch); err != nil {
			s.log.Warn("initial ledger push failed, will retry on next claim", "error", err)
		}
	}
	return nil
}

func (s *Syncer) hasUncommittedChanges() (bool, error) {
	out, err := git.Run(context.Background(), s.worktreePath, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking worktree status: %w", err)
	}
	return out != "", nil
}

func (s *Syncer) branchExistsLocally(ctx context.Context) bool {
	_, err := git.RevParse(ctx, s.mainRepoPath, "refs/heads/"+s.branch)
	return err == nil
}

func (s *Syncer) createOrphanBranch(ctx context.Context) error {
	tmp, err := os.MkdirTemp("", "eluent-ledger-init-*")
	if err != nil {
		return fmt.Errorf("creating scratch checkout: %w", err)
	}
	defer os.RemoveAll(tmp)

	if _, err := git.Run(ctx, s.mainRepoPath, "worktree", "add", "--detach", tmp); err != nil {
		return fmt.Errorf("adding scratch worktree: %w", err)
	}
	defer func() { _, _ = git.Run(ctx, s.mainRepoPath, "worktree", "remove", "--force", tmp) }()

	if _, err := git.Run(ctx, tmp, "checkout", "--orphan", s.branch); err != nil {
		return fmt.Errorf("creating orphan branch: %w", err)
	}
	if _, err := git.Run(ctx, tmp, "rm", "-rf", "--quiet", "."); err != nil {
		s.log.Debug("orphan branch had nothing to clear", "error", err)
	}
	if err := os.MkdirAll(filepath.Join(tmp, ".eluent"), 0750); err != nil {
		return fmt.Errorf("creating .eluent placeholder: %w", err)
	}
	keep := filepath.Join(tmp, ".eluent", ".keep")
	if err := os.WriteFile(keep, nil, 0644); err != nil {
		return fmt.Errorf("writing .keep: %w", err)
	}
	if _, err := git.Run(ctx, tmp, "add", "-A"); err != nil {
		return fmt.Errorf("staging initial commit: %w", err)
	}
	if _, err := git.Run(ctx, tmp, "commit", "-m", "initialize ledger branch"); err != nil {
		return fmt.Errorf("committing initial commit: %w", err)
	}
	return nil
}

// Teardown removes the worktree and prunes stale worktree registrations.
// The local ledger state file and its lock file are not deleted, and the
// remote branch is left untouched.
func (s *Syncer) Teardown() error {
	if err := s.wm.RemoveLedgerWorktree(s.worktreePath); err != nil {
		return fmt.Errorf("removing ledger worktree: %w", err)
	}
	if _, err := git.Run(context.Background(), s.mainRepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("pruning worktree registrations: %w", err)
	}
	return nil
}

// ClaimResult reports the outcome of a successful claim_and_push.
type ClaimResult struct {
	Retries int
}

// ClaimAndPush attempts to set atomID to in_progress under agentID,
// retrying through the pull/claim/push cycle with exponential backoff on
// any push failure. Returns *errs.ConflictError if another agent already
// holds the claim, *errs.InvalidStateError if the atom cannot be claimed
// (closed, discarded, or blocked), and *errs.MaxRetriesExceededError once
// the retry budget is exhausted.
func (s *Syncer) ClaimAndPush(ctx context.Context, atomID, agentID string) (result ClaimResult, err error) {
	ctx, span := tracer.Start(ctx, "ledger.ClaimAndPush")
	defer func() {
		span.SetAttributes(attribute.Int("eluent.ledger.claim_retries", result.Retries))
		span.End()
	}()

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(jitteredBackoff(attempt))
		}

		if err := s.recoverIfStale(); err != nil {
			return ClaimResult{Retries: attempt}, err
		}
		if err := s.pull(ctx); err != nil {
			s.log.Debug("ledger pull failed, will retry", "attempt", attempt, "error", err)
			continue
		}

		committed, err := s.tryLocalClaim(atomID, agentID)
		if err != nil {
			return ClaimResult{Retries: attempt}, err
		}
		if !committed {
			// Idempotent: already held by this agent, nothing to push.
			return ClaimResult{Retries: attempt}, nil
		}

		if err := git.Push(ctx, s.worktreePath, s.remote, s.branch); err != nil {
			s.log.Debug("ledger push failed, will retry", "attempt", attempt, "error", err)
			continue
		}
		return ClaimResult{Retries: attempt}, nil
	}
	return ClaimResult{Retries: s.maxRetries}, &errs.MaxRetriesExceededError{Attempts: s.maxRetries}
}

// jitteredBackoff computes min(BASE*2^(n-1), MAX) plus uniform jitter in
// +/-20% for the claim retry schedule.
func jitteredBackoff(attempt int) time.Duration {
	base := float64(retryBase) * float64(uint64(1)<<uint(attempt-1))
	if base > float64(retryMax) {
		base = float64(retryMax)
	}
	jitter := base * 0.2 * (2*rand.Float64() - 1)
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// tryLocalClaim loads atomID from the worktree's data file and attempts
// to move it to in_progress. Returns committed=false when the claim is
// already held by agentID (idempotent no-op, nothing to push).
func (s *Syncer) tryLocalClaim(atomID, agentID string) (bool, error) {
	st, err := store.Open(s.dataDir(), "", false, s.log)
	if err != nil {
		return false, fmt.Errorf("opening ledger data file: %w", err)
	}

	a, err := st.GetAtom(atomID)
	if err != nil {
		return false, err
	}

	switch a.Status {
	case types.StatusClosed, types.StatusDiscard:
		return false, &errs.InvalidStateError{Current: string(a.Status), Reason: "cannot claim a closed or discarded atom"}
	case types.StatusBlocked:
		return false, &errs.InvalidStateError{Current: string(a.Status), Reason: "cannot claim a blocked atom"}
	case types.StatusInProgress:
		if a.Assignee == agentID {
			return false, nil
		}
		return false, &errs.ConflictError{Owner: a.Assignee}
	}

	updated := *a
	updated.Status = types.StatusInProgress
	updated.Assignee = agentID
	updated.UpdatedAt = time.Now().UTC()
	if err := st.UpdateAtom(updated); err != nil {
		return false, fmt.Errorf("updating claimed atom: %w", err)
	}

	if _, err := git.Run(context.Background(), s.worktreePath, "add", "-A"); err != nil {
		return false, fmt.Errorf("staging claim: %w", err)
	}
	msg := fmt.Sprintf("claim %s for %s", atomID, agentID)
	if _, err := git.Run(context.Background(), s.worktreePath, "commit", "-m", msg); err != nil {
		return false, fmt.Errorf("committing claim: %w", err)
	}
	return true, nil
}

// ReleaseClaim moves atomID back to open, clearing its assignee.
// Idempotent: a no-op when the atom is not currently in_progress.
func (s *Syncer) ReleaseClaim(ctx context.Context, atomID string) error {
	if err := s.pull(ctx); err != nil {
		return err
	}

	st, err := store.Open(s.dataDir(), "", false, s.log)
	if err != nil {
		return fmt.Errorf("opening ledger data file: %w", err)
	}
	a, err := st.GetAtom(atomID)
	if err != nil {
		return err
	}
	if a.Status != types.StatusInProgress {
		return nil
	}

	updated := *a
	updated.Status = types.StatusOpen
	updated.Assignee = ""
	updated.UpdatedAt = time.Now().UTC()
	if err := st.UpdateAtom(updated); err != nil {
		return fmt.Errorf("releasing claim: %w", err)
	}

	if _, err := git.Run(ctx, s.worktreePath, "add", "-A"); err != nil {
		return fmt.Errorf("staging release: %w", err)
	}
	if _, err := git.Run(ctx, s.worktreePath, "commit", "-m", "release "+atomID); err != nil {
		return fmt.Errorf("committing release: %w", err)
	}
	return git.Push(ctx, s.worktreePath, s.remote, s.branch)
}

// Heartbeat touches updated_at on an in_progress atom claimed by any
// agent, showing liveness under stale-claim policies.
func (s *Syncer) Heartbeat(ctx context.Context, atomID string) error {
	if err := s.pull(ctx); err != nil {
		return err
	}
	st, err := store.Open(s.dataDir(), "", false, s.log)
	if err != nil {
		return fmt.Errorf("opening ledger data file: %w", err)
	}
	a, err := st.GetAtom(atomID)
	if err != nil {
		return err
	}
	if a.Status != types.StatusInProgress {
		return &errs.InvalidStateError{Current: string(a.Status), Reason: "cannot heartbeat an atom that is not in_progress"}
	}

	updated := *a
	updated.UpdatedAt = time.Now().UTC()
	if err := st.UpdateAtom(updated); err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	if _, err := git.Run(ctx, s.worktreePath, "add", "-A"); err != nil {
		return fmt.Errorf("staging heartbeat: %w", err)
	}
	if _, err := git.Run(ctx, s.worktreePath, "commit", "-m", "heartbeat "+atomID); err != nil {
		return fmt.Errorf("committing heartbeat: %w", err)
	}
	return git.Push(ctx, s.worktreePath, s.remote, s.branch)
}

// ReleaseStaleClaims releases every in_progress atom whose updated_at
// precedes threshold, committing once with a message naming the released
// ids (truncated past a handful) and their previous assignees.
func (s *Syncer) ReleaseStaleClaims(ctx context.Context, threshold time.Time) ([]string, error) {
	if err := s.pull(ctx); err != nil {
		return nil, err
	}
	st, err := store.Open(s.dataDir(), "", false, s.log)
	if err != nil {
		return nil, fmt.Errorf("opening ledger data file: %w", err)
	}

	var released []string
	var summary []string
	for _, a := range st.ListAtoms() {
		if a.Status != types.StatusInProgress || a.UpdatedAt.After(threshold) {
			continue
		}
		prevAssignee := a.Assignee
		updated := *a
		updated.Status = types.StatusOpen
		updated.Assignee = ""
		updated.UpdatedAt = time.Now().UTC()
		if err := st.UpdateAtom(updated); err != nil {
			return nil, fmt.Errorf("releasing stale claim %s: %w", a.ID, err)
		}
		released = append(released, a.ID)
		summary = append(summary, fmt.Sprintf("%s (was %s)", a.ID, prevAssignee))
	}
	if len(released) == 0 {
		return nil, nil
	}

	const maxListed = 5
	listed := summary
	suffix := ""
	if len(listed) > maxListed {
		listed = listed[:maxListed]
		suffix = fmt.Sprintf(" and %d more", len(summary)-maxListed)
	}
	msg := fmt.Sprintf("release stale claims: %s%s", strings.Join(listed, ", "), suffix)

	if _, err := git.Run(ctx, s.worktreePath, "add", "-A"); err != nil {
		return nil, fmt.Errorf("staging stale-claim release: %w", err)
	}
	if _, err := git.Run(ctx, s.worktreePath, "commit", "-m", msg); err != nil {
		return nil, fmt.Errorf("committing stale-claim release: %w", err)
	}
	if err := git.Push(ctx, s.worktreePath, s.remote, s.branch); err != nil {
		return nil, err
	}

	sort.Strings(released)
	return released, nil
}

// Pull recovers the worktree if stale and fast-forwards it to the
// remote ledger branch, for the daemon's ledger_sync "pull" subaction.
func (s *Syncer) Pull(ctx context.Context) error {
	if err := s.recoverIfStale(); err != nil {
		return err
	}
	return s.pull(ctx)
}

// Push commits any outstanding worktree changes and pushes the ledger
// branch, for the daemon's ledger_sync "push" subaction. A no-op when
// the worktree is clean.
func (s *Syncer) Push(ctx context.Context, message string) error {
	if err := s.recoverIfStale(); err != nil {
		return err
	}
	dirty, err := s.hasUncommittedChanges()
	if err != nil {
		return err
	}
	if dirty {
		if err := s.commitAll(ctx, message); err != nil {
			return err
		}
	}
	return git.Push(ctx, s.worktreePath, s.remote, s.branch)
}

// ReconcileResult reports one offline claim's outcome when replayed
// against the ledger.
type ReconcileResult struct {
	AtomID  string
	AgentID string
	Err     error
}

// Reconcile drains every offline claim recorded while the ledger branch
// was unreachable and replays each through ClaimAndPush, in the order
// they were originally attempted. A claim that now conflicts or is no
// longer valid is reported in its result rather than aborting the batch.
func (s *Syncer) Reconcile(ctx context.Context) ([]ReconcileResult, error) {
	claims, err := s.state.DrainOfflineClaims()
	if err != nil {
		return nil, fmt.Errorf("draining offline claims: %w", err)
	}
	results := make([]ReconcileResult, 0, len(claims))
	for _, c := range claims {
		_, claimErr := s.ClaimAndPush(ctx, c.AtomID, c.AgentID)
		results = append(results, ReconcileResult{AtomID: c.AtomID, AgentID: c.AgentID, Err: claimErr})
	}
	return results, nil
}

// ForceResync discards the existing worktree entirely and rebuilds it
// from the remote ledger branch, for the daemon's ledger_sync
// "force_resync" subaction — the blunt recovery path for a worktree too
// corrupted for Stale()'s normal detection to catch.
func (s *Syncer) ForceResync(ctx context.Context) error {
	if err := s.wm.RemoveLedgerWorktree(s.worktreePath); err != nil {
		return fmt.Errorf("removing worktree: %w", err)
	}
	if err := s.wm.CreateLedgerWorktree(s.branch, s.worktreePath); err != nil {
		return fmt.Errorf("recreating worktree: %w", err)
	}
	return s.pull(ctx)
}

// pull fetches the ledger branch and hard-resets the worktree to it. No
// three-way merge is attempted: the branch is authoritative, and claim
// conflicts are instead resolved by the retry loop in ClaimAndPush.
func (s *Syncer) pull(ctx context.Context) error {
	if err := git.Fetch(ctx, s.worktreePath, s.remote, s.branch); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := git.ResetHard(ctx, s.worktreePath, s.remote+"/"+s.branch); err != nil {
		return err
	}
	head, err := git.RevParse(ctx, s.worktreePath, "HEAD")
	if err == nil {
		st, loadErr := s.state.Load()
		if loadErr == nil {
			st.LedgerHead = head
			st.LastPullAt = &now
			_ = s.state.Save(st)
		}
	}
	return nil
}

func (s *Syncer) commitAll(ctx context.Context, message string) error {
	if _, err := git.Run(ctx, s.worktreePath, "add", "-A"); err != nil {
		return fmt.Errorf("staging: %w", err)
	}
	if _, err := git.Run(ctx, s.worktreePath, "commit", "-m", message); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// Stale reports whether the worktree needs to be recreated: its path is
// missing, its internal git link is broken, or it is registered to a
// different branch than the ledger branch.
func (s *Syncer) Stale(ctx context.Context) bool {
	if _, err := os.Stat(s.worktreePath); os.IsNotExist(err) {
		return true
	}
	head, err := git.SymbolicRef(ctx, s.worktreePath, "HEAD")
	if err != nil {
		return true
	}
	return head != "refs/heads/"+s.branch
}

func (s *Syncer) recoverIfStale() error {
	ctx := context.Background()
	if !s.Stale(ctx) {
		return nil
	}
	if err := s.wm.RemoveLedgerWorktree(s.worktreePath); err != nil {
		return fmt.Errorf("removing stale worktree: %w", err)
	}
	if err := s.wm.CreateLedgerWorktree(s.branch, s.worktreePath); err != nil {
		return fmt.Errorf("recreating worktree: %w", err)
	}
	return nil
}

// Available reports whether the ledger branch exists (locally or
// remotely) and the worktree is registered.
func (s *Syncer) Available(ctx context.Context) bool {
	branchKnown := s.branchExistsLocally(ctx) || git.RemoteBranchExists(ctx, s.mainRepoPath, s.remote, s.branch)
	if !branchKnown {
		return false
	}
	return s.wm.CheckWorktreeHealth(s.worktreePath) == nil
}

// Online reports whether the remote currently advertises the ledger
// branch.
func (s *Syncer) Online(ctx context.Context) bool {
	return git.RemoteBranchExists(ctx, s.mainRepoPath, s.remote, s.branch)
}

// Healthy reports Available() && !Stale().
func (s *Syncer) Healthy(ctx context.Context) bool {
	return s.Available(ctx) && !s.Stale(ctx)
}

// SyncToMain copies the ledger worktree's .eluent/ tree over the main
// working directory's .eluent/, skipping symlinks.
func (s *Syncer) SyncToMain() error {
	return copyTree(s.dataDir(), filepath.Join(s.mainRepoPath, ".eluent"))
}

// SeedFromMain copies the main working directory's .eluent/ tree into the
// ledger worktree, skipping symlinks.
func (s *Syncer) SeedFromMain() error {
	return copyTree(filepath.Join(s.mainRepoPath, ".eluent"), s.dataDir())
}

func copyTree(src, dst string) error {
	entries, err := os.ReadDir(src)
	if os.IsNotExist(err) {
		return os.MkdirAll(dst, 0750)
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if err := os.MkdirAll(dst, 0750); err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", name, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}

		srcPath := filepath.Join(src, name)
		dstPath := filepath.Join(dst, name)
		if entry.IsDir() {
			if err := copyTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", srcPath, err)
		}
		if err := os.WriteFile(dstPath, data, info.Mode().Perm()); err != nil {
			return fmt.Errorf("writing %s: %w", dstPath, err)
		}
	}
	return nil
}
