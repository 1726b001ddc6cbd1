// Package sync implements the pull-first sync orchestrator: reconciling a
// repository's main-branch data file against its git remote via the
// three-way merge engine, per spec.md §4.7.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eluentwork/eluent/internal/errs"
	"github.com/eluentwork/eluent/internal/git"
	"github.com/eluentwork/eluent/internal/lockfile"
	"github.com/eluentwork/eluent/internal/merge"
	"github.com/eluentwork/eluent/internal/store"
	"github.com/eluentwork/eluent/internal/syncstate"
	"github.com/eluentwork/eluent/internal/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/eluentwork/eluent/internal/sync")

// DefaultGitTimeout bounds a single network git invocation.
const DefaultGitTimeout = 30 * time.Second

const dataFileRelPath = "data.jsonl"

// Options selects which phases of a full sync to run.
type Options struct {
	PullOnly bool
	PushOnly bool
	DryRun   bool
	// Force permits committing a merge that touches in_progress atoms,
	// which is otherwise deferred to avoid bundling someone else's active
	// claim into an automatic sync commit.
	Force bool
}

// Status is the outcome of a Sync call.
type Status string

const (
	StatusUpToDate Status = "up_to_date"
	StatusSynced   Status = "synced"
	StatusDryRun   Status = "dry_run"
)

// Result reports what a sync did.
type Result struct {
	Status      Status
	Diff        merge.Result
	ParseErrors int
}

// Orchestrator drives pull-first syncs for one repository's main working
// directory against its configured remote.
type Orchestrator struct {
	repoPath string
	remote   string
	branch   string

	gitTimeout time.Duration
	state      *syncstate.Store
	log        *slog.Logger
}

// New returns an Orchestrator for repoPath, syncing branch against remote.
// statePath holds the orchestrator's own bookkeeping (base/local/remote
// heads, last sync time).
func New(repoPath, remote, branch, statePath string, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		repoPath:   repoPath,
		remote:     remote,
		branch:     branch,
		gitTimeout: DefaultGitTimeout,
		state:      syncstate.Open(statePath),
		log:        log,
	}
}

func (o *Orchestrator) dataDir() string  { return filepath.Join(o.repoPath, ".eluent") }
func (o *Orchestrator) dataPath() string { return filepath.Join(o.dataDir(), dataFileRelPath) }
func (o *Orchestrator) lockPath() string { return filepath.Join(o.dataDir(), ".sync.lock") }
func (o *Orchestrator) remoteRef() string {
	return fmt.Sprintf("refs/remotes/%s/%s", o.remote, o.branch)
}

// Sync runs a full sync according to opts.
func (o *Orchestrator) Sync(ctx context.Context, opts Options) (Result, error) {
	ctx, span := tracer.Start(ctx, "sync.Sync")
	defer span.End()

	lockFile, err := os.OpenFile(o.lockPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("opening sync lock: %w", err)
	}
	defer lockFile.Close()
	if err := lockfile.FlockExclusiveNonBlocking(lockFile); err != nil {
		if lockfile.IsLocked(err) {
			return Result{}, &errs.SyncInProgressError{}
		}
		return Result{}, fmt.Errorf("locking %s: %w", o.lockPath(), err)
	}
	defer lockfile.FlockUnlock(lockFile)

	if opts.PushOnly {
		res, err := o.pushOnly(ctx)
		span.SetAttributes(attribute.String("eluent.sync.status", string(res.Status)))
		return res, err
	}

	if err := o.verifyRemote(ctx); err != nil {
		return Result{}, err
	}
	if err := o.run(ctx, "fetch", o.remote, o.branch); err != nil {
		return Result{}, err
	}

	localHead, err := o.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return Result{}, err
	}
	remoteHead, err := o.run(ctx, "rev-parse", o.remoteRef())
	if err != nil {
		return Result{}, err
	}

	prior, err := o.state.Load()
	if err != nil {
		if _, corrupt := err.(*errs.StateCorruptError); !corrupt {
			return Result{}, err
		}
		o.log.Warn("sync state unreadable, starting from empty state", "error", err)
	}

	if remoteHead == localHead && prior.BaseCommit != "" {
		span.SetAttributes(attribute.String("eluent.sync.status", string(StatusUpToDate)))
		return Result{Status: StatusUpToDate}, nil
	}

	base := prior.BaseCommit
	if base == "" {
		base, err = o.run(ctx, "merge-base", localHead, remoteHead)
		if err != nil {
			return Result{}, err
		}
	}

	baseSnap, baseHdr, n1 := o.readSnapshot(ctx, base)
	localSnap, localHdr, n2 := o.readSnapshot(ctx, localHead)
	remoteSnap, remoteHdr, n3 := o.readSnapshot(ctx, remoteHead)
	parseErrors := n1 + n2 + n3
	header := firstHeader(localHdr, remoteHdr, baseHdr)

	diff := merge.Merge3Way(ctx, baseSnap, localSnap, remoteSnap)

	if opts.DryRun {
		span.SetAttributes(
			attribute.String("eluent.sync.status", string(StatusDryRun)),
			attribute.Int("eluent.sync.conflicts", len(diff.Conflicts)),
		)
		return Result{Status: StatusDryRun, Diff: diff, ParseErrors: parseErrors}, nil
	}

	// Fast-forward the local branch to the remote tip before reapplying the
	// merged snapshot on top, so the resulting commit descends from
	// remoteHead and the eventual push is a fast-forward.
	if remoteHead != localHead {
		if _, err := o.run(ctx, "reset", "--hard", remoteHead); err != nil {
			return Result{}, err
		}
	}

	if err := o.applyMerge(diff, header); err != nil {
		return Result{}, err
	}

	if !opts.PullOnly {
		if err := o.commitAndPush(ctx, diff, opts.Force); err != nil {
			return Result{}, err
		}
	}

	finalHead, err := o.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return Result{}, err
	}
	now := time.Now().UTC()
	if err := o.state.Save(&syncstate.State{
		LastSyncAt: &now,
		BaseCommit: remoteHead,
		LocalHead:  finalHead,
		RemoteHead: remoteHead,
	}); err != nil {
		return Result{}, err
	}

	span.SetAttributes(
		attribute.String("eluent.sync.status", string(StatusSynced)),
		attribute.Int("eluent.sync.conflicts", len(diff.Conflicts)),
	)
	return Result{Status: StatusSynced, Diff: diff, ParseErrors: parseErrors}, nil
}

func (o *Orchestrator) pushOnly(ctx context.Context) (Result, error) {
	dirty, err := o.dirty(ctx)
	if err != nil {
		return Result{}, err
	}
	if dirty {
		st, err := store.Open(o.dataDir(), "", false, o.log)
		if err != nil {
			return Result{}, fmt.Errorf("opening data file: %w", err)
		}
		if err := o.commit(ctx, st.ListAtoms(), false, "sync: push local changes"); err != nil {
			return Result{}, err
		}
		if err := git.Push(ctx, o.repoPath, o.remote, o.branch); err != nil {
			return Result{}, err
		}
	}

	localHead, err := o.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return Result{}, err
	}
	prior, err := o.state.Load()
	if err != nil {
		if _, corrupt := err.(*errs.StateCorruptError); !corrupt {
			return Result{}, err
		}
		o.log.Warn("sync state unreadable, starting from empty state", "error", err)
	}
	prior.LocalHead = localHead
	now := time.Now().UTC()
	prior.LastSyncAt = &now
	if err := o.state.Save(prior); err != nil {
		return Result{}, err
	}
	return Result{Status: StatusSynced}, nil
}

func (o *Orchestrator) verifyRemote(ctx context.Context) error {
	out, err := o.run(ctx, "remote")
	if err != nil || strings.TrimSpace(out) == "" {
		return &errs.NoRemoteError{}
	}
	for _, name := range strings.Fields(out) {
		if name == o.remote {
			return nil
		}
	}
	return &errs.NoRemoteError{}
}

// run executes a network-capable git command under a per-invocation
// timeout, translating a deadline overrun into *errs.GitTimeoutError.
func (o *Orchestrator) run(ctx context.Context, args ...string) (string, error) {
	timeout := o.gitTimeout
	if timeout == 0 {
		timeout = DefaultGitTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := git.Run(runCtx, o.repoPath, args...)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", &errs.GitTimeoutError{Cmd: args}
		}
		return "", err
	}
	return out, nil
}

// readSnapshot reads .eluent/data.jsonl as it existed at commit, treating a
// missing path (not yet created at that point in history) as empty.
func (o *Orchestrator) readSnapshot(ctx context.Context, commit string) (merge.Snapshot, *types.Header, int) {
	rel := filepath.ToSlash(filepath.Join(".eluent", dataFileRelPath))
	data, err := o.run(ctx, "show", commit+":"+rel)
	if err != nil {
		return merge.Snapshot{}, nil, 0
	}
	return parseSnapshot([]byte(data), o.log)
}

// firstHeader returns the first non-nil header, preserving the original
// creation metadata across rewrites instead of minting a new one (and
// thereby perturbing the data file on every no-op sync).
func firstHeader(candidates ...*types.Header) *types.Header {
	for _, h := range candidates {
		if h != nil {
			return h
		}
	}
	return nil
}

func (o *Orchestrator) dirty(ctx context.Context) (bool, error) {
	out, err := git.Run(ctx, o.repoPath, "status", "--porcelain", "--", ".eluent")
	if err != nil {
		return false, fmt.Errorf("checking working tree status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// applyMerge backs up the current data file, rewrites it with diff's
// merged snapshot, and opens it once to confirm it parses. The backup is
// restored if either step fails.
func (o *Orchestrator) applyMerge(diff merge.Result, header *types.Header) error {
	backupPath := o.dataPath() + ".sync-backup"
	if _, err := os.Stat(o.dataPath()); err == nil {
		if err := copyFile(o.dataPath(), backupPath); err != nil {
			return fmt.Errorf("backing up data file: %w", err)
		}
		defer os.Remove(backupPath)
	}

	restore := func(cause error) error {
		if _, statErr := os.Stat(backupPath); statErr == nil {
			_ = copyFile(backupPath, o.dataPath())
		}
		return cause
	}

	repoName := filepath.Base(o.repoPath)
	if header == nil {
		header = &types.Header{Type: "header", RepoName: repoName, Generator: "eluent", CreatedAt: time.Now().UTC()}
	}
	snap := merge.Snapshot{Atoms: diff.Atoms, Bonds: diff.Bonds, Comments: diff.Comments}
	if err := writeDataFile(o.dataPath(), *header, snap); err != nil {
		return restore(fmt.Errorf("rewriting data file: %w", err))
	}

	// Re-open to confirm the rewritten file parses cleanly; any caller
	// holding a live *store.Store on this path is responsible for calling
	// Reload itself once this returns.
	if _, err := store.Open(o.dataDir(), repoName, false, o.log); err != nil {
		return restore(fmt.Errorf("reloading store: %w", err))
	}
	return nil
}

// commitAndPush commits the merged data file (unless in_progress atoms are
// present and force is false) and pushes. On push failure the sync state
// is deliberately left unpersisted by the caller so the next attempt
// re-runs the merge.
func (o *Orchestrator) commitAndPush(ctx context.Context, diff merge.Result, force bool) error {
	dirty, err := o.dirty(ctx)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	if err := o.commit(ctx, asPtrs(diff.Atoms), force, "sync: merge remote and local changes"); err != nil {
		return err
	}
	return git.Push(ctx, o.repoPath, o.remote, o.branch)
}

func (o *Orchestrator) commit(ctx context.Context, atoms []*types.Atom, force bool, message string) error {
	if hasInProgress(atoms) && !force {
		o.log.Warn("sync: skipping commit, in-progress atoms present (pass force to override)")
		return nil
	}
	if _, err := git.Run(ctx, o.repoPath, "add", ".eluent"); err != nil {
		return fmt.Errorf("staging merged data: %w", err)
	}
	if _, err := git.Run(ctx, o.repoPath, "commit", "-m", message); err != nil {
		return fmt.Errorf("committing merged data: %w", err)
	}
	return nil
}

func hasInProgress(atoms []*types.Atom) bool {
	for _, a := range atoms {
		if a.Status == types.StatusInProgress {
			return true
		}
	}
	return false
}

func asPtrs(atoms []types.Atom) []*types.Atom {
	ptrs := make([]*types.Atom, len(atoms))
	for i := range atoms {
		ptrs[i] = &atoms[i]
	}
	return ptrs
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// parseSnapshot decodes a data.jsonl byte stream into a merge snapshot.
// Malformed lines are logged and skipped, never fatal, matching
// internal/store's propagation policy; the count of skipped lines is
// returned for callers to surface as a diagnostic counter.
func parseSnapshot(data []byte, log *slog.Logger) (merge.Snapshot, *types.Header, int) {
	var snap merge.Snapshot
	var header *types.Header
	parseErrors := 0
	for lineNo, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var disc struct {
			Type string `json:"_type"`
		}
		if err := json.Unmarshal(line, &disc); err != nil {
			log.Warn("sync: malformed record, skipping", "line", lineNo+1, "error", err)
			parseErrors++
			continue
		}
		switch disc.Type {
		case "header":
			var h types.Header
			if err := json.Unmarshal(line, &h); err == nil {
				header = &h
			}
			continue
		case "atom":
			var a types.Atom
			if err := json.Unmarshal(line, &a); err != nil {
				parseErrors++
				continue
			}
			snap.Atoms = append(snap.Atoms, a)
		case "bond":
			var b types.Bond
			if err := json.Unmarshal(line, &b); err != nil {
				parseErrors++
				continue
			}
			snap.Bonds = append(snap.Bonds, b)
		case "comment":
			var c types.Comment
			if err := json.Unmarshal(line, &c); err != nil {
				parseErrors++
				continue
			}
			snap.Comments = append(snap.Comments, c)
		default:
			log.Warn("sync: unknown record type, skipping", "line", lineNo+1, "type", disc.Type)
			parseErrors++
		}
	}
	return snap, header, parseErrors
}

// writeDataFile atomically rewrites path with snap's records, locking on
// path itself so readers and internal/store's own rewrite never race.
func writeDataFile(path string, header types.Header, snap merge.Snapshot) error {
	var buf bytes.Buffer
	if err := writeTagged(&buf, "header", header); err != nil {
		return err
	}
	for _, a := range snap.Atoms {
		if err := writeTagged(&buf, "atom", a); err != nil {
			return err
		}
	}
	for _, b := range snap.Bonds {
		if err := writeTagged(&buf, "bond", b); err != nil {
			return err
		}
	}
	for _, c := range snap.Comments {
		if err := writeTagged(&buf, "comment", c); err != nil {
			return err
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	lockF, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s for lock: %w", path, err)
	}
	defer lockF.Close()
	if err := lockfile.FlockExclusiveBlocking(lockF); err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	defer lockfile.FlockUnlock(lockF)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func writeTagged(buf *bytes.Buffer, typ string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	m["_type"], _ = json.Marshal(typ)
	line, err := json.Marshal(m)
	if err != nil {
		return err
	}
	buf.Write(line)
	buf.WriteByte('\n')
	return nil
}
