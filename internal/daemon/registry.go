package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/eluentwork/eluent/internal/config"
	"github.com/eluentwork/eluent/internal/git"
	"github.com/eluentwork/eluent/internal/ledger"
	"github.com/eluentwork/eluent/internal/ledgerstate"
	eluentsync "github.com/eluentwork/eluent/internal/sync"

	"github.com/eluentwork/eluent/internal/store"
)

// Instance bundles the live objects the daemon serves requests through
// for one repository: its record store, its configuration, and (when
// configured) its ledger syncer and sync orchestrator. Mutating calls
// against one Instance are serialized by Mu; the registry itself only
// protects the cache map.
type Instance struct {
	RepoPath string
	Store    *store.Store
	Config   *config.Config
	Ledger   *ledger.Syncer   // nil when sync.ledger_branch is unset
	LedgerSt *ledgerstate.Store // offline-claim bookkeeping, opened alongside Ledger
	Sync     *eluentsync.Orchestrator

	Mu sync.Mutex
}

// Registry caches one Instance per repository path, keyed by its absolute
// form so "." and the equivalent absolute path share a cache entry.
type Registry struct {
	userDataDir string
	log         *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewRegistry returns an empty Registry rooted at userDataDir (see
// UserDataDir).
func NewRegistry(userDataDir string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{userDataDir: userDataDir, log: log, instances: map[string]*Instance{}}
}

// Get returns the cached Instance for repoPath, constructing one if this
// is the first request for it. Construction (opening the record store,
// reading config, shelling out to git to resolve the current branch) runs
// outside the registry's own lock, so a slow first request for one repo
// never blocks requests for others; the lock is only held for the brief
// map check-then-insert, and a second caller that raced the same repo
// discards its own freshly-built Instance in favor of whichever won.
func (r *Registry) Get(ctx context.Context, repoPath string) (*Instance, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving repo path %q: %w", repoPath, err)
	}

	r.mu.Lock()
	if inst, ok := r.instances[abs]; ok {
		r.mu.Unlock()
		return inst, nil
	}
	r.mu.Unlock()

	inst, err := r.build(ctx, abs)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[abs]; ok {
		return existing, nil
	}
	r.instances[abs] = inst
	return inst, nil
}

func (r *Registry) build(ctx context.Context, repoPath string) (*Instance, error) {
	dataDir := filepath.Join(repoPath, ".eluent")
	st, err := store.Open(dataDir, filepath.Base(repoPath), true, r.log)
	if err != nil {
		return nil, fmt.Errorf("opening record store for %s: %w", repoPath, err)
	}

	cfg, err := config.Load(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("loading config for %s: %w", repoPath, err)
	}

	inst := &Instance{RepoPath: repoPath, Store: st, Config: cfg}

	branch, err := git.Run(ctx, repoPath, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		branch = "main"
	}

	repoDataDir, err := RepoDataDir(r.userDataDir, repoPath)
	if err != nil {
		return nil, err
	}

	inst.Sync = eluentsync.New(repoPath, "origin", branch, filepath.Join(dataDir, ".sync-state.json"), r.log)

	if lb := cfg.LedgerBranch(); lb != "" {
		worktreePath := filepath.Join(repoDataDir, ".sync-worktree")
		statePath := filepath.Join(repoDataDir, ".ledger-sync-state")
		inst.Ledger = ledger.New(repoPath, worktreePath, lb, "origin", statePath, cfg.ClaimRetries(), r.log)
		inst.LedgerSt = ledgerstate.Open(statePath)
	}

	return inst, nil
}
