package sync

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/eluentwork/eluent/internal/store"
	"github.com/eluentwork/eluent/internal/types"
	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
	return string(out)
}

// setupRepoWithRemote creates a bare remote and a clone with one commit
// seeding .eluent/data.jsonl with a single atom, returning the clone's path and the
// bare remote's path.
func setupRepoWithRemote(t *testing.T) (cloneDir, remoteDir string) {
	t.Helper()
	remoteDir = t.TempDir()
	runGit(t, remoteDir, "init", "--bare")

	cloneDir = filepath.Join(t.TempDir(), "clone")
	runGit(t, t.TempDir(), "clone", remoteDir, cloneDir)
	runGit(t, cloneDir, "config", "user.email", "test@example.com")
	runGit(t, cloneDir, "config", "user.name", "Test User")

	st, err := store.Open(filepath.Join(cloneDir, ".eluent"), "repo", true, nil)
	require.NoError(t, err)
	require.NoError(t, st.AddAtom(types.Atom{ID: "a1", Title: "seed", Status: types.StatusOpen, IssueType: types.TypeTask}))

	runGit(t, cloneDir, "add", ".")
	runGit(t, cloneDir, "commit", "-m", "initial")
	runGit(t, cloneDir, "push", "origin", "HEAD:main")
	runGit(t, cloneDir, "branch", "-M", "main")

	return cloneDir, remoteDir
}

func newTestOrchestrator(t *testing.T, repoDir string) *Orchestrator {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "sync-state.json")
	return New(repoDir, "origin", "main", statePath, nil)
}

func TestSyncIsUpToDateWithNoDivergence(t *testing.T) {
	repoDir, _ := setupRepoWithRemote(t)
	o := newTestOrchestrator(t, repoDir)

	res, err := o.Sync(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, StatusSynced, res.Status)

	res2, err := o.Sync(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, StatusUpToDate, res2.Status)
}

func TestSyncMergesRemoteChanges(t *testing.T) {
	repoDir, remoteDir := setupRepoWithRemote(t)
	o := newTestOrchestrator(t, repoDir)
	require.NoError(t, runFirstSync(t, o))

	// A second clone of the same bare remote pushes a new atom.
	otherClone := filepath.Join(t.TempDir(), "other")
	runGit(t, filepath.Dir(otherClone), "clone", remoteDir, otherClone)
	runGit(t, otherClone, "config", "user.email", "test2@example.com")
	runGit(t, otherClone, "config", "user.name", "Test User 2")

	st, err := store.Open(filepath.Join(otherClone, ".eluent"), "repo", false, nil)
	require.NoError(t, err)
	require.NoError(t, st.AddAtom(types.Atom{ID: "a2", Title: "from remote", Status: types.StatusOpen, IssueType: types.TypeTask}))
	runGit(t, otherClone, "add", ".")
	runGit(t, otherClone, "commit", "-m", "add a2")
	runGit(t, otherClone, "push", "origin", "main")

	res, err := o.Sync(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, StatusSynced, res.Status)

	merged, err := store.Open(filepath.Join(repoDir, ".eluent"), "repo", false, nil)
	require.NoError(t, err)
	_, err = merged.GetAtom("a2")
	require.NoError(t, err)
}

func TestSyncDryRunDoesNotMutate(t *testing.T) {
	repoDir, _ := setupRepoWithRemote(t)
	o := newTestOrchestrator(t, repoDir)

	before, err := os.ReadFile(filepath.Join(repoDir, ".eluent", "data.jsonl"))
	require.NoError(t, err)

	res, err := o.Sync(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, StatusDryRun, res.Status)

	after, err := os.ReadFile(filepath.Join(repoDir, ".eluent", "data.jsonl"))
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestSyncNoRemoteFails(t *testing.T) {
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test User")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".eluent"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hi\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")

	o := newTestOrchestrator(t, dir)
	_, err := o.Sync(context.Background(), Options{})
	require.Error(t, err)
}

func runFirstSync(t *testing.T, o *Orchestrator) error {
	t.Helper()
	_, err := o.Sync(context.Background(), Options{})
	return err
}
