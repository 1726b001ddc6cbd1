package daemon

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test User"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	return dir
}

func TestRegistryGetCachesByAbsolutePath(t *testing.T) {
	repo := initRepo(t)
	reg := NewRegistry(t.TempDir(), nil)

	first, err := reg.Get(context.Background(), repo)
	require.NoError(t, err)

	second, err := reg.Get(context.Background(), filepath.Join(repo, "."))
	require.NoError(t, err)

	require.Same(t, first, second)
}

func TestRegistryGetInitializesStore(t *testing.T) {
	repo := initRepo(t)
	reg := NewRegistry(t.TempDir(), nil)

	inst, err := reg.Get(context.Background(), repo)
	require.NoError(t, err)
	require.NotNil(t, inst.Store)
	require.Nil(t, inst.Ledger)
	require.Empty(t, inst.Store.ListAtoms())
}
