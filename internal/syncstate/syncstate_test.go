package syncstate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsZeroState(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "state.json"))
	st, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, st.BaseCommit)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "state.json"))
	now := time.Now().Truncate(time.Second)
	st := &State{BaseCommit: "abc", LocalHead: "def", RemoteHead: "ghi", LastSyncAt: &now}
	require.NoError(t, s.Save(st))

	reloaded, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, "abc", reloaded.BaseCommit)
	require.Equal(t, "def", reloaded.LocalHead)
	require.Equal(t, "ghi", reloaded.RemoteHead)
	require.True(t, reloaded.LastSyncAt.Equal(now))
}

func TestLoadCorruptFileResetsWithWarning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := Open(path)
	st, err := s.Load()
	require.Error(t, err)
	require.NotNil(t, st)
	require.Empty(t, st.BaseCommit)
}
