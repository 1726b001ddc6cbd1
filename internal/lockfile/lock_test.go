package lockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlockExclusiveNonBlocking_SecondHolderBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	f1, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f1.Close()
	f2, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f2.Close()

	require.NoError(t, FlockExclusiveNonBlocking(f1))
	err = FlockExclusiveNonBlocking(f2)
	require.Error(t, err)
	require.True(t, IsLocked(err))

	require.NoError(t, FlockUnlock(f1))
	require.NoError(t, FlockExclusiveNonBlocking(f2))
	require.NoError(t, FlockUnlock(f2))
}

func TestFlockSharedNonBlocking_MultipleReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	f1, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f1.Close()
	f2, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f2.Close()

	require.NoError(t, FlockSharedNonBlocking(f1))
	require.NoError(t, FlockSharedNonBlocking(f2))

	f3, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f3.Close()
	err = FlockExclusiveNonBlocking(f3)
	require.Error(t, err)
	require.True(t, IsLocked(err))
}

func TestIsLocked(t *testing.T) {
	require.True(t, IsLocked(ErrLockBusy))
	require.True(t, IsLocked(errProcessLocked))
	require.False(t, IsLocked(nil))
}

func TestIsProcessRunning_CurrentProcess(t *testing.T) {
	require.True(t, isProcessRunning(os.Getpid()))
	require.False(t, isProcessRunning(0))
}
