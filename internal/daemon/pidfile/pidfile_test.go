package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "brain.pid")

	require.NoError(t, Acquire(path))

	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	running, pid, err := IsRunning(path)
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, Release(path))
	running, _, err = IsRunning(path)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestAcquireRejectsLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brain.pid")
	require.NoError(t, Acquire(path))

	err := Acquire(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestAcquireReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brain.pid")
	// A PID from the far end of the default pid space, almost certainly dead.
	require.NoError(t, os.WriteFile(path, []byte("4194300"), 0644))

	require.NoError(t, Acquire(path))
	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestIsRunningMissingFile(t *testing.T) {
	running, pid, err := IsRunning(filepath.Join(t.TempDir(), "absent.pid"))
	require.NoError(t, err)
	assert.False(t, running)
	assert.Zero(t, pid)
}

func TestReadGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brain.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0644))

	_, err := Read(path)
	require.Error(t, err)

	// Garbage content counts as stale; Acquire recovers.
	require.NoError(t, Acquire(path))
	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strconv.Itoa(pid))
}
