package joblock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_AcquireRelease(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "job.lock"))

	ok, err := l.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	l.Release()

	ok, err = l.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	l.Release()
}

func TestLock_SecondAcquireFails(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "job.lock"))

	ok, err := l.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer l.Release()

	ok, err = l.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLock_SeparateLocksIndependent(t *testing.T) {
	dir := t.TempDir()
	a := New(filepath.Join(dir, "index.lock"))
	b := New(filepath.Join(dir, "embed.lock"))

	ok, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer a.Release()

	ok, err = b.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	b.Release()
}

func TestLock_TwoHandlesSameFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.lock")
	a := New(path)
	b := New(path)

	ok, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer a.Release()

	// Separate handles hold separate file descriptions, so the flock
	// itself arbitrates, same as between two processes.
	ok, err = b.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)
}