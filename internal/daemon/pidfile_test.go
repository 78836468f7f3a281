package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPIDFile(t *testing.T, alive func(int) bool) *PIDFile {
	t.Helper()
	p := NewPIDFile(filepath.Join(t.TempDir(), "home", "ccproxy.pid"))
	if alive != nil {
		p.alive = alive
	}
	return p
}

func TestWriteReadRemove(t *testing.T) {
	p := newTestPIDFile(t, nil)

	require.NoError(t, p.Write(4242))
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, p.Remove())
	_, err = p.Read()
	assert.ErrorIs(t, err, ErrNotRunning)

	// Removing twice is fine.
	require.NoError(t, p.Remove())
}

func TestReadInvalidContent(t *testing.T) {
	p := newTestPIDFile(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(p.Path), 0o755))
	require.NoError(t, os.WriteFile(p.Path, []byte("abc"), 0o644))

	_, err := p.Read()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid content")

	_, err = p.Running()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRunningCurrentProcess(t *testing.T) {
	p := newTestPIDFile(t, nil)
	require.NoError(t, p.Write(os.Getpid()))

	pid, err := p.Running()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestRunningStale(t *testing.T) {
	p := newTestPIDFile(t, func(int) bool { return false })
	require.NoError(t, p.Write(99999))

	_, err := p.Running()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestAcquire(t *testing.T) {
	t.Run("fresh", func(t *testing.T) {
		p := newTestPIDFile(t, nil)
		require.NoError(t, p.Acquire())
		pid, err := p.Read()
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("stale file is replaced", func(t *testing.T) {
		p := newTestPIDFile(t, func(int) bool { return false })
		require.NoError(t, p.Write(99999))
		require.NoError(t, p.Acquire())
		pid, err := p.Read()
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("live holder refuses", func(t *testing.T) {
		p := newTestPIDFile(t, func(int) bool { return true })
		require.NoError(t, p.Write(99999))
		err := p.Acquire()
		require.ErrorIs(t, err, ErrAlreadyRunning)
		assert.Contains(t, err.Error(), "99999")
	})
}

func TestSignalNotRunning(t *testing.T) {
	p := newTestPIDFile(t, nil)
	_, err := p.Signal(0)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSignalZeroToSelf(t *testing.T) {
	p := newTestPIDFile(t, nil)
	require.NoError(t, p.Write(os.Getpid()))
	pid, err := p.Signal(0)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
