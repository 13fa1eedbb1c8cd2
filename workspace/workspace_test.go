package workspace

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderexport/apperr"
	"renderexport/logger"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), Thresholds{}, logger.Discard())
	require.NoError(t, err)
	return m
}

func TestAllocate(t *testing.T) {
	m := newManager(t)

	path, err := m.Allocate("job1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root(), "job1"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	entries, err := os.ReadDir(path)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAllocate_RejectsReusedID(t *testing.T) {
	m := newManager(t)

	_, err := m.Allocate("job1")
	require.NoError(t, err)

	_, err = m.Allocate("job1")
	assert.True(t, apperr.IsCode(err, apperr.CodeAllocation))
}

func TestAllocate_RejectsInvalidID(t *testing.T) {
	m := newManager(t)

	for _, id := range []string{"", ".", "..", "a/b", "../escape"} {
		_, err := m.Allocate(id)
		assert.True(t, apperr.IsCode(err, apperr.CodeAllocation), id)
	}
}

func TestAllocate_InsufficientDisk(t *testing.T) {
	m, err := NewManager(t.TempDir(), Thresholds{MinFreeDisk: math.MaxInt64}, logger.Discard())
	require.NoError(t, err)

	_, err = m.Allocate("job1")
	assert.True(t, apperr.IsCode(err, apperr.CodeAllocation))
	assert.NoDirExists(t, filepath.Join(m.Root(), "job1"))
}

func TestReclaim(t *testing.T) {
	m := newManager(t)

	path, err := m.Allocate("job1")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(path, "frames"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(path, "frames", "0001.jpg"), []byte("x"), 0o600))

	m.Reclaim(path)
	assert.NoDirExists(t, path)

	// Second reclaim is a no-op.
	assert.NotPanics(t, func() { m.Reclaim(path) })
	assert.NoDirExists(t, path)
}

func TestReclaim_RefusesOutsideRoot(t *testing.T) {
	m := newManager(t)
	outside := t.TempDir()

	m.Reclaim(outside)
	assert.DirExists(t, outside)

	m.Reclaim(m.Root())
	assert.DirExists(t, m.Root())
}

func TestPurge(t *testing.T) {
	m := newManager(t)
	a, err := m.Allocate("a")
	require.NoError(t, err)
	b, err := m.Allocate("b")
	require.NoError(t, err)

	require.NoError(t, m.Purge())
	assert.NoDirExists(t, a)
	assert.NoDirExists(t, b)
	assert.DirExists(t, m.Root())
}
