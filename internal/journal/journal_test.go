package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestJournal_MarkAndDone(t *testing.T) {
	t.Parallel()

	d := openTemp(t)
	assert.FileExists(t, d.Path())

	job, err := d.Job("/srv/data", "/home/me/data")
	require.NoError(t, err)

	assert.False(t, job.Done("a.txt", 100, 42))
	require.NoError(t, job.Mark("a.txt", 100, 42, "abc"))

	assert.True(t, job.Done("a.txt", 100, 42))
	assert.False(t, job.Done("a.txt", 101, 42), "size changed")
	assert.False(t, job.Done("a.txt", 100, 43), "mtime changed")
	assert.False(t, job.Done("b.txt", 100, 42))
}

func TestJournal_JobsAreIsolated(t *testing.T) {
	t.Parallel()

	d := openTemp(t)
	a, err := d.Job("/r", "/one")
	require.NoError(t, err)
	b, err := d.Job("/r", "/two")
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())

	require.NoError(t, a.Mark("f", 1, 1, "h"))
	assert.True(t, a.Done("f", 1, 1))
	assert.False(t, b.Done("f", 1, 1))
}

func TestJournal_BatchFlushesAtThreshold(t *testing.T) {
	t.Parallel()

	d := openTemp(t)
	job, err := d.Job("/r", "/l")
	require.NoError(t, err)

	for i := range flushThreshold + 5 {
		require.NoError(t, job.Mark(fmt.Sprintf("dir/f%03d", i), 1, 1, "h"))
	}
	n, err := job.Count()
	require.NoError(t, err)
	assert.Equal(t, flushThreshold+5, n)
}

func TestJournal_Reset(t *testing.T) {
	t.Parallel()

	d := openTemp(t)
	job, err := d.Job("/r", "/l")
	require.NoError(t, err)
	require.NoError(t, job.Mark("x", 1, 1, "h"))
	require.NoError(t, d.Flush())
	require.NoError(t, job.Mark("y", 1, 1, "h"))

	require.NoError(t, job.Reset())
	n, err := job.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJournal_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.db")
	d, err := Open(path)
	require.NoError(t, err)
	job, err := d.Job("/r", "/l")
	require.NoError(t, err)
	require.NoError(t, job.Mark("kept", 7, 9, "h"))
	require.NoError(t, d.Close())

	d, err = Open(path)
	require.NoError(t, err)
	defer d.Close()
	job, err = d.Job("/r", "/l")
	require.NoError(t, err)
	assert.True(t, job.Done("kept", 7, 9))
}

func TestJournal_MarkAfterCloseFails(t *testing.T) {
	t.Parallel()

	d, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	job, err := d.Job("/r", "/l")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	assert.Error(t, job.Mark("late", 1, 1, "h"))
}

func TestJobID_Deterministic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, JobID("/a", "/b"), JobID("/a", "/b"))
	assert.NotEqual(t, JobID("/a", "/b"), JobID("/a/", "b"))
	assert.Len(t, JobID("/a", "/b"), 16)
}

func TestDefaultPath_UsesXDGStateHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", dir)
	assert.Equal(t, filepath.Join(dir, "ferry", "journal.db"), DefaultPath())
}

func TestHashFile(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o600))

	a, err := HashFile(p)
	require.NoError(t, err)
	assert.Len(t, a, 64)

	require.NoError(t, os.WriteFile(p, []byte("hellO"), 0o600))
	b, err := HashFile(p)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
