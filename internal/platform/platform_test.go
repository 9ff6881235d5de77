package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreallocate_KeepsApparentSize(t *testing.T) {
	t.Parallel()

	f, err := os.Create(filepath.Join(t.TempDir(), "reserved"))
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, Preallocate(f, 1<<20))

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "reservation must not extend the file")
}

func TestPreallocate_ZeroSizeIsNoop(t *testing.T) {
	t.Parallel()

	f, err := os.Create(filepath.Join(t.TempDir(), "empty"))
	require.NoError(t, err)
	defer f.Close()

	assert.NoError(t, Preallocate(f, 0))
	assert.NoError(t, Preallocate(f, -1))
}
