package main

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ferry/internal/operation"
	"github.com/bamsammich/ferry/internal/queue"
	"github.com/bamsammich/ferry/internal/transport"
)

// execute runs the CLI with args against an isolated config and state dir.
func execute(t *testing.T, args ...string) error {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())

	a := &app{closeLog: func() {}}
	t.Cleanup(func() { a.closeLog() })
	cmd := newRootCmd(a)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	return cmd.Execute()
}

func makeTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "tree")
	files := map[string]string{
		"a.txt":          "alpha",
		"sub/b.txt":      "bravo bravo",
		"sub/deep/c.bin": "charlie",
	}
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func TestGet_SingleFileIntoDirectory(t *testing.T) {
	root := makeTree(t)
	dst := t.TempDir()

	require.NoError(t, execute(t, "get", "-q", filepath.Join(root, "a.txt"), dst))

	got, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))
	assert.NoFileExists(t, filepath.Join(dst, "a.txt"+operation.DefaultTempSuffix))
}

func TestGet_ExistingTargetFails(t *testing.T) {
	root := makeTree(t)
	dst := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o644))

	err := execute(t, "get", "-q", filepath.Join(root, "a.txt"), dst)
	var exitErr *exitError
	require.True(t, errors.As(err, &exitErr), "got %v", err)
	assert.Equal(t, 1, exitErr.code)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))

	require.NoError(t, execute(t, "get", "-q", "-o", "overwrite", filepath.Join(root, "a.txt"), dst))
	got, err = os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))
}

func TestGet_Tree(t *testing.T) {
	root := makeTree(t)
	dst := filepath.Join(t.TempDir(), "out")

	require.NoError(t, execute(t, "get", "-q", "-r", "--exclude", "*.bin", root, dst))

	got, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bravo bravo", string(got))
	assert.FileExists(t, filepath.Join(dst, "a.txt"))
	assert.NoFileExists(t, filepath.Join(dst, "sub", "deep", "c.bin"))
}

func TestGet_DirectoryNeedsRecursive(t *testing.T) {
	root := makeTree(t)

	err := execute(t, "get", "-q", root, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use -r or --archive")
}

func TestGet_Archive(t *testing.T) {
	root := makeTree(t)
	dst := t.TempDir()

	require.NoError(t, execute(t, "get", "-q", "--archive", "tar", root, dst))

	f, err := os.Open(filepath.Join(dst, "tree.tar"))
	require.NoError(t, err)
	defer f.Close()

	names := map[string]string{}
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		names[hdr.Name] = string(data)
	}
	assert.Equal(t, "alpha", names["a.txt"])
	assert.Equal(t, "charlie", names["sub/deep/c.bin"])
}

func TestGet_Rejects(t *testing.T) {
	root := makeTree(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"remote destination", []string{"get", root, "host:/tmp"}, "destination must be local"},
		{"bad option", []string{"get", "-o", "bogus", root, t.TempDir()}, "bogus"},
		{"bad bwlimit", []string{"get", "--bwlimit", "fast", root, t.TempDir()}, "--bwlimit"},
		{"bad archive", []string{"get", "--archive", "rar", root, t.TempDir()}, "rar"},
		{"bad log level", []string{"--log-level", "chatty", "get", root, t.TempDir()}, "log-level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDocs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, execute(t, "docs", "--dir", dir))
	assert.FileExists(t, filepath.Join(dir, "ferry.1"))
	assert.FileExists(t, filepath.Join(dir, "ferry-get.1"))
	assert.FileExists(t, filepath.Join(dir, "ferry-ls.1"))
}

func TestLocalTarget(t *testing.T) {
	dir := t.TempDir()
	tarOpts := &operation.ArchiveOptions{Format: operation.ArchiveTar}

	assert.Equal(t, filepath.Join(dir, "f.txt"), localTarget(dir, "/srv/f.txt", false, nil))
	assert.Equal(t, filepath.Join(dir, "new"), localTarget(filepath.Join(dir, "new"), "/srv/f.txt", false, nil))
	assert.Equal(t, dir, localTarget(dir, "/srv/tree", true, nil))
	assert.Equal(t, filepath.Join(dir, "tree"), localTarget(dir+string(filepath.Separator), "/srv/tree", true, nil))
	assert.Equal(t, filepath.Join(dir, "tree.tar"), localTarget(dir, "/srv/tree", true, tarOpts))
}

func TestExitFor(t *testing.T) {
	done := queue.Info{State: operation.StateCompleted}
	canceled := queue.Info{State: operation.StateCanceled}
	failed := queue.Info{State: operation.StateFailed}

	require.NoError(t, exitFor([]queue.Info{done, done}))

	var exitErr *exitError
	require.ErrorAs(t, exitFor([]queue.Info{done, canceled}), &exitErr)
	assert.Equal(t, 130, exitErr.code)

	require.ErrorAs(t, exitFor([]queue.Info{canceled, failed}), &exitErr)
	assert.Equal(t, 1, exitErr.code)

	abandoned := queue.Info{State: operation.StateCanceled, Err: operation.ErrFutureTimeout}
	require.ErrorAs(t, exitFor([]queue.Info{done, abandoned}), &exitErr)
	assert.Equal(t, 1, exitErr.code)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := parseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseLevel("loud")
	assert.Error(t, err)
}

func TestPrintEntries(t *testing.T) {
	entries := []transport.DirectoryEntry{
		{Path: "/srv/a.txt", Type: transport.TypeRegular, Size: 2048, Mode: 0o644},
		{Path: "/srv/sub", Type: transport.TypeDirectory, Mode: 0o755},
		{Path: "/srv/link", Type: transport.TypeSymlink, LinkTarget: "a.txt"},
	}

	var short bytes.Buffer
	printEntries(&short, "/srv", entries, false)
	assert.Equal(t, "a.txt\nsub/\nlink -> a.txt\n", short.String())

	var long bytes.Buffer
	printEntries(&long, "/srv", entries, true)
	lines := strings.Split(strings.TrimSpace(long.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "regular")
	assert.Contains(t, lines[0], "2.0 KiB")
	assert.Contains(t, lines[0], "-rw-r--r--")
	assert.True(t, strings.HasSuffix(lines[1], "sub/"))
}
