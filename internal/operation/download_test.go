package operation_test

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/bamsammich/ferry/internal/operation"
	"github.com/bamsammich/ferry/internal/transport"
)

func testOptions() operation.TransferOptions {
	opts := operation.DefaultTransferOptions()
	opts.Overwrite = true
	opts.ChunkSize = 4096
	return opts
}

func newDownload(t *testing.T, s *transport.Session, remote, local string, opts operation.TransferOptions) (*operation.Download, *progressLog, *completions) {
	t.Helper()
	p, c := &progressLog{}, &completions{}
	d, err := operation.NewDownload(operation.DownloadConfig{
		Session:    s,
		Remote:     remote,
		Local:      local,
		Options:    opts,
		OnProgress: p.record,
		OnComplete: c.record,
	})
	require.NoError(t, err)
	return d, p, c
}

func TestDownload_RoundTrip(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()
	const n = 100_003
	want := writeRandom(t, filepath.Join(src, "blob.bin"), n)

	s := newSession(t, nil)
	local := filepath.Join(dst, "blob.bin")
	d, progress, done := newDownload(t, s, filepath.Join(src, "blob.bin"), local, testOptions())

	run(t, d)

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoFileExists(t, d.TempPath())

	calls := progress.all()
	require.NotEmpty(t, calls)
	assert.Equal(t, [3]int64{0, n, n}, calls[len(calls)-1])
	assert.Equal(t, []bool{true}, done.all())
}

func TestDownload_EmptyFile(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "empty"), nil, 0o644))

	s := newSession(t, nil)
	local := filepath.Join(t.TempDir(), "empty")
	d, progress, done := newDownload(t, s, filepath.Join(src, "empty"), local, testOptions())

	run(t, d)

	info, err := os.Stat(local)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	assert.Equal(t, [][3]int64{{0, 0, 0}}, progress.all())
	assert.Equal(t, []bool{true}, done.all())
}

func TestDownload_PauseAndResume(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	want := writeRandom(t, filepath.Join(src, "f"), 20_000)

	s := newSession(t, nil)
	local := filepath.Join(t.TempDir(), "f")
	d, _, _ := newDownload(t, s, filepath.Join(src, "f"), local, testOptions())

	ctx := context.Background()
	require.NoError(t, d.Prepare(ctx))
	require.NoError(t, d.Start())
	_, err := d.Work(ctx)
	require.NoError(t, err)

	require.NoError(t, d.Pause())
	assert.Equal(t, operation.StatePrepared, d.State())
	offset := d.Offset()

	res, err := d.Work(ctx)
	require.NoError(t, err)
	assert.Equal(t, operation.Continue, res)
	assert.Equal(t, offset, d.Offset(), "paused download must not read")

	require.NoError(t, d.Start())
	drain(t, d)
	require.NoError(t, d.Finalize())

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDownload_TryContinueAdoptsPartial(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	const chunk = 4096
	want := writeRandom(t, filepath.Join(src, "f"), 10*chunk+17)
	remote := filepath.Join(src, "f")
	local := filepath.Join(t.TempDir(), "f")
	s := newSession(t, nil)

	opts := testOptions()
	opts.CleanupOnFailure = false
	first, _, _ := newDownload(t, s, remote, local, opts)

	ctx := context.Background()
	require.NoError(t, first.Prepare(ctx))
	require.NoError(t, first.Start())
	for range 3 {
		_, err := first.Work(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, first.Cancel(true))
	info, err := os.Stat(first.TempPath())
	require.NoError(t, err, "partial temp kept without cleanup")
	const k = 3 * chunk
	require.EqualValues(t, k, info.Size())

	opts.TryContinue = true
	second, progress, _ := newDownload(t, s, remote, local, opts)
	require.NoError(t, second.Prepare(ctx))
	assert.EqualValues(t, k, second.Offset())
	require.NoError(t, second.Start())
	drain(t, second)
	require.NoError(t, second.Finalize())

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	calls := progress.all()
	require.NotEmpty(t, calls)
	assert.EqualValues(t, k+chunk, calls[0][2], "resume starts after the adopted bytes")
	assert.Len(t, calls, 8, "only the remaining chunks are read")
}

func TestDownload_TryContinueTruncatesOversizedTemp(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	want := writeRandom(t, filepath.Join(src, "f"), 1000)
	local := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(local+operation.DefaultTempSuffix, make([]byte, 5000), 0o644))

	opts := testOptions()
	opts.TryContinue = true
	s := newSession(t, nil)
	d, _, _ := newDownload(t, s, filepath.Join(src, "f"), local, opts)

	require.NoError(t, d.Prepare(context.Background()))
	assert.Zero(t, d.Offset())
	require.NoError(t, d.Start())
	drain(t, d)
	require.NoError(t, d.Finalize())

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDownload_OverwriteGuard(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeRandom(t, filepath.Join(src, "f"), 100)
	local := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(local, []byte("keep me"), 0o644))

	opts := testOptions()
	opts.Overwrite = false
	s := newSession(t, nil)
	d, progress, done := newDownload(t, s, filepath.Join(src, "f"), local, opts)

	err := d.Prepare(context.Background())
	require.ErrorIs(t, err, operation.ErrFileExists)
	assert.Equal(t, operation.StateFailed, d.State())
	assert.ErrorIs(t, d.Err(), operation.ErrFileExists)

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(got))
	assert.NoFileExists(t, d.TempPath())
	assert.Empty(t, progress.all())
	assert.Equal(t, []bool{false}, done.all())
}

func TestDownload_TerminalStatesRejectWork(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeRandom(t, filepath.Join(src, "f"), 9000)
	s := newSession(t, nil)

	completed, _, _ := newDownload(t, s, filepath.Join(src, "f"), filepath.Join(t.TempDir(), "a"), testOptions())
	run(t, completed)

	canceled, _, _ := newDownload(t, s, filepath.Join(src, "f"), filepath.Join(t.TempDir(), "b"), testOptions())
	require.NoError(t, canceled.Prepare(context.Background()))
	require.NoError(t, canceled.Start())
	_, err := canceled.Work(context.Background())
	require.NoError(t, err)
	require.NoError(t, canceled.Cancel(true))

	failed, _, _ := newDownload(t, s, filepath.Join(src, "missing"), filepath.Join(t.TempDir(), "c"), testOptions())
	require.ErrorIs(t, failed.Prepare(context.Background()), operation.ErrFileNotFound)

	tests := []struct {
		name string
		d    *operation.Download
		want error
	}{
		{"completed", completed, operation.ErrCannotWorkCompleted},
		{"canceled", canceled, operation.ErrCannotWorkCanceled},
		{"failed", failed, operation.ErrCannotWorkFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.d.Offset()
			state := tt.d.State()

			_, err := tt.d.Work(context.Background())
			require.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, tt.d.Start(), tt.want)
			assert.ErrorIs(t, tt.d.Pause(), tt.want)
			assert.ErrorIs(t, tt.d.Finalize(), tt.want)
			assert.ErrorIs(t, tt.d.Prepare(context.Background()), tt.want)

			assert.Equal(t, before, tt.d.Offset())
			assert.Equal(t, state, tt.d.State())
			assert.True(t, operation.CodeOf(err).Misuse())
		})
	}
}

func TestDownload_CancelIsIdempotent(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeRandom(t, filepath.Join(src, "f"), 9000)
	s := newSession(t, nil)
	d, _, done := newDownload(t, s, filepath.Join(src, "f"), filepath.Join(t.TempDir(), "f"), testOptions())

	require.NoError(t, d.Prepare(context.Background()))
	require.NoError(t, d.Start())
	_, err := d.Work(context.Background())
	require.NoError(t, err)

	require.NoError(t, d.Cancel(true))
	require.NoError(t, d.Cancel(true))
	assert.Equal(t, operation.StateCanceled, d.State())
	assert.Equal(t, []bool{false}, done.all())
	assert.NoFileExists(t, d.TempPath(), "cleanup on by default")
}

func TestDownload_CancelWithoutAdoptIsResumable(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	want := writeRandom(t, filepath.Join(src, "f"), 9000)
	s := newSession(t, nil)
	local := filepath.Join(t.TempDir(), "f")
	d, _, done := newDownload(t, s, filepath.Join(src, "f"), local, testOptions())

	require.NoError(t, d.Prepare(context.Background()))
	require.NoError(t, d.Start())
	_, err := d.Work(context.Background())
	require.NoError(t, err)

	require.NoError(t, d.Cancel(false))
	assert.Equal(t, operation.StatePrepared, d.State())
	assert.FileExists(t, d.TempPath())

	require.NoError(t, d.Start())
	drain(t, d)
	require.NoError(t, d.Finalize())
	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, []bool{true}, done.all())
}

func TestDownload_OverrideCleanupKeepsPartial(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeRandom(t, filepath.Join(src, "f"), 9000)
	s := newSession(t, nil)
	d, _, _ := newDownload(t, s, filepath.Join(src, "f"), filepath.Join(t.TempDir(), "f"), testOptions())

	require.NoError(t, d.Prepare(context.Background()))
	require.NoError(t, d.Start())
	_, err := d.Work(context.Background())
	require.NoError(t, err)

	d.OverrideCleanup(false)
	require.NoError(t, d.Cancel(true))
	assert.FileExists(t, d.TempPath())
}

func TestDownload_CancelDuringReadDefersCleanup(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeRandom(t, filepath.Join(src, "f"), 9000)
	gate := newGateFS()
	s := newSession(t, gate)
	t.Cleanup(gate.open)

	d, _, _ := newDownload(t, s, filepath.Join(src, "f"), filepath.Join(t.TempDir(), "f"), testOptions())
	require.NoError(t, d.Prepare(context.Background()))
	require.NoError(t, d.Start())

	type result struct {
		res operation.WorkResult
		err error
	}
	out := make(chan result, 1)
	go func() {
		res, err := d.Work(context.Background())
		out <- result{res, err}
	}()
	<-gate.entered

	require.ErrorIs(t, d.Finalize(), operation.ErrFinalizeDuringRead)
	require.NoError(t, d.Cancel(true))
	assert.Equal(t, operation.StateCanceled, d.State())
	assert.FileExists(t, d.TempPath(), "temp survives until the in-flight chunk finishes")

	gate.open()
	select {
	case r := <-out:
		require.NoError(t, r.err)
	case <-time.After(waitFor):
		t.Fatal("work did not return")
	}
	assert.NoFileExists(t, d.TempPath())
}

func TestDownload_InterruptedReadResyncs(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	want := writeRandom(t, filepath.Join(src, "f"), 3*4096+100)
	gate := newGateFS()
	s := newSession(t, gate)
	t.Cleanup(gate.open)

	local := filepath.Join(t.TempDir(), "f")
	d, _, _ := newDownload(t, s, filepath.Join(src, "f"), local, testOptions())
	require.NoError(t, d.Prepare(context.Background()))
	require.NoError(t, d.Start())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := d.Work(ctx)
		errc <- err
	}()
	<-gate.entered
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, operation.StateRunning, d.State())
	assert.Zero(t, d.Offset())

	// The abandoned read still runs and moves the remote offset.
	gate.open()
	drain(t, d)
	require.NoError(t, d.Finalize())

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDownload_ReadTimeoutFails(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeRandom(t, filepath.Join(src, "f"), 9000)
	gate := newGateFS()
	s := newSession(t, gate)
	t.Cleanup(gate.open)

	opts := testOptions()
	opts.FutureTimeout = 200 * time.Millisecond
	d, _, done := newDownload(t, s, filepath.Join(src, "f"), filepath.Join(t.TempDir(), "f"), opts)
	require.NoError(t, d.Prepare(context.Background()))
	require.NoError(t, d.Start())

	_, err := d.Work(context.Background())
	require.ErrorIs(t, err, operation.ErrFutureTimeout)
	assert.Equal(t, operation.StateFailed, d.State())
	assert.False(t, operation.CodeOf(err).Misuse())
	assert.NoFileExists(t, d.TempPath())
	assert.Equal(t, []bool{false}, done.all())
}

func TestDownload_SessionClosedExpiresStream(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeRandom(t, filepath.Join(src, "f"), 9000)
	s := newSession(t, nil)
	d, _, _ := newDownload(t, s, filepath.Join(src, "f"), filepath.Join(t.TempDir(), "f"), testOptions())
	require.NoError(t, d.Prepare(context.Background()))
	require.NoError(t, d.Start())

	require.NoError(t, s.Close())

	_, err := d.Work(context.Background())
	require.ErrorIs(t, err, operation.ErrFileStreamExpired)
	assert.NoFileExists(t, d.TempPath())
}

func TestDownload_PrepareErrors(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(src, "dir"), 0o755))
	s := newSession(t, nil)

	tests := []struct {
		name   string
		remote string
		want   error
	}{
		{"missing", filepath.Join(src, "nope"), operation.ErrFileNotFound},
		{"directory", filepath.Join(src, "dir"), operation.ErrNotPossibleOnFileType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := newDownload(t, s, tt.remote, filepath.Join(t.TempDir(), "out"), testOptions())
			require.ErrorIs(t, d.Prepare(context.Background()), tt.want)
			assert.Equal(t, operation.StateFailed, d.State())
		})
	}
}

func TestDownload_LocalTempUnwritable(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeRandom(t, filepath.Join(src, "f"), 10)
	s := newSession(t, nil)

	d, _, _ := newDownload(t, s, filepath.Join(src, "f"), filepath.Join(t.TempDir(), "no", "such", "dir", "f"), testOptions())
	require.ErrorIs(t, d.Prepare(context.Background()), operation.ErrOpenFailure)
}

func TestDownload_Permissions(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	remote := filepath.Join(src, "f")
	writeRandom(t, remote, 100)
	require.NoError(t, os.Chmod(remote, 0o640))
	s := newSession(t, nil)

	explicit := fs.FileMode(0o600)
	tests := []struct {
		name string
		mut  func(*operation.TransferOptions)
		want fs.FileMode
	}{
		{"inherit", func(o *operation.TransferOptions) { o.InheritPermissions = true }, 0o640},
		{"explicit wins", func(o *operation.TransferOptions) {
			o.InheritPermissions = true
			o.Permissions = &explicit
		}, 0o600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.mut(&opts)
			local := filepath.Join(t.TempDir(), "f")
			d, _, _ := newDownload(t, s, remote, local, opts)
			run(t, d)

			info, err := os.Stat(local)
			require.NoError(t, err)
			assert.Equal(t, tt.want, info.Mode().Perm())
		})
	}
}

func TestDownload_ReserveSpaceAndLimiter(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	want := writeRandom(t, filepath.Join(src, "f"), 50_000)
	s := newSession(t, nil)

	opts := testOptions()
	opts.ReserveSpace = true
	opts.Limiter = rate.NewLimiter(rate.Limit(100<<20), 1024)
	opts.Temps = operation.NewTempRegistry()
	local := filepath.Join(t.TempDir(), "f")
	d, _, _ := newDownload(t, s, filepath.Join(src, "f"), local, opts)

	require.NoError(t, d.Prepare(context.Background()))
	assert.Equal(t, 1, opts.Temps.Len())
	require.NoError(t, d.Start())
	drain(t, d)
	require.NoError(t, d.Finalize())
	assert.Zero(t, opts.Temps.Len())

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDownload_FinalizeBeforeDone(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeRandom(t, filepath.Join(src, "f"), 9000)
	s := newSession(t, nil)
	d, _, _ := newDownload(t, s, filepath.Join(src, "f"), filepath.Join(t.TempDir(), "f"), testOptions())

	assert.ErrorIs(t, d.Finalize(), operation.ErrNotPrepared)
	assert.ErrorIs(t, d.Start(), operation.ErrNotPrepared)

	require.NoError(t, d.Prepare(context.Background()))
	require.NoError(t, d.Start())
	assert.ErrorIs(t, d.Finalize(), operation.ErrInvalidState)
	assert.Equal(t, operation.StateRunning, d.State())
}

func TestNewDownload_Validation(t *testing.T) {
	t.Parallel()

	s := newSession(t, nil)
	_, err := operation.NewDownload(operation.DownloadConfig{Remote: "/a", Local: "/b"})
	require.ErrorIs(t, err, operation.ErrImplementation)

	_, err = operation.NewDownload(operation.DownloadConfig{Session: s, Local: "/b"})
	require.ErrorIs(t, err, operation.ErrInvalidPath)

	_, err = operation.NewDownload(operation.DownloadConfig{Session: s, Remote: "/a"})
	require.ErrorIs(t, err, operation.ErrInvalidPath)
}
