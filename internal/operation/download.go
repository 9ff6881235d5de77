package operation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/bamsammich/ferry/internal/platform"
	"github.com/bamsammich/ferry/internal/transport"
	"github.com/bamsammich/ferry/internal/worker"
)

// DownloadConfig describes one remote file to fetch.
type DownloadConfig struct {
	Session *transport.Session
	Remote  string
	Local   string
	Options TransferOptions
	// OnProgress is called after every chunk with (min, max, current).
	OnProgress func(lo, hi, current int64)
	// OnComplete is called once when the download reaches a terminal state.
	OnComplete func(success bool)
	Logger     *slog.Logger
}

// Download copies one regular remote file into a local temp file, one
// chunk per Work call, and renames it into place on Finalize.
type Download struct {
	session    *transport.Session
	remote     string
	local      string
	opts       TransferOptions
	onProgress func(lo, hi, current int64)
	onComplete func(success bool)
	logger     *slog.Logger

	mu    sync.Mutex
	state State
	err   error
	// busy: Prepare or Work is doing I/O outside the lock. Resources are
	// then released by that call instead of by Cancel.
	busy    bool
	reading bool
	// resync: the remote offset may differ from offset after an abandoned
	// read; seek before the next one.
	resync   bool
	cleanup  bool
	pending  *bool
	notified bool
	// reportedEmpty: the single progress report of a 0-byte file was sent.
	reportedEmpty bool

	file      transport.FileRef
	temp      *os.File
	tempPath  string
	tempOwned bool
	size      int64
	offset    int64
	mode      fs.FileMode
	mtime     transport.Timestamp
}

// NewDownload validates cfg and returns a download in StateNotStarted.
func NewDownload(cfg DownloadConfig) (*Download, error) {
	if cfg.Session == nil {
		return nil, newError(CodeImplementationError, "", errors.New("download without session"))
	}
	if cfg.Remote == "" {
		return nil, newError(CodeInvalidPath, cfg.Remote, errors.New("empty remote path"))
	}
	if cfg.Local == "" {
		return nil, newError(CodeInvalidPath, cfg.Local, errors.New("empty local path"))
	}

	opts := cfg.Options.withDefaults()
	return &Download{
		session:    cfg.Session,
		remote:     cfg.Remote,
		local:      cfg.Local,
		opts:       opts,
		onProgress: cfg.OnProgress,
		onComplete: cfg.OnComplete,
		logger:     defaultLogger(cfg.Logger).With("component", "download", "remote", cfg.Remote),
		cleanup:    opts.CleanupOnFailure,
		tempPath:   cfg.Local + opts.TempSuffix,
	}, nil
}

func (*Download) Kind() Kind              { return KindDownload }
func (*Download) IsBarrier() bool         { return false }
func (*Download) ParallelWorkDoable() int { return 1 }
func (d *Download) Accept(v Visitor)      { v.VisitDownload(d) }

// Strand returns the session strand that serializes the remote calls.
func (d *Download) Strand() *worker.Strand { return d.session.Strand() }

// Remote returns the remote source path.
func (d *Download) Remote() string { return d.remote }

// Local returns the final local path.
func (d *Download) Local() string { return d.local }

// TempPath returns the path data is written to before Finalize.
func (d *Download) TempPath() string { return d.tempPath }

func (d *Download) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Download) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Size returns the remote file size, known after Prepare.
func (d *Download) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Offset returns the number of bytes present in the temp file.
func (d *Download) Offset() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offset
}

// MTime returns the remote modification time, known after Prepare.
func (d *Download) MTime() transport.Timestamp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mtime
}

// OverrideCleanup replaces the cleanup policy applied on cancel.
func (d *Download) OverrideCleanup(clean bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanup = clean
}

type prepared struct {
	file      *transport.File
	temp      *os.File
	tempOwned bool
	size      int64
	offset    int64
	mode      fs.FileMode
	mtime     transport.Timestamp
}

// Prepare stats and opens the remote file and opens or adopts the temp
// file. The stat and open calls are bounded by FutureTimeout; a timeout
// fails the download.
func (d *Download) Prepare(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateNotStarted {
		err := stateError("prepare", d.state)
		d.mu.Unlock()
		return err
	}
	d.state = StatePreparing
	d.busy = true
	d.mu.Unlock()

	res, err := d.prepare(ctx)

	d.mu.Lock()
	defer d.unlock()
	d.busy = false
	d.file = transport.RefOf(res.file)
	d.temp, d.tempOwned = res.temp, res.tempOwned
	d.size, d.offset, d.mode, d.mtime = res.size, res.offset, res.mode, res.mtime
	if d.tempOwned {
		d.opts.Temps.Register(d.tempPath)
	}

	switch {
	case d.state == StateCanceled:
		d.releaseLocked(d.cleanup)
		return terminalError(d.state)
	case err != nil && interrupted(ctx, err):
		d.releaseLocked(false)
		d.state = StateNotStarted
		return err
	case err != nil:
		var oe *Error
		if !errors.As(err, &oe) {
			oe = newError(CodeImplementationError, d.remote, err)
		}
		return d.failLocked(oe)
	}

	d.state = StatePrepared
	d.resync = false
	d.logger.Debug("download prepared", "size", d.size, "offset", d.offset)
	return nil
}

func (d *Download) prepare(ctx context.Context) (prepared, error) {
	var res prepared
	timeout := d.opts.FutureTimeout

	if !d.opts.Overwrite {
		_, err := os.Lstat(d.local)
		switch {
		case err == nil:
			return res, newError(CodeFileExists, d.local, nil)
		case !errors.Is(err, fs.ErrNotExist):
			return res, newError(CodeTargetFileNotGood, d.local, err)
		}
	}

	entry, err := await(ctx, d.session.Stat(d.remote), timeout)
	if err != nil {
		if interrupted(ctx, err) {
			return res, err
		}
		return res, remoteError(CodeFileStatFailed, d.remote, err)
	}
	if !entry.IsRegular() {
		return res, newError(CodeOperationNotPossibleOnFileType, d.remote,
			fmt.Errorf("not a regular file: %s", entry.Type))
	}
	res.size, res.mode, res.mtime = entry.Size, entry.Mode.Perm(), entry.MTime

	f, err := await(ctx, d.session.Open(d.remote), timeout)
	if err != nil {
		if interrupted(ctx, err) {
			return res, err
		}
		return res, remoteError(CodeOpenFailure, d.remote, err)
	}
	res.file = f

	if err := d.openTemp(ctx, &res); err != nil {
		return res, err
	}
	if d.opts.ReserveSpace {
		if err := platform.Preallocate(res.temp, res.size); err != nil {
			return res, newError(CodeTargetFileNotGood, d.tempPath, err)
		}
	}
	return res, nil
}

func (d *Download) openTemp(ctx context.Context, res *prepared) error {
	if d.opts.TryContinue {
		info, err := os.Lstat(d.tempPath)
		if err == nil && info.Mode().IsRegular() && info.Size() <= res.size {
			tf, err := os.OpenFile(d.tempPath, os.O_WRONLY, 0)
			if err != nil {
				return newError(CodeOpenFailure, d.tempPath, err)
			}
			res.temp, res.tempOwned, res.offset = tf, true, info.Size()
			if res.offset == 0 {
				return nil
			}
			if _, err := await(ctx, res.file.Seek(res.offset, io.SeekStart), d.opts.FutureTimeout); err != nil {
				if interrupted(ctx, err) {
					return err
				}
				return remoteError(CodeFileSeekFailure, d.remote, err)
			}
			d.logger.Debug("adopted partial temp file", "temp", d.tempPath, "offset", res.offset)
			return nil
		}
	}

	tf, err := os.OpenFile(d.tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return newError(CodeOpenFailure, d.tempPath, err)
	}
	res.temp, res.tempOwned = tf, true
	return nil
}

// Start moves a prepared download to Running. Starting a running download
// is a no-op.
func (d *Download) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StatePrepared:
		d.state = StateRunning
		return nil
	case StateRunning:
		return nil
	default:
		return stateError("start", d.state)
	}
}

// Work reads one chunk and appends it to the temp file. A paused download
// returns Continue without reading.
func (d *Download) Work(ctx context.Context) (WorkResult, error) {
	d.mu.Lock()
	switch {
	case d.state.Terminal():
		err := terminalError(d.state)
		d.mu.Unlock()
		return Continue, err
	case d.state == StatePrepared:
		d.mu.Unlock()
		return Continue, nil
	case d.state != StateRunning:
		err := stateError("work", d.state)
		d.mu.Unlock()
		return Continue, err
	case d.busy:
		d.mu.Unlock()
		return Continue, newError(CodeInvalidOperationState, d.remote, errors.New("work already in flight"))
	case d.offset >= d.size:
		// An empty file has no chunks; it still gets its final report.
		cb := d.onProgress
		emptyReport := d.size == 0 && !d.reportedEmpty
		d.reportedEmpty = true
		d.mu.Unlock()
		if cb != nil && emptyReport {
			cb(0, 0, 0)
		}
		return Complete, nil
	}

	f, err := d.file.Resolve()
	if err != nil {
		e := d.failLocked(newError(CodeFileStreamExpired, d.remote, err))
		d.unlock()
		return Continue, e
	}
	n := int(min(int64(d.opts.ChunkSize), d.size-d.offset))
	offset, resync := d.offset, d.resync
	d.busy, d.reading = true, true
	d.mu.Unlock()

	data, err := d.readChunk(ctx, f, offset, n, resync)

	d.mu.Lock()
	d.busy, d.reading = false, false
	res, report, werr := d.applyChunk(ctx, offset, data, err)
	d.unlock()

	if report != nil {
		report()
	}
	return res, werr
}

func (d *Download) readChunk(ctx context.Context, f *transport.File, offset int64, n int, resync bool) ([]byte, error) {
	timeout := d.opts.FutureTimeout
	if resync {
		if _, err := await(ctx, f.Seek(offset, io.SeekStart), timeout); err != nil {
			if interrupted(ctx, err) {
				return nil, err
			}
			return nil, remoteError(CodeFileSeekFailure, d.remote, err)
		}
	}

	if lim := d.opts.Limiter; lim != nil {
		want := n
		if b := lim.Burst(); b > 0 && want > b {
			want = b
		}
		if err := lim.WaitN(ctx, want); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, newError(CodeImplementationError, d.remote, err)
		}
	}

	data, err := await(ctx, f.Read(n), timeout)
	if err != nil {
		if interrupted(ctx, err) {
			return nil, err
		}
		return nil, remoteError(CodeTransportError, d.remote, err)
	}
	return data, nil
}

// applyChunk commits a finished read. Caller holds d.mu; the returned
// report func must be called after unlocking.
func (d *Download) applyChunk(ctx context.Context, offset int64, data []byte, err error) (WorkResult, func(), error) {
	if d.state == StateCanceled {
		// The chunk finished; keep it only if the partial file is kept.
		if err == nil && !d.cleanup && len(data) > 0 {
			_, _ = d.temp.WriteAt(data, offset)
		}
		d.releaseLocked(d.cleanup)
		return Continue, nil, nil
	}

	if err != nil {
		if interrupted(ctx, err) {
			d.resync = true
			return Continue, nil, err
		}
		var oe *Error
		if !errors.As(err, &oe) {
			oe = newError(CodeTransportError, d.remote, err)
		}
		return Continue, nil, d.failLocked(oe)
	}
	if len(data) == 0 {
		return Continue, nil, d.failLocked(newError(CodeTransportError, d.remote,
			fmt.Errorf("remote file ended at %d of %d bytes: %w", offset, d.size, io.ErrUnexpectedEOF)))
	}
	if _, err := d.temp.WriteAt(data, offset); err != nil {
		return Continue, nil, d.failLocked(newError(CodeTargetFileNotGood, d.tempPath, err))
	}

	d.offset = offset + int64(len(data))
	d.resync = false

	size, cur, cb := d.size, d.offset, d.onProgress
	var report func()
	if cb != nil {
		report = func() { cb(0, size, cur) }
	}
	if cur >= size {
		return Complete, report, nil
	}
	return Continue, report, nil
}

// Pause stops reading. Offset and temp file are kept; Start resumes.
func (d *Download) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateRunning:
		d.state = StatePrepared
		return nil
	case StatePrepared:
		return nil
	default:
		return stateError("pause", d.state)
	}
}

// Cancel interrupts the download between chunks. With adopt the download
// becomes Canceled and the cleanup policy is applied once any in-flight
// chunk has finished; without it the download only pauses. Canceling a
// canceled download is a no-op.
func (d *Download) Cancel(adopt bool) error {
	d.mu.Lock()
	defer d.unlock()

	if d.state == StateCanceled {
		return nil
	}
	if err := terminalError(d.state); err != nil {
		return err
	}
	if !adopt {
		if d.state == StateRunning {
			d.state = StatePrepared
		}
		return nil
	}

	d.state = StateCanceled
	d.logger.Debug("download canceled", "offset", d.offset, "cleanup", d.cleanup)
	if !d.busy {
		d.releaseLocked(d.cleanup)
	}
	d.queueNotify(false)
	return nil
}

// Finalize flushes and renames the temp file into place and applies the
// requested permissions.
func (d *Download) Finalize() error {
	d.mu.Lock()
	defer d.unlock()

	if err := terminalError(d.state); err != nil {
		return err
	}
	if d.reading {
		return newError(CodeCannotFinalizeDuringRead, d.remote, nil)
	}
	if d.state != StateRunning && d.state != StatePrepared {
		return stateError("finalize", d.state)
	}
	if d.offset < d.size {
		return newError(CodeInvalidOperationState, d.remote,
			fmt.Errorf("finalize at %d of %d bytes", d.offset, d.size))
	}

	d.state = StateFinalizing
	if err := d.commitLocked(); err != nil {
		return d.failLocked(err)
	}
	d.state = StateCompleted
	d.logger.Debug("download completed", "local", d.local, "size", d.size)
	d.queueNotify(true)
	return nil
}

func (d *Download) commitLocked() *Error {
	if f, err := d.file.Resolve(); err == nil {
		f.Close()
	}
	d.file = transport.FileRef{}

	if err := d.temp.Sync(); err != nil {
		return newError(CodeTargetFileNotGood, d.tempPath, err)
	}
	err := d.temp.Close()
	d.temp = nil
	if err != nil {
		return newError(CodeTargetFileNotGood, d.tempPath, err)
	}
	if err := os.Rename(d.tempPath, d.local); err != nil {
		return newError(CodeRenameFailure, d.local, err)
	}
	d.opts.Temps.Deregister(d.tempPath)
	d.tempOwned = false

	var mode fs.FileMode
	switch {
	case d.opts.Permissions != nil:
		mode = *d.opts.Permissions
	case d.opts.InheritPermissions:
		mode = d.mode
	default:
		return nil
	}
	if err := os.Chmod(d.local, mode); err != nil {
		return newError(CodeCannotSetFilePermissions, d.local, err)
	}
	return nil
}

func (d *Download) failLocked(e *Error) error {
	d.state = StateFailed
	d.err = e
	d.logger.Warn("download failed", "error", e)
	if !d.busy {
		d.releaseLocked(d.opts.CleanupOnFailure)
	}
	d.queueNotify(false)
	return e
}

// releaseLocked closes both files and, with remove, deletes the temp file.
func (d *Download) releaseLocked(remove bool) {
	if f, err := d.file.Resolve(); err == nil {
		f.Close()
	}
	d.file = transport.FileRef{}

	if d.temp != nil {
		_ = d.temp.Close()
		d.temp = nil
	}
	if d.tempOwned {
		if remove {
			_ = os.Remove(d.tempPath)
		}
		d.opts.Temps.Deregister(d.tempPath)
		d.tempOwned = false
	}
}

func (d *Download) queueNotify(success bool) {
	if d.notified {
		return
	}
	d.notified = true
	d.pending = &success
}

// unlock releases d.mu and then delivers a pending completion callback.
func (d *Download) unlock() {
	p, cb := d.pending, d.onComplete
	d.pending = nil
	d.mu.Unlock()
	if p != nil && cb != nil {
		cb(*p)
	}
}
