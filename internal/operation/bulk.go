package operation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bamsammich/ferry/internal/journal"
	"github.com/bamsammich/ferry/internal/transport"
	"github.com/bamsammich/ferry/internal/worker"
)

// BulkProgress is the aggregate progress of a bulk download.
type BulkProgress struct {
	CurrentFile  string
	FileIndex    int
	FileCount    int
	CurrentBytes int64
	CurrentTotal int64
	BytesDone    int64
	BytesTotal   int64
}

// BulkDownloadConfig describes a tree download.
type BulkDownloadConfig struct {
	Session *transport.Session
	Remote  string
	// Local is the destination directory, or the archive file in archive
	// mode.
	Local   string
	Options TransferOptions
	// Archive enables archive mode.
	Archive *ArchiveOptions
	// Journal records completed files; with Options.TryContinue journaled
	// files are skipped.
	Journal *journal.DB
	// Source supplies the entries at Prepare when SetScanResult was not
	// called. It must be Completed by then.
	Source     *Scan
	OnProgress func(BulkProgress)
	OnComplete func(success bool)
	Logger     *slog.Logger
}

// BulkDownload fetches a scanned tree. In normal mode each regular file is
// driven through its own Download, one at a time; in archive mode the tree
// is streamed into a single archive file.
type BulkDownload struct {
	session    *transport.Session
	remote     string
	local      string
	opts       TransferOptions
	archive    *ArchiveOptions
	journalDB  *journal.DB
	source     *Scan
	onProgress func(BulkProgress)
	onComplete func(success bool)
	logger     *slog.Logger

	mu       sync.Mutex
	state    State
	err      error
	busy     bool
	cleanup  bool
	pending  *bool
	notified bool

	entries    []transport.DirectoryEntry
	hasResult  bool
	totalBytes int64
	fileCount  int
	index      int
	fileIndex  int
	bytesDone  int64
	childBytes int64
	skipped    int
	child      *Download
	childRel   string
	job        *journal.Job

	out     *os.File
	outPath string
	writer  archiveWriter
	member  *archiveMember
}

type archiveMember struct {
	ref       transport.FileRef
	w         io.Writer
	rel       string
	size      int64
	remaining int64
	// resync: an abandoned read may have moved the remote offset.
	resync bool
}

// NewBulkDownload validates cfg and returns a bulk download in
// StateNotStarted.
func NewBulkDownload(cfg BulkDownloadConfig) (*BulkDownload, error) {
	if cfg.Session == nil {
		return nil, newError(CodeImplementationError, "", errors.New("bulk download without session"))
	}
	if cfg.Remote == "" {
		return nil, newError(CodeInvalidPath, cfg.Remote, errors.New("empty remote root"))
	}
	if cfg.Local == "" {
		return nil, newError(CodeInvalidPath, cfg.Local, errors.New("empty local root"))
	}
	if cfg.Archive != nil {
		if err := cfg.Archive.validate(); err != nil {
			return nil, newError(CodeInvalidOptionsKey, "", err)
		}
	}

	opts := cfg.Options.withDefaults()
	return &BulkDownload{
		session:    cfg.Session,
		remote:     cfg.Remote,
		local:      cfg.Local,
		opts:       opts,
		archive:    cfg.Archive,
		journalDB:  cfg.Journal,
		source:     cfg.Source,
		onProgress: cfg.OnProgress,
		onComplete: cfg.OnComplete,
		logger:     defaultLogger(cfg.Logger).With("component", "bulk", "remote", cfg.Remote),
		cleanup:    opts.CleanupOnFailure,
		outPath:    cfg.Local + opts.TempSuffix,
	}, nil
}

func (*BulkDownload) Kind() Kind              { return KindBulkDownload }
func (*BulkDownload) IsBarrier() bool         { return false }
func (*BulkDownload) ParallelWorkDoable() int { return 1 }
func (b *BulkDownload) Accept(v Visitor)      { v.VisitBulkDownload(b) }

// Strand returns the session strand shared by every child download.
func (b *BulkDownload) Strand() *worker.Strand { return b.session.Strand() }

// Remote returns the remote root.
func (b *BulkDownload) Remote() string { return b.remote }

// Local returns the local destination.
func (b *BulkDownload) Local() string { return b.local }

// Archive reports whether the bulk writes a single archive.
func (b *BulkDownload) Archive() bool { return b.archive != nil }

func (b *BulkDownload) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *BulkDownload) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Progress returns a snapshot of the aggregate counters.
func (b *BulkDownload) Progress() BulkProgress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.progressLocked(b.childRel, b.childBytes, 0)
}

// Skipped returns the number of files skipped because the journal already
// recorded them.
func (b *BulkDownload) Skipped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.skipped
}

// OverrideCleanup replaces the cleanup policy applied on cancel. It is
// forwarded to the active child when the cancel happens.
func (b *BulkDownload) OverrideCleanup(clean bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanup = clean
}

// SetScanResult hands over the entries of a finished scan. It must be
// called before Prepare.
func (b *BulkDownload) SetScanResult(entries []transport.DirectoryEntry, totalBytes int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := terminalError(b.state); err != nil {
		return err
	}
	if b.state != StateNotStarted {
		return newError(CodeInvalidOperationState, b.remote, fmt.Errorf("scan result in state %s", b.state))
	}
	b.setResultLocked(entries, totalBytes)
	return nil
}

func (b *BulkDownload) setResultLocked(entries []transport.DirectoryEntry, totalBytes int64) {
	b.entries, b.totalBytes, b.hasResult = entries, totalBytes, true
	b.fileCount = 0
	for _, e := range entries {
		if e.IsRegular() {
			b.fileCount++
		}
	}
}

// Prepare creates the destination and, with a journal, loads the resume
// state.
func (b *BulkDownload) Prepare(ctx context.Context) error {
	b.mu.Lock()
	if err := terminalError(b.state); err != nil {
		b.mu.Unlock()
		return err
	}
	needSource := !b.hasResult && b.source != nil
	b.mu.Unlock()

	var srcEntries []transport.DirectoryEntry
	var srcBytes int64
	takeSource := false
	if needSource && b.source.State() == StateCompleted {
		srcEntries, srcBytes, takeSource = b.source.EjectEntries(), b.source.TotalBytes(), true
	}

	b.mu.Lock()
	if b.state != StateNotStarted {
		err := stateError("prepare", b.state)
		b.mu.Unlock()
		return err
	}
	if !b.hasResult && takeSource {
		b.setResultLocked(srcEntries, srcBytes)
	}
	if !b.hasResult {
		b.mu.Unlock()
		return newError(CodeOperationNotPrepared, b.remote, errors.New("no scan result"))
	}
	b.state = StatePreparing
	b.busy = true
	b.mu.Unlock()

	var err *Error
	if b.archive != nil {
		err = b.prepareArchive()
	} else {
		err = b.prepareTree()
	}

	b.mu.Lock()
	defer b.unlock()
	b.busy = false
	switch {
	case b.state == StateCanceled:
		b.releaseLocked(b.cleanup)
		return terminalError(b.state)
	case err != nil:
		return b.failLocked(err)
	}
	b.state = StatePrepared
	b.logger.Debug("bulk prepared", "entries", len(b.entries), "files", b.fileCount, "bytes", b.totalBytes)
	return nil
}

func (b *BulkDownload) prepareTree() *Error {
	if err := os.MkdirAll(b.local, 0o755); err != nil {
		return newError(CodeCannotCreateDirectory, b.local, err)
	}
	if b.journalDB == nil {
		return nil
	}

	job, err := b.journalDB.Job(b.remote, b.local)
	if err != nil {
		b.logger.Warn("journal unavailable, continuing without it", "error", err)
		return nil
	}
	if !b.opts.TryContinue {
		if err := job.Reset(); err != nil {
			b.logger.Warn("journal reset failed", "error", err)
		}
	}
	b.mu.Lock()
	b.job = job
	b.mu.Unlock()
	return nil
}

func (b *BulkDownload) prepareArchive() *Error {
	if !b.opts.Overwrite {
		_, err := os.Lstat(b.local)
		switch {
		case err == nil:
			return newError(CodeFileExists, b.local, nil)
		case !errors.Is(err, fs.ErrNotExist):
			return newError(CodeTargetFileNotGood, b.local, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(b.local), 0o755); err != nil {
		return newError(CodeCannotCreateDirectory, filepath.Dir(b.local), err)
	}

	out, err := os.OpenFile(b.outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return newError(CodeOpenFailure, b.outPath, err)
	}
	w, err := newArchiveWriter(out, *b.archive)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(b.outPath)
		return newError(CodeImplementationError, b.outPath, err)
	}

	b.mu.Lock()
	b.out, b.writer = out, w
	b.opts.Temps.Register(b.outPath)
	b.mu.Unlock()
	return nil
}

func (b *BulkDownload) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StatePrepared:
		b.state = StateRunning
		return nil
	case StateRunning:
		return nil
	default:
		return stateError("start", b.state)
	}
}

// Work advances by one step: one entry or one child Work call in normal
// mode, one remote call in archive mode.
func (b *BulkDownload) Work(ctx context.Context) (WorkResult, error) {
	b.mu.Lock()
	switch {
	case b.state.Terminal():
		err := terminalError(b.state)
		b.mu.Unlock()
		return Continue, err
	case b.state == StatePrepared:
		b.mu.Unlock()
		return Continue, nil
	case b.state != StateRunning:
		err := stateError("work", b.state)
		b.mu.Unlock()
		return Continue, err
	case b.busy:
		b.mu.Unlock()
		return Continue, newError(CodeInvalidOperationState, b.remote, errors.New("work already in flight"))
	}
	b.busy = true
	b.mu.Unlock()

	var res WorkResult
	var err error
	if b.archive != nil {
		res, err = b.workArchive(ctx)
	} else {
		res, err = b.workTree(ctx)
	}

	b.mu.Lock()
	defer b.unlock()
	b.busy = false
	if b.state == StateCanceled {
		b.releaseLocked(b.cleanup)
		return Continue, nil
	}
	if err != nil {
		if interrupted(ctx, err) {
			return Continue, err
		}
		var oe *Error
		if !errors.As(err, &oe) {
			oe = newError(CodeImplementationError, b.remote, err)
		}
		return Continue, b.failLocked(oe)
	}
	return res, nil
}

func (b *BulkDownload) workTree(ctx context.Context) (WorkResult, error) {
	b.mu.Lock()
	child := b.child
	b.mu.Unlock()
	if child != nil {
		return Continue, b.driveChild(ctx, child)
	}

	b.mu.Lock()
	if b.index >= len(b.entries) {
		b.mu.Unlock()
		return Complete, nil
	}
	e := b.entries[b.index]
	b.index++
	job := b.job
	b.mu.Unlock()

	rel := RelPath(b.remote, e.Path)
	local := filepath.Join(b.local, filepath.FromSlash(rel))

	switch {
	case e.IsDir():
		if err := os.MkdirAll(local, 0o755); err != nil {
			return Continue, newError(CodeCannotCreateDirectory, local, err)
		}
		return Continue, nil
	case !e.IsRegular():
		b.logger.Debug("skipping non-regular entry", "path", e.Path, "type", e.Type)
		return Continue, nil
	}

	if job != nil && b.opts.TryContinue && job.Done(rel, e.Size, e.MTime.Time().UnixNano()) {
		b.mu.Lock()
		b.skipped++
		b.fileIndex++
		b.bytesDone += e.Size
		p := b.progressLocked(rel, e.Size, e.Size)
		b.mu.Unlock()
		b.report(p)
		return Continue, nil
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return Continue, newError(CodeCannotCreateDirectory, filepath.Dir(local), err)
	}
	child, err := NewDownload(DownloadConfig{
		Session:    b.session,
		Remote:     e.Path,
		Local:      local,
		Options:    b.opts,
		OnProgress: func(_, hi, cur int64) { b.childProgress(rel, hi, cur) },
		Logger:     b.logger,
	})
	if err != nil {
		return Continue, err
	}

	b.mu.Lock()
	b.child, b.childRel = child, rel
	b.mu.Unlock()
	return Continue, b.driveChild(ctx, child)
}

// driveChild moves the active child one step forward.
func (b *BulkDownload) driveChild(ctx context.Context, child *Download) error {
	switch child.State() {
	case StateNotStarted:
		if err := child.Prepare(ctx); err != nil {
			return err
		}
		return child.Start()
	case StatePrepared:
		return child.Start()
	case StateCanceled:
		return nil
	}

	res, err := child.Work(ctx)
	if err != nil {
		if child.State() == StateCanceled {
			return nil
		}
		return err
	}
	if res != Complete {
		return nil
	}
	if err := child.Finalize(); err != nil {
		return err
	}
	b.finishChild(child)
	return nil
}

func (b *BulkDownload) finishChild(child *Download) {
	b.mu.Lock()
	rel, job := b.childRel, b.job
	b.child, b.childRel = nil, ""
	b.fileIndex++
	b.bytesDone += child.Size()
	b.childBytes = 0
	p := b.progressLocked(rel, child.Size(), child.Size())
	b.mu.Unlock()

	if job != nil {
		hash, err := journal.HashFile(child.Local())
		if err == nil {
			err = job.Mark(rel, child.Size(), child.MTime().Time().UnixNano(), hash)
		}
		if err != nil {
			b.logger.Warn("journal mark failed", "path", rel, "error", err)
		}
	}
	b.report(p)
}

func (b *BulkDownload) childProgress(rel string, total, cur int64) {
	b.mu.Lock()
	b.childBytes = cur
	p := b.progressLocked(rel, cur, total)
	b.mu.Unlock()
	b.report(p)
}

func (b *BulkDownload) progressLocked(rel string, cur, total int64) BulkProgress {
	return BulkProgress{
		CurrentFile:  rel,
		FileIndex:    b.fileIndex,
		FileCount:    b.fileCount,
		CurrentBytes: cur,
		CurrentTotal: total,
		BytesDone:    b.bytesDone + b.childBytes,
		BytesTotal:   b.totalBytes,
	}
}

func (b *BulkDownload) report(p BulkProgress) {
	if b.onProgress != nil {
		b.onProgress(p)
	}
}

func (b *BulkDownload) workArchive(ctx context.Context) (WorkResult, error) {
	b.mu.Lock()
	m := b.member
	b.mu.Unlock()
	if m != nil {
		return Continue, b.copyChunk(ctx, m)
	}

	b.mu.Lock()
	if b.index >= len(b.entries) {
		b.mu.Unlock()
		return Complete, nil
	}
	e := b.entries[b.index]
	b.index++
	b.mu.Unlock()

	rel := RelPath(b.remote, e.Path)
	hdr := member{
		Name:       rel,
		Type:       e.Type,
		Size:       e.Size,
		Mode:       e.Mode,
		MTime:      e.MTime.Time(),
		LinkTarget: e.LinkTarget,
	}

	switch e.Type {
	case transport.TypeDirectory, transport.TypeSymlink:
		if _, err := b.writer.Add(hdr); err != nil {
			return Continue, newError(CodeTargetFileNotGood, b.outPath, err)
		}
		return Continue, nil
	case transport.TypeRegular:
	default:
		b.logger.Debug("skipping non-regular entry", "path", e.Path, "type", e.Type)
		return Continue, nil
	}

	f, err := await(ctx, b.session.Open(e.Path), b.opts.FutureTimeout)
	if err != nil {
		if interrupted(ctx, err) {
			// Retry the same entry on the next call.
			b.mu.Lock()
			b.index--
			b.mu.Unlock()
			return Continue, err
		}
		return Continue, remoteError(CodeOpenFailure, e.Path, err)
	}
	w, err := b.writer.Add(hdr)
	if err != nil {
		f.Close()
		return Continue, newError(CodeTargetFileNotGood, b.outPath, err)
	}

	next := &archiveMember{ref: transport.RefOf(f), w: w, rel: rel, size: e.Size, remaining: e.Size}
	if next.remaining == 0 {
		f.Close()
		b.mu.Lock()
		b.fileIndex++
		b.mu.Unlock()
		return Continue, nil
	}
	b.mu.Lock()
	b.member = next
	b.mu.Unlock()
	return Continue, nil
}

func (b *BulkDownload) copyChunk(ctx context.Context, m *archiveMember) error {
	f, err := m.ref.Resolve()
	if err != nil {
		return newError(CodeFileStreamExpired, m.rel, err)
	}

	b.mu.Lock()
	resync := m.resync
	b.mu.Unlock()
	if resync {
		if _, err := await(ctx, f.Seek(m.size-m.remaining, io.SeekStart), b.opts.FutureTimeout); err != nil {
			if interrupted(ctx, err) {
				return err
			}
			return remoteError(CodeFileSeekFailure, m.rel, err)
		}
	}

	n := int(min(int64(b.opts.ChunkSize), m.remaining))
	if lim := b.opts.Limiter; lim != nil {
		want := n
		if bu := lim.Burst(); bu > 0 && want > bu {
			want = bu
		}
		if err := lim.WaitN(ctx, want); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return newError(CodeImplementationError, m.rel, err)
		}
	}

	data, err := await(ctx, f.Read(n), b.opts.FutureTimeout)
	if err != nil {
		if interrupted(ctx, err) {
			b.mu.Lock()
			m.resync = true
			b.mu.Unlock()
			return err
		}
		return remoteError(CodeTransportError, m.rel, err)
	}
	if len(data) == 0 {
		return newError(CodeTransportError, m.rel,
			fmt.Errorf("remote file ended %d bytes early: %w", m.remaining, io.ErrUnexpectedEOF))
	}
	if _, err := m.w.Write(data); err != nil {
		return newError(CodeTargetFileNotGood, b.outPath, err)
	}

	b.mu.Lock()
	m.resync = false
	m.remaining -= int64(len(data))
	b.bytesDone += int64(len(data))
	done := m.remaining == 0
	if done {
		b.member = nil
		b.fileIndex++
	}
	p := b.progressLocked(m.rel, m.size-m.remaining, m.size)
	b.mu.Unlock()

	if done {
		f.Close()
	}
	b.report(p)
	return nil
}

// Pause stops after the current step and pauses the active child.
func (b *BulkDownload) Pause() error {
	b.mu.Lock()
	switch b.state {
	case StateRunning:
		b.state = StatePrepared
	case StatePrepared:
	default:
		err := stateError("pause", b.state)
		b.mu.Unlock()
		return err
	}
	child := b.child
	b.mu.Unlock()

	if child != nil && child.State() == StateRunning {
		return child.Pause()
	}
	return nil
}

// Cancel stops the bulk and forwards the cancel to the active child, which
// finishes its in-flight chunk first.
func (b *BulkDownload) Cancel(adopt bool) error {
	b.mu.Lock()
	if b.state == StateCanceled {
		b.mu.Unlock()
		return nil
	}
	if err := terminalError(b.state); err != nil {
		b.mu.Unlock()
		return err
	}
	child, clean := b.child, b.cleanup

	if !adopt {
		if b.state == StateRunning {
			b.state = StatePrepared
		}
		b.mu.Unlock()
		if child != nil {
			return child.Cancel(false)
		}
		return nil
	}

	b.state = StateCanceled
	if !b.busy {
		b.releaseLocked(clean)
	}
	b.logger.Debug("bulk canceled", "files_done", b.fileIndex, "cleanup", clean)
	b.queueNotify(false)
	b.unlock()

	if child != nil {
		child.OverrideCleanup(clean)
		return child.Cancel(true)
	}
	return nil
}

// Finalize completes the bulk. In archive mode the archive is closed and
// renamed into place.
func (b *BulkDownload) Finalize() error {
	b.mu.Lock()
	defer b.unlock()

	if err := terminalError(b.state); err != nil {
		return err
	}
	if b.busy {
		return newError(CodeCannotFinalizeDuringRead, b.remote, nil)
	}
	if b.state != StateRunning && b.state != StatePrepared {
		return stateError("finalize", b.state)
	}
	if b.index < len(b.entries) || b.child != nil || b.member != nil {
		return newError(CodeInvalidOperationState, b.remote,
			fmt.Errorf("finalize at entry %d of %d", b.index, len(b.entries)))
	}

	b.state = StateFinalizing
	if b.archive != nil {
		if err := b.commitArchiveLocked(); err != nil {
			return b.failLocked(err)
		}
	}
	if b.job != nil {
		if err := b.journalDB.Flush(); err != nil {
			b.logger.Warn("journal flush failed", "error", err)
		}
	}
	b.state = StateCompleted
	b.logger.Debug("bulk completed", "files", b.fileIndex, "skipped", b.skipped, "bytes", b.bytesDone)
	b.queueNotify(true)
	return nil
}

func (b *BulkDownload) commitArchiveLocked() *Error {
	err := b.writer.Close()
	b.writer = nil
	if err != nil {
		return newError(CodeTargetFileNotGood, b.outPath, err)
	}
	if err := b.out.Sync(); err != nil {
		return newError(CodeTargetFileNotGood, b.outPath, err)
	}
	err = b.out.Close()
	b.out = nil
	if err != nil {
		return newError(CodeTargetFileNotGood, b.outPath, err)
	}
	if err := os.Rename(b.outPath, b.local); err != nil {
		return newError(CodeRenameFailure, b.local, err)
	}
	b.opts.Temps.Deregister(b.outPath)
	if b.opts.Permissions != nil {
		if err := os.Chmod(b.local, *b.opts.Permissions); err != nil {
			return newError(CodeCannotSetFilePermissions, b.local, err)
		}
	}
	return nil
}

func (b *BulkDownload) failLocked(e *Error) error {
	b.state = StateFailed
	b.err = e
	b.logger.Warn("bulk download failed", "error", e)
	if !b.busy {
		b.releaseLocked(b.opts.CleanupOnFailure)
	}
	b.queueNotify(false)
	return e
}

// releaseLocked drops archive resources. Child downloads release their own.
func (b *BulkDownload) releaseLocked(remove bool) {
	if b.member != nil {
		if f, err := b.member.ref.Resolve(); err == nil {
			f.Close()
		}
		b.member = nil
	}
	if b.writer != nil {
		_ = b.writer.Close()
		b.writer = nil
	}
	if b.out != nil {
		_ = b.out.Close()
		b.out = nil
		if remove {
			_ = os.Remove(b.outPath)
		}
		b.opts.Temps.Deregister(b.outPath)
	}
}

func (b *BulkDownload) queueNotify(success bool) {
	if b.notified {
		return
	}
	b.notified = true
	b.pending = &success
}

func (b *BulkDownload) unlock() {
	p, cb := b.pending, b.onComplete
	b.pending = nil
	b.mu.Unlock()
	if p != nil && cb != nil {
		cb(*p)
	}
}
