package transport

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/bamsammich/ferry/internal/worker"
)

// Session is the asynchronous face of one remote connection. Every
// protocol call is posted to the session's strand and resolves as a
// future, so callers block only as long as they choose to wait.
type Session struct {
	fs     FS
	strand *worker.Strand
	logger *slog.Logger

	keepalive     time.Duration
	lastKeepalive time.Time

	mu     sync.Mutex
	closed bool
	files  map[*File]struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithKeepalive registers a permanent task that pings the backend at most
// once per interval. Backends that do not implement Keepaliver ignore it.
func WithKeepalive(interval time.Duration) SessionOption {
	return func(s *Session) { s.keepalive = interval }
}

// NewSession wraps fs so that all of its calls run on strand.
func NewSession(fs FS, strand *worker.Strand, opts ...SessionOption) *Session {
	s := &Session{
		fs:     fs,
		strand: strand,
		files:  make(map[*File]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "session", "strand", strand.Name())

	if ka, ok := fs.(Keepaliver); ok && s.keepalive > 0 {
		s.lastKeepalive = time.Now()
		strand.PushPermanentTask(func() { s.ping(ka) })
	}
	return s
}

// ping runs on the strand every cycle.
func (s *Session) ping(ka Keepaliver) {
	if time.Since(s.lastKeepalive) < s.keepalive {
		return
	}
	s.lastKeepalive = time.Now()
	if err := ka.Keepalive(); err != nil {
		s.logger.Warn("keepalive failed", "error", err)
	}
}

// Strand returns the strand that serializes this session's calls.
func (s *Session) Strand() *worker.Strand { return s.strand }

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) destroyed(op, p string) error {
	return wrapperErr(op, p, WrapperOwnerDestroyed, errSessionClosed)
}

// ListDirectory lists the immediate children of dir.
func (s *Session) ListDirectory(dir string) *worker.Future[[]DirectoryEntry] {
	if s.Closed() {
		return worker.Failed[[]DirectoryEntry](s.destroyed("readdir", dir))
	}
	return worker.PushPromiseTask(s, func() ([]DirectoryEntry, error) {
		infos, err := s.fs.ReadDir(dir)
		if err != nil {
			return nil, wrapErr("readdir", dir, err)
		}
		entries := make([]DirectoryEntry, 0, len(infos))
		for _, info := range infos {
			entries = append(entries, s.describe(path.Join(dir, info.Name()), info))
		}
		return entries, nil
	})
}

// Stat returns metadata for p without following a final symlink.
func (s *Session) Stat(p string) *worker.Future[DirectoryEntry] {
	if s.Closed() {
		return worker.Failed[DirectoryEntry](s.destroyed("stat", p))
	}
	return worker.PushPromiseTask(s, func() (DirectoryEntry, error) {
		info, err := s.fs.Lstat(p)
		if err != nil {
			return DirectoryEntry{}, wrapErr("stat", p, err)
		}
		return s.describe(p, info), nil
	})
}

// Open opens p for reading.
func (s *Session) Open(p string) *worker.Future[*File] {
	return s.OpenFile(p, os.O_RDONLY)
}

// OpenFile opens p with the given os.O_* flags.
func (s *Session) OpenFile(p string, flag int) *worker.Future[*File] {
	if s.Closed() {
		return worker.Failed[*File](s.destroyed("open", p))
	}
	return worker.PushPromiseTask(s, func() (*File, error) {
		rf, err := s.fs.OpenFile(p, flag)
		if err != nil {
			return nil, wrapErr("open", p, err)
		}
		f := &File{session: s, rf: rf, path: p}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			_ = rf.Close()
			return nil, s.destroyed("open", p)
		}
		s.files[f] = struct{}{}
		return f, nil
	})
}

// Close expires every open file, finalizes the strand and closes the
// backend. It waits for the teardown task to finish.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	files := s.files
	s.files = nil
	s.mu.Unlock()

	for f := range files {
		f.expired.Store(true)
	}

	done := make(chan error, 1)
	teardown := func() {
		for f := range files {
			_ = f.rf.Close()
		}
		done <- s.fs.Close()
	}

	switch {
	case !s.strand.Loop().Running():
		if !s.strand.DoFinalSync(teardown) {
			teardown()
		}
	case !s.strand.PushFinalTask(teardown):
		teardown()
	}
	return <-done
}

// PushTask lets Session act as a worker.Pusher for its own strand.
func (s *Session) PushTask(fn worker.Task) bool { return s.strand.PushTask(fn) }

func (s *Session) describe(fullPath string, info os.FileInfo) DirectoryEntry {
	entry := entryFromInfo(fullPath, info)
	if entry.Type == TypeSymlink {
		if target, err := s.fs.ReadLink(fullPath); err == nil {
			entry.LinkTarget = target
		}
	}
	if r, ok := s.fs.(OwnerResolver); ok && entry.Owner == "" {
		entry.Owner, entry.Group = r.LookupOwner(entry.UID, entry.GID)
	}
	return entry
}

func (s *Session) forget(f *File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, f)
}

// File is an open remote file. Its session holds the only strong
// reference; operations keep a FileRef and resolve it before every step.
type File struct {
	session *Session
	rf      RemoteFile
	path    string
	expired atomic.Bool
}

// Path returns the remote path the file was opened with.
func (f *File) Path() string { return f.path }

// Strand returns the strand serializing this file's calls.
func (f *File) Strand() *worker.Strand { return f.session.strand }

// Expired reports whether the file or its session has been closed.
func (f *File) Expired() bool { return f.expired.Load() }

func (f *File) gone(op string) error {
	return wrapperErr(op, f.path, WrapperOwnerDestroyed, errFileClosed)
}

// Read reads up to n bytes. A short or empty result with no error means
// end of file was reached.
func (f *File) Read(n int) *worker.Future[[]byte] {
	if f.Expired() {
		return worker.Failed[[]byte](f.gone("read"))
	}
	return worker.PushPromiseTask(f.session, func() ([]byte, error) {
		if f.Expired() {
			return nil, f.gone("read")
		}
		buf := make([]byte, n)
		k, err := io.ReadFull(f.rf, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, wrapErr("read", f.path, err)
		}
		return buf[:k], nil
	})
}

// Write writes p at the current offset.
func (f *File) Write(p []byte) *worker.Future[int] {
	if f.Expired() {
		return worker.Failed[int](f.gone("write"))
	}
	return worker.PushPromiseTask(f.session, func() (int, error) {
		if f.Expired() {
			return 0, f.gone("write")
		}
		n, err := f.rf.Write(p)
		if err != nil {
			return n, wrapErr("write", f.path, err)
		}
		if n < len(p) {
			return n, wrapperErr("write", f.path, WrapperShortWrite, io.ErrShortWrite)
		}
		return n, nil
	})
}

// Seek sets the offset for the next Read or Write.
func (f *File) Seek(offset int64, whence int) *worker.Future[int64] {
	if f.Expired() {
		return worker.Failed[int64](f.gone("seek"))
	}
	return worker.PushPromiseTask(f.session, func() (int64, error) {
		if f.Expired() {
			return 0, f.gone("seek")
		}
		pos, err := f.rf.Seek(offset, whence)
		return pos, wrapErr("seek", f.path, err)
	})
}

// Tell returns the current offset.
func (f *File) Tell() *worker.Future[int64] {
	return f.Seek(0, io.SeekCurrent)
}

// Stat returns metadata for the open file.
func (f *File) Stat() *worker.Future[DirectoryEntry] {
	if f.Expired() {
		return worker.Failed[DirectoryEntry](f.gone("fstat"))
	}
	return worker.PushPromiseTask(f.session, func() (DirectoryEntry, error) {
		if f.Expired() {
			return DirectoryEntry{}, f.gone("fstat")
		}
		info, err := f.rf.Stat()
		if err != nil {
			return DirectoryEntry{}, wrapErr("fstat", f.path, err)
		}
		return entryFromInfo(f.path, info), nil
	})
}

// Close closes the file. Closing an expired file is not an error.
func (f *File) Close() *worker.Future[struct{}] {
	if f.expired.Swap(true) {
		return worker.Resolved(struct{}{})
	}
	f.session.forget(f)
	fut := worker.PushPromiseTask(f.session, func() (struct{}, error) {
		return struct{}{}, wrapErr("close", f.path, f.rf.Close())
	})
	return fut
}

// FileRef is a non-owning reference to a File.
type FileRef struct {
	p   weak.Pointer[File]
	set bool
}

// RefOf returns a weak reference to f.
func RefOf(f *File) FileRef {
	if f == nil {
		return FileRef{}
	}
	return FileRef{p: weak.Make(f), set: true}
}

// Resolve returns the referenced file, or a WrapperOwnerNull /
// WrapperOwnerDestroyed *Error if it was never set, collected or closed.
func (r FileRef) Resolve() (*File, error) {
	if !r.set {
		return nil, wrapperErr("resolve", "", WrapperOwnerNull, errNoSession)
	}
	f := r.p.Value()
	if f == nil {
		return nil, wrapperErr("resolve", "", WrapperOwnerDestroyed, errFileClosed)
	}
	if f.Expired() {
		return nil, f.gone("resolve")
	}
	return f, nil
}
