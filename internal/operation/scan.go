package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/bamsammich/ferry/internal/filter"
	"github.com/bamsammich/ferry/internal/transport"
	"github.com/bamsammich/ferry/internal/walker"
	"github.com/bamsammich/ferry/internal/worker"
)

// ScanConfig describes a remote tree to enumerate.
type ScanConfig struct {
	Session *transport.Session
	Root    string
	// Filter drops entries before they are collected. Excluded
	// directories are not descended.
	Filter        *filter.Chain
	FutureTimeout time.Duration
	// OnProgress is called after every directory with the bytes of
	// regular files seen so far, the number of directories expanded and
	// the number of entries collected.
	OnProgress func(totalBytes, currentIndex, totalScanned int64)
	Logger     *slog.Logger
}

// Scan lists a remote tree breadth-first, one directory per Work call. It
// is a barrier: nothing enqueued after it starts before it completes.
type Scan struct {
	session    *transport.Session
	root       string
	timeout    time.Duration
	onProgress func(totalBytes, currentIndex, totalScanned int64)
	logger     *slog.Logger

	mu         sync.Mutex
	state      State
	err        error
	busy       bool
	walker     *walker.Walker[transport.DirectoryEntry]
	totalBytes int64
}

// NewScan validates cfg and returns a scan in StateNotStarted.
func NewScan(cfg ScanConfig) (*Scan, error) {
	if cfg.Session == nil {
		return nil, newError(CodeImplementationError, "", errors.New("scan without session"))
	}
	if cfg.Root == "" {
		return nil, newError(CodeInvalidPath, cfg.Root, errors.New("empty scan root"))
	}
	timeout := cfg.FutureTimeout
	if timeout <= 0 {
		timeout = DefaultFutureTimeout
	}

	s := &Scan{
		session:    cfg.Session,
		root:       path.Clean(cfg.Root),
		timeout:    timeout,
		onProgress: cfg.OnProgress,
		logger:     defaultLogger(cfg.Logger).With("component", "scan", "root", cfg.Root),
	}
	s.walker = walker.New[transport.DirectoryEntry](s.root, &remoteScanner{
		session: cfg.Session,
		root:    s.root,
		filter:  cfg.Filter,
		timeout: timeout,
	})
	return s, nil
}

func (*Scan) Kind() Kind              { return KindScan }
func (*Scan) IsBarrier() bool         { return true }
func (*Scan) ParallelWorkDoable() int { return 1 }
func (s *Scan) Accept(v Visitor)      { v.VisitScan(s) }

// Strand returns the session strand that serializes the listing calls.
func (s *Scan) Strand() *worker.Strand { return s.session.Strand() }

// Root returns the cleaned scan root.
func (s *Scan) Root() string { return s.root }

func (s *Scan) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scan) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// TotalBytes returns the summed size of the regular files collected.
func (s *Scan) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

// Len returns the number of entries collected and not yet ejected.
func (s *Scan) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walker.Len()
}

// EjectEntries moves the entries collected since the previous eject out of
// the scan; a repeat call with nothing new returns nil. It never competes
// with a Work call in flight.
func (s *Scan) EjectEntries() []transport.DirectoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return nil
	}
	return s.walker.Eject()
}

// Prepare checks that the root exists and is a directory.
func (s *Scan) Prepare(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotStarted {
		err := stateError("prepare", s.state)
		s.mu.Unlock()
		return err
	}
	s.state = StatePreparing
	s.mu.Unlock()

	entry, err := await(ctx, s.session.Stat(s.root), s.timeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateCanceled:
		return terminalError(s.state)
	case err != nil && interrupted(ctx, err):
		s.state = StateNotStarted
		return err
	case err != nil:
		return s.failLocked(remoteError(CodeFileStatFailed, s.root, err))
	case !entry.IsDir():
		return s.failLocked(newError(CodeOperationNotPossibleOnFileType, s.root,
			fmt.Errorf("not a directory: %s", entry.Type)))
	}
	s.state = StatePrepared
	return nil
}

func (s *Scan) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StatePrepared:
		s.state = StateRunning
		return nil
	case StateRunning:
		return nil
	default:
		return stateError("start", s.state)
	}
}

// Work expands one directory. It returns Complete once none remain.
func (s *Scan) Work(ctx context.Context) (WorkResult, error) {
	s.mu.Lock()
	switch {
	case s.state.Terminal():
		err := terminalError(s.state)
		s.mu.Unlock()
		return Continue, err
	case s.state == StatePrepared:
		s.mu.Unlock()
		return Continue, nil
	case s.state != StateRunning:
		err := stateError("work", s.state)
		s.mu.Unlock()
		return Continue, err
	case s.busy:
		s.mu.Unlock()
		return Continue, newError(CodeInvalidOperationState, s.root, errors.New("work already in flight"))
	case s.walker.Done():
		s.mu.Unlock()
		return Complete, nil
	}
	s.busy = true
	before := s.walker.Len()
	s.mu.Unlock()

	more, err := s.walker.Step(ctx)

	s.mu.Lock()
	s.busy = false
	if s.state == StateCanceled {
		s.walker.Cancel()
		s.mu.Unlock()
		return Continue, nil
	}
	if err != nil {
		defer s.mu.Unlock()
		if interrupted(ctx, err) {
			return Continue, err
		}
		var oe *Error
		if !errors.As(err, &oe) {
			oe = newError(CodeTransportError, s.root, err)
		}
		return Continue, s.failLocked(oe)
	}

	// EjectEntries refuses while busy, so entries past before are exactly
	// the ones this Step added.
	for _, e := range s.walker.Entries()[before:] {
		if e.IsRegular() {
			s.totalBytes += e.Size
		}
	}
	total, visited, scanned := s.totalBytes, int64(s.walker.Visited()), int64(s.walker.Total())
	cb := s.onProgress
	s.mu.Unlock()

	if cb != nil {
		cb(total, visited, scanned)
	}
	if !more {
		return Complete, nil
	}
	return Continue, nil
}

func (s *Scan) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning:
		s.state = StatePrepared
		return nil
	case StatePrepared:
		return nil
	default:
		return stateError("pause", s.state)
	}
}

// Cancel halts further expansion. Entries already collected stay
// available through EjectEntries.
func (s *Scan) Cancel(adopt bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCanceled {
		return nil
	}
	if err := terminalError(s.state); err != nil {
		return err
	}
	if !adopt {
		if s.state == StateRunning {
			s.state = StatePrepared
		}
		return nil
	}
	s.state = StateCanceled
	if !s.busy {
		s.walker.Cancel()
	}
	s.logger.Debug("scan canceled", "collected", s.walker.Total())
	return nil
}

// Finalize marks a fully walked scan Completed.
func (s *Scan) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := terminalError(s.state); err != nil {
		return err
	}
	if s.state != StateRunning && s.state != StatePrepared {
		return stateError("finalize", s.state)
	}
	if !s.walker.Done() {
		return newError(CodeInvalidOperationState, s.root,
			fmt.Errorf("%d directories left", s.walker.Pending()))
	}
	s.state = StateCompleted
	s.logger.Debug("scan completed", "entries", s.walker.Total(), "bytes", s.totalBytes)
	return nil
}

func (s *Scan) failLocked(e *Error) error {
	s.state = StateFailed
	s.err = e
	s.logger.Warn("scan failed", "error", e)
	return e
}

// remoteScanner feeds the walker from session listings.
type remoteScanner struct {
	session *transport.Session
	root    string
	filter  *filter.Chain
	timeout time.Duration
}

func (r *remoteScanner) List(ctx context.Context, dir string) ([]transport.DirectoryEntry, error) {
	entries, err := await(ctx, r.session.ListDirectory(dir), r.timeout)
	if err != nil {
		if interrupted(ctx, err) {
			return nil, err
		}
		return nil, remoteError(CodeTransportError, dir, err)
	}
	if r.filter.Empty() {
		return entries, nil
	}

	kept := entries[:0]
	for _, e := range entries {
		if r.filter.Match(RelPath(r.root, e.Path), e.IsDir(), e.Size) {
			kept = append(kept, e)
		}
	}
	return kept, nil
}

func (*remoteScanner) Descend(e transport.DirectoryEntry) (string, bool) {
	return e.Path, e.IsDir()
}

// RelPath returns p relative to root using slash separators.
func RelPath(root, p string) string {
	root, p = path.Clean(root), path.Clean(p)
	if p == root {
		return "."
	}
	if root == "/" {
		return strings.TrimPrefix(p, "/")
	}
	return strings.TrimPrefix(p, root+"/")
}
