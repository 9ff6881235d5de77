// Package operation implements the transfer state machines driven by the
// queue: Scan, Download and BulkDownload. Every remote call an operation
// makes is posted to its session's strand and awaited with a bounded
// timeout; Work must therefore be called from a goroutine other than the
// worker loop itself.
package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bamsammich/ferry/internal/transport"
	"github.com/bamsammich/ferry/internal/worker"
)

// State is the lifecycle position of an operation.
type State int

const (
	StateNotStarted State = iota
	StatePreparing
	StatePrepared
	StateRunning
	StateFinalizing
	StateCompleted
	StateCanceled
	StateFailed
)

var stateNames = [...]string{
	StateNotStarted: "not_started",
	StatePreparing:  "preparing",
	StatePrepared:   "prepared",
	StateRunning:    "running",
	StateFinalizing: "finalizing",
	StateCompleted:  "completed",
	StateCanceled:   "canceled",
	StateFailed:     "failed",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCanceled || s == StateFailed
}

// Kind identifies the operation variant.
type Kind int

const (
	KindScan Kind = iota
	KindDownload
	KindBulkDownload
)

func (k Kind) String() string {
	switch k {
	case KindScan:
		return "scan"
	case KindDownload:
		return "download"
	case KindBulkDownload:
		return "bulk_download"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// WorkResult tells the caller whether Work should be called again.
type WorkResult int

const (
	Continue WorkResult = iota
	Complete
)

func (r WorkResult) String() string {
	if r == Complete {
		return "complete"
	}
	return "continue"
}

// Operation is a resumable unit of transfer work.
//
// The lifecycle is Prepare, Start, Work until it returns Complete, then
// Finalize. Pause returns a running operation to Prepared; Start resumes
// it. Cancel(true) commits to Canceled; Cancel(false) only interrupts and
// leaves the operation resumable. Every method called on a terminal
// operation fails with the matching CannotWork* error, except Cancel(true)
// on an already canceled one, which is a no-op.
type Operation interface {
	Kind() Kind
	State() State
	// Err returns the error that moved the operation to Failed.
	Err() error
	// Strand serializes the operation's remote calls.
	Strand() *worker.Strand
	// IsBarrier reports whether later operations must wait for this one to
	// complete before they are started.
	IsBarrier() bool
	// ParallelWorkDoable returns how many Work calls may be in flight at
	// once right now.
	ParallelWorkDoable() int

	Prepare(ctx context.Context) error
	Start() error
	Work(ctx context.Context) (WorkResult, error)
	Pause() error
	Cancel(adopt bool) error
	Finalize() error

	Accept(v Visitor)
}

// Visitor dispatches on the concrete operation type. Adding a variant adds
// a method here, so every visitor stops compiling until it handles it.
type Visitor interface {
	VisitScan(s *Scan)
	VisitDownload(d *Download)
	VisitBulkDownload(b *BulkDownload)
}

// CleanupOverrider is implemented by operations whose cancel cleanup can be
// forced on or off regardless of their configured policy.
type CleanupOverrider interface {
	OverrideCleanup(clean bool)
}

// terminalError returns the CannotWork error for a terminal state, or nil.
func terminalError(s State) error {
	switch s {
	case StateCompleted:
		return newError(CodeCannotWorkCompletedOperation, "", nil)
	case StateCanceled:
		return newError(CodeCannotWorkCanceledOperation, "", nil)
	case StateFailed:
		return newError(CodeCannotWorkFailedOperation, "", nil)
	default:
		return nil
	}
}

func stateError(op string, s State) error {
	if err := terminalError(s); err != nil {
		return err
	}
	if s == StateNotStarted || s == StatePreparing {
		return newError(CodeOperationNotPrepared, "", fmt.Errorf("%s in state %s", op, s))
	}
	return newError(CodeInvalidOperationState, "", fmt.Errorf("%s in state %s", op, s))
}

// await waits for f at most timeout, or until ctx is done.
func await[T any](ctx context.Context, f *worker.Future[T], timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return f.Wait(ctx)
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := f.Wait(wctx)
	if err != nil && ctx.Err() == nil && wctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
		return v, worker.ErrTimeout
	}
	return v, err
}

// remoteError classifies a failed remote call. fallback is used when the
// cause is neither a timeout nor a missing file.
func remoteError(fallback Code, path string, err error) *Error {
	switch {
	case errors.Is(err, worker.ErrTimeout):
		return newError(CodeFutureTimeout, path, err)
	case errors.Is(err, worker.ErrRejected), transport.IsExpired(err):
		return newError(CodeFileStreamExpired, path, err)
	case transport.IsNotExist(err):
		return newError(CodeFileNotFound, path, err)
	default:
		return newError(fallback, path, err)
	}
}

// interrupted reports whether err came from the caller's context rather
// than from the operation itself.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func defaultLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
