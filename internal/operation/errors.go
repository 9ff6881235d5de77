package operation

import (
	"errors"
	"fmt"
)

// Code classifies an operation failure. The set is closed.
type Code int

const (
	CodeImplementationError Code = iota + 1
	CodeNotImplemented
	CodeFileExists
	CodeFileNotFound
	CodeFileSeekFailure
	CodeOpenFailure
	CodeFileStreamExpired
	CodeFileStatFailed
	CodeTransportError
	CodeInvalidPath
	CodeRenameFailure
	CodeCannotSetFilePermissions
	CodeFutureTimeout
	CodeOperationNotPrepared
	CodeCannotFinalizeDuringRead
	CodeInvalidOptionsKey
	CodeTargetFileNotGood
	CodeCannotWorkCompletedOperation
	CodeCannotWorkFailedOperation
	CodeCannotWorkCanceledOperation
	CodeCannotCreateDirectory
	CodeUnknownWorkState
	CodeInvalidOperationState
	CodeOperationNotPossibleOnFileType
)

var codeNames = [...]string{
	CodeImplementationError:            "implementation error",
	CodeNotImplemented:                 "not implemented",
	CodeFileExists:                     "file exists",
	CodeFileNotFound:                   "file not found",
	CodeFileSeekFailure:                "seek failed",
	CodeOpenFailure:                    "open failed",
	CodeFileStreamExpired:              "file stream expired",
	CodeFileStatFailed:                 "stat failed",
	CodeTransportError:                 "transport error",
	CodeInvalidPath:                    "invalid path",
	CodeRenameFailure:                  "rename failed",
	CodeCannotSetFilePermissions:       "cannot set file permissions",
	CodeFutureTimeout:                  "timed out waiting for remote",
	CodeOperationNotPrepared:           "operation not prepared",
	CodeCannotFinalizeDuringRead:       "cannot finalize during read",
	CodeInvalidOptionsKey:              "invalid options key",
	CodeTargetFileNotGood:              "target file not writable",
	CodeCannotWorkCompletedOperation:   "operation already completed",
	CodeCannotWorkFailedOperation:      "operation already failed",
	CodeCannotWorkCanceledOperation:    "operation already canceled",
	CodeCannotCreateDirectory:          "cannot create directory",
	CodeUnknownWorkState:               "unknown work state",
	CodeInvalidOperationState:          "invalid operation state",
	CodeOperationNotPossibleOnFileType: "operation not possible on file type",
}

func (c Code) String() string {
	if c > 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Misuse reports whether c signals a sequencing bug in the caller rather
// than a failure of the remote side or the local filesystem.
func (c Code) Misuse() bool {
	switch c {
	case CodeCannotWorkCompletedOperation, CodeCannotWorkFailedOperation,
		CodeCannotWorkCanceledOperation, CodeCannotFinalizeDuringRead,
		CodeOperationNotPrepared, CodeInvalidOperationState, CodeUnknownWorkState,
		CodeImplementationError:
		return true
	default:
		return false
	}
}

// Error is the typed failure returned by every lifecycle method.
type Error struct {
	Code Code
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work
// with errors.Is regardless of path or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrImplementation        = &Error{Code: CodeImplementationError}
	ErrNotImplemented        = &Error{Code: CodeNotImplemented}
	ErrFileExists            = &Error{Code: CodeFileExists}
	ErrFileNotFound          = &Error{Code: CodeFileNotFound}
	ErrFileSeekFailure       = &Error{Code: CodeFileSeekFailure}
	ErrOpenFailure           = &Error{Code: CodeOpenFailure}
	ErrFileStreamExpired     = &Error{Code: CodeFileStreamExpired}
	ErrFileStatFailed        = &Error{Code: CodeFileStatFailed}
	ErrTransport             = &Error{Code: CodeTransportError}
	ErrInvalidPath           = &Error{Code: CodeInvalidPath}
	ErrRenameFailure         = &Error{Code: CodeRenameFailure}
	ErrCannotSetPermissions  = &Error{Code: CodeCannotSetFilePermissions}
	ErrFutureTimeout         = &Error{Code: CodeFutureTimeout}
	ErrNotPrepared           = &Error{Code: CodeOperationNotPrepared}
	ErrFinalizeDuringRead    = &Error{Code: CodeCannotFinalizeDuringRead}
	ErrInvalidOptionsKey     = &Error{Code: CodeInvalidOptionsKey}
	ErrTargetFileNotGood     = &Error{Code: CodeTargetFileNotGood}
	ErrCannotWorkCompleted   = &Error{Code: CodeCannotWorkCompletedOperation}
	ErrCannotWorkFailed      = &Error{Code: CodeCannotWorkFailedOperation}
	ErrCannotWorkCanceled    = &Error{Code: CodeCannotWorkCanceledOperation}
	ErrCannotCreateDirectory = &Error{Code: CodeCannotCreateDirectory}
	ErrUnknownWorkState      = &Error{Code: CodeUnknownWorkState}
	ErrInvalidState          = &Error{Code: CodeInvalidOperationState}
	ErrNotPossibleOnFileType = &Error{Code: CodeOperationNotPossibleOnFileType}
)

// CodeOf returns the code of the first *Error in err's chain, or zero.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

func newError(code Code, path string, err error) *Error {
	return &Error{Code: code, Path: path, Err: err}
}
