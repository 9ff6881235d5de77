package transport

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Wrapper classifies failures that originate in this package rather than
// on the wire.
type Wrapper int

const (
	WrapperNone Wrapper = iota
	// WrapperOwnerNull: the call was made on a handle with no session.
	WrapperOwnerNull
	// WrapperOwnerDestroyed: the owning session was closed.
	WrapperOwnerDestroyed
	// WrapperShortWrite: the backend accepted fewer bytes than given.
	WrapperShortWrite
)

func (w Wrapper) String() string {
	switch w {
	case WrapperNone:
		return "none"
	case WrapperOwnerNull:
		return "owner-null"
	case WrapperOwnerDestroyed:
		return "owner-destroyed"
	case WrapperShortWrite:
		return "short-write"
	default:
		return "unknown"
	}
}

// Error is a transport-level failure.
type Error struct {
	Err     error
	Op      string
	Path    string
	Message string
	// Status is the SFTP status code (SSH_FX_*), zero when unknown.
	Status uint32
	// SessionCode is the SSH-level exit status, zero when unknown.
	SessionCode int
	Wrapper     Wrapper
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Wrapper != WrapperNone {
		msg = fmt.Sprintf("%s (%s)", msg, e.Wrapper)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	errSessionClosed = errors.New("session closed")
	errFileClosed    = errors.New("file closed")
	errNoSession     = errors.New("no session")
)

// wrapErr converts a backend error into *Error, extracting protocol codes.
// nil stays nil and *Error passes through unchanged.
func wrapErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}

	out := &Error{Op: op, Path: p, Err: err, Message: err.Error()}

	var status *sftp.StatusError
	if errors.As(err, &status) {
		out.Status = status.Code
	}
	var exit *ssh.ExitError
	if errors.As(err, &exit) {
		out.SessionCode = exit.ExitStatus()
	}
	if out.Status == 0 && errors.Is(err, fs.ErrNotExist) {
		out.Status = sshFxNoSuchFile
	}
	return out
}

func wrapperErr(op, p string, w Wrapper, err error) error {
	return &Error{Op: op, Path: p, Err: err, Message: err.Error(), Wrapper: w}
}

// SSH_FX_NO_SUCH_FILE from the SFTP v3 draft.
const sshFxNoSuchFile = 2

// IsNotExist reports whether err describes a missing remote path.
func IsNotExist(err error) bool {
	var te *Error
	if errors.As(err, &te) && te.Status == sshFxNoSuchFile {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

// IsExpired reports whether err came from a handle whose session or file
// is gone.
func IsExpired(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Wrapper == WrapperOwnerNull || te.Wrapper == WrapperOwnerDestroyed
}
