// Package errs provides the structured error type shared by every
// socketleyd component, generalizing the op/code/errno/msg shape used
// throughout the daemon's predecessor block-storage tooling to the
// daemon's own runtime/connection/control vocabulary.
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// Code represents a high-level error category reported over the control
// channel and logged at error sites.
type Code string

const (
	CodeNotFound        Code = "not found"
	CodeNameInUse       Code = "name in use"
	CodeInvalidArgument Code = "invalid argument"
	CodeTypeConflict    Code = "type conflict"
	CodeStateTransition Code = "invalid state transition"
	CodeAuthFailure     Code = "authentication failure"
	CodePermission      Code = "permission denied"
	CodeResourceLimit   Code = "resource limit exceeded"
	CodeIO              Code = "i/o error"
	CodeTimeout         Code = "timeout"
	CodeUnavailable     Code = "unavailable"
	CodeProtocol        Code = "protocol error"
	CodeNotImplemented  Code = "not implemented"
)

// Error is the structured error carried across the daemon. Op identifies
// the operation that failed; Runtime identifies the affected runtime by
// name, if any.
type Error struct {
	Op      string
	Runtime string
	Code    Code
	Errno   syscall.Errno
	Msg     string
	Inner   error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Runtime != "" {
		parts = append(parts, fmt.Sprintf("runtime=%s", e.Runtime))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("socketleyd: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("socketleyd: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// New creates a bare structured error.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewForRuntime creates an error scoped to a specific runtime name.
func NewForRuntime(op, runtime string, code Code, msg string) *Error {
	return &Error{Op: op, Runtime: runtime, Code: code, Msg: msg}
}

// WithErrno attaches a kernel errno, deriving Code and Msg from it.
func WithErrno(op string, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error()}
}

// Wrap wraps an arbitrary error with daemon context, mapping syscall
// errnos onto the Code taxonomy the way the predecessor's WrapError did.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{Op: op, Runtime: e.Runtime, Code: e.Code, Errno: e.Errno, Msg: e.Msg, Inner: e.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: CodeIO, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.ENOENT:
		return CodeNotFound
	case syscall.EADDRINUSE, syscall.EEXIST:
		return CodeNameInUse
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidArgument
	case syscall.EPERM, syscall.EACCES:
		return CodePermission
	case syscall.ENOMEM, syscall.ENOSPC, syscall.EMFILE, syscall.ENFILE:
		return CodeResourceLimit
	case syscall.ETIMEDOUT:
		return CodeTimeout
	case syscall.ECONNREFUSED, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
		return CodeUnavailable
	default:
		return CodeIO
	}
}

// IsCode reports whether err is a *Error with the given Code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
