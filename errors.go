package pvback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-pvback/internal/ctrl"
	"github.com/ehrlich-b/go-pvback/internal/evtchn"
	"github.com/ehrlich-b/go-pvback/internal/grant"
	"github.com/ehrlich-b/go-pvback/internal/interfaces"
	"github.com/ehrlich-b/go-pvback/internal/pending"
	"github.com/ehrlich-b/go-pvback/internal/queue"
	"github.com/ehrlich-b/go-pvback/internal/ring"
	"github.com/ehrlich-b/go-pvback/internal/vdev"
)

// Error is a structured backend error with connection context
type Error struct {
	Op     string        // Operation that failed (e.g., "MAP_RING", "BIND_EVTCHN")
	Domain uint16        // Guest domain (0 if not applicable)
	Device int           // Frontend device id (-1 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // errno (0 if not applicable)
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Domain != 0 {
		parts = append(parts, fmt.Sprintf("domain=%d", e.Domain))
	}
	if e.Device >= 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.Device))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("pvback: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return "pvback: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinels and other structured errors by code
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Sentinel:
		return e.Code == ErrorCode(t)
	case *Error:
		return e.Code == t.Code
	}
	return false
}

// ErrorCode is a high-level error category
type ErrorCode string

const (
	ErrCodeProtocol          ErrorCode = "protocol violation"
	ErrCodeRingOverflow      ErrorCode = "ring overflow"
	ErrCodeResourceExhausted ErrorCode = "resources exhausted"
	ErrCodeDeviceAbsent      ErrorCode = "device absent"
	ErrCodeIOError           ErrorCode = "I/O error"
	ErrCodeGrantFailure      ErrorCode = "grant mapping failed"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeStopped           ErrorCode = "connection stopped"
	ErrCodeTimeout           ErrorCode = "timeout"
)

// Sentinel is a comparable error value for errors.Is checks
type Sentinel string

func (e Sentinel) Error() string {
	return "pvback: " + string(e)
}

const (
	ErrProtocol          Sentinel = Sentinel(ErrCodeProtocol)
	ErrRingOverflow      Sentinel = Sentinel(ErrCodeRingOverflow)
	ErrResourceExhausted Sentinel = Sentinel(ErrCodeResourceExhausted)
	ErrDeviceAbsent      Sentinel = Sentinel(ErrCodeDeviceAbsent)
	ErrIOError           Sentinel = Sentinel(ErrCodeIOError)
	ErrGrantFailure      Sentinel = Sentinel(ErrCodeGrantFailure)
	ErrInvalidParameters Sentinel = Sentinel(ErrCodeInvalidParameters)
	ErrStopped           Sentinel = Sentinel(ErrCodeStopped)
	ErrTimeout           Sentinel = Sentinel(ErrCodeTimeout)
)

// NewError creates a structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Device: -1, Code: code, Msg: msg}
}

// NewConnectionError creates an error scoped to one guest connection
func NewConnectionError(op string, domain uint16, devID int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Domain: domain, Device: devID, Code: code, Msg: msg}
}

// WrapError wraps inner with op context, classifying it by the internal
// sentinel or errno it carries.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var se *Error
	if errors.As(inner, &se) {
		c := *se
		c.Op = op
		return &c
	}

	e := &Error{Op: op, Device: -1, Code: classify(inner), Msg: inner.Error(), Inner: inner}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

// wrapConn is WrapError with connection context
func wrapConn(op string, domain uint16, devID int, inner error) *Error {
	e := WrapError(op, inner)
	if e != nil {
		e.Domain, e.Device = domain, devID
	}
	return e
}

func classify(err error) ErrorCode {
	switch {
	case errors.Is(err, ring.ErrOverflow):
		return ErrCodeRingOverflow
	case errors.Is(err, queue.ErrFaulted), errors.Is(err, ring.ErrTooSmall), errors.Is(err, ring.ErrMisaligned):
		return ErrCodeProtocol
	case errors.Is(err, grant.ErrMapFailed), errors.Is(err, grant.ErrNotContiguous), errors.Is(err, grant.ErrDuplicateRef):
		return ErrCodeGrantFailure
	case errors.Is(err, interfaces.ErrExecutorBusy), errors.Is(err, pending.ErrInvalidSize):
		return ErrCodeResourceExhausted
	case errors.Is(err, vdev.ErrNotFound), errors.Is(err, interfaces.ErrNotFound):
		return ErrCodeDeviceAbsent
	case errors.Is(err, ctrl.ErrNoEntry), errors.Is(err, ctrl.ErrBadValue), errors.Is(err, evtchn.ErrUnknownPort):
		return ErrCodeInvalidParameters
	case errors.Is(err, evtchn.ErrClosed), errors.Is(err, interfaces.ErrClosed), errors.Is(err, context.Canceled):
		return ErrCodeStopped
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return mapErrnoToCode(errno)
	}
	return ErrCodeIOError
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV, syscall.ENXIO:
		return ErrCodeDeviceAbsent
	case syscall.EBUSY, syscall.EAGAIN, syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeResourceExhausted
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.EFAULT:
		return ErrCodeGrantFailure
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.ESHUTDOWN, syscall.EBADF:
		return ErrCodeStopped
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err carries code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err carries errno
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
