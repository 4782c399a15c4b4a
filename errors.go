package vaudio

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-vaudio/internal/ctrl"
	"github.com/ehrlich-b/go-vaudio/internal/virtq"
	"github.com/ehrlich-b/go-vaudio/memory"
)

// Error represents a structured vaudio error with context
type Error struct {
	Op    string    // Operation that failed (e.g., "CONFIGURE", "SUBMIT")
	Queue int       // Queue number (-1 if not applicable)
	Code  ErrorCode // High-level error category
	Msg   string    // Human-readable message
	Inner error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	switch {
	case e.Op != "" && e.Queue >= 0:
		return fmt.Sprintf("vaudio: %s (op=%s queue=%d)", msg, e.Op, e.Queue)
	case e.Op != "":
		return fmt.Sprintf("vaudio: %s (op=%s)", msg, e.Op)
	default:
		return fmt.Sprintf("vaudio: %s", msg)
	}
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel errors and other structured errors by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if se, ok := target.(SentinelError); ok {
		return e.Code == ErrorCode(se)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters   ErrorCode = "invalid parameters"
	ErrCodeInsufficientMemory  ErrorCode = "insufficient memory"
	ErrCodeNotReady            ErrorCode = "not ready"
	ErrCodeBufferTooFragmented ErrorCode = "buffer too fragmented"
	ErrCodeNotFound            ErrorCode = "not found"
	ErrCodeInvalidState        ErrorCode = "invalid state"
	ErrCodeDeviceClosed        ErrorCode = "device closed"
	ErrCodeIOError             ErrorCode = "I/O error"
)

// SentinelError lets callers compare with errors.Is without building an *Error
type SentinelError string

func (e SentinelError) Error() string {
	return string(e)
}

const (
	ErrInvalidParameters   SentinelError = "invalid parameters"
	ErrInsufficientMemory  SentinelError = "insufficient memory"
	ErrNotReady            SentinelError = "not ready"
	ErrBufferTooFragmented SentinelError = "buffer too fragmented"
	ErrNotFound            SentinelError = "not found"
	ErrInvalidState        SentinelError = "invalid state"
	ErrDeviceClosed        SentinelError = "device closed"
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, queue int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: queue,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with vaudio context
func WrapError(op string, inner error) *Error {
	return WrapQueueError(op, -1, inner)
}

// WrapQueueError wraps an existing error that happened on a queue
func WrapQueueError(op string, queue int, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var ve *Error
	if errors.As(inner, &ve) {
		q := ve.Queue
		if q < 0 {
			q = queue
		}
		return &Error{
			Op:    op,
			Queue: q,
			Code:  ve.Code,
			Msg:   ve.Msg,
			Inner: ve.Inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: queue,
		Code:  mapCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapCode maps the internal package errors to error codes
func mapCode(err error) ErrorCode {
	switch {
	case errors.Is(err, virtq.ErrNotReady):
		return ErrCodeNotReady
	case errors.Is(err, virtq.ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ctrl.ErrSGLOverflow):
		return ErrCodeBufferTooFragmented
	case errors.Is(err, virtq.ErrNoMemory), errors.Is(err, memory.ErrOutOfMemory):
		return ErrCodeInsufficientMemory
	case errors.Is(err, virtq.ErrClosed), errors.Is(err, memory.ErrClosed):
		return ErrCodeDeviceClosed
	case errors.Is(err, ctrl.ErrInvalidParams), errors.Is(err, ctrl.ErrInvalidCommand),
		errors.Is(err, virtq.ErrInvalidChain), errors.Is(err, memory.ErrBadAddress):
		return ErrCodeInvalidParameters
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}
