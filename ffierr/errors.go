package ffierr

import (
	"fmt"
	"strings"
)

// Error is the structured error used inside the boundary layer.
type Error struct {
	Value  any
	Cause  error
	Op     string
	Detail string
	Code   Code
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteByte('[')
		b.WriteString(e.Op)
		b.WriteString("] ")
	}
	b.WriteString(e.Code.String())

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(code Code) *Builder {
	return &Builder{err: Error{Code: code}}
}

// Op sets the boundary operation name
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	e := b.err
	return &e
}

// Sentinels for errors.Is checks. Only the code is compared.
var (
	ErrInvalidPointer = &Error{Code: CodeInvalidPointer}
	ErrInvalidText    = &Error{Code: CodeInvalidText}
	ErrInternalFault  = &Error{Code: CodeInternalFault}
	ErrUnknownHandle  = &Error{Code: CodeUnknownHandle}
	ErrDoubleFire     = &Error{Code: CodeDoubleFire}
	ErrCancelled      = &Error{Code: CodeCancelled}
	ErrDoubleRelease  = &Error{Code: CodeDoubleRelease}
	ErrInvalidOwner   = &Error{Code: CodeInvalidOwner}
	ErrClosed         = &Error{Code: CodeClosed}
	ErrAllocFailed    = &Error{Code: CodeAllocFailed}
)

// InvalidPointer creates an invalid pointer error
func InvalidPointer(op, detail string) *Error {
	return &Error{
		Code:   CodeInvalidPointer,
		Op:     op,
		Detail: detail,
	}
}

// InvalidText creates an invalid text error. offset is the byte position of
// the first offending byte.
func InvalidText(op string, offset int, reason string) *Error {
	return &Error{
		Code:   CodeInvalidText,
		Op:     op,
		Detail: fmt.Sprintf("%s at byte %d", reason, offset),
		Value:  offset,
	}
}

// Fault creates an internal fault error from a recovered panic value.
func Fault(op string, recovered any) *Error {
	e := &Error{
		Code:  CodeInternalFault,
		Op:    op,
		Value: recovered,
	}
	switch r := recovered.(type) {
	case error:
		e.Detail = "panic: " + r.Error()
		e.Cause = r
	case string:
		e.Detail = "panic: " + r
	default:
		e.Detail = fmt.Sprintf("panic: %v", r)
	}
	return e
}

// UnknownHandle creates an unknown handle error
func UnknownHandle(op string, handle uint64) *Error {
	return &Error{
		Code:   CodeUnknownHandle,
		Op:     op,
		Detail: fmt.Sprintf("handle %d was never issued", handle),
		Value:  handle,
	}
}

// DoubleFire creates a double fire error
func DoubleFire(op string, handle uint64) *Error {
	return &Error{
		Code:   CodeDoubleFire,
		Op:     op,
		Detail: fmt.Sprintf("handle %d already completed", handle),
		Value:  handle,
	}
}

// Cancelled creates a cancellation error
func Cancelled(op string) *Error {
	return &Error{
		Code:   CodeCancelled,
		Op:     op,
		Detail: "cancelled at shutdown",
	}
}

// DoubleRelease creates a double release error
func DoubleRelease(op string, ptr uintptr) *Error {
	return &Error{
		Code:   CodeDoubleRelease,
		Op:     op,
		Detail: fmt.Sprintf("buffer %#x is not live", ptr),
		Value:  ptr,
	}
}

// InvalidOwner creates an invalid owner error
func InvalidOwner(op string, owner fmt.Stringer) *Error {
	return &Error{
		Code:   CodeInvalidOwner,
		Op:     op,
		Detail: fmt.Sprintf("cannot release %s-owned buffer", owner),
		Value:  owner,
	}
}

// Closed creates a closed error
func Closed(op, what string) *Error {
	return &Error{
		Code:   CodeClosed,
		Op:     op,
		Detail: what + " is shut down",
	}
}

// AllocFailed creates an allocation failure error
func AllocFailed(op string, size uintptr, cause error) *Error {
	return &Error{
		Code:   CodeAllocFailed,
		Op:     op,
		Detail: fmt.Sprintf("failed to allocate %d bytes", size),
		Cause:  cause,
	}
}
