package ffierr

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

// Value is the boundary representation of an outcome.
type Value struct {
	Code        Code
	Description string
}

// OK is the success value.
var OK = Value{Code: CodeSuccess}

// Coder is implemented by library errors that carry their own code.
// Codes must be at or below AppCodeBase.
type Coder interface {
	FFICode() Code
}

// IsOK reports whether v represents success.
func (v Value) IsOK() bool {
	return v.Code == CodeSuccess
}

// Err converts v back into an error, or nil on success.
func (v Value) Err() error {
	if v.IsOK() {
		return nil
	}
	return &Error{Code: v.Code, Detail: v.Description}
}

func (v Value) String() string {
	if v.IsOK() {
		return v.Code.String()
	}
	return v.Code.String() + ": " + v.Description
}

// ToValue maps err onto the taxonomy. It never returns CodeSuccess for a
// non-nil error.
func ToValue(err error) Value {
	if err == nil {
		return OK
	}
	return Value{
		Code:        codeOf(err),
		Description: describe(err),
	}
}

// ValueOf builds a Value for a code without an underlying error.
func ValueOf(code Code) Value {
	if code == CodeSuccess {
		return OK
	}
	info, ok := codeIndex[code]
	if !ok {
		return Value{Code: code, Description: code.String()}
	}
	return Value{Code: code, Description: info.Description}
}

func codeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) && fe.Code != CodeSuccess {
		if fe.Code.Known() || fe.Code.Application() {
			return fe.Code
		}
		return CodeUnexpected
	}

	var coder Coder
	if errors.As(err, &coder) {
		if c := coder.FFICode(); c.Application() {
			return c
		}
		return CodeUnexpected
	}

	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeUnexpected
}

// describe renders err as text that survives both text marshaling modes.
func describe(err error) string {
	msg := Sanitize(err.Error())
	if msg == "" {
		return codeOf(err).String()
	}
	return msg
}

// Sanitize makes s valid UTF-8 and removes NUL bytes.
func Sanitize(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", string(utf8.RuneError))
	}
	return s
}
