package buffer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/caffeineduck/ffiutil/ffierr"
)

// TextMode selects how strings are laid out in foreign memory.
type TextMode uint8

const (
	// TextNulTerminated stores text followed by a NUL byte. Embedded NULs are
	// rejected because the reader could not tell them from the terminator.
	TextNulTerminated TextMode = iota
	// TextCounted relies on the explicit length; embedded NULs are preserved.
	TextCounted
)

const (
	opTextToForeign   = "buffer.text_to_foreign"
	opTextFromForeign = "buffer.text_from_foreign"
	opCString         = "buffer.cstring_from_foreign"
)

func (t TextMode) String() string {
	switch t {
	case TextNulTerminated:
		return "nul"
	case TextCounted:
		return "counted"
	default:
		return fmt.Sprintf("TextMode(%d)", uint8(t))
	}
}

// ParseTextMode parses "nul" or "counted".
func ParseTextMode(s string) (TextMode, error) {
	switch strings.ToLower(s) {
	case "nul", "nul-terminated", "cstring":
		return TextNulTerminated, nil
	case "counted", "length":
		return TextCounted, nil
	default:
		return 0, fmt.Errorf("invalid text mode %q (expected nul or counted)", s)
	}
}

// TextToForeign copies s into a native-owned block. In NUL-terminated mode
// Len excludes the terminator and Cap includes it, so even "" allocates.
func (m *Marshaler) TextToForeign(s string) (Buffer, error) {
	if err := m.checkText(opTextToForeign, s); err != nil {
		return Buffer{}, err
	}
	if m.mode == TextNulTerminated {
		return m.place(opTextToForeign, []byte(s), 1)
	}
	if len(s) == 0 {
		return Buffer{Owner: OwnerNative}, nil
	}
	return m.place(opTextToForeign, []byte(s), 0)
}

// TextFromForeign copies buf.Len bytes and validates them as text.
func (m *Marshaler) TextFromForeign(buf Buffer) (string, error) {
	data, err := m.FromForeign(buf)
	if err != nil {
		return "", err
	}
	s := string(data)
	if err := m.checkText(opTextFromForeign, s); err != nil {
		return "", err
	}
	return s, nil
}

// CStringFromForeign reads a NUL-terminated string starting at ptr.
func (m *Marshaler) CStringFromForeign(ptr uintptr) (string, error) {
	if ptr == 0 {
		return "", ffierr.InvalidPointer(opCString, "null string pointer")
	}
	r, ok := m.space.(CStringReader)
	if !ok {
		return "", ffierr.New(ffierr.CodeUnexpected).
			Op(opCString).
			Detail("%s space cannot scan for NUL terminators", m.space.Name()).
			Build()
	}
	data, err := r.ReadCString(ptr, m.cstringMax)
	if err != nil {
		return "", ffierr.New(ffierr.CodeInvalidPointer).
			Op(opCString).
			Detail("read string at %#x", ptr).
			Cause(err).
			Build()
	}
	s := string(data)
	if off := invalidUTF8(s); off >= 0 {
		return "", ffierr.InvalidText(opCString, off, "invalid UTF-8")
	}
	return s, nil
}

func (m *Marshaler) checkText(op, s string) error {
	if off := invalidUTF8(s); off >= 0 {
		return ffierr.InvalidText(op, off, "invalid UTF-8")
	}
	if m.mode == TextNulTerminated {
		if off := strings.IndexByte(s, 0); off >= 0 {
			return ffierr.InvalidText(op, off, "embedded NUL")
		}
	}
	return nil
}

// invalidUTF8 returns the offset of the first invalid byte, or -1.
func invalidUTF8(s string) int {
	if utf8.ValidString(s) {
		return -1
	}
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return -1
}
