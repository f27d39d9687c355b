package buffer

import (
	"testing"

	"github.com/caffeineduck/ffiutil/ffierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextNulTerminated(t *testing.T) {
	m, space := newTestMarshaler(WithTextMode(TextNulTerminated))

	buf, err := m.TextToForeign("héllo")
	require.NoError(t, err)
	assert.Equal(t, uintptr(len("héllo")), buf.Len)
	assert.Equal(t, buf.Len+1, buf.Cap)

	raw, err := space.Read(buf.Ptr, buf.Cap)
	require.NoError(t, err)
	assert.Equal(t, byte(0), raw[len(raw)-1])

	s, err := m.TextFromForeign(buf)
	require.NoError(t, err)
	assert.Equal(t, "héllo", s)

	cs, err := m.CStringFromForeign(buf.Ptr)
	require.NoError(t, err)
	assert.Equal(t, "héllo", cs)

	require.NoError(t, m.Release(buf))
}

func TestTextNulTerminatedRejectsEmbeddedNul(t *testing.T) {
	m, space := newTestMarshaler(WithTextMode(TextNulTerminated))

	_, err := m.TextToForeign("ab\x00cd")
	require.Error(t, err)
	assert.Equal(t, ffierr.CodeInvalidText, ffierr.ToValue(err).Code)
	assert.Zero(t, space.Blocks())

	in := space.Lend([]byte("ab\x00cd"))
	_, err = m.TextFromForeign(in)
	assert.ErrorIs(t, err, ffierr.ErrInvalidText)
}

func TestTextCountedPreservesEmbeddedNul(t *testing.T) {
	m, _ := newTestMarshaler(WithTextMode(TextCounted))

	buf, err := m.TextToForeign("ab\x00cd")
	require.NoError(t, err)
	assert.Equal(t, uintptr(5), buf.Len)
	assert.Equal(t, buf.Len, buf.Cap)

	s, err := m.TextFromForeign(buf)
	require.NoError(t, err)
	assert.Equal(t, "ab\x00cd", s)

	require.NoError(t, m.Release(buf))
}

func TestTextRejectsInvalidUTF8(t *testing.T) {
	for _, mode := range []TextMode{TextNulTerminated, TextCounted} {
		t.Run(mode.String(), func(t *testing.T) {
			m, space := newTestMarshaler(WithTextMode(mode))

			_, err := m.TextToForeign("ok\xffno")
			require.Error(t, err)
			var fe *ffierr.Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, ffierr.CodeInvalidText, fe.Code)
			assert.Equal(t, 2, fe.Value)

			in := space.Lend([]byte{0xc3})
			_, err = m.TextFromForeign(in)
			assert.ErrorIs(t, err, ffierr.ErrInvalidText)
		})
	}
}

func TestEmptyText(t *testing.T) {
	nul, nulSpace := newTestMarshaler(WithTextMode(TextNulTerminated))
	buf, err := nul.TextToForeign("")
	require.NoError(t, err)
	assert.NotZero(t, buf.Ptr)
	assert.Equal(t, uintptr(1), buf.Cap)
	assert.Equal(t, 1, nulSpace.Blocks())
	require.NoError(t, nul.Release(buf))

	counted, _ := newTestMarshaler(WithTextMode(TextCounted))
	buf, err = counted.TextToForeign("")
	require.NoError(t, err)
	assert.True(t, buf.Empty())
}

func TestCStringFromForeign(t *testing.T) {
	m, space := newTestMarshaler(WithCStringLimit(8))

	_, err := m.CStringFromForeign(0)
	assert.ErrorIs(t, err, ffierr.ErrInvalidPointer)

	in := space.Lend([]byte("abc\x00def"))
	s, err := m.CStringFromForeign(in.Ptr)
	require.NoError(t, err)
	assert.Equal(t, "abc", s)

	long := space.Lend([]byte("0123456789\x00"))
	_, err = m.CStringFromForeign(long.Ptr)
	assert.ErrorIs(t, err, ffierr.ErrInvalidPointer)
}

func TestParseTextMode(t *testing.T) {
	mode, err := ParseTextMode("NUL")
	require.NoError(t, err)
	assert.Equal(t, TextNulTerminated, mode)

	mode, err = ParseTextMode("counted")
	require.NoError(t, err)
	assert.Equal(t, TextCounted, mode)

	_, err = ParseTextMode("utf16")
	assert.Error(t, err)
}
