package buffer

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/caffeineduck/ffiutil/ffierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMarshaler(opts ...Option) (*Marshaler, *HeapSpace) {
	space := NewHeapSpace()
	return NewMarshaler(space, opts...), space
}

func TestRoundTrip(t *testing.T) {
	m, space := newTestMarshaler()
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		b := make([]byte, rng.Intn(512))
		rng.Read(b)

		buf, err := m.ToForeign(b)
		require.NoError(t, err)
		assert.Equal(t, OwnerNative, buf.Owner)
		assert.Equal(t, uintptr(len(b)), buf.Len)
		assert.Equal(t, buf.Len, buf.Cap)

		got, err := m.FromForeign(buf)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(b, got), "iteration %d", i)

		require.NoError(t, m.Release(buf))
	}

	assert.Zero(t, m.Live())
	assert.Zero(t, space.Blocks())
}

func TestToForeignDoesNotAlias(t *testing.T) {
	m, _ := newTestMarshaler()
	src := []byte("hello")

	buf, err := m.ToForeign(src)
	require.NoError(t, err)
	src[0] = 'j'

	got, err := m.FromForeign(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got[0] = 'y'
	again, err := m.FromForeign(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(again))
}

func TestEmptyBuffer(t *testing.T) {
	m, space := newTestMarshaler()

	buf, err := m.ToForeign(nil)
	require.NoError(t, err)
	assert.True(t, buf.Empty())
	assert.Equal(t, OwnerNative, buf.Owner)
	assert.Zero(t, space.Blocks())

	got, err := m.FromForeign(buf)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.NoError(t, m.Release(buf))
}

func TestFromForeignInvalidPointer(t *testing.T) {
	m, _ := newTestMarshaler()

	_, err := m.FromForeign(Buffer{Ptr: 0, Len: 4, Owner: OwnerForeign})
	assert.ErrorIs(t, err, ffierr.ErrInvalidPointer)

	_, err = m.FromForeign(Buffer{Ptr: 0x10000, Len: 8, Cap: 4, Owner: OwnerForeign})
	assert.ErrorIs(t, err, ffierr.ErrInvalidPointer)

	_, err = m.FromForeign(Buffer{Ptr: 0xdead0000, Len: 4, Owner: OwnerForeign})
	assert.ErrorIs(t, err, ffierr.ErrInvalidPointer)
}

func TestFromForeignDoesNotTakeOwnership(t *testing.T) {
	m, space := newTestMarshaler()
	in := space.Lend([]byte("caller data"))

	got, err := m.FromForeign(in)
	require.NoError(t, err)
	assert.Equal(t, "caller data", string(got))

	assert.Equal(t, 1, space.Blocks())
	assert.Zero(t, m.Live())
	require.NoError(t, space.Reclaim(in))
}

func TestReleaseTwice(t *testing.T) {
	m, _ := newTestMarshaler()

	buf, err := m.ToForeign([]byte("once"))
	require.NoError(t, err)
	require.NoError(t, m.Release(buf))

	err = m.Release(buf)
	require.Error(t, err)
	assert.Equal(t, ffierr.CodeDoubleRelease, ffierr.ToValue(err).Code)
}

func TestReleaseTwiceWithoutLedger(t *testing.T) {
	m, _ := newTestMarshaler(WithLedger(false))

	buf, err := m.ToForeign([]byte("once"))
	require.NoError(t, err)
	require.NoError(t, m.Release(buf))

	err = m.Release(buf)
	assert.ErrorIs(t, err, ffierr.ErrDoubleRelease)
	assert.Zero(t, m.Live())
}

func TestOwns(t *testing.T) {
	m, space := newTestMarshaler()

	buf, err := m.ToForeign([]byte("mine"))
	require.NoError(t, err)
	assert.True(t, m.Owns(buf.Ptr))
	assert.False(t, m.Owns(space.Lend([]byte("theirs")).Ptr))

	require.NoError(t, m.Release(buf))
	assert.False(t, m.Owns(buf.Ptr))

	off, _ := newTestMarshaler(WithLedger(false))
	buf, err = off.ToForeign([]byte("untracked"))
	require.NoError(t, err)
	assert.False(t, off.Owns(buf.Ptr))
	require.NoError(t, off.Release(buf))
}

func TestReleaseRejectsNonNative(t *testing.T) {
	m, space := newTestMarshaler()
	in := space.Lend([]byte("theirs"))

	err := m.Release(in)
	assert.ErrorIs(t, err, ffierr.ErrInvalidOwner)
	assert.Equal(t, 1, space.Blocks())

	buf, err := m.ToForeign([]byte("ours"))
	require.NoError(t, err)
	buf.Owner = OwnerUnknown
	assert.ErrorIs(t, m.Release(buf), ffierr.ErrInvalidOwner)
}

func TestReleaseCapacityMismatch(t *testing.T) {
	m, _ := newTestMarshaler()

	buf, err := m.ToForeign([]byte("abcdef"))
	require.NoError(t, err)

	tampered := buf
	tampered.Cap = 2
	assert.ErrorIs(t, m.Release(tampered), ffierr.ErrInvalidPointer)

	assert.Equal(t, 1, m.Live())
	assert.NoError(t, m.Release(buf))
}

type failingSpace struct{ *HeapSpace }

func (failingSpace) Alloc(uintptr) (uintptr, error) { return 0, errors.New("out of memory") }

func TestAllocFailure(t *testing.T) {
	m := NewMarshaler(failingSpace{NewHeapSpace()})

	_, err := m.ToForeign([]byte("x"))
	assert.ErrorIs(t, err, ffierr.ErrAllocFailed)
}

func TestHeapSpaceBounds(t *testing.T) {
	space := NewHeapSpace()

	a, err := space.Alloc(10)
	require.NoError(t, err)
	b, err := space.Alloc(10)
	require.NoError(t, err)
	assert.Greater(t, b, a+10)

	_, err = space.Read(a, 11)
	assert.ErrorIs(t, err, ErrOutOfRange)

	require.NoError(t, space.Write(a+4, []byte("xyz")))
	got, err := space.Read(a+4, 3)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(got))

	require.NoError(t, space.Free(a))
	assert.ErrorIs(t, space.Free(a), ErrNotAllocated)
	_, err = space.Read(a, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}
