package wasmabi

import (
	"context"
	"testing"

	"github.com/caffeineduck/ffiutil/buffer"
	"github.com/caffeineduck/ffiutil/ffierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func instantiate(t *testing.T, wasm []byte) api.Module {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })

	mod, err := rt.Instantiate(ctx, wasm)
	require.NoError(t, err)
	return mod
}

func newSpace(t *testing.T, pages uint32) (*GuestSpace, api.Memory) {
	t.Helper()
	mod := instantiate(t, memoryModule)
	space, err := NewGuestSpace(mod.Memory(), pages)
	require.NoError(t, err)
	return space, mod.Memory()
}

func TestGuestSpaceArena(t *testing.T) {
	space, mem := newSpace(t, 1)

	lo, hi := space.Bounds()
	assert.Equal(t, uint32(PageSize), lo)
	assert.Equal(t, uint32(2*PageSize), hi)
	assert.Equal(t, uint32(2*PageSize), mem.Size())
}

func TestGuestSpaceFirstFit(t *testing.T) {
	space, _ := newSpace(t, 1)

	a, err := space.Alloc(5)
	require.NoError(t, err)
	b, err := space.Alloc(8)
	require.NoError(t, err)

	assert.Equal(t, uintptr(PageSize), a)
	assert.Equal(t, a+8, b)
	assert.Zero(t, b%guestAlign)

	require.NoError(t, space.Free(a))
	c, err := space.Alloc(3)
	require.NoError(t, err)
	assert.Equal(t, a, c)
	assert.Equal(t, 2, space.Allocated())
}

func TestGuestSpaceExhaustionAndCoalesce(t *testing.T) {
	space, _ := newSpace(t, 1)

	a, err := space.Alloc(PageSize / 2)
	require.NoError(t, err)
	b, err := space.Alloc(PageSize / 2)
	require.NoError(t, err)

	_, err = space.Alloc(1)
	assert.ErrorIs(t, err, ErrArenaFull)

	require.NoError(t, space.Free(b))
	require.NoError(t, space.Free(a))

	whole, err := space.Alloc(PageSize)
	require.NoError(t, err)
	assert.Equal(t, a, whole)

	_, err = space.Alloc(2 * PageSize)
	assert.ErrorIs(t, err, ErrArenaFull)
}

func TestGuestSpaceFreeUnknown(t *testing.T) {
	space, _ := newSpace(t, 1)

	assert.ErrorIs(t, space.Free(PageSize+64), buffer.ErrNotAllocated)

	p, err := space.Alloc(16)
	require.NoError(t, err)
	assert.ErrorIs(t, space.Free(p+1), buffer.ErrNotAllocated)
	require.NoError(t, space.Free(p))
	assert.ErrorIs(t, space.Free(p), buffer.ErrNotAllocated)
}

func TestGuestSpaceZeroPageMemory(t *testing.T) {
	mod := instantiate(t, emptyMemoryModule())
	space, err := NewGuestSpace(mod.Memory(), 1)
	require.NoError(t, err)

	p, err := space.Alloc(1)
	require.NoError(t, err)
	assert.NotZero(t, p)
}

func TestGuestSpaceRejects(t *testing.T) {
	_, err := NewGuestSpace(nil, 1)
	assert.Error(t, err)

	mod := instantiate(t, memoryModule)
	_, err = NewGuestSpace(mod.Memory(), 0)
	assert.Error(t, err)
}

func TestArenaBounds(t *testing.T) {
	tests := []struct {
		name             string
		prev, pages      uint32
		base, start, end uint32
		wantErr          bool
	}{
		{name: "after one page", prev: 1, pages: 1, base: PageSize, start: PageSize, end: 2 * PageSize},
		{name: "from zero", prev: 0, pages: 2, base: 0, start: guestAlign, end: 2 * PageSize},
		{name: "ends at 4GiB", prev: 65535, pages: 1, base: 65535 * PageSize, start: 65535 * PageSize, end: 1<<32 - guestAlign},
		{name: "whole address space", prev: 0, pages: 65536, base: 0, start: guestAlign, end: 1<<32 - guestAlign},
		{name: "past 4GiB", prev: 65535, pages: 2, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, start, end, err := arenaBounds(tt.prev, tt.pages)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.base, base)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
			assert.Greater(t, end, start)
		})
	}
}

func TestGuestSpaceMarshalRoundTrip(t *testing.T) {
	space, _ := newSpace(t, 1)
	m := buffer.NewMarshaler(space)

	buf, err := m.ToForeign([]byte("guest bytes"))
	require.NoError(t, err)
	lo, hi := space.Bounds()
	assert.GreaterOrEqual(t, uint32(buf.Ptr), lo)
	assert.Less(t, uint32(buf.Ptr), hi)

	got, err := m.FromForeign(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("guest bytes"), got)

	require.NoError(t, m.Release(buf))
	assert.ErrorIs(t, m.Release(buf), ffierr.ErrDoubleRelease)
	assert.Zero(t, space.Allocated())
}

func TestGuestSpaceReadsGuestMemory(t *testing.T) {
	space, mem := newSpace(t, 1)
	require.True(t, mem.Write(100, []byte("abc\x00tail")))

	got, err := space.Read(100, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	s, err := space.ReadCString(100, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), s)

	_, err = space.ReadCString(100, 2)
	assert.ErrorIs(t, err, buffer.ErrNoTerminator)

	_, err = space.Read(uintptr(mem.Size()), 4)
	assert.ErrorIs(t, err, buffer.ErrOutOfRange)
	assert.ErrorIs(t, space.Write(uintptr(mem.Size())-2, []byte("four")), buffer.ErrOutOfRange)

	text, err := buffer.NewMarshaler(space).CStringFromForeign(100)
	require.NoError(t, err)
	assert.Equal(t, "abc", text)
}

func TestGuestSpaceBufferTriple(t *testing.T) {
	space, mem := newSpace(t, 1)

	want := buffer.Buffer{Ptr: 0x10008, Len: 5, Cap: 6}
	require.True(t, space.WriteBuffer(echoOutOffset, want))

	got, ok := space.ReadBuffer(echoOutOffset)
	require.True(t, ok)
	assert.Equal(t, want, got)

	c, ok := mem.ReadUint32Le(echoOutOffset + 8)
	require.True(t, ok)
	assert.Equal(t, uint32(6), c)

	assert.False(t, space.WriteBuffer(mem.Size()-4, want))
}
