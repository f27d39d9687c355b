package wasmabi

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/caffeineduck/ffiutil/buffer"
	"github.com/tetratelabs/wazero/api"
)

// PageSize is the size of one WebAssembly memory page.
const PageSize = 65536

const guestAlign = 8

// ErrArenaFull is returned when no free span can hold an allocation.
var ErrArenaFull = errors.New("guest arena exhausted")

type span struct {
	off, size uint32
}

// GuestSpace allocates native-owned blocks inside a guest's linear memory.
// The arena is a run of pages grown at construction; the guest's own
// allocator never sees it.
type GuestSpace struct {
	mem api.Memory

	mu    sync.Mutex
	base  uint32
	end   uint32
	free  []span
	inUse map[uint32]uint32
}

// NewGuestSpace grows mem by pages and manages the new pages as an arena.
func NewGuestSpace(mem api.Memory, pages uint32) (*GuestSpace, error) {
	if mem == nil {
		return nil, errors.New("guest exports no memory")
	}
	if pages == 0 {
		return nil, errors.New("arena needs at least one page")
	}
	prev, ok := mem.Grow(pages)
	if !ok {
		return nil, fmt.Errorf("grow guest memory by %d pages", pages)
	}

	base, start, end, err := arenaBounds(prev, pages)
	if err != nil {
		return nil, err
	}

	return &GuestSpace{
		mem:   mem,
		base:  base,
		end:   end,
		free:  []span{{off: start, size: end - start}},
		inUse: make(map[uint32]uint32),
	}, nil
}

// arenaBounds computes the arena for pages grown after prev existing pages.
// The 32-bit address space ends at 1<<32, which uint32 cannot hold, so an
// arena reaching it gives up its last alignment unit.
func arenaBounds(prev, pages uint32) (base, start, end uint32, err error) {
	const limit = uint64(1) << 32

	lo := uint64(prev) * PageSize
	hi := lo + uint64(pages)*PageSize
	if hi > limit {
		return 0, 0, 0, fmt.Errorf("arena [%#x, %#x) exceeds the 32-bit address space", lo, hi)
	}
	if hi == limit {
		hi -= guestAlign
	}

	base, end = uint32(lo), uint32(hi)
	start = base
	if start == 0 {
		// keep address 0 meaning null
		start = guestAlign
	}
	return base, start, end, nil
}

func (g *GuestSpace) Name() string { return "wasm" }

// Bounds returns the arena's [start, end) offsets in guest memory.
func (g *GuestSpace) Bounds() (uint32, uint32) { return g.base, g.end }

func (g *GuestSpace) Alloc(n uintptr) (uintptr, error) {
	size := alignUp(n)
	if size == 0 || size > uintptr(g.end-g.base) {
		return 0, fmt.Errorf("%w: %d bytes", ErrArenaFull, n)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for i, s := range g.free {
		if uintptr(s.size) < size {
			continue
		}
		off := s.off
		if uintptr(s.size) == size {
			g.free = append(g.free[:i], g.free[i+1:]...)
		} else {
			g.free[i] = span{off: s.off + uint32(size), size: s.size - uint32(size)}
		}
		g.inUse[off] = uint32(size)
		return uintptr(off), nil
	}
	return 0, fmt.Errorf("%w: %d bytes", ErrArenaFull, n)
}

func (g *GuestSpace) Free(ptr uintptr) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	off := uint32(ptr)
	size, ok := g.inUse[off]
	if !ok || uintptr(off) != ptr {
		return buffer.ErrNotAllocated
	}
	delete(g.inUse, off)
	g.release(span{off: off, size: size})
	return nil
}

// release returns s to the free list, merging neighbors. Caller holds mu.
func (g *GuestSpace) release(s span) {
	i := sort.Search(len(g.free), func(i int) bool { return g.free[i].off > s.off })
	g.free = append(g.free, span{})
	copy(g.free[i+1:], g.free[i:])
	g.free[i] = s

	if i+1 < len(g.free) && g.free[i].off+g.free[i].size == g.free[i+1].off {
		g.free[i].size += g.free[i+1].size
		g.free = append(g.free[:i+1], g.free[i+2:]...)
	}
	if i > 0 && g.free[i-1].off+g.free[i-1].size == g.free[i].off {
		g.free[i-1].size += g.free[i].size
		g.free = append(g.free[:i], g.free[i+1:]...)
	}
}

// Read copies n bytes at ptr. Any address in guest memory is readable, not
// only the arena, so guest-owned inputs can be consumed.
func (g *GuestSpace) Read(ptr, n uintptr) ([]byte, error) {
	off, size, err := g.rangeOf(ptr, n)
	if err != nil {
		return nil, err
	}
	view, ok := g.mem.Read(off, size)
	if !ok {
		return nil, fmt.Errorf("%w: %#x+%d", buffer.ErrOutOfRange, ptr, n)
	}
	return bytes.Clone(view), nil
}

func (g *GuestSpace) Write(ptr uintptr, b []byte) error {
	off, _, err := g.rangeOf(ptr, uintptr(len(b)))
	if err != nil {
		return err
	}
	if !g.mem.Write(off, b) {
		return fmt.Errorf("%w: %#x+%d", buffer.ErrOutOfRange, ptr, len(b))
	}
	return nil
}

func (g *GuestSpace) ReadCString(ptr, limit uintptr) ([]byte, error) {
	size := uintptr(g.mem.Size())
	if ptr >= size {
		return nil, fmt.Errorf("%w: %#x", buffer.ErrOutOfRange, ptr)
	}
	n := size - ptr
	if n > limit {
		n = limit
	}
	view, ok := g.mem.Read(uint32(ptr), uint32(n))
	if !ok {
		return nil, fmt.Errorf("%w: %#x", buffer.ErrOutOfRange, ptr)
	}
	i := bytes.IndexByte(view, 0)
	if i < 0 {
		return nil, buffer.ErrNoTerminator
	}
	return bytes.Clone(view[:i]), nil
}

// WriteBuffer stores b as three little-endian u32 values {ptr, len, cap} at
// off.
func (g *GuestSpace) WriteBuffer(off uint32, b buffer.Buffer) bool {
	return g.mem.WriteUint32Le(off, uint32(b.Ptr)) &&
		g.mem.WriteUint32Le(off+4, uint32(b.Len)) &&
		g.mem.WriteUint32Le(off+8, uint32(b.Cap))
}

// ReadBuffer is the inverse of WriteBuffer. The owner is left unknown.
func (g *GuestSpace) ReadBuffer(off uint32) (buffer.Buffer, bool) {
	ptr, ok1 := g.mem.ReadUint32Le(off)
	n, ok2 := g.mem.ReadUint32Le(off + 4)
	c, ok3 := g.mem.ReadUint32Le(off + 8)
	if !ok1 || !ok2 || !ok3 {
		return buffer.Buffer{}, false
	}
	return buffer.Buffer{Ptr: uintptr(ptr), Len: uintptr(n), Cap: uintptr(c)}, true
}

// Allocated returns the number of live arena blocks.
func (g *GuestSpace) Allocated() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inUse)
}

func (g *GuestSpace) rangeOf(ptr, n uintptr) (uint32, uint32, error) {
	if ptr > 0xFFFFFFFF || n > 0xFFFFFFFF || ptr+n > 0xFFFFFFFF {
		return 0, 0, fmt.Errorf("%w: %#x+%d exceeds 32-bit memory", buffer.ErrOutOfRange, ptr, n)
	}
	return uint32(ptr), uint32(n), nil
}

func alignUp(n uintptr) uintptr {
	if n == 0 {
		return guestAlign
	}
	return (n + guestAlign - 1) &^ (guestAlign - 1)
}
