package buffer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Space is an address space reachable by foreign code.
type Space interface {
	// Alloc reserves n bytes and returns their address. n is never zero.
	Alloc(n uintptr) (uintptr, error)
	// Free returns a block obtained from Alloc.
	Free(ptr uintptr) error
	// Read copies n bytes starting at ptr.
	Read(ptr, n uintptr) ([]byte, error)
	// Write copies b to ptr.
	Write(ptr uintptr, b []byte) error
	// Name identifies the space in logs.
	Name() string
}

// CStringReader is implemented by spaces that can scan for a NUL terminator.
type CStringReader interface {
	// ReadCString returns the bytes at ptr up to, not including, the first
	// NUL. It fails if no NUL occurs within limit bytes.
	ReadCString(ptr, limit uintptr) ([]byte, error)
}

var (
	ErrNotAllocated = errors.New("address not allocated")
	ErrOutOfRange   = errors.New("address range outside any block")
	ErrNoTerminator = errors.New("no NUL terminator within limit")
)

const (
	heapBase  uintptr = 0x10000
	heapAlign uintptr = 16
)

type heapBlock struct {
	data    []byte
	foreign bool
}

// HeapSpace is a Go-managed address space with synthetic addresses. Blocks
// are separated by unmapped gaps so overruns fail instead of reading a
// neighbor.
type HeapSpace struct {
	mu     sync.Mutex
	next   uintptr
	blocks map[uintptr]*heapBlock
	bases  []uintptr
}

// NewHeapSpace creates an empty heap space.
func NewHeapSpace() *HeapSpace {
	return &HeapSpace{
		next:   heapBase,
		blocks: make(map[uintptr]*heapBlock),
	}
}

func (h *HeapSpace) Name() string { return "heap" }

func (h *HeapSpace) Alloc(n uintptr) (uintptr, error) {
	if n == 0 {
		return 0, fmt.Errorf("heap: zero-size allocation")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.insert(make([]byte, n), false), nil
}

func (h *HeapSpace) insert(data []byte, foreign bool) uintptr {
	addr := h.next
	size := (uintptr(len(data)) + heapAlign - 1) &^ (heapAlign - 1)
	h.next += size + heapAlign
	h.blocks[addr] = &heapBlock{data: data, foreign: foreign}
	h.bases = append(h.bases, addr)
	return addr
}

func (h *HeapSpace) Free(ptr uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	blk, ok := h.blocks[ptr]
	if !ok || blk.foreign {
		return fmt.Errorf("heap: free %#x: %w", ptr, ErrNotAllocated)
	}
	h.remove(ptr)
	return nil
}

func (h *HeapSpace) remove(ptr uintptr) {
	delete(h.blocks, ptr)
	i := sort.Search(len(h.bases), func(i int) bool { return h.bases[i] >= ptr })
	if i < len(h.bases) && h.bases[i] == ptr {
		h.bases = append(h.bases[:i], h.bases[i+1:]...)
	}
}

// locate returns the block slice starting at ptr that holds at least n bytes.
func (h *HeapSpace) locate(ptr, n uintptr) ([]byte, error) {
	i := sort.Search(len(h.bases), func(i int) bool { return h.bases[i] > ptr }) - 1
	if i < 0 {
		return nil, fmt.Errorf("heap: %#x: %w", ptr, ErrOutOfRange)
	}
	base := h.bases[i]
	data := h.blocks[base].data
	off := ptr - base
	if off > uintptr(len(data)) || n > uintptr(len(data))-off {
		return nil, fmt.Errorf("heap: [%#x, +%d): %w", ptr, n, ErrOutOfRange)
	}
	return data[off:], nil
}

func (h *HeapSpace) Read(ptr, n uintptr) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	src, err := h.locate(ptr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, src[:n])
	return out, nil
}

func (h *HeapSpace) Write(ptr uintptr, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	dst, err := h.locate(ptr, uintptr(len(b)))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (h *HeapSpace) ReadCString(ptr, limit uintptr) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	src, err := h.locate(ptr, 0)
	if err != nil {
		return nil, err
	}
	if uintptr(len(src)) > limit {
		src = src[:limit]
	}
	for i, c := range src {
		if c == 0 {
			out := make([]byte, i)
			copy(out, src[:i])
			return out, nil
		}
	}
	return nil, fmt.Errorf("heap: %#x: %w", ptr, ErrNoTerminator)
}

// Lend places a copy of b in the space as foreign-owned memory, the way a
// foreign caller would hand in its own allocation.
func (h *HeapSpace) Lend(b []byte) Buffer {
	if len(b) == 0 {
		return Buffer{Owner: OwnerForeign}
	}
	data := make([]byte, len(b))
	copy(data, b)

	h.mu.Lock()
	defer h.mu.Unlock()
	return Foreign(h.insert(data, true), uintptr(len(b)))
}

// Reclaim frees memory previously placed with Lend.
func (h *HeapSpace) Reclaim(b Buffer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	blk, ok := h.blocks[b.Ptr]
	if !ok || !blk.foreign {
		return fmt.Errorf("heap: reclaim %#x: %w", b.Ptr, ErrNotAllocated)
	}
	h.remove(b.Ptr)
	return nil
}

// Blocks returns the number of live blocks, native and foreign.
func (h *HeapSpace) Blocks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.blocks)
}
