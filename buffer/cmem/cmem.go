//go:build cgo

// Package cmem provides a buffer.Space backed by the C heap, for libraries
// built with -buildmode=c-shared or c-archive. Blocks are allocated with
// malloc and must never be freed by foreign code directly; the matching
// release entry point routes them back here.
package cmem

/*
#include <stdlib.h>
#include <string.h>
*/
import "C"

import (
	"errors"
	"fmt"
	"math"
	"unsafe"

	"github.com/caffeineduck/ffiutil/buffer"
)

var ErrOutOfMemory = errors.New("cmem: malloc returned NULL")

// MaxRead is the largest block Read and ReadCString copy in one call.
const MaxRead = math.MaxInt32

// Space allocates on the C heap.
type Space struct{}

// New returns the C heap space.
func New() Space { return Space{} }

func (Space) Name() string { return "c" }

func (Space) Alloc(n uintptr) (uintptr, error) {
	if n == 0 {
		return 0, fmt.Errorf("cmem: zero-size allocation")
	}
	p := C.malloc(C.size_t(n))
	if p == nil {
		return 0, ErrOutOfMemory
	}
	return uintptr(p), nil
}

func (Space) Free(ptr uintptr) error {
	if ptr == 0 {
		return fmt.Errorf("cmem: free of NULL")
	}
	C.free(pointer(ptr))
	return nil
}

func (Space) Read(ptr, n uintptr) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	if ptr == 0 {
		return nil, fmt.Errorf("cmem: read of NULL")
	}
	if n > MaxRead {
		return nil, fmt.Errorf("cmem: read of %d bytes exceeds %d: %w", n, MaxRead, buffer.ErrOutOfRange)
	}
	return C.GoBytes(pointer(ptr), C.int(n)), nil
}

func (Space) Write(ptr uintptr, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if ptr == 0 {
		return fmt.Errorf("cmem: write to NULL")
	}
	C.memcpy(pointer(ptr), unsafe.Pointer(&b[0]), C.size_t(len(b)))
	return nil
}

func (Space) ReadCString(ptr, limit uintptr) ([]byte, error) {
	if ptr == 0 {
		return nil, fmt.Errorf("cmem: read of NULL")
	}
	if limit > MaxRead {
		limit = MaxRead
	}
	n := uintptr(C.strnlen((*C.char)(pointer(ptr)), C.size_t(limit)))
	if n == limit {
		return nil, fmt.Errorf("cmem: no NUL within %d bytes", limit)
	}
	return C.GoBytes(pointer(ptr), C.int(n)), nil
}

// pointer converts an address that originated in C back into a pointer.
func pointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet // addr is C memory, invisible to the Go GC
}

// Pointer exposes pointer for the C entry points.
func Pointer(addr uintptr) unsafe.Pointer { return pointer(addr) }
