package buffer

import "fmt"

// Owner records which side of the boundary frees a Buffer.
type Owner uint8

const (
	OwnerUnknown Owner = 0
	OwnerNative  Owner = 1
	OwnerForeign Owner = 2
)

func (o Owner) String() string {
	switch o {
	case OwnerNative:
		return "native"
	case OwnerForeign:
		return "foreign"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// Buffer is the boundary representation of a byte block. The field order
// matches the C struct FfiBuffer { uint8_t* ptr; size_t len; size_t cap; uint8_t owner; }.
type Buffer struct {
	Ptr   uintptr
	Len   uintptr
	Cap   uintptr
	Owner Owner
}

// Empty reports whether b references no memory.
func (b Buffer) Empty() bool {
	return b.Ptr == 0 && b.Len == 0
}

func (b Buffer) String() string {
	return fmt.Sprintf("Buffer{ptr=%#x len=%d cap=%d owner=%s}", b.Ptr, b.Len, b.Cap, b.Owner)
}

// Foreign describes memory supplied by the caller.
func Foreign(ptr, n uintptr) Buffer {
	return Buffer{Ptr: ptr, Len: n, Cap: n, Owner: OwnerForeign}
}
