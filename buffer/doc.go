// Package buffer marshals byte and text data across the foreign boundary.
//
// A [Buffer] is the flat (pointer, length, capacity, owner) record handed to
// or received from foreign code. The owner tag is the single source of truth
// for who frees the memory:
//
//   - [OwnerNative]: allocated by a [Marshaler]; must be released exactly once
//     through [Marshaler.Release].
//   - [OwnerForeign]: supplied by the caller; native code only copies out of it
//     and never frees it.
//
// Memory lives in a [Space]. [HeapSpace] is a pure Go address space used by
// tests and tools; the cmem subpackage allocates on the C heap; the wasmabi
// package allocates inside a WebAssembly guest's linear memory.
//
//	m := buffer.NewMarshaler(buffer.NewHeapSpace())
//	buf, err := m.ToForeign([]byte("payload"))
//	...
//	data, err := m.FromForeign(buf)
//	err = m.Release(buf)
//
// The marshaler keeps a ledger of live native allocations (enabled by
// default). With the ledger on, releasing the same buffer twice fails with
// CodeDoubleRelease instead of corrupting the allocator.
package buffer
