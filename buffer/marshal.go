package buffer

import (
	"fmt"
	"sync"

	"github.com/caffeineduck/ffiutil/ffierr"
	"go.uber.org/zap"
)

const (
	opToForeign   = "buffer.to_foreign"
	opFromForeign = "buffer.from_foreign"
	opRelease     = "buffer.release"
)

// Marshaler converts between Go values and Buffers in a Space.
type Marshaler struct {
	space      Space
	mode       TextMode
	ledger     bool
	cstringMax uintptr
	log        *zap.Logger

	mu   sync.Mutex
	live map[uintptr]uintptr // ptr -> cap
}

// Option configures a Marshaler.
type Option func(*Marshaler)

// WithTextMode selects how text is laid out in foreign memory.
func WithTextMode(mode TextMode) Option {
	return func(m *Marshaler) {
		m.mode = mode
	}
}

// WithLedger enables or disables tracking of live native allocations.
func WithLedger(enabled bool) Option {
	return func(m *Marshaler) {
		m.ledger = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Marshaler) {
		if l != nil {
			m.log = l
		}
	}
}

// WithCStringLimit bounds how far CStringFromForeign scans for a NUL.
func WithCStringLimit(n uintptr) Option {
	return func(m *Marshaler) {
		m.cstringMax = n
	}
}

// NewMarshaler creates a Marshaler over space.
func NewMarshaler(space Space, opts ...Option) *Marshaler {
	m := &Marshaler{
		space:      space,
		mode:       TextNulTerminated,
		ledger:     true,
		cstringMax: 1 << 20,
		log:        zap.NewNop(),
		live:       make(map[uintptr]uintptr),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Space returns the underlying address space.
func (m *Marshaler) Space() Space { return m.space }

// TextMode returns the configured text layout.
func (m *Marshaler) TextMode() TextMode { return m.mode }

// ToForeign copies b into a new native-owned block sized exactly to len(b).
// An empty b yields an empty Buffer that holds no allocation.
func (m *Marshaler) ToForeign(b []byte) (Buffer, error) {
	if len(b) == 0 {
		return Buffer{Owner: OwnerNative}, nil
	}
	return m.place(opToForeign, b, 0)
}

// place allocates len(b)+pad bytes, zero-filling the padding.
func (m *Marshaler) place(op string, b []byte, pad uintptr) (Buffer, error) {
	n := uintptr(len(b))
	size := n + pad

	ptr, err := m.space.Alloc(size)
	if err != nil {
		return Buffer{}, ffierr.AllocFailed(op, size, err)
	}
	if pad > 0 {
		full := make([]byte, size)
		copy(full, b)
		b = full
	}
	if err := m.space.Write(ptr, b); err != nil {
		if ferr := m.space.Free(ptr); ferr != nil {
			m.log.Error("free after failed write",
				zap.String("space", m.space.Name()),
				zap.Uintptr("ptr", ptr),
				zap.Error(ferr))
		}
		return Buffer{}, ffierr.AllocFailed(op, size, err)
	}

	if m.ledger {
		m.mu.Lock()
		m.live[ptr] = size
		m.mu.Unlock()
	}

	return Buffer{Ptr: ptr, Len: n, Cap: size, Owner: OwnerNative}, nil
}

// FromForeign copies buf.Len bytes out of buf. It never takes ownership:
// a native-owned buf still has to be released by the caller.
func (m *Marshaler) FromForeign(buf Buffer) ([]byte, error) {
	if buf.Ptr == 0 && buf.Len > 0 {
		return nil, ffierr.InvalidPointer(opFromForeign,
			fmt.Sprintf("null pointer with length %d", buf.Len))
	}
	if buf.Cap != 0 && buf.Cap < buf.Len {
		return nil, ffierr.InvalidPointer(opFromForeign,
			fmt.Sprintf("length %d exceeds capacity %d", buf.Len, buf.Cap))
	}
	if buf.Len == 0 {
		return []byte{}, nil
	}

	data, err := m.space.Read(buf.Ptr, buf.Len)
	if err != nil {
		return nil, ffierr.New(ffierr.CodeInvalidPointer).
			Op(opFromForeign).
			Detail("read %d bytes at %#x", buf.Len, buf.Ptr).
			Cause(err).
			Build()
	}
	return data, nil
}

// Release frees a native-owned buffer. Foreign-owned buffers are rejected,
// and with the ledger enabled so is a second release of the same block.
func (m *Marshaler) Release(buf Buffer) error {
	if buf.Owner != OwnerNative {
		return ffierr.InvalidOwner(opRelease, buf.Owner)
	}
	if buf.Ptr == 0 {
		if buf.Len != 0 {
			return ffierr.InvalidPointer(opRelease,
				fmt.Sprintf("null pointer with length %d", buf.Len))
		}
		return nil
	}

	if m.ledger {
		m.mu.Lock()
		size, ok := m.live[buf.Ptr]
		if !ok {
			m.mu.Unlock()
			return ffierr.DoubleRelease(opRelease, buf.Ptr)
		}
		if buf.Cap != size {
			m.mu.Unlock()
			return ffierr.InvalidPointer(opRelease,
				fmt.Sprintf("capacity %d does not match allocation of %d bytes", buf.Cap, size))
		}
		delete(m.live, buf.Ptr)
		m.mu.Unlock()
	}

	if err := m.space.Free(buf.Ptr); err != nil {
		code := ffierr.CodeUnexpected
		if !m.ledger {
			code = ffierr.CodeDoubleRelease
		}
		return ffierr.New(code).
			Op(opRelease).
			Detail("free %#x in %s space", buf.Ptr, m.space.Name()).
			Cause(err).
			Build()
	}
	return nil
}

// Live returns the number of native allocations not yet released. It is
// always zero when the ledger is disabled.
func (m *Marshaler) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Owns reports whether ptr is a live allocation made by m. It is always
// false when the ledger is disabled.
func (m *Marshaler) Owns(ptr uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[ptr]
	return ok
}
