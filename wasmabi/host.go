package wasmabi

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/caffeineduck/ffiutil/bridge"
	"github.com/caffeineduck/ffiutil/buffer"
	"github.com/caffeineduck/ffiutil/ffierr"
	"github.com/caffeineduck/ffiutil/guard"
	"github.com/caffeineduck/ffiutil/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// ModuleName is the import module guests link against.
const ModuleName = "ffiutil"

// HostFunc is a function exported to guests. in is a copy of the guest's
// input; the returned bytes are placed in the guest arena.
type HostFunc func(ctx context.Context, in []byte) ([]byte, error)

// Binding is the per-guest state behind the host module.
type Binding struct {
	Library *bridge.Library
	Space   *GuestSpace
}

// Host builds the ffiutil host module and tracks which guest instances are
// bound to it.
type Host struct {
	cfg   *config.Config
	log   *zap.Logger
	reg   prometheus.Registerer
	guard *guard.Guard

	mu           sync.RWMutex
	funcs        map[string]HostFunc
	bindings     map[api.Module]*Binding
	instantiated bool
}

type hostConfig struct {
	cfg *config.Config
	log *zap.Logger
	reg prometheus.Registerer
}

// HostOption configures a Host.
type HostOption func(*hostConfig)

// WithConfig sets the configuration used for every binding.
func WithConfig(cfg *config.Config) HostOption {
	return func(c *hostConfig) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) HostOption {
	return func(c *hostConfig) {
		c.log = l
	}
}

// WithRegisterer registers host and binding metrics on reg.
func WithRegisterer(reg prometheus.Registerer) HostOption {
	return func(c *hostConfig) {
		c.reg = reg
	}
}

// NewHost creates a host with the built-in functions only.
func NewHost(opts ...HostOption) *Host {
	hc := hostConfig{}
	for _, opt := range opts {
		opt(&hc)
	}
	if hc.cfg == nil {
		hc.cfg = config.Default()
	}
	if hc.log == nil {
		hc.log = zap.NewNop()
	}

	return &Host{
		cfg:      hc.cfg,
		log:      hc.log,
		reg:      hc.reg,
		guard:    guard.New(guard.WithLogger(hc.log), guard.WithRegisterer(hc.reg)),
		funcs:    make(map[string]HostFunc),
		bindings: make(map[api.Module]*Binding),
	}
}

var reserved = map[string]bool{
	"buffer_release": true,
	"pending":        true,
}

// Export adds fn under name with the signature
// (in_ptr, in_len, out_ptr i32) -> i32. On success the result buffer
// {ptr, len, cap} is written to out_ptr and must be released by the guest
// with buffer_release. Export must be called before Instantiate.
func (h *Host) Export(name string, fn HostFunc) error {
	if fn == nil {
		return fmt.Errorf("export %q: nil function", name)
	}
	if name == "" || reserved[name] {
		return fmt.Errorf("export %q: reserved name", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.instantiated {
		return fmt.Errorf("export %q: host module already instantiated", name)
	}
	h.funcs[name] = fn
	return nil
}

// Names lists the exported user functions.
func (h *Host) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.funcs))
	for name := range h.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instantiate defines the host module in rt.
func (h *Host) Instantiate(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	h.mu.Lock()
	h.instantiated = true
	funcs := make(map[string]HostFunc, len(h.funcs))
	for name, fn := range h.funcs {
		funcs[name] = fn
	}
	h.mu.Unlock()

	i32 := api.ValueTypeI32
	i64 := api.ValueTypeI64

	b := rt.NewHostModuleBuilder(ModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.bufferRelease), []api.ValueType{i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("ptr", "len", "cap").
		Export("buffer_release").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.pending), nil, []api.ValueType{i64}).
		Export("pending")

	for name, fn := range funcs {
		b = b.NewFunctionBuilder().
			WithGoModuleFunction(h.export(name, fn), []api.ValueType{i32, i32, i32}, []api.ValueType{i32}).
			WithParameterNames("in_ptr", "in_len", "out_ptr").
			Export(name)
	}

	mod, err := b.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s host module: %w", ModuleName, err)
	}
	return mod, nil
}

// Bind creates the arena and library for a guest instance. Host functions
// called by an unbound guest return CodeClosed.
func (h *Host) Bind(mod api.Module) (*Binding, error) {
	space, err := NewGuestSpace(mod.Memory(), h.cfg.Wasm.ArenaPages)
	if err != nil {
		return nil, fmt.Errorf("bind %q: %w", mod.Name(), err)
	}
	lib, err := bridge.New(space,
		bridge.WithConfig(h.cfg),
		bridge.WithLogger(h.log.With(zap.String("guest", mod.Name()))),
		bridge.WithRegisterer(h.reg))
	if err != nil {
		return nil, fmt.Errorf("bind %q: %w", mod.Name(), err)
	}

	b := &Binding{Library: lib, Space: space}
	h.mu.Lock()
	h.bindings[mod] = b
	h.mu.Unlock()
	return b, nil
}

// Unbind detaches mod and shuts its library down. Buffers the guest never
// released are reported as bridge.ErrLeakedBuffers.
func (h *Host) Unbind(ctx context.Context, mod api.Module) error {
	h.mu.Lock()
	b, ok := h.bindings[mod]
	delete(h.bindings, mod)
	h.mu.Unlock()

	if !ok {
		return nil
	}
	return b.Library.Shutdown(ctx)
}

// Binding returns the binding of mod, or nil.
func (h *Host) Binding(mod api.Module) *Binding {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bindings[mod]
}

func (h *Host) bufferRelease(_ context.Context, mod api.Module, stack []uint64) {
	buf := buffer.Buffer{
		Ptr:   uintptr(api.DecodeU32(stack[0])),
		Len:   uintptr(api.DecodeU32(stack[1])),
		Cap:   uintptr(api.DecodeU32(stack[2])),
		Owner: buffer.OwnerNative,
	}
	v := h.guard.Call("wasm.buffer_release", func() error {
		b := h.Binding(mod)
		if b == nil {
			return ffierr.Closed("wasm.buffer_release", "guest binding")
		}
		return b.Library.Release(buf).Err()
	})
	stack[0] = api.EncodeI32(int32(v.Code))
}

func (h *Host) pending(_ context.Context, mod api.Module, stack []uint64) {
	n, _ := guard.Invoke(h.guard, "wasm.pending", func() (int64, error) {
		b := h.Binding(mod)
		if b == nil {
			return 0, nil
		}
		return int64(b.Library.Pending()), nil
	})
	stack[0] = api.EncodeI64(n)
}

func (h *Host) export(name string, fn HostFunc) api.GoModuleFunc {
	op := "wasm." + name
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		inPtr := api.DecodeU32(stack[0])
		inLen := api.DecodeU32(stack[1])
		outPtr := api.DecodeU32(stack[2])

		v := h.guard.Call(op, func() error {
			b := h.Binding(mod)
			if b == nil {
				return ffierr.Closed(op, "guest binding")
			}
			return h.call(ctx, b, op, fn, inPtr, inLen, outPtr)
		})
		stack[0] = api.EncodeI32(int32(v.Code))
	}
}

func (h *Host) call(ctx context.Context, b *Binding, op string, fn HostFunc, inPtr, inLen, outPtr uint32) error {
	if outPtr == 0 {
		return ffierr.InvalidPointer(op, "null out-parameter")
	}
	if !b.Space.WriteBuffer(outPtr, buffer.Buffer{}) {
		return ffierr.InvalidPointer(op, fmt.Sprintf("out-parameter %#x outside guest memory", outPtr))
	}

	in, v := b.Library.Input(buffer.Foreign(uintptr(inPtr), uintptr(inLen)))
	if !v.IsOK() {
		return v.Err()
	}

	var out buffer.Buffer
	v = b.Library.CallBytes(op, &out, func() ([]byte, error) {
		return fn(ctx, in)
	})
	if !v.IsOK() {
		return v.Err()
	}

	if !b.Space.WriteBuffer(outPtr, out) {
		if rv := b.Library.Release(out); !rv.IsOK() {
			h.log.Error("release after failed out-parameter write",
				zap.String("op", op),
				zap.Stringer("status", rv))
		}
		return ffierr.InvalidPointer(op, "write out-parameter")
	}
	return nil
}
