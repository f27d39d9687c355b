// Package bench measures the cost of crossing the boundary.
//
// Run with: go test -v -run=Test ./bench/
// Benchmarks: go test -bench=. ./bench/
package bench

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"testing"
	"time"
	"unsafe"

	"github.com/caffeineduck/ffiutil/bridge"
	"github.com/caffeineduck/ffiutil/buffer"
	"github.com/caffeineduck/ffiutil/ffierr"
	"github.com/caffeineduck/ffiutil/guard"
	"github.com/caffeineduck/ffiutil/internal/config"
	"github.com/caffeineduck/ffiutil/registry"
	"github.com/caffeineduck/ffiutil/wasmabi"
)

var payload = []byte("a reasonably sized payload crossing the boundary")

// --- Marshaling ---

func BenchmarkMarshal_RoundTrip(b *testing.B) {
	m := buffer.NewMarshaler(buffer.NewHeapSpace())
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf, err := m.ToForeign(payload)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := m.FromForeign(buf); err != nil {
			b.Fatal(err)
		}
		if err := m.Release(buf); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMarshal_RoundTripNoLedger(b *testing.B) {
	m := buffer.NewMarshaler(buffer.NewHeapSpace(), buffer.WithLedger(false))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf, _ := m.ToForeign(payload)
		m.FromForeign(buf)
		m.Release(buf)
	}
}

func BenchmarkMarshal_Text(b *testing.B) {
	m := buffer.NewMarshaler(buffer.NewHeapSpace())
	s := string(payload)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf, err := m.TextToForeign(s)
		if err != nil {
			b.Fatal(err)
		}
		m.Release(buf)
	}
}

// --- Fault containment ---

func BenchmarkGuard_Call(b *testing.B) {
	g := guard.New()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		g.Call("bench", func() error { return nil })
	}
}

func BenchmarkGuard_CallPanics(b *testing.B) {
	g := guard.New()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		g.Call("bench", func() error { panic("bench") })
	}
}

// --- Callback correlation ---

func BenchmarkRegistry_RegisterFire(b *testing.B) {
	r := registry.New()
	cb := registry.Callback{Fn: func(unsafe.Pointer, registry.Handle, registry.Result) {}}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		h, err := r.Register(cb)
		if err != nil {
			b.Fatal(err)
		}
		if err := r.Fire(h, registry.Result{}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRegistry_RegisterFireParallel(b *testing.B) {
	r := registry.New()
	cb := registry.Callback{Fn: func(unsafe.Pointer, registry.Handle, registry.Result) {}}
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h, _ := r.Register(cb)
			r.Fire(h, registry.Result{})
		}
	})
}

// --- Library calls ---

func newLibrary(tb testing.TB) *bridge.Library {
	lib, err := bridge.New(buffer.NewHeapSpace())
	if err != nil {
		tb.Fatal(err)
	}
	return lib
}

func BenchmarkBridge_CallBytes(b *testing.B) {
	lib := newLibrary(b)
	defer lib.Shutdown(context.Background())
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var out buffer.Buffer
		v := lib.CallBytes("bench", &out, func() ([]byte, error) { return payload, nil })
		if !v.IsOK() {
			b.Fatal(v)
		}
		lib.Release(out)
	}
}

func BenchmarkBridge_CallAsync(b *testing.B) {
	lib := newLibrary(b)
	defer lib.Shutdown(context.Background())

	done := make(chan registry.Result, 1)
	cb := registry.Callback{Fn: func(_ unsafe.Pointer, _ registry.Handle, res registry.Result) {
		done <- res
	}}
	work := func(context.Context) ([]byte, error) { return payload, nil }

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, v := lib.CallAsync("bench", cb, work); !v.IsOK() {
			b.Fatal(v)
		}
		res := <-done
		lib.Release(res.Data)
	}
}

// --- WebAssembly host calls ---

func newRunner(tb testing.TB) (*wasmabi.Runner, []byte) {
	wasm, err := os.ReadFile("../wasmabi/testdata/echo.wasm")
	if err != nil {
		tb.Fatal(err)
	}
	cfg := config.Default()
	cfg.Wasm.ArenaPages = 1
	host := wasmabi.NewHost(wasmabi.WithConfig(cfg))
	host.Export("echo", func(_ context.Context, in []byte) ([]byte, error) { return in, nil })
	r, err := wasmabi.NewRunner(context.Background(), host)
	if err != nil {
		tb.Fatal(err)
	}
	return r, wasm
}

func BenchmarkWasm_WarmRun(b *testing.B) {
	r, wasm := newRunner(b)
	defer r.Close()
	r.Run(context.Background(), "echo", wasm, "run")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res := r.Run(context.Background(), "echo", wasm, "run")
		if res.Code != ffierr.CodeSuccess {
			b.Fatal(res.Code)
		}
	}
}

// =============================================================================
// OVERHEAD SUMMARY
// =============================================================================

func TestOverheadSummary(t *testing.T) {
	if testing.Short() {
		t.Skip("summary is slow")
	}

	fmt.Println()
	fmt.Printf("Platform: %s/%s, CPUs: %d\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	fmt.Println()

	measure := func(runs int, fn func()) time.Duration {
		start := time.Now()
		for i := 0; i < runs; i++ {
			fn()
		}
		return time.Since(start) / time.Duration(runs)
	}

	const runs = 10000
	g := guard.New()
	m := buffer.NewMarshaler(buffer.NewHeapSpace())
	r := registry.New()
	cb := registry.Callback{Fn: func(unsafe.Pointer, registry.Handle, registry.Result) {}}

	rows := []struct {
		name string
		cost time.Duration
	}{
		{"plain function call", measure(runs, func() { _ = func() error { return nil }() })},
		{"guarded call", measure(runs, func() { g.Call("summary", func() error { return nil }) })},
		{"guarded call, panicking", measure(runs/10, func() { g.Call("summary", func() error { panic("x") }) })},
		{"marshal round trip", measure(runs, func() {
			buf, _ := m.ToForeign(payload)
			m.FromForeign(buf)
			m.Release(buf)
		})},
		{"register + fire", measure(runs, func() {
			h, _ := r.Register(cb)
			r.Fire(h, registry.Result{})
		})},
	}

	fmt.Printf("%-28s %12s\n", "operation", "per call")
	for _, row := range rows {
		fmt.Printf("%-28s %12v\n", row.name, row.cost)
	}
	fmt.Println()

	if m.Live() != 0 {
		t.Errorf("summary leaked %d buffers", m.Live())
	}
	if r.Pending() != 0 {
		t.Errorf("summary left %d callbacks pending", r.Pending())
	}
}
