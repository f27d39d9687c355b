// Package ffiutil is a boundary-safety layer for exposing Go code to
// foreign callers: C and C-ABI languages through cgo, and WebAssembly
// guests through wazero.
//
// # Overview
//
// A foreign caller only ever sees integer status codes, flat buffers and
// opaque handles. The layer guarantees that:
//
//   - every failure, including a panic, becomes a stable [ffierr.Code]
//   - buffers have exactly one owner and native buffers are freed once
//   - every asynchronous call completes through exactly one callback
//
// # Basic Usage
//
//	lib, _ := bridge.New(cmem.New())
//	defer lib.Shutdown(ctx)
//
//	// Synchronous call with an out-parameter
//	var out buffer.Buffer
//	v := lib.CallBytes("echo", &out, func() ([]byte, error) {
//	    return in, nil
//	})
//
//	// Asynchronous call, completed through cb
//	h, v := lib.CallAsync("echo", cb, func(ctx context.Context) ([]byte, error) {
//	    return in, nil
//	})
//
// See the [ffierr], [buffer], [guard], [registry], [bridge] and [wasmabi]
// packages for detailed API documentation, and cmd/libffiutil for the C
// ABI built on top of them.
package ffiutil
