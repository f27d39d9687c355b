// Package wasmabi exposes the boundary layer to WebAssembly guests running
// under wazero.
//
// # Host Module
//
// A [Host] defines the import module "ffiutil":
//
//	buffer_release(ptr, len, cap i32) -> i32
//	pending() -> i64
//	<name>(in_ptr, in_len, out_ptr i32) -> i32   // one per Export
//
// Every i32 result is an ffierr code. User functions receive a copy of
// the guest's input and return bytes that are placed in a [GuestSpace]
// arena; out_ptr receives {ptr, len, cap} as three little-endian u32
// values and the guest hands that triple back to buffer_release when done.
//
// # Running Guests
//
//	host := wasmabi.NewHost()
//	host.Export("upper", func(ctx context.Context, in []byte) ([]byte, error) {
//	    return bytes.ToUpper(in), nil
//	})
//	runner, err := wasmabi.NewRunner(ctx, host)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer runner.Close()
//
//	res := runner.Run(ctx, "guest", wasm, "run")
//
// Each instantiated guest gets its own arena and bridge.Library. Buffers a
// guest never released are reported in Result.Error when the run ends.
//
// Asynchronous calls are not exposed to guests: wazero does not allow
// calling into a module instance from another goroutine while it runs.
package wasmabi
