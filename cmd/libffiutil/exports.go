// Command libffiutil builds the boundary layer as a C shared library.
// Build with: go build -buildmode=c-shared -o libffiutil.so ./cmd/libffiutil
//
// Every function returns a status code; zero means success. The types are
// declared in ffiutil.h. Buffers returned by the library are owned by it and
// must be handed back to ffiutil_buffer_release exactly once. Buffers passed
// in by the caller are copied and never freed. No Go panic crosses an
// exported function; it is reported as InternalFault.
package main

/*
#include "ffiutil.h"

static inline void callFfiCallback(FfiCallback cb, void *user_data,
                                   uint64_t handle, const FfiResult *result,
                                   FfiBuffer data) {
    cb(user_data, handle, result, data);
}
*/
import "C"

import (
	"context"
	"time"
	"unsafe"

	"github.com/caffeineduck/ffiutil/bridge"
	"github.com/caffeineduck/ffiutil/buffer"
	"github.com/caffeineduck/ffiutil/buffer/cmem"
	"github.com/caffeineduck/ffiutil/ffierr"
	"github.com/caffeineduck/ffiutil/guard"
	"github.com/caffeineduck/ffiutil/registry"
	"go.uber.org/zap"
)

func main() {}

func toC(b buffer.Buffer) C.FfiBuffer {
	return C.FfiBuffer{
		ptr: (*C.uint8_t)(cmem.Pointer(b.Ptr)),
		len: C.size_t(b.Len),
		cap: C.size_t(b.Cap),
	}
}

func fromC(b C.FfiBuffer, owner buffer.Owner) buffer.Buffer {
	return buffer.Buffer{
		Ptr:   uintptr(unsafe.Pointer(b.ptr)),
		Len:   uintptr(b.len),
		Cap:   uintptr(b.cap),
		Owner: owner,
	}
}

// result converts v for the caller. A failure carries a library-owned
// description the caller must release.
func result(l *bridge.Library, v ffierr.Value) C.FfiResult {
	res := C.FfiResult{code: C.int32_t(v.Code)}
	if v.IsOK() || l == nil {
		return res
	}
	desc, dv := l.Describe(v)
	if dv.IsOK() {
		res.description = toC(desc)
	}
	return res
}

func failure(op string, err error) C.FfiResult {
	l, _ := current(op)
	return result(l, ffierr.ToValue(err))
}

// contain runs body inside the boundary guard. A contained fault is turned
// into a value by onFault instead of unwinding into the caller.
func contain[T any](op string, onFault func(ffierr.Value) T, body func() T) T {
	out, v := guard.Invoke(boundary, op, func() (T, error) {
		return body(), nil
	})
	if !v.IsOK() {
		return onFault(v)
	}
	return out
}

// faulted reports a contained fault, with a description when one can be
// produced safely.
func faulted(op string) func(ffierr.Value) C.FfiResult {
	return func(v ffierr.Value) C.FfiResult {
		return contain(op+".describe", func(ffierr.Value) C.FfiResult {
			return C.FfiResult{code: C.int32_t(v.Code)}
		}, func() C.FfiResult {
			l, _ := current(op)
			return result(l, v)
		})
	}
}

func faultCode(v ffierr.Value) C.int32_t { return C.int32_t(v.Code) }

//export ffiutil_init
func ffiutil_init() C.FfiResult {
	const op = "ffiutil_init"
	return contain(op, faulted(op), func() C.FfiResult {
		if err := initLibrary(cmem.New()); err != nil {
			return failure(op, err)
		}
		return C.FfiResult{}
	})
}

//export ffiutil_shutdown
func ffiutil_shutdown(timeoutMillis C.uint32_t) C.FfiResult {
	const op = "ffiutil_shutdown"
	return contain(op, faulted(op), func() C.FfiResult {
		err := shutdownLibrary(time.Duration(timeoutMillis) * time.Millisecond)
		if err != nil {
			logger().Warn("shutdown incomplete", zap.Error(err))
			return failure(op, err)
		}
		return C.FfiResult{}
	})
}

//export ffiutil_buffer_release
func ffiutil_buffer_release(buf C.FfiBuffer) C.int32_t {
	return contain("ffiutil_buffer_release", faultCode, func() C.int32_t {
		return C.int32_t(releaseBuffer(fromC(buf, buffer.OwnerNative)).Code)
	})
}

//export ffiutil_pending
func ffiutil_pending() C.int64_t {
	const op = "ffiutil_pending"
	return contain(op, func(ffierr.Value) C.int64_t { return 0 }, func() C.int64_t {
		l, err := current(op)
		if err != nil {
			return 0
		}
		return C.int64_t(l.Pending())
	})
}

//export ffiutil_echo
func ffiutil_echo(in *C.uint8_t, inLen C.size_t, out *C.FfiBuffer) C.FfiResult {
	const op = "ffiutil_echo"
	return contain(op, faulted(op), func() C.FfiResult {
		l, err := current(op)
		if err != nil {
			return failure(op, err)
		}
		if out == nil {
			return result(l, ffierr.ToValue(ffierr.InvalidPointer(op, "null out-parameter")))
		}
		*out = C.FfiBuffer{}

		data, v := l.Input(buffer.Foreign(uintptr(unsafe.Pointer(in)), uintptr(inLen)))
		if !v.IsOK() {
			return result(l, v)
		}

		var buf buffer.Buffer
		v = l.CallBytes(op, &buf, func() ([]byte, error) {
			return echo(context.Background(), data)
		})
		if v.IsOK() {
			*out = toC(buf)
		}
		return result(l, v)
	})
}

//export ffiutil_echo_async
func ffiutil_echo_async(in *C.uint8_t, inLen C.size_t, cb C.FfiCallback, userData unsafe.Pointer, handleOut *C.uint64_t) C.FfiResult {
	const op = "ffiutil_echo_async"
	return contain(op, faulted(op), func() C.FfiResult {
		l, err := current(op)
		if err != nil {
			return failure(op, err)
		}
		if cb == nil {
			return result(l, ffierr.ToValue(ffierr.InvalidPointer(op, "null callback")))
		}
		if handleOut != nil {
			*handleOut = 0
		}

		// in is only valid for the duration of this call.
		data, v := l.Input(buffer.Foreign(uintptr(unsafe.Pointer(in)), uintptr(inLen)))
		if !v.IsOK() {
			return result(l, v)
		}

		h, v := l.CallAsync(op, registry.Callback{
			Fn:       cCallback(l, cb),
			UserData: userData,
		}, func(ctx context.Context) ([]byte, error) {
			return echo(ctx, data)
		})
		if handleOut != nil {
			*handleOut = C.uint64_t(h)
		}
		return result(l, v)
	})
}

// cCallback adapts cb to the registry. The status description is released
// as soon as cb returns.
func cCallback(l *bridge.Library, cb C.FfiCallback) registry.CallbackFunc {
	return func(userData unsafe.Pointer, h registry.Handle, res registry.Result) {
		status := C.FfiResult{code: C.int32_t(res.Status.Code)}
		if !res.Status.IsOK() {
			if desc, dv := l.Describe(res.Status); dv.IsOK() {
				status.description = toC(desc)
				defer l.Release(desc)
			}
		}
		C.callFfiCallback(cb, userData, C.uint64_t(h), &status, toC(res.Data))
	}
}

//export ffiutil_code_name
func ffiutil_code_name(code C.int32_t, out *C.FfiBuffer) C.int32_t {
	const op = "ffiutil_code_name"
	return contain(op, faultCode, func() C.int32_t {
		l, err := current(op)
		if err != nil {
			return C.int32_t(ffierr.ToValue(err).Code)
		}
		if out == nil {
			return C.int32_t(ffierr.CodeInvalidPointer)
		}
		*out = C.FfiBuffer{}

		buf, err := l.Marshaler().TextToForeign(codeName(int32(code)))
		if err != nil {
			return C.int32_t(ffierr.ToValue(err).Code)
		}
		*out = toC(buf)
		return C.int32_t(ffierr.CodeSuccess)
	})
}
