package main

// Go drivers for the exported ABI. They call the exports the way a C caller
// would, with C memory and a C callback, so the package tests cover the
// conversions in exports.go.

/*
#include <pthread.h>
#include <stdlib.h>
#include "ffiutil.h"

#define MAX_DELIVERIES 256

typedef struct {
    void *user_data;
    uint64_t handle;
    int32_t code;
    size_t description_len;
    FfiBuffer data;
} delivery;

static delivery deliveries[MAX_DELIVERIES];
static int delivery_count;
static pthread_mutex_t delivery_mu = PTHREAD_MUTEX_INITIALIZER;
static int user_tag;

static void recordDelivery(void *user_data, uint64_t handle,
                           const FfiResult *result, FfiBuffer data) {
    pthread_mutex_lock(&delivery_mu);
    if (delivery_count < MAX_DELIVERIES) {
        delivery *d = &deliveries[delivery_count++];
        d->user_data = user_data;
        d->handle = handle;
        d->code = result->code;
        d->description_len = result->description.len;
        d->data = data;
    }
    pthread_mutex_unlock(&delivery_mu);
}

static FfiCallback recorder(void) { return recordDelivery; }

static void *userTag(void) { return &user_tag; }

static int deliveryCount(void) {
    pthread_mutex_lock(&delivery_mu);
    int n = delivery_count;
    pthread_mutex_unlock(&delivery_mu);
    return n;
}

static delivery deliveryAt(int i) {
    pthread_mutex_lock(&delivery_mu);
    delivery d = deliveries[i];
    pthread_mutex_unlock(&delivery_mu);
    return d;
}

static void resetDeliveries(void) {
    pthread_mutex_lock(&delivery_mu);
    delivery_count = 0;
    pthread_mutex_unlock(&delivery_mu);
}
*/
import "C"

import (
	"time"
	"unsafe"

	"github.com/caffeineduck/ffiutil/buffer"
	"github.com/caffeineduck/ffiutil/buffer/cmem"
	"github.com/caffeineduck/ffiutil/ffierr"
)

// abiDelivery is one invocation of the recording callback.
type abiDelivery struct {
	UserData       unsafe.Pointer
	Handle         uint64
	Code           ffierr.Code
	DescriptionLen int
	Data           buffer.Buffer
}

// abiStatus reads res and releases its description through the ABI.
func abiStatus(res C.FfiResult) (ffierr.Code, string) {
	code := ffierr.Code(res.code)
	if res.description.ptr == nil {
		return code, ""
	}
	desc := C.GoStringN((*C.char)(unsafe.Pointer(res.description.ptr)), C.int(res.description.len))
	if rc := ffiutil_buffer_release(res.description); rc != 0 {
		return ffierr.Code(rc), desc
	}
	return code, desc
}

func abiInit() (ffierr.Code, string) {
	return abiStatus(ffiutil_init())
}

func abiShutdown(timeout time.Duration) (ffierr.Code, string) {
	return abiStatus(ffiutil_shutdown(C.uint32_t(timeout / time.Millisecond)))
}

func abiPending() int64 {
	return int64(ffiutil_pending())
}

func abiRelease(b buffer.Buffer) ffierr.Code {
	return ffierr.Code(ffiutil_buffer_release(toC(b)))
}

// abiRead copies a library-owned buffer without releasing it.
func abiRead(b buffer.Buffer) []byte {
	if b.Len == 0 {
		return []byte{}
	}
	return C.GoBytes(cmem.Pointer(b.Ptr), C.int(b.Len))
}

// abiEcho calls ffiutil_echo with in copied to C memory.
func abiEcho(in []byte) (buffer.Buffer, ffierr.Code, string) {
	var cin unsafe.Pointer
	if len(in) > 0 {
		cin = C.CBytes(in)
		defer C.free(cin)
	}
	return abiEchoRaw(cin, len(in))
}

// abiEchoRaw calls ffiutil_echo with an arbitrary input pointer.
func abiEchoRaw(in unsafe.Pointer, n int) (buffer.Buffer, ffierr.Code, string) {
	var out C.FfiBuffer
	code, desc := abiStatus(ffiutil_echo((*C.uint8_t)(in), C.size_t(n), &out))
	return fromC(out, buffer.OwnerNative), code, desc
}

// abiEchoAsync calls ffiutil_echo_async with the recording callback and
// abiUserTag as user data.
func abiEchoAsync(in []byte) (uint64, ffierr.Code, string) {
	var cin unsafe.Pointer
	if len(in) > 0 {
		cin = C.CBytes(in)
		defer C.free(cin)
	}
	var h C.uint64_t
	code, desc := abiStatus(ffiutil_echo_async((*C.uint8_t)(cin), C.size_t(len(in)), C.recorder(), C.userTag(), &h))
	return uint64(h), code, desc
}

// abiEchoAsyncNoCallback passes a null callback.
func abiEchoAsyncNoCallback() (ffierr.Code, string) {
	return abiStatus(ffiutil_echo_async(nil, 0, nil, nil, nil))
}

func abiCodeName(code ffierr.Code) (string, ffierr.Code) {
	var out C.FfiBuffer
	rc := ffierr.Code(ffiutil_code_name(C.int32_t(code), &out))
	if rc != ffierr.CodeSuccess {
		return "", rc
	}
	b := fromC(out, buffer.OwnerNative)
	name := string(abiRead(b))
	return name, abiRelease(b)
}

func abiUserTag() unsafe.Pointer { return C.userTag() }

func abiResetDeliveries() { C.resetDeliveries() }

func abiDeliveries() []abiDelivery {
	n := int(C.deliveryCount())
	out := make([]abiDelivery, 0, n)
	for i := 0; i < n; i++ {
		d := C.deliveryAt(C.int(i))
		out = append(out, abiDelivery{
			UserData:       d.user_data,
			Handle:         uint64(d.handle),
			Code:           ffierr.Code(d.code),
			DescriptionLen: int(d.description_len),
			Data:           fromC(d.data, buffer.OwnerNative),
		})
	}
	return out
}

// abiPanicResult and abiPanicCode run a panicking body through the same
// containment the exports use.
func abiPanicResult(op string) (ffierr.Code, string) {
	return abiStatus(contain(op, faulted(op), func() C.FfiResult {
		panic("export body failed")
	}))
}

func abiPanicCode(op string) ffierr.Code {
	return ffierr.Code(contain(op, faultCode, func() C.int32_t {
		var out *C.FfiBuffer
		*out = C.FfiBuffer{}
		return 0
	}))
}
