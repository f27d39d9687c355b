package wasmabi

// memoryModule exports one memory of one page and nothing else.
var memoryModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// memory: min 1
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export "memory"
	0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
}

// emptyMemoryModule is memoryModule with a zero-page memory.
func emptyMemoryModule() []byte {
	m := append([]byte(nil), memoryModule...)
	m[12] = 0x00
	return m
}

// echoGuest imports ffiutil.echo and exports run() -> i32, which calls
// echo(16, 2, 64) on the bytes "hi" stored at offset 16. The result
// triple lands at offset 64.
var echoGuest = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: (i32 i32 i32) -> i32, () -> i32
	0x01, 0x0c, 0x02,
	0x60, 0x03, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
	0x60, 0x00, 0x01, 0x7f,
	// import ffiutil.echo as func 0
	0x02, 0x10, 0x01,
	0x07, 'f', 'f', 'i', 'u', 't', 'i', 'l',
	0x04, 'e', 'c', 'h', 'o',
	0x00, 0x00,
	// func 1 has type 1
	0x03, 0x02, 0x01, 0x01,
	// memory: min 1
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export "memory", "run"
	0x07, 0x10, 0x02,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x03, 'r', 'u', 'n', 0x00, 0x01,
	// run: i32.const 16; i32.const 2; i32.const 64; call 0; end
	0x0a, 0x0d, 0x01, 0x0b, 0x00,
	0x41, 0x10, 0x41, 0x02, 0x41, 0xc0, 0x00, 0x10, 0x00, 0x0b,
	// data: "hi" at 16
	0x0b, 0x08, 0x01, 0x00, 0x41, 0x10, 0x0b, 0x02, 'h', 'i',
}

const (
	echoInputOffset = 16
	echoOutOffset   = 64
)
