// Package ffierr defines the error taxonomy shared by every boundary entry point.
//
// Foreign callers only ever see a [Value]: a stable integer [Code] plus a
// description that is valid UTF-8 and free of NUL bytes, so it can be
// marshaled as either a counted or a NUL-terminated string.
//
// Inside Go, failures are carried as [*Error], built with [New] or one of the
// per-code constructors:
//
//	err := ffierr.New(ffierr.CodeInvalidPointer).
//	    Op("buffer.from_foreign").
//	    Detail("null pointer with length %d", n).
//	    Build()
//
// [ToValue] converts any error (an [*Error], a [Coder], a context error or a
// plain error) into the boundary representation. The mapping is total and
// deterministic: the same kind of fault always yields the same code, and a
// failure never yields [CodeSuccess].
//
// # Codes
//
// Codes are part of the ABI and are never renumbered. Libraries built on top
// of this package may define their own codes at or below [AppCodeBase] by
// implementing [Coder].
package ffierr
