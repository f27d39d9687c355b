package main

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/caffeineduck/ffiutil/bridge"
	"github.com/caffeineduck/ffiutil/buffer"
	"github.com/caffeineduck/ffiutil/ffierr"
	"github.com/caffeineduck/ffiutil/guard"
	"github.com/caffeineduck/ffiutil/internal/config"
	"github.com/caffeineduck/ffiutil/internal/logging"
	"go.uber.org/zap"
)

// Library state. One instance per process; ffiutil_init after
// ffiutil_shutdown starts a fresh one. Shut down libraries that still have
// buffers outstanding are kept in retired until those are released.
var (
	boundary = guard.New()

	libMu   sync.Mutex
	lib     *bridge.Library
	retired []*bridge.Library
)

// initLibrary loads configuration from the environment and starts the
// library over space. It is a no-op while a library is running.
func initLibrary(space buffer.Space) (err error) {
	defer boundary.Recover("ffiutil_init", &err)

	libMu.Lock()
	defer libMu.Unlock()

	if lib != nil && !lib.Closed() {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	l, err := bridge.New(space, bridge.WithConfig(cfg), bridge.WithLogger(log))
	if err != nil {
		return err
	}
	if lib != nil && lib.Marshaler().Live() > 0 {
		lib.Logger().Info("retiring library with outstanding buffers",
			zap.Int("live", lib.Marshaler().Live()))
		retired = append(retired, lib)
	}
	lib = l
	return nil
}

// releaseBuffer returns buf to the library that allocated it, which may be
// one retired by an earlier shutdown. Unknown buffers go to the current
// library so the misuse is reported there.
func releaseBuffer(buf buffer.Buffer) ffierr.Value {
	const op = "ffiutil_buffer_release"

	libMu.Lock()
	latest := lib
	owner := latest
	if owner != nil && !owner.Marshaler().Owns(buf.Ptr) {
		for _, r := range retired {
			if r.Marshaler().Owns(buf.Ptr) {
				owner = r
				break
			}
		}
	}
	libMu.Unlock()

	if owner == nil {
		return ffierr.ToValue(ffierr.Closed(op, "library not initialized"))
	}
	v := owner.Release(buf)
	if owner != latest {
		pruneRetired()
	}
	return v
}

// pruneRetired forgets retired libraries whose buffers are all released.
func pruneRetired() {
	libMu.Lock()
	defer libMu.Unlock()
	kept := retired[:0]
	for _, r := range retired {
		if r.Marshaler().Live() > 0 {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(retired); i++ {
		retired[i] = nil
	}
	retired = kept
}

// current returns the running library. After shutdown the retired library
// is still returned for releasing buffers it handed out; calls on it
// report CodeClosed.
func current(op string) (*bridge.Library, error) {
	libMu.Lock()
	defer libMu.Unlock()
	if lib == nil {
		return nil, ffierr.Closed(op, "library not initialized")
	}
	return lib, nil
}

func shutdownLibrary(timeout time.Duration) (err error) {
	defer boundary.Recover("ffiutil_shutdown", &err)

	l, err := current("ffiutil_shutdown")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err = l.Shutdown(ctx)
	_ = l.Logger().Sync()
	return err
}

// echo is the demonstration operation behind ffiutil_echo and
// ffiutil_echo_async.
func echo(ctx context.Context, in []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return bytes.Clone(in), nil
}

func codeName(code int32) string {
	return ffierr.Code(code).String()
}

func logger() *zap.Logger {
	l, err := current("log")
	if err != nil {
		return zap.NewNop()
	}
	return l.Logger()
}
