// Package bridge is the entry-point façade a binding layer builds on. A
// [Library] owns one Marshaler, one Guard and one Registry, and exposes the
// two call shapes a foreign caller sees: synchronous calls that return a
// status value plus out-parameters, and asynchronous calls that return a
// registration status now and deliver exactly one callback later.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caffeineduck/ffiutil/buffer"
	"github.com/caffeineduck/ffiutil/ffierr"
	"github.com/caffeineduck/ffiutil/guard"
	"github.com/caffeineduck/ffiutil/internal/config"
	"github.com/caffeineduck/ffiutil/registry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrLeakedBuffers is reported by Shutdown when native-owned buffers were
// handed out and never released.
var ErrLeakedBuffers = errors.New("native buffers not released")

// AsyncFunc is the body of an asynchronous call. ctx is cancelled when the
// library shuts down.
type AsyncFunc func(ctx context.Context) ([]byte, error)

// Library is one initialized instance of the boundary layer.
type Library struct {
	id       uuid.UUID
	log      *zap.Logger
	cfg      *config.Config
	guard    *guard.Guard
	marshal  *buffer.Marshaler
	registry *registry.Registry
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type options struct {
	cfg *config.Config
	log *zap.Logger
	reg prometheus.Registerer
}

// Option configures a Library.
type Option func(*options)

// WithConfig sets the configuration. The default is config.Default().
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithRegisterer registers metrics of every component on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.reg = reg
	}
}

// New initializes a Library whose native-owned buffers live in space.
func New(space buffer.Space, opts ...Option) (*Library, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cfg == nil {
		o.cfg = config.Default()
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if space == nil {
		return nil, ffierr.InvalidPointer("bridge.new", "nil address space")
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	mode, err := o.cfg.TextMode()
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	id := uuid.New()
	log := o.log.With(zap.Stringer("library", id))

	g := guard.New(guard.WithLogger(log), guard.WithRegisterer(o.reg))
	ctx, cancel := context.WithCancel(context.Background())

	l := &Library{
		id:    id,
		log:   log,
		cfg:   o.cfg,
		guard: g,
		marshal: buffer.NewMarshaler(space,
			buffer.WithTextMode(mode),
			buffer.WithLedger(o.cfg.Buffer.Ledger),
			buffer.WithLogger(log)),
		registry: registry.New(
			registry.WithLogger(log),
			registry.WithRegisterer(o.reg),
			registry.WithGuard(g)),
		sem:    semaphore.NewWeighted(int64(o.cfg.Async.MaxInFlight)),
		ctx:    ctx,
		cancel: cancel,
	}

	log.Info("library initialized",
		zap.String("space", space.Name()),
		zap.Stringer("text_mode", mode),
		zap.Bool("ledger", o.cfg.Buffer.Ledger),
		zap.Int("max_inflight", o.cfg.Async.MaxInFlight))
	return l, nil
}

// ID returns the instance id used in logs.
func (l *Library) ID() uuid.UUID { return l.id }

// Config returns the configuration the library was built with.
func (l *Library) Config() *config.Config { return l.cfg }

// Guard returns the library's guard.
func (l *Library) Guard() *guard.Guard { return l.guard }

// Marshaler returns the library's marshaler.
func (l *Library) Marshaler() *buffer.Marshaler { return l.marshal }

// Registry returns the library's callback registry.
func (l *Library) Registry() *registry.Registry { return l.registry }

// Logger returns the library's logger.
func (l *Library) Logger() *zap.Logger { return l.log }

// Closed reports whether Shutdown has been called.
func (l *Library) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Call runs fn synchronously. Errors and contained faults become the
// returned value.
func (l *Library) Call(op string, fn func() error) ffierr.Value {
	if l.Closed() {
		return ffierr.ToValue(ffierr.Closed(op, "library"))
	}
	return l.guard.Call(op, fn)
}

// CallBytes runs fn synchronously and stores its result in *out as a
// native-owned buffer. *out is left empty unless the returned value is OK.
func (l *Library) CallBytes(op string, out *buffer.Buffer, fn func() ([]byte, error)) ffierr.Value {
	if out == nil {
		return ffierr.ToValue(ffierr.InvalidPointer(op, "nil out-parameter"))
	}
	*out = buffer.Buffer{}
	if l.Closed() {
		return ffierr.ToValue(ffierr.Closed(op, "library"))
	}

	buf, v := guard.Invoke(l.guard, op, func() (buffer.Buffer, error) {
		data, err := fn()
		if err != nil {
			return buffer.Buffer{}, err
		}
		return l.marshal.ToForeign(data)
	})
	if v.IsOK() {
		*out = buf
	}
	return v
}

// CallAsync registers cb and runs fn on a worker goroutine. The returned
// value reports registration failures only; when it is OK, cb is invoked
// exactly once with the outcome. Result data handed to cb is native-owned.
func (l *Library) CallAsync(op string, cb registry.Callback, fn AsyncFunc) (registry.Handle, ffierr.Value) {
	h, v := guard.Invoke(l.guard, op+".register", func() (registry.Handle, error) {
		if fn == nil {
			return 0, ffierr.InvalidPointer(op, "nil async function")
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			return 0, ffierr.Closed(op, "library")
		}
		h, err := l.registry.Register(cb)
		if err != nil {
			return 0, err
		}
		l.wg.Add(1)
		return h, nil
	})
	if !v.IsOK() {
		return 0, v
	}

	l.guard.Go(op, func() {
		defer l.wg.Done()
		l.runAsync(op, h, fn)
	}, func(fe *ffierr.Error) {
		l.complete(op, h, registry.Result{Status: ffierr.ToValue(fe)})
	})
	return h, ffierr.OK
}

func (l *Library) runAsync(op string, h registry.Handle, fn AsyncFunc) {
	completed := false
	defer func() {
		// runtime.Goexit in fn unwinds past the normal completion.
		if !completed {
			l.complete(op, h, registry.Result{
				Status: ffierr.ToValue(ffierr.New(ffierr.CodeInternalFault).
					Op(op).
					Detail("worker exited without a result").
					Build()),
			})
		}
	}()

	if err := l.sem.Acquire(l.ctx, 1); err != nil {
		completed = true
		l.complete(op, h, registry.Result{Status: ffierr.ToValue(ffierr.Cancelled(op))})
		return
	}
	defer l.sem.Release(1)

	data, v := guard.Invoke(l.guard, op+".work", func() ([]byte, error) {
		return fn(l.ctx)
	})

	res := registry.Result{Status: v}
	if v.IsOK() {
		buf, err := l.marshal.ToForeign(data)
		if err != nil {
			res.Status = ffierr.ToValue(err)
		} else {
			res.Data = buf
		}
	}
	completed = true
	l.complete(op, h, res)
}

// complete fires h if it is still pending. A handle already cancelled by
// shutdown has no receiver, so data produced for it is released here.
func (l *Library) complete(op string, h registry.Handle, res registry.Result) {
	if l.registry.FireIfPending(h, res) {
		return
	}
	if !res.Data.Empty() {
		if rerr := l.marshal.Release(res.Data); rerr != nil {
			l.log.Error("release of undeliverable result",
				zap.String("op", op),
				zap.Uint64("handle", uint64(h)),
				zap.Error(rerr))
		}
	}
	l.log.Debug("async result dropped",
		zap.String("op", op),
		zap.Uint64("handle", uint64(h)),
		zap.Stringer("code", res.Status.Code))
}

// Release frees a native-owned buffer.
func (l *Library) Release(buf buffer.Buffer) ffierr.Value {
	return l.guard.Call("bridge.release", func() error {
		return l.marshal.Release(buf)
	})
}

// Input copies bytes out of a caller-supplied buffer.
func (l *Library) Input(buf buffer.Buffer) ([]byte, ffierr.Value) {
	return guard.Invoke(l.guard, "bridge.input", func() ([]byte, error) {
		return l.marshal.FromForeign(buf)
	})
}

// Text copies and validates text out of a caller-supplied buffer.
func (l *Library) Text(buf buffer.Buffer) (string, ffierr.Value) {
	return guard.Invoke(l.guard, "bridge.text", func() (string, error) {
		return l.marshal.TextFromForeign(buf)
	})
}

// CString reads a NUL-terminated caller-supplied string.
func (l *Library) CString(ptr uintptr) (string, ffierr.Value) {
	return guard.Invoke(l.guard, "bridge.cstring", func() (string, error) {
		return l.marshal.CStringFromForeign(ptr)
	})
}

// Describe marshals the description of v as native-owned text.
func (l *Library) Describe(v ffierr.Value) (buffer.Buffer, ffierr.Value) {
	return guard.Invoke(l.guard, "bridge.describe", func() (buffer.Buffer, error) {
		return l.marshal.TextToForeign(ffierr.Sanitize(v.Description))
	})
}

// Pending returns the number of async calls awaiting delivery.
func (l *Library) Pending() int {
	return l.registry.Pending()
}

// Shutdown stops accepting calls, delivers Cancelled to every pending
// callback and waits for workers until ctx ends. Buffers still live
// afterwards are reported as ErrLeakedBuffers. Calling Shutdown again
// returns nil.
func (l *Library) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	start := time.Now()
	// Pending callbacks are cancelled before workers see ctx.Done, so a
	// worker cannot deliver into the shutdown.
	cancelled := l.registry.Shutdown()
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for async workers: %w", ctx.Err()))
	}

	if live := l.marshal.Live(); live > 0 {
		err = multierr.Append(err, fmt.Errorf("%w: %d still live", ErrLeakedBuffers, live))
	}

	l.log.Info("library shut down",
		zap.Int("cancelled", cancelled),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return err
}
