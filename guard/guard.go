// Package guard contains faults at the foreign boundary.
//
// Unwinding a Go panic into C, Swift, Kotlin or a WebAssembly guest is
// undefined behavior at best and a process abort at worst. Every boundary
// entry point therefore runs its body through a [Guard]:
//
//	v := g.Call("echo", func() error {
//	    return doWork()
//	})
//	// v.Code == ffierr.CodeInternalFault if doWork panicked
//
// A recovered panic is converted exactly once into an InternalFault value.
// The stack trace goes to the log, never into the value handed to the
// foreign caller. The guard does not retry.
package guard

import (
	"errors"
	"runtime"
	"runtime/debug"

	"github.com/caffeineduck/ffiutil/ffierr"
	"github.com/caffeineduck/ffiutil/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Guard runs functions inside a fault-containment scope.
type Guard struct {
	log    *zap.Logger
	calls  *prometheus.CounterVec
	faults *prometheus.CounterVec
}

type config struct {
	log *zap.Logger
	reg prometheus.Registerer
}

// Option configures a Guard.
type Option func(*config)

// WithLogger sets the logger used for contained faults.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithRegisterer registers the guard's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.reg = reg
	}
}

// New creates a Guard.
func New(opts ...Option) *Guard {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}

	return &Guard{
		log: cfg.log,
		calls: metrics.CounterVec(cfg.reg, prometheus.CounterOpts{
			Name: "guard_calls_total",
			Help: "Boundary calls by operation and result code",
		}, []string{"op", "code"}),
		faults: metrics.CounterVec(cfg.reg, prometheus.CounterOpts{
			Name: "guard_faults_total",
			Help: "Internal faults contained at the boundary",
		}, []string{"op", "kind"}),
	}
}

// Run executes fn and returns its error. A panic in fn is recovered and
// returned as an *ffierr.Error with CodeInternalFault.
func (g *Guard) Run(op string, fn func() error) (err error) {
	completed := false
	defer func() {
		if r := recover(); r != nil {
			g.contain(op, r, debug.Stack())
			err = ffierr.Fault(op, r)
		} else if !completed {
			// runtime.Goexit: cannot be stopped, only recorded.
			g.faults.WithLabelValues(op, "goexit").Inc()
			g.log.Error("goroutine exiting through boundary",
				zap.String("op", op),
				zap.Stack("stack"))
		}
		g.observe(op, err)
	}()

	err = fn()
	completed = true
	return err
}

// Call executes fn and converts the outcome into a boundary value.
func (g *Guard) Call(op string, fn func() error) ffierr.Value {
	return ffierr.ToValue(g.Run(op, fn))
}

// Invoke executes fn and returns its result unchanged on normal completion.
// After a contained fault the zero T is returned with an InternalFault value.
func Invoke[T any](g *Guard, op string, fn func() (T, error)) (T, ffierr.Value) {
	var out T
	err := g.Run(op, func() error {
		v, err := fn()
		out = v
		return err
	})
	if err != nil && errors.Is(err, ffierr.ErrInternalFault) {
		var zero T
		return zero, ffierr.ToValue(err)
	}
	return out, ffierr.ToValue(err)
}

// Go runs fn on a new goroutine. A fault is passed to onFault instead of
// crashing the process.
func (g *Guard) Go(op string, fn func(), onFault func(*ffierr.Error)) {
	go func() {
		err := g.Run(op, func() error {
			fn()
			return nil
		})
		var fe *ffierr.Error
		if errors.As(err, &fe) && onFault != nil {
			onFault(fe)
		}
	}()
}

// Recover is meant to be deferred directly by an entry point that cannot
// use Run. It stores the contained fault in *errp.
//
//	func entry() (err error) {
//	    defer g.Recover("entry", &err)
//	    ...
//	}
func (g *Guard) Recover(op string, errp *error) {
	if r := recover(); r != nil {
		g.contain(op, r, debug.Stack())
		fe := ffierr.Fault(op, r)
		g.observe(op, fe)
		if errp != nil {
			*errp = fe
		}
	}
}

func (g *Guard) contain(op string, r any, stack []byte) {
	kind := faultKind(r)
	g.faults.WithLabelValues(op, kind).Inc()
	g.log.Error("contained internal fault",
		zap.String("op", op),
		zap.String("kind", kind),
		zap.Any("panic", r),
		zap.ByteString("stack", stack))
}

func (g *Guard) observe(op string, err error) {
	g.calls.WithLabelValues(op, ffierr.ToValue(err).Code.String()).Inc()
}

func faultKind(r any) string {
	switch r.(type) {
	case runtime.Error:
		return "runtime"
	case error:
		return "error"
	default:
		return "abort"
	}
}
