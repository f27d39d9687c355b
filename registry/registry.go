package registry

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/caffeineduck/ffiutil/buffer"
	"github.com/caffeineduck/ffiutil/ffierr"
	"github.com/caffeineduck/ffiutil/guard"
	"github.com/caffeineduck/ffiutil/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Handle identifies one in-flight asynchronous operation. Zero is never issued.
type Handle uint64

// CallbackFunc is the flat completion function supplied by the foreign side.
type CallbackFunc func(userData unsafe.Pointer, h Handle, res Result)

// Callback pairs a completion function with the caller's opaque context.
type Callback struct {
	Fn       CallbackFunc
	UserData unsafe.Pointer
}

// Result is delivered to a callback. Data, when not empty, is native-owned
// and must be released by the receiver.
type Result struct {
	Status ffierr.Value
	Data   buffer.Buffer
}

type pending struct {
	handle  Handle
	cb      Callback
	invoked bool
}

// Registry stores pending callbacks keyed by handle.
type Registry struct {
	log   *zap.Logger
	guard *guard.Guard

	mu      sync.Mutex
	pending map[Handle]*pending
	next    Handle
	closed  bool

	pendingGauge prometheus.Gauge
	fired        *prometheus.CounterVec
	misuse       *prometheus.CounterVec
	late         prometheus.Counter
}

type config struct {
	log   *zap.Logger
	reg   prometheus.Registerer
	guard *guard.Guard
}

// Option configures a Registry.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithRegisterer registers the registry's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.reg = reg
	}
}

// WithGuard sets the guard used to run callbacks.
func WithGuard(g *guard.Guard) Option {
	return func(c *config) {
		c.guard = g
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}
	if cfg.guard == nil {
		cfg.guard = guard.New(guard.WithLogger(cfg.log), guard.WithRegisterer(cfg.reg))
	}

	return &Registry{
		log:     cfg.log,
		guard:   cfg.guard,
		pending: make(map[Handle]*pending),
		next:    1,
		pendingGauge: metrics.Gauge(cfg.reg, prometheus.GaugeOpts{
			Name: "registry_pending",
			Help: "Callbacks registered and not yet fired",
		}),
		fired: metrics.CounterVec(cfg.reg, prometheus.CounterOpts{
			Name: "registry_fired_total",
			Help: "Callbacks invoked, by outcome",
		}, []string{"outcome"}),
		misuse: metrics.CounterVec(cfg.reg, prometheus.CounterOpts{
			Name: "registry_misuse_total",
			Help: "Rejected Fire calls, by error code",
		}, []string{"code"}),
		late: metrics.Counter(cfg.reg, prometheus.CounterOpts{
			Name: "registry_late_completions_total",
			Help: "Completions that arrived after their handle was cancelled",
		}),
	}
}

// Register stores cb and returns a fresh handle.
func (r *Registry) Register(cb Callback) (Handle, error) {
	if cb.Fn == nil {
		return 0, ffierr.InvalidPointer("registry.register", "nil callback function")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ffierr.Closed("registry.register", "registry")
	}

	h := r.allocate()
	r.pending[h] = &pending{handle: h, cb: cb}
	r.pendingGauge.Inc()
	return h, nil
}

// allocate returns a handle that is neither zero nor pending. Caller holds mu.
func (r *Registry) allocate() Handle {
	for {
		h := r.next
		r.next++
		if r.next == 0 {
			r.next = 1
		}
		if h == 0 {
			continue
		}
		if _, busy := r.pending[h]; !busy {
			return h
		}
	}
}

// Fire delivers res to the callback registered under h and removes it.
// Under concurrent Fire calls on one handle exactly one succeeds; the others
// get CodeDoubleFire.
func (r *Registry) Fire(h Handle, res Result) error {
	p, issued := r.take(h)
	if p == nil {
		var err *ffierr.Error
		if issued {
			err = ffierr.DoubleFire("registry.fire", uint64(h))
		} else {
			err = ffierr.UnknownHandle("registry.fire", uint64(h))
		}
		r.misuse.WithLabelValues(err.Code.String()).Inc()
		r.log.Warn("rejected callback delivery",
			zap.Uint64("handle", uint64(h)),
			zap.Stringer("code", err.Code))
		return err
	}

	r.deliver(p, res, "delivered")
	return nil
}

// FireIfPending is Fire for completions that may legitimately lose a race
// with CancelAllPending. It reports whether res was delivered; a handle that
// is no longer pending is not counted as misuse.
func (r *Registry) FireIfPending(h Handle, res Result) bool {
	p, _ := r.take(h)
	if p == nil {
		r.late.Inc()
		return false
	}
	r.deliver(p, res, "delivered")
	return true
}

// take removes h from the pending table. When h is not pending it returns
// nil and whether h was ever issued.
func (r *Registry) take(h Handle) (*pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[h]
	if !ok || p.invoked {
		return nil, h != 0 && h < r.next
	}
	p.invoked = true
	delete(r.pending, h)
	r.pendingGauge.Dec()
	return p, true
}

// CancelAllPending fires every pending callback with CodeCancelled, in
// handle order, and returns how many were cancelled.
func (r *Registry) CancelAllPending() int {
	r.mu.Lock()
	victims := make([]*pending, 0, len(r.pending))
	for h, p := range r.pending {
		p.invoked = true
		victims = append(victims, p)
		delete(r.pending, h)
	}
	r.pendingGauge.Sub(float64(len(victims)))
	r.mu.Unlock()

	sort.Slice(victims, func(i, j int) bool {
		return victims[i].handle < victims[j].handle
	})

	cancelled := ffierr.ToValue(ffierr.Cancelled("registry.cancel_all_pending"))
	for _, p := range victims {
		r.deliver(p, Result{Status: cancelled}, "cancelled")
	}

	if len(victims) > 0 {
		r.log.Info("cancelled pending callbacks", zap.Int("count", len(victims)))
	}
	return len(victims)
}

// Shutdown refuses further registrations and cancels everything pending.
// It may be called more than once.
func (r *Registry) Shutdown() int {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.CancelAllPending()
}

// Closed reports whether Shutdown has been called.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Pending returns the number of callbacks waiting to fire.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// IsPending reports whether h is registered and not yet fired.
func (r *Registry) IsPending(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[h]
	return ok
}

func (r *Registry) deliver(p *pending, res Result, outcome string) {
	r.fired.WithLabelValues(outcome).Inc()
	err := r.guard.Run("registry.callback", func() error {
		p.cb.Fn(p.cb.UserData, p.handle, res)
		return nil
	})
	if err != nil {
		r.log.Error("callback faulted",
			zap.Uint64("handle", uint64(p.handle)),
			zap.Error(err))
	}
}
