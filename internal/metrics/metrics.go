// Package metrics registers Prometheus collectors on caller-supplied
// registries. Collectors that are already registered are reused, so several
// components (or several instances of one) can share a registry.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "ffiutil"

// CounterVec creates a counter vector and registers it on reg when reg is
// non-nil.
func CounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	opts.Namespace = Namespace
	vec := prometheus.NewCounterVec(opts, labels)
	if reg == nil {
		return vec
	}
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return vec
}

// Gauge creates a gauge and registers it on reg when reg is non-nil.
func Gauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = Namespace
	g := prometheus.NewGauge(opts)
	if reg == nil {
		return g
	}
	if err := reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
	}
	return g
}

// Counter creates a counter and registers it on reg when reg is non-nil.
func Counter(reg prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = Namespace
	c := prometheus.NewCounter(opts)
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
	}
	return c
}
