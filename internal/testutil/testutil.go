// Package testutil provides helpers for tests that drive callbacks the way a
// foreign caller would.
package testutil

import (
	"sync"
	"time"
	"unsafe"

	"github.com/caffeineduck/ffiutil/registry"
)

// Delivery is one observed callback invocation.
type Delivery struct {
	UserData unsafe.Pointer
	Handle   registry.Handle
	Result   registry.Result
}

// Collector records callback invocations from any goroutine.
type Collector struct {
	mu     sync.Mutex
	seen   []Delivery
	counts map[registry.Handle]int
	notify chan struct{}
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		counts: make(map[registry.Handle]int),
		notify: make(chan struct{}, 1),
	}
}

// Callback returns a registry.Callback that records into c.
func (c *Collector) Callback(userData unsafe.Pointer) registry.Callback {
	return registry.Callback{Fn: c.record, UserData: userData}
}

func (c *Collector) record(userData unsafe.Pointer, h registry.Handle, res registry.Result) {
	c.mu.Lock()
	c.seen = append(c.seen, Delivery{UserData: userData, Handle: h, Result: res})
	c.counts[h]++
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until at least n deliveries were recorded or timeout passes.
// It returns the deliveries seen so far.
func (c *Collector) Wait(n int, timeout time.Duration) []Delivery {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		if len(c.seen) >= n {
			out := append([]Delivery(nil), c.seen...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-deadline.C:
			return c.All()
		}
	}
}

// All returns every delivery recorded so far.
func (c *Collector) All() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delivery(nil), c.seen...)
}

// Count returns how often h was delivered.
func (c *Collector) Count(h registry.Handle) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[h]
}

// Len returns the number of deliveries.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
