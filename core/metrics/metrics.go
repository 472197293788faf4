// Package metrics provides an optional Prometheus-backed instrumentation
// surface shared by every statistics-bearing component in the fabric.
// A nil *Registry (the default) makes every wrapper method a no-op, so
// instrumentation is purely additive and never required for correctness.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry owns a dedicated Prometheus registry that components register
// their counters and gauges into. Construct one with New and pass it into
// component Configs; leave it nil to disable metrics entirely.
type Registry struct {
	reg *prometheus.Registry
}

// New creates a Registry backed by a fresh prometheus.Registry.
func New() *Registry {
	return &Registry{reg: prometheus.NewRegistry()}
}

// Gatherer exposes the underlying prometheus.Gatherer, e.g. for wiring
// into an HTTP /metrics handler. Returns nil if r is nil.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r.reg
}

// Counter is a monotonically-increasing instrument. A nil *Counter (from
// a nil Registry) silently discards updates.
type Counter struct{ c prometheus.Counter }

// NewCounter registers and returns a named counter. Safe to call on a nil
// Registry; returns a Counter whose methods are no-ops.
func (r *Registry) NewCounter(name, help string) *Counter {
	if r == nil {
		return &Counter{}
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "midi_fabric",
		Name:      name,
		Help:      help,
	})
	r.reg.MustRegister(c)
	return &Counter{c: c}
}

// Inc increments the counter by one.
func (c *Counter) Inc() {
	if c == nil || c.c == nil {
		return
	}
	c.c.Inc()
}

// Add increments the counter by v (v must be non-negative).
func (c *Counter) Add(v float64) {
	if c == nil || c.c == nil {
		return
	}
	c.c.Add(v)
}

// Gauge is an instrument that can move up or down. A nil *Gauge silently
// discards updates.
type Gauge struct{ g prometheus.Gauge }

// NewGauge registers and returns a named gauge. Safe to call on a nil
// Registry; returns a Gauge whose methods are no-ops.
func (r *Registry) NewGauge(name, help string) *Gauge {
	if r == nil {
		return &Gauge{}
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "midi_fabric",
		Name:      name,
		Help:      help,
	})
	r.reg.MustRegister(g)
	return &Gauge{g: g}
}

// Set assigns the gauge's current value.
func (g *Gauge) Set(v float64) {
	if g == nil || g.g == nil {
		return
	}
	g.g.Set(v)
}

// Inc increments the gauge by one.
func (g *Gauge) Inc() {
	if g == nil || g.g == nil {
		return
	}
	g.g.Inc()
}

// Dec decrements the gauge by one.
func (g *Gauge) Dec() {
	if g == nil || g.g == nil {
		return
	}
	g.g.Dec()
}
