// Package metrics provides the explicit metrics collaborator passed to
// each pipeline component at construction. Components register named
// counters, gauges, and latency histograms; the supervisor serves a
// JSON snapshot of everything over the health endpoint.
//
// The registry is nil-safe: methods on a nil *Registry return detached
// instruments, so components constructed without observability (as in
// many tests) need no guard checks.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing int64.
type Counter struct {
	v atomic.Int64
}

// Inc adds one.
func (c *Counter) Inc() { c.v.Add(1) }

// Add adds n.
func (c *Counter) Add(n int64) { c.v.Add(n) }

// Value returns the current count.
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge holds an instantaneous value, either numeric or a short label
// (e.g. a state-machine state name).
type Gauge struct {
	v atomic.Value // int64 or string
}

// Set stores a numeric value.
func (g *Gauge) Set(n int64) { g.v.Store(n) }

// SetString stores a label value.
func (g *Gauge) SetString(s string) { g.v.Store(s) }

// SetTime stores a timestamp, rendered as RFC3339 in snapshots.
func (g *Gauge) SetTime(t time.Time) { g.v.Store(t) }

// Value returns the stored value, or nil if never set.
func (g *Gauge) Value() any { return g.v.Load() }

// Histogram accumulates observations into fixed millisecond buckets.
// Bucket boundaries are upper-inclusive; observations beyond the last
// boundary land in the overflow bucket.
type Histogram struct {
	bounds []float64 // milliseconds
	counts []atomic.Int64
	sum    atomic.Int64 // microseconds, to keep integer math
	total  atomic.Int64
}

// DefaultLatencyBuckets covers sub-millisecond cache hits through
// multi-second store writes.
var DefaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Observe records a duration.
func (h *Histogram) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	i := sort.SearchFloat64s(h.bounds, ms)
	h.counts[i].Add(1)
	h.sum.Add(d.Microseconds())
	h.total.Add(1)
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 { return h.total.Load() }

// snapshot renders the histogram as a stats map.
func (h *Histogram) snapshot() map[string]any {
	buckets := make(map[string]int64, len(h.bounds)+1)
	for i, b := range h.bounds {
		buckets[formatBound(b)] = h.counts[i].Load()
	}
	buckets["+inf"] = h.counts[len(h.bounds)].Load()

	out := map[string]any{
		"count":      h.total.Load(),
		"sum_ms":     float64(h.sum.Load()) / 1000.0,
		"buckets_ms": buckets,
	}
	return out
}

func formatBound(b float64) string {
	if b == float64(int64(b)) {
		return itoa(int64(b))
	}
	// Non-integer bounds are not used by the default buckets.
	return itoa(int64(b)) + ".5"
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Registry is a named collection of instruments.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter returns the named counter, creating it on first use.
// On a nil registry it returns a detached counter.
func (r *Registry) Counter(name string) *Counter {
	if r == nil {
		return &Counter{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = &Counter{}
		r.counters[name] = c
	}
	return c
}

// Gauge returns the named gauge, creating it on first use.
// On a nil registry it returns a detached gauge.
func (r *Registry) Gauge(name string) *Gauge {
	if r == nil {
		return &Gauge{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gauges[name]
	if !ok {
		g = &Gauge{}
		r.gauges[name] = g
	}
	return g
}

// Histogram returns the named histogram, creating it with the default
// latency buckets on first use. On a nil registry it returns a
// detached histogram.
func (r *Registry) Histogram(name string) *Histogram {
	if r == nil {
		return newHistogram(DefaultLatencyBuckets)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[name]
	if !ok {
		h = newHistogram(DefaultLatencyBuckets)
		r.histograms[name] = h
	}
	return h
}

func newHistogram(bounds []float64) *Histogram {
	return &Histogram{
		bounds: bounds,
		counts: make([]atomic.Int64, len(bounds)+1),
	}
}

// Time starts a scoped timer against the named histogram. Call the
// returned function to record the elapsed duration:
//
//	defer reg.Time("flush_latency")()
func (r *Registry) Time(name string) func() {
	h := r.Histogram(name)
	start := time.Now()
	return func() { h.Observe(time.Since(start)) }
}

// Snapshot renders every instrument into a JSON-friendly map.
func (r *Registry) Snapshot() map[string]any {
	if r == nil {
		return map[string]any{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]any, len(r.counters)+len(r.gauges)+len(r.histograms))
	for name, c := range r.counters {
		out[name] = c.Value()
	}
	for name, g := range r.gauges {
		v := g.Value()
		if t, ok := v.(time.Time); ok {
			v = t.Format(time.RFC3339)
		}
		out[name] = v
	}
	for name, h := range r.histograms {
		out[name] = h.snapshot()
	}
	return out
}
