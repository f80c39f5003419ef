// Package metrics tracks the exchange's operational counters and serves
// them in Prometheus text format. The primitives are deliberately small:
// atomic counters and gauges, and a histogram reduced to count, sum, and
// the observed range.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Counter is a monotonic event count.
type Counter struct {
	name string
	n    atomic.Int64
}

// Inc adds one.
func (c *Counter) Inc() { c.n.Add(1) }

// Add adds n. Counters never go down; negative deltas are dropped.
func (c *Counter) Add(n int64) {
	if n > 0 {
		c.n.Add(n)
	}
}

// Value returns the current count.
func (c *Counter) Value() int64 { return c.n.Load() }

// Name returns the metric name.
func (c *Counter) Name() string { return c.name }

// Gauge is an instantaneous level, such as queue depth.
type Gauge struct {
	name string
	n    atomic.Int64
}

// Set replaces the gauge value.
func (g *Gauge) Set(v int64) { g.n.Store(v) }

// Value returns the current level.
func (g *Gauge) Value() int64 { return g.n.Load() }

// Name returns the metric name.
func (g *Gauge) Name() string { return g.name }

// Histogram summarizes a stream of observations.
type Histogram struct {
	name string

	mu    sync.Mutex
	count int64
	sum   float64
	min   float64
	max   float64
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 || v < h.min {
		h.min = v
	}
	if h.count == 0 || v > h.max {
		h.max = v
	}
	h.count++
	h.sum += v
}

// summary returns all fields under one lock acquisition.
func (h *Histogram) summary() (count int64, sum, min, max float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count, h.sum, h.min, h.max
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	count, _, _, _ := h.summary()
	return count
}

// Sum returns the total of all observations.
func (h *Histogram) Sum() float64 {
	_, sum, _, _ := h.summary()
	return sum
}

// Min returns the smallest observation, or 0 before any.
func (h *Histogram) Min() float64 {
	count, _, min, _ := h.summary()
	if count == 0 {
		return 0
	}
	return min
}

// Max returns the largest observation, or 0 before any.
func (h *Histogram) Max() float64 {
	count, _, _, max := h.summary()
	if count == 0 {
		return 0
	}
	return max
}

// Mean returns the average observation, or 0 before any.
func (h *Histogram) Mean() float64 {
	count, sum, _, _ := h.summary()
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Name returns the metric name.
func (h *Histogram) Name() string { return h.name }

// Registry is a name-keyed set of metrics with get-or-create access, so a
// metric can be declared once as a package variable and used anywhere.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// DefaultRegistry backs the exchange-wide metrics in standard.go.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter returns the counter named name, creating it on first use.
func (r *Registry) Counter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = &Counter{name: name}
		r.counters[name] = c
	}
	return c
}

// Gauge returns the gauge named name, creating it on first use.
func (r *Registry) Gauge(name string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gauges[name]
	if !ok {
		g = &Gauge{name: name}
		r.gauges[name] = g
	}
	return g
}

// Histogram returns the histogram named name, creating it on first use.
func (r *Registry) Histogram(name string) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[name]
	if !ok {
		h = &Histogram{name: name}
		r.histograms[name] = h
	}
	return h
}

// Snapshot returns every metric's current value keyed by name. Histograms
// appear as nested maps with count, sum, min, max, and mean.
func (r *Registry) Snapshot() map[string]any {
	counters, gauges, histograms := r.export()

	snap := make(map[string]any, len(counters)+len(gauges)+len(histograms))
	for _, c := range counters {
		snap[c.Name()] = c.Value()
	}
	for _, g := range gauges {
		snap[g.Name()] = g.Value()
	}
	for _, h := range histograms {
		snap[h.Name()] = map[string]any{
			"count": h.Count(),
			"sum":   h.Sum(),
			"min":   h.Min(),
			"max":   h.Max(),
			"mean":  h.Mean(),
		}
	}
	return snap
}

// export returns the registered metrics sorted by name, so scrape output
// is stable across requests.
func (r *Registry) export() ([]*Counter, []*Gauge, []*Histogram) {
	r.mu.Lock()
	counters := make([]*Counter, 0, len(r.counters))
	for _, c := range r.counters {
		counters = append(counters, c)
	}
	gauges := make([]*Gauge, 0, len(r.gauges))
	for _, g := range r.gauges {
		gauges = append(gauges, g)
	}
	histograms := make([]*Histogram, 0, len(r.histograms))
	for _, h := range r.histograms {
		histograms = append(histograms, h)
	}
	r.mu.Unlock()

	sort.Slice(counters, func(i, j int) bool { return counters[i].name < counters[j].name })
	sort.Slice(gauges, func(i, j int) bool { return gauges[i].name < gauges[j].name })
	sort.Slice(histograms, func(i, j int) bool { return histograms[i].name < histograms[j].name })
	return counters, gauges, histograms
}
