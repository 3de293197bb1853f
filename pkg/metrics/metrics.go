// Metrics collection for the extruder motion host
//
// Prometheus-compatible metrics:
// - Counter: monotonically increasing values
// - Gauge: values that can go up and down
// - Histogram: distribution of observations in buckets
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MetricType represents the type of metric
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

// String returns the Prometheus type keyword
func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "untyped"
	}
}

// Labels are the label pairs of one series
type Labels map[string]string

// key renders labels in sorted order; it identifies a series.
func (l Labels) key() string {
	if len(l) == 0 {
		return ""
	}
	names := make([]string, 0, len(l))
	for k := range l {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + `="` + escapeLabel(l[k]) + `"`
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (l Labels) with(name, value string) Labels {
	out := make(Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	out[name] = value
	return out
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Metric is anything the registry can render
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

// family holds the series of one metric keyed by rendered labels
type family struct {
	name string
	help string
	mu   sync.Mutex
}

func (f *family) Name() string { return f.name }
func (f *family) Help() string { return f.help }

func (f *family) header(sb *strings.Builder, t MetricType) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, t)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Counter is a monotonically increasing metric
type Counter struct {
	family
	values map[string]float64
}

// NewCounter creates a new counter metric
func NewCounter(name, help string) *Counter {
	return &Counter{family: family{name: name, help: help}, values: make(map[string]float64)}
}

func (c *Counter) Type() MetricType { return TypeCounter }

// Inc increments the counter by 1
func (c *Counter) Inc(labels Labels) {
	c.Add(labels, 1)
}

// Add increments the counter; negative deltas are ignored
func (c *Counter) Add(labels Labels, delta float64) {
	if delta < 0 {
		return
	}
	c.mu.Lock()
	c.values[labels.key()] += delta
	c.mu.Unlock()
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[labels.key()]
}

func (c *Counter) Write(sb *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header(sb, TypeCounter)
	for _, k := range sortedKeys(c.values) {
		fmt.Fprintf(sb, "%s%s %s\n", c.name, k, formatFloat(c.values[k]))
	}
}

// Gauge is a metric that can go up and down
type Gauge struct {
	family
	values map[string]float64
}

// NewGauge creates a new gauge metric
func NewGauge(name, help string) *Gauge {
	return &Gauge{family: family{name: name, help: help}, values: make(map[string]float64)}
}

func (g *Gauge) Type() MetricType { return TypeGauge }

// Set sets the gauge value
func (g *Gauge) Set(labels Labels, value float64) {
	g.mu.Lock()
	g.values[labels.key()] = value
	g.mu.Unlock()
}

// Add adds delta (which may be negative) to the gauge
func (g *Gauge) Add(labels Labels, delta float64) {
	g.mu.Lock()
	g.values[labels.key()] += delta
	g.mu.Unlock()
}

// Get returns the current gauge value for labels
func (g *Gauge) Get(labels Labels) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.values[labels.key()]
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.header(sb, TypeGauge)
	for _, k := range sortedKeys(g.values) {
		fmt.Fprintf(sb, "%s%s %s\n", g.name, k, formatFloat(g.values[k]))
	}
}

type histogramValue struct {
	labels  Labels
	count   uint64
	sum     float64
	buckets []uint64 // non-cumulative
}

// Histogram records a distribution of observations
type Histogram struct {
	family
	bounds []float64
	values map[string]*histogramValue
}

// NewHistogram creates a new histogram metric with the given bucket bounds
func NewHistogram(name, help string, buckets []float64) *Histogram {
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	return &Histogram{family: family{name: name, help: help}, bounds: bounds,
		values: make(map[string]*histogramValue)}
}

// ExponentialBuckets creates count buckets starting at start with factor multiplier
func ExponentialBuckets(start, factor float64, count int) []float64 {
	buckets := make([]float64, count)
	for i := range buckets {
		buckets[i] = start
		start *= factor
	}
	return buckets
}

func (h *Histogram) Type() MetricType { return TypeHistogram }

// Observe records a value in the histogram
func (h *Histogram) Observe(labels Labels, value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := labels.key()
	hv, ok := h.values[k]
	if !ok {
		hv = &histogramValue{labels: labels, buckets: make([]uint64, len(h.bounds))}
		h.values[k] = hv
	}
	hv.count++
	hv.sum += value
	if i := sort.SearchFloat64s(h.bounds, value); i < len(h.bounds) {
		hv.buckets[i]++
	}
}

// HistogramSnapshot is a point-in-time copy of one series
type HistogramSnapshot struct {
	Count uint64
	Sum   float64
}

// Snapshot returns count and sum for labels
func (h *Histogram) Snapshot(labels Labels) HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	hv, ok := h.values[labels.key()]
	if !ok {
		return HistogramSnapshot{}
	}
	return HistogramSnapshot{Count: hv.count, Sum: hv.sum}
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.header(sb, TypeHistogram)
	for _, k := range sortedKeys(h.values) {
		hv := h.values[k]
		cumulative := uint64(0)
		for i, bound := range h.bounds {
			cumulative += hv.buckets[i]
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, hv.labels.with("le", formatFloat(bound)).key(), cumulative)
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, hv.labels.with("le", "+Inf").key(), hv.count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, k, formatFloat(hv.sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, k, hv.count)
	}
}

// Registry holds all registered metrics
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string // registration order
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric to the registry
func (r *Registry) Register(metric Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := metric.Name()
	if _, exists := r.metrics[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}
	r.metrics[name] = metric
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds a metric and panics on error
func (r *Registry) MustRegister(metric Metric) {
	if err := r.Register(metric); err != nil {
		panic(err)
	}
}

// Get returns a metric by name
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather renders all metrics in Prometheus text format
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}

// Handler serves Gather over HTTP
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(r.Gather()))
	})
}
