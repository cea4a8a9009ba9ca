package observability

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Metric names.
const (
	MetricRunsTotal      = "finagent_runs_total"
	MetricRunDuration    = "finagent_run_duration_seconds"
	MetricAttemptsTotal  = "finagent_attempts_total"
	MetricReplansTotal   = "finagent_replans_total"
	MetricCacheHits      = "finagent_cache_hits_total"
	MetricCacheMisses    = "finagent_cache_misses_total"
	MetricTokensTotal    = "finagent_tokens_total"
	MetricVerifyFailures = "finagent_verify_failures_total"
)

// Labels for metrics.
type Labels map[string]string

// Counter is a monotonically increasing metric.
type Counter struct {
	value int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { atomic.AddInt64(&c.value, 1) }

// Add adds v to the counter.
func (c *Counter) Add(v int64) { atomic.AddInt64(&c.value, v) }

// Value returns the current value.
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.value) }

// DefaultBuckets are latency buckets in seconds.
var DefaultBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Histogram tracks the distribution of observed values.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// NewHistogram creates a histogram; nil buckets selects DefaultBuckets.
func NewHistogram(buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return &Histogram{buckets: buckets, counts: make([]int64, len(buckets)+1)}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	i := sort.SearchFloat64s(h.buckets, v)
	h.counts[i]++
}

// HistogramSnapshot is a point-in-time copy of a histogram.
type HistogramSnapshot struct {
	Buckets []float64 `json:"buckets"`
	Counts  []int64   `json:"counts"`
	Sum     float64   `json:"sum"`
	Count   int64     `json:"count"`
}

// Mean returns the mean observation.
func (s HistogramSnapshot) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Snapshot copies the histogram.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HistogramSnapshot{
		Buckets: h.buckets,
		Counts:  append([]int64(nil), h.counts...),
		Sum:     h.sum,
		Count:   h.count,
	}
}

// Registry holds named metrics.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	histograms map[string]*Histogram
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		histograms: make(map[string]*Histogram),
	}
}

// Counter returns or creates the counter for name and labels.
func (r *Registry) Counter(name string, labels Labels) *Counter {
	key := metricKey(name, labels)

	r.mu.RLock()
	c, ok := r.counters[key]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c = &Counter{}
	r.counters[key] = c
	return c
}

// Histogram returns or creates the histogram for name and labels.
func (r *Registry) Histogram(name string, labels Labels) *Histogram {
	key := metricKey(name, labels)

	r.mu.RLock()
	h, ok := r.histograms[key]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[key]; ok {
		return h
	}
	h = NewHistogram(nil)
	r.histograms[key] = h
	return h
}

// Snapshot is a copy of every metric keyed by name and labels.
type Snapshot struct {
	Counters   map[string]int64             `json:"counters"`
	Histograms map[string]HistogramSnapshot `json:"histograms"`
}

// Snapshot copies the registry.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		Counters:   make(map[string]int64, len(r.counters)),
		Histograms: make(map[string]HistogramSnapshot, len(r.histograms)),
	}
	for k, c := range r.counters {
		s.Counters[k] = c.Value()
	}
	for k, h := range r.histograms {
		s.Histograms[k] = h.Snapshot()
	}
	return s
}

// metricKey renders name{k=v,...} with sorted label keys.
func metricKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Metrics records pipeline metrics from finished traces. It also
// implements Sink so it can sit in a MultiSink.
type Metrics struct {
	registry    *Registry
	attempts    *Counter
	replans     *Counter
	cacheHits   *Counter
	cacheMisses *Counter
	tokens      *Counter
	duration    *Histogram
}

// NewMetrics creates pipeline metrics in registry.
func NewMetrics(registry *Registry) *Metrics {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Metrics{
		registry:    registry,
		attempts:    registry.Counter(MetricAttemptsTotal, nil),
		replans:     registry.Counter(MetricReplansTotal, nil),
		cacheHits:   registry.Counter(MetricCacheHits, nil),
		cacheMisses: registry.Counter(MetricCacheMisses, nil),
		tokens:      registry.Counter(MetricTokensTotal, nil),
		duration:    registry.Histogram(MetricRunDuration, nil),
	}
}

// Record adds a finished trace.
func (m *Metrics) Record(t RunTrace) {
	m.registry.Counter(MetricRunsTotal, Labels{"path": t.Path, "outcome": string(t.Outcome)}).Inc()
	m.attempts.Add(int64(t.Attempts))
	if t.Replanned {
		m.replans.Inc()
	}
	m.cacheHits.Add(int64(t.CacheHits))
	m.cacheMisses.Add(int64(t.CacheMisses))
	m.tokens.Add(int64(t.TotalTokens))
	m.duration.Observe(t.Duration.Seconds())

	for _, v := range t.Verdicts {
		for _, f := range v.Failed {
			kind, _, _ := strings.Cut(f, ":")
			m.registry.Counter(MetricVerifyFailures, Labels{"kind": kind}).Inc()
		}
	}
}

// Emit implements Sink.
func (m *Metrics) Emit(_ context.Context, t RunTrace) error {
	m.Record(t)
	return nil
}

// CacheHitRate returns hits / lookups, or 0 before any lookup.
func (m *Metrics) CacheHitRate() float64 {
	hits, misses := m.cacheHits.Value(), m.cacheMisses.Value()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Snapshot returns the registry snapshot.
func (m *Metrics) Snapshot() Snapshot {
	return m.registry.Snapshot()
}
