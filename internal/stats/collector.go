// Package stats keeps recent route outcomes in memory and aggregates them
// over rolling windows for the admin API.
package stats

import (
	"sort"
	"sync"
	"time"
)

// Sample is one finished route.
type Sample struct {
	Timestamp  time.Time
	Kind       string
	Model      string
	ProviderID string // empty when no provider succeeded
	LatencyMs  float64
	Attempts   int
	Success    bool
	Sticky     bool
}

// Window defines a named time window for aggregation.
type Window struct {
	Name     string
	Duration time.Duration
}

// DefaultWindows returns the standard set of rolling windows.
func DefaultWindows() []Window {
	return []Window{
		{Name: "1m", Duration: time.Minute},
		{Name: "5m", Duration: 5 * time.Minute},
		{Name: "1h", Duration: time.Hour},
	}
}

// Aggregate holds computed stats for a time window.
type Aggregate struct {
	Window       string  `json:"window"`
	Kind         string  `json:"kind,omitempty"`
	ProviderID   string  `json:"provider_id,omitempty"`
	Requests     int     `json:"requests"`
	Errors       int     `json:"errors"`
	ErrorRate    float64 `json:"error_rate"`
	StickyRate   float64 `json:"sticky_rate"`
	AvgAttempts  float64 `json:"avg_attempts"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
}

// Collector maintains rolling samples. Samples are appended in arrival order,
// so pruning only ever trims the front.
type Collector struct {
	mu      sync.Mutex
	samples []Sample
	windows []Window
	maxAge  time.Duration
	now     func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithWindows replaces DefaultWindows.
func WithWindows(ws ...Window) Option {
	return func(c *Collector) {
		if len(ws) > 0 {
			c.windows = ws
		}
	}
}

// NewCollector creates a collector that keeps samples for the longest window.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		windows: DefaultWindows(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, w := range c.windows {
		if w.Duration > c.maxAge {
			c.maxAge = w.Duration
		}
	}
	return c
}

// Record adds a sample and drops those older than the longest window.
func (c *Collector) Record(s Sample) {
	c.mu.Lock()
	now := c.now()
	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}
	c.samples = append(c.samples, s)
	c.pruneLocked(now.Add(-c.maxAge))
	c.mu.Unlock()
}

// Len returns the number of retained samples.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func (c *Collector) pruneLocked(cutoff time.Time) {
	i := 0
	for i < len(c.samples) && c.samples[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.samples = append(c.samples[:0:0], c.samples[i:]...)
	}
}

func (c *Collector) current() ([]Sample, time.Time) {
	now := c.now()
	c.mu.Lock()
	c.pruneLocked(now.Add(-c.maxAge))
	cp := make([]Sample, len(c.samples))
	copy(cp, c.samples)
	c.mu.Unlock()
	return cp, now
}

// Global returns one aggregate per window that saw any traffic.
func (c *Collector) Global() []Aggregate {
	samples, now := c.current()
	out := []Aggregate{}
	for _, w := range c.windows {
		in := within(samples, now.Add(-w.Duration))
		if len(in) > 0 {
			out = append(out, aggregate(w.Name, "", "", in))
		}
	}
	return out
}

// ByProvider returns, per window name, one aggregate for each provider that
// served a request, ordered by kind then provider ID. Routes that failed on
// every provider have no provider and only appear in Global.
func (c *Collector) ByProvider() map[string][]Aggregate {
	samples, now := c.current()
	out := make(map[string][]Aggregate, len(c.windows))
	type group struct{ kind, provider string }
	for _, w := range c.windows {
		groups := make(map[group][]Sample)
		for _, s := range within(samples, now.Add(-w.Duration)) {
			if s.ProviderID == "" {
				continue
			}
			g := group{s.Kind, s.ProviderID}
			groups[g] = append(groups[g], s)
		}
		aggs := make([]Aggregate, 0, len(groups))
		for g, in := range groups {
			aggs = append(aggs, aggregate(w.Name, g.kind, g.provider, in))
		}
		sort.Slice(aggs, func(i, j int) bool {
			if aggs[i].Kind != aggs[j].Kind {
				return aggs[i].Kind < aggs[j].Kind
			}
			return aggs[i].ProviderID < aggs[j].ProviderID
		})
		out[w.Name] = aggs
	}
	return out
}

func within(samples []Sample, cutoff time.Time) []Sample {
	i := sort.Search(len(samples), func(i int) bool { return samples[i].Timestamp.After(cutoff) })
	return samples[i:]
}

func aggregate(window, kind, provider string, in []Sample) Aggregate {
	a := Aggregate{
		Window:     window,
		Kind:       kind,
		ProviderID: provider,
		Requests:   len(in),
	}
	var latency float64
	var attempts, sticky int
	latencies := make([]float64, 0, len(in))
	for _, s := range in {
		latency += s.LatencyMs
		latencies = append(latencies, s.LatencyMs)
		attempts += s.Attempts
		if s.Sticky {
			sticky++
		}
		if !s.Success {
			a.Errors++
		}
	}
	n := float64(a.Requests)
	a.ErrorRate = float64(a.Errors) / n
	a.StickyRate = float64(sticky) / n
	a.AvgAttempts = float64(attempts) / n
	a.AvgLatencyMs = latency / n

	sort.Float64s(latencies)
	idx := int(n * 0.95)
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	a.P95LatencyMs = latencies[idx]
	return a
}
