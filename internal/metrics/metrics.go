package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	AttemptsTotal   *prometheus.CounterVec
	AttemptLatency  *prometheus.HistogramVec
	AffinityHits    *prometheus.CounterVec
	AffinitySwept   prometheus.Counter
	AffinityEntries prometheus.Gauge
	Providers       *prometheus.GaugeVec
	EventsDropped   prometheus.CounterFunc

	AdminRateLimited prometheus.Counter
}

// New builds a registry. dropped, when non-nil, is read at scrape time to
// report events the bus could not deliver.
func New(dropped func() int64) *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccproxy_requests_total",
			Help: "Proxied requests by kind and final outcome",
		}, []string{"kind", "outcome"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccproxy_attempts_total",
			Help: "Upstream attempts by provider and outcome",
		}, []string{"kind", "provider", "outcome"}),
		AttemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccproxy_attempt_latency_ms",
			Help:    "Time to upstream response headers in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"kind", "provider"}),
		AffinityHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccproxy_affinity_hits_total",
			Help: "Requests served by their pinned provider",
		}, []string{"kind"}),
		AffinitySwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccproxy_affinity_swept_total",
			Help: "Expired affinity records removed by the background sweep",
		}),
		AffinityEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ccproxy_affinity_entries",
			Help: "Affinity records currently stored",
		}),
		Providers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ccproxy_providers",
			Help: "Loaded providers by kind",
		}, []string{"kind"}),
		AdminRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccproxy_admin_rate_limited_total",
			Help: "Admin API requests rejected by the rate limiter",
		}),
	}
	if dropped == nil {
		dropped = func() int64 { return 0 }
	}
	m.EventsDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "ccproxy_events_dropped_total",
		Help: "Routing events dropped because a subscriber was full",
	}, func() float64 { return float64(dropped()) })

	reg.MustRegister(
		m.RequestsTotal,
		m.AttemptsTotal,
		m.AttemptLatency,
		m.AffinityHits,
		m.AffinitySwept,
		m.AffinityEntries,
		m.Providers,
		m.EventsDropped,
		m.AdminRateLimited,
	)
	return m
}

// SetProviders replaces the per-kind provider gauges.
func (m *Registry) SetProviders(counts map[string]int) {
	m.Providers.Reset()
	for kind, n := range counts {
		m.Providers.WithLabelValues(kind).Set(float64(n))
	}
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
