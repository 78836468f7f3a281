// Package httpapi exposes the proxy endpoints, health and metrics, and the
// admin API over chi.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/ccproxy/internal/affinity"
	"github.com/jordanhubbard/ccproxy/internal/events"
	"github.com/jordanhubbard/ccproxy/internal/health"
	"github.com/jordanhubbard/ccproxy/internal/metrics"
	"github.com/jordanhubbard/ccproxy/internal/providers"
	"github.com/jordanhubbard/ccproxy/internal/ratelimit"
	"github.com/jordanhubbard/ccproxy/internal/router"
	"github.com/jordanhubbard/ccproxy/internal/stats"
	"github.com/jordanhubbard/ccproxy/internal/store"
)

// DefaultMaxBodyBytes bounds an inbound proxy body.
const DefaultMaxBodyBytes int64 = 5 << 20

type Dependencies struct {
	Engine   *router.Engine
	Registry *providers.Registry
	Affinity *affinity.Store
	Metrics  *metrics.Registry
	Health   *health.Tracker
	EventBus *events.Bus
	Stats    *stats.Collector

	// Store is nil when the route log is disabled.
	Store store.Store

	// Reload re-reads the provider file. Defaults to Registry.Reload.
	Reload func() error

	MaxBodyBytes int64
	AdminToken   string
	// AdminLimiter throttles /admin/v1 per client when set.
	AdminLimiter *ratelimit.Limiter
	Logger       *slog.Logger
}

func (d Dependencies) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Dependencies) maxBody() int64 {
	if d.MaxBodyBytes > 0 {
		return d.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

func MountRoutes(r chi.Router, d Dependencies) {
	if d.Reload == nil && d.Registry != nil {
		d.Reload = d.Registry.Reload
	}

	for _, kind := range providers.Kinds {
		r.Post(kind.Path(), ProxyHandler(d, kind))
	}

	r.Get("/healthz", HealthzHandler(d))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/admin/v1", func(r chi.Router) {
		if d.AdminLimiter != nil {
			r.Use(d.AdminLimiter.Middleware)
		}
		r.Use(AdminAuth(d.AdminToken))
		r.Get("/providers", ProvidersListHandler(d))
		r.Post("/providers/reload", ProvidersReloadHandler(d))
		r.Get("/affinity", AffinityListHandler(d))
		r.Delete("/affinity", AffinityDeleteHandler(d))
		r.Get("/health", HealthStatsHandler(d))
		r.Get("/logs", RouteLogsHandler(d))
		r.Get("/stats", StatsHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonError(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
}
