package httpapi

import (
	"net/http"
	"time"

	"github.com/jordanhubbard/ccproxy/internal/affinity"
	"github.com/jordanhubbard/ccproxy/internal/providers"
	"github.com/jordanhubbard/ccproxy/internal/store"
)

// HealthzHandler reports whether any provider is loaded. It answers 503 when
// the registry is empty since every proxied request would fail.
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		counts := map[providers.Kind]int{}
		if d.Registry != nil {
			counts = d.Registry.Counts()
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		status, code := "ok", http.StatusOK
		if total == 0 {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":    status,
			"providers": counts,
		})
	}
}

// ProvidersListHandler handles GET /admin/v1/providers.
func ProvidersListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		all := d.Registry.All()
		views := make([]providers.View, 0, len(all))
		for _, p := range all {
			views = append(views, p.View())
		}
		resp := map[string]any{
			"providers": views,
			"counts":    d.Registry.Counts(),
		}
		if t := d.Registry.LoadedAt(); !t.IsZero() {
			resp["loaded_at"] = t.UTC().Format(time.RFC3339)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ProvidersReloadHandler handles POST /admin/v1/providers/reload. A failed
// reload keeps the previous providers and answers 500.
func ProvidersReloadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := d.Reload(); err != nil {
			jsonError(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":     true,
			"counts": d.Registry.Counts(),
		})
	}
}

// AffinityListHandler handles GET /admin/v1/affinity.
func AffinityListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		entries := d.Affinity.Entries()
		if entries == nil {
			entries = []affinity.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ttl_seconds": int(d.Affinity.TTL().Seconds()),
			"entries":     entries,
		})
	}
}

// AffinityDeleteHandler handles DELETE /admin/v1/affinity. With ?key= it
// drops one pin, otherwise all of them.
func AffinityDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			n := d.Affinity.Clear()
			d.logger().Info("affinity cleared", "removed", n)
			writeJSON(w, http.StatusOK, map[string]any{"removed": n})
			return
		}
		if _, ok := d.Affinity.Peek(key); !ok {
			jsonError(w, "affinity not found", http.StatusNotFound)
			return
		}
		d.Affinity.Invalidate(key)
		writeJSON(w, http.StatusOK, map[string]any{"removed": 1})
	}
}

// HealthStatsHandler handles GET /admin/v1/health.
func HealthStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Health == nil {
			writeJSON(w, http.StatusOK, map[string]any{"providers": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": d.Health.AllStats()})
	}
}

// RouteLogsHandler handles GET /admin/v1/logs?limit=N&offset=N.
func RouteLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeJSON(w, http.StatusOK, map[string]any{"logs": []store.RouteLog{}, "enabled": false})
			return
		}
		limit := intParam(r, "limit", 100)
		if limit == 0 || limit > 1000 {
			limit = 100
		}
		offset := intParam(r, "offset", 0)
		logs, err := d.Store.ListRouteLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "enabled": true})
	}
}

// StatsHandler handles GET /admin/v1/stats: rolling route aggregates overall
// and per provider.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Stats == nil {
			writeJSON(w, http.StatusOK, map[string]any{"global": []any{}, "by_provider": map[string]any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"global":      d.Stats.Global(),
			"by_provider": d.Stats.ByProvider(),
		})
	}
}
