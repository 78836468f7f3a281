// Package store persists the route log: one row per routed request with the
// provider that served it, or the reason none could.
package store

import (
	"context"
	"time"
)

// Outcome values for RouteLog.Outcome.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Store defines the persistence interface for ccproxy.
type Store interface {
	LogRoute(ctx context.Context, entry RouteLog) error
	ListRouteLogs(ctx context.Context, limit int, offset int) ([]RouteLog, error)
	// PruneBefore deletes entries older than cutoff and returns how many.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// RouteLog captures the final outcome of a single routed request.
type RouteLog struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	Kind       string    `json:"kind"`
	Model      string    `json:"model"`
	Caller     string    `json:"caller"`
	ProviderID string    `json:"provider_id,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Sticky     bool      `json:"sticky"`
	Attempts   int       `json:"attempts"`
	LatencyMs  int64     `json:"latency_ms"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}
