// Package health keeps per-provider attempt statistics for the admin API.
// It is purely observational: attempt order never depends on it.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/ccproxy/internal/events"
)

// State represents the health state of a provider.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Stats captures runtime health metrics for a single provider.
type Stats struct {
	ProviderID    string    `json:"provider_id"`
	Label         string    `json:"label,omitempty"`
	State         State     `json:"state"`
	TotalAttempts int64     `json:"total_attempts"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorAt   time.Time `json:"last_error_at,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

// TrackerConfig configures the health tracker thresholds.
type TrackerConfig struct {
	// ConsecErrorsForDegraded: how many consecutive errors before degraded state.
	ConsecErrorsForDegraded int
	// ConsecErrorsForDown: how many consecutive errors before down state.
	ConsecErrorsForDown int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
	}
}

// Tracker tracks runtime health of all providers.
type Tracker struct {
	cfg      TrackerConfig
	bus      *events.Bus
	onUpdate func(providerID string, state State)
	now      func() time.Time

	mu    sync.RWMutex
	stats map[string]*Stats
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithEventBus publishes state transitions as EventHealthChange events.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) {
		t.bus = bus
	}
}

// WithOnUpdate registers a callback invoked on every RecordSuccess/RecordError
// call (not just state transitions). Use this to keep external gauges current.
func WithOnUpdate(fn func(providerID string, state State)) TrackerOption {
	return func(t *Tracker) {
		t.onUpdate = fn
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		now:   time.Now,
		stats: make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess records a successful attempt against a provider.
func (t *Tracker) RecordSuccess(providerID, label string, latencyMs float64) {
	t.mu.Lock()
	s := t.getOrCreate(providerID, label)
	oldState := s.State

	s.TotalAttempts++
	s.ConsecErrors = 0
	s.LastSuccessAt = t.now()
	s.State = StateHealthy

	// EWMA so one slow stream does not dominate.
	if s.TotalAttempts == 1 || s.AvgLatencyMs == 0 {
		s.AvgLatencyMs = latencyMs
	} else {
		s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
	}
	newState := s.State
	t.mu.Unlock()

	t.notify(providerID, oldState, newState, "success recorded")
}

// RecordError records a failed attempt against a provider.
func (t *Tracker) RecordError(providerID, label, reason string) {
	t.mu.Lock()
	s := t.getOrCreate(providerID, label)
	oldState := s.State

	s.TotalAttempts++
	s.TotalErrors++
	s.ConsecErrors++
	s.LastError = reason
	s.LastErrorAt = t.now()

	switch {
	case s.ConsecErrors >= t.cfg.ConsecErrorsForDown:
		s.State = StateDown
	case s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded:
		s.State = StateDegraded
	}
	newState := s.State
	t.mu.Unlock()

	t.notify(providerID, oldState, newState, reason)
}

func (t *Tracker) notify(providerID string, oldState, newState State, reason string) {
	if t.onUpdate != nil {
		t.onUpdate(providerID, newState)
	}
	if oldState != newState && t.bus != nil {
		t.bus.Publish(events.Event{
			Type:       events.EventHealthChange,
			ProviderID: providerID,
			OldState:   string(oldState),
			NewState:   string(newState),
			Reason:     reason,
		})
	}
}

// GetStats returns a copy of the health stats for a provider.
func (t *Tracker) GetStats(providerID string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[providerID]
	if !ok {
		return &Stats{ProviderID: providerID, State: StateHealthy}
	}
	cp := *s
	return &cp
}

// AllStats returns a copy of health stats for all known providers, sorted by id.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	result := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		result = append(result, *s)
	}
	t.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ProviderID < result[j].ProviderID })
	return result
}

// Retain drops stats for providers not in keep, e.g. after a reload removed them.
func (t *Tracker) Retain(keep map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.stats {
		if !keep[id] {
			delete(t.stats, id)
		}
	}
}

func (t *Tracker) getOrCreate(providerID, label string) *Stats {
	s, ok := t.stats[providerID]
	if !ok {
		s = &Stats{ProviderID: providerID, State: StateHealthy}
		t.stats[providerID] = s
	}
	if label != "" {
		s.Label = label
	}
	return s
}
