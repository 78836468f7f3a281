package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventAttemptSuccess    EventType = "attempt_success"
	EventAttemptFailure    EventType = "attempt_failure"
	EventRouteSuccess      EventType = "route_success"
	EventRouteError        EventType = "route_error"
	EventHealthChange      EventType = "health_change"
	EventProvidersReloaded EventType = "providers_reloaded"
)

// Event is a single routing event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`

	// Routing fields (attempt and route events).
	Kind       string  `json:"kind,omitempty"`
	Model      string  `json:"model,omitempty"`
	Caller     string  `json:"caller,omitempty"`
	ProviderID string  `json:"provider_id,omitempty"`
	Provider   string  `json:"provider,omitempty"`
	Sticky     bool    `json:"sticky,omitempty"`
	Attempts   int     `json:"attempts,omitempty"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`
	Reason     string  `json:"reason,omitempty"`

	// Health fields (health_change events).
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`

	// Provider counts (providers_reloaded events).
	Counts map[string]int `json:"counts,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel. A subscriber created with a type
// filter only sees those types.
type Subscriber struct {
	C     chan Event
	types map[EventType]bool
}

func (s *Subscriber) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus is an in-memory pub/sub event bus for routing events. Publish never
// blocks, so the request path is not slowed by observers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	dropped     atomic.Int64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a subscriber with a buffered channel. With no types
// given it receives every event.
func (b *Bus) Subscribe(bufSize int, types ...EventType) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{C: make(chan Event, bufSize)}
	if len(types) > 0 {
		s.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber. Its channel is left open so a reader
// blocked on it is not handed a zero Event.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
}

// Publish sends an event to every interested subscriber, dropping it for
// any subscriber whose buffer is full.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.C <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber was slow.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
