// Package affinity pins a caller+model pair to the provider that last served
// it, so conversation-scoped upstream caches stay warm across requests.
package affinity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTTL is how long a pin survives without a fresh success.
	DefaultTTL = 300 * time.Second
	// DefaultSweepInterval is the period of the background expiry sweep.
	DefaultSweepInterval = 60 * time.Second
)

// record is replaced as a whole on every Set; only hits mutates in place.
type record struct {
	providerID string
	expiresAt  time.Time
	hits       atomic.Int64
}

// Record is a point-in-time copy of a stored pin.
type Record struct {
	ProviderID string    `json:"provider_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	Hits       int64     `json:"hits"`
}

// Entry pairs a Record with its key for listings.
type Entry struct {
	Key string `json:"key"`
	Record
}

// Store is a TTL-bounded map from affinity key to provider identity.
// Lookups take a shared lock; the hit counter is atomic so concurrent
// readers of the same key do not serialize.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*record

	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	onSweep       func(removed int)
	logger        *slog.Logger

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Option configures optional Store behaviour.
type Option func(*Store)

// WithClock replaces the time source. Tests use it to step past the TTL.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithSweepInterval sets the background sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithOnSweep registers a callback invoked after every background sweep
// with the number of removed records.
func WithOnSweep(fn func(removed int)) Option {
	return func(s *Store) {
		s.onSweep = fn
	}
}

// WithLogger sets the logger used for invalidation and sweep messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Store. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		entries:       make(map[string]*record),
		ttl:           ttl,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        slog.Default(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured time-to-live.
func (s *Store) TTL() time.Duration { return s.ttl }

// Get returns the pinned provider for key. An expired record is removed and
// reported as absent; a live one has its hit counter incremented.
func (s *Store) Get(key string) (string, bool) {
	now := s.now()

	s.mu.RLock()
	rec, ok := s.entries[key]
	if ok && now.Before(rec.expiresAt) {
		rec.hits.Add(1)
		id := rec.providerID
		s.mu.RUnlock()
		return id, true
	}
	s.mu.RUnlock()

	if !ok {
		return "", false
	}

	// Expired. Only delete if nobody replaced it since we looked.
	s.mu.Lock()
	if cur, ok := s.entries[key]; ok && cur == rec {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	return "", false
}

// Set pins key to providerID for one TTL, resetting the hit count to 1.
func (s *Store) Set(key, providerID string) {
	rec := &record{
		providerID: providerID,
		expiresAt:  s.now().Add(s.ttl),
	}
	rec.hits.Store(1)

	s.mu.Lock()
	s.entries[key] = rec
	s.mu.Unlock()
}

// Invalidate removes key unconditionally.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	rec, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if ok {
		s.logger.Warn("affinity invalidated",
			slog.String("affinity", key),
			slog.String("provider", rec.providerID))
	}
}

// Peek returns a copy of the record for key without touching its hit count
// or removing it when expired.
func (s *Store) Peek(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entries[key]
	if !ok {
		return Record{}, false
	}
	return snapshot(rec), true
}

// Entries returns copies of all unexpired records sorted by key.
func (s *Store) Entries() []Entry {
	now := s.now()
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for k, rec := range s.entries {
		if !now.Before(rec.expiresAt) {
			continue
		}
		out = append(out, Entry{Key: k, Record: snapshot(rec)})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of stored records, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear drops every record and returns how many were removed.
func (s *Store) Clear() int {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[string]*record)
	s.mu.Unlock()
	return n
}

// Sweep removes every record whose expiry is at or before now.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, rec := range s.entries {
		if !now.Before(rec.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Start launches the background sweep loop. It returns immediately; the loop
// exits when ctx is done or Stop is called. Calling Start twice is a no-op.
func (s *Store) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.sweepLoop(ctx)
	})
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if s.started.Load() {
		<-s.done
	}
}

func (s *Store) sweepLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n := s.Sweep()
			if n > 0 {
				s.logger.Debug("affinity sweep", slog.Int("removed", n), slog.Int("remaining", s.Len()))
			}
			if s.onSweep != nil {
				s.onSweep(n)
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func snapshot(rec *record) Record {
	return Record{
		ProviderID: rec.providerID,
		ExpiresAt:  rec.expiresAt,
		Hits:       rec.hits.Load(),
	}
}
