package providers

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SecretOpener resolves a possibly-sealed credential to its plaintext.
type SecretOpener interface {
	Open(value string) (string, error)
}

// Registry holds the current ordered provider list. Reload builds a new list
// and swaps it in under a brief write lock, so readers never observe a
// partially updated list.
type Registry struct {
	loader   Loader
	secrets  SecretOpener
	logger   *slog.Logger
	onChange func(counts map[Kind]int)

	// reloadMu serializes Reload so an older load never replaces a newer one.
	reloadMu sync.Mutex

	mu        sync.RWMutex
	providers []Provider
	loadedAt  time.Time
}

// RegistryOption configures optional Registry behaviour.
type RegistryOption func(*Registry)

// WithSecrets opens sealed credentials during load.
func WithSecrets(s SecretOpener) RegistryOption {
	return func(r *Registry) {
		r.secrets = s
	}
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithOnChange registers a callback invoked with per-kind counts after every
// successful load.
func WithOnChange(fn func(counts map[Kind]int)) RegistryOption {
	return func(r *Registry) {
		r.onChange = fn
	}
}

// NewRegistry creates a registry and performs the initial load. A failed
// initial load leaves the registry empty; the proxy keeps running and every
// request fails fast until a reload succeeds.
func NewRegistry(loader Loader, opts ...RegistryOption) *Registry {
	r := &Registry{
		loader: loader,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reload(); err != nil {
		r.logger.Warn("provider load failed, starting with no providers", slog.String("error", err.Error()))
	}
	return r
}

// Reload re-reads the provider source and swaps the list in. On failure the
// previous list stays active and the error is returned.
func (r *Registry) Reload() error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	entries, err := r.loader.Load()
	if err != nil {
		return fmt.Errorf("load providers: %w", err)
	}
	next := r.resolve(Flatten(entries))

	r.mu.Lock()
	r.providers = next
	r.loadedAt = time.Now()
	r.mu.Unlock()

	counts := countKinds(next)
	r.logger.Info("providers loaded",
		slog.Int("total", len(next)),
		slog.Int("codex", counts[KindCodex]),
		slog.Int("claude", counts[KindClaude]),
	)
	if r.onChange != nil {
		r.onChange(counts)
	}
	return nil
}

// resolve opens sealed credentials, dropping providers whose credential
// cannot be opened.
func (r *Registry) resolve(in []Provider) []Provider {
	if r.secrets == nil {
		return in
	}
	out := in[:0]
	for _, p := range in {
		key, err := r.secrets.Open(p.APIKey)
		if err != nil {
			r.logger.Warn("skipping provider with unreadable credential",
				slog.String("provider", p.Label()),
				slog.String("kind", string(p.Kind)),
				slog.String("error", err.Error()))
			continue
		}
		p.APIKey = key
		out = append(out, p)
	}
	return out
}

// Snapshot returns a copy of the providers of kind in registry order.
func (r *Registry) Snapshot(kind Kind) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Provider
	for _, p := range r.providers {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// All returns a copy of the whole list.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Counts returns the number of providers per kind.
func (r *Registry) Counts() map[Kind]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return countKinds(r.providers)
}

// LoadedAt returns the time of the last successful load.
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}

func countKinds(ps []Provider) map[Kind]int {
	counts := make(map[Kind]int, len(Kinds))
	for _, k := range Kinds {
		counts[k] = 0
	}
	for _, p := range ps {
		counts[p.Kind]++
	}
	return counts
}
