package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/ccproxy/internal/affinity"
	"github.com/jordanhubbard/ccproxy/internal/events"
	"github.com/jordanhubbard/ccproxy/internal/forward"
	"github.com/jordanhubbard/ccproxy/internal/health"
	"github.com/jordanhubbard/ccproxy/internal/httpapi"
	"github.com/jordanhubbard/ccproxy/internal/logging"
	"github.com/jordanhubbard/ccproxy/internal/metrics"
	"github.com/jordanhubbard/ccproxy/internal/providers"
	"github.com/jordanhubbard/ccproxy/internal/ratelimit"
	"github.com/jordanhubbard/ccproxy/internal/router"
	"github.com/jordanhubbard/ccproxy/internal/stats"
	"github.com/jordanhubbard/ccproxy/internal/store"
	"github.com/jordanhubbard/ccproxy/internal/tracing"
	"github.com/jordanhubbard/ccproxy/internal/vault"
	"github.com/jordanhubbard/ccproxy/internal/watcher"
)

// observerBuffer sizes the event subscription that feeds metrics, health
// and the route log.
const observerBuffer = 1024

type Server struct {
	cfg    Config
	r      *chi.Mux
	logger *slog.Logger

	vault     *vault.Vault
	loader    providers.FileLoader
	registry  *providers.Registry
	affinity  *affinity.Store
	engine    *router.Engine
	bus       *events.Bus
	metrics   *metrics.Registry
	health    *health.Tracker
	stats     *stats.Collector
	limiter   *ratelimit.Limiter
	store     store.Store
	retention *store.Retention

	tracingShutdown func(context.Context) error

	obs       *events.Subscriber
	watch     *watcher.FileWatcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewServer builds every component and mounts the HTTP routes. Background
// work (sweep, observer, file watcher, retention) begins with Start.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	shutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: tracing.DefaultServiceName,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	s := &Server{
		cfg:             cfg,
		logger:          logger,
		tracingShutdown: shutdown,
		bus:             events.NewBus(),
		vault:           vault.New(),
	}
	s.metrics = metrics.New(s.bus.Dropped)
	s.health = health.NewTracker(health.DefaultConfig(), health.WithEventBus(s.bus))

	if cfg.MasterKey != "" {
		if err := s.vault.Unlock([]byte(cfg.MasterKey)); err != nil {
			return nil, fmt.Errorf("unlock vault: %w", err)
		}
	}

	if cfg.DBDSN != "" {
		db, err := store.NewSQLite(cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.store = db
		s.retention = store.NewRetention(db, cfg.LogRetention(), cfg.PruneSchedule, logger)
		logger.Info("route log enabled", slog.String("dsn", cfg.DBDSN))
	}

	s.loader = providers.FileLoader{Dir: cfg.Home, Path: cfg.ProviderFile}
	s.registry = providers.NewRegistry(s.loader,
		providers.WithSecrets(s.vault),
		providers.WithRegistryLogger(logger),
		providers.WithOnChange(s.providersChanged),
	)

	s.affinity = affinity.New(cfg.AffinityTTL(),
		affinity.WithSweepInterval(cfg.SweepInterval()),
		affinity.WithLogger(logger),
		affinity.WithOnSweep(func(removed int) {
			s.metrics.AffinitySwept.Add(float64(removed))
			s.metrics.AffinityEntries.Set(float64(s.affinity.Len()))
		}),
	)

	fwdOpts := forward.Options{
		DialTimeout:           time.Duration(cfg.DialTimeoutSecs) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.ResponseHeaderTimeoutSecs) * time.Second,
	}
	if cfg.OTelEnabled {
		fwdOpts.Wrap = tracing.HTTPTransport
	}
	s.engine = router.NewEngine(s.affinity, s.registry, forward.New(fwdOpts, logger),
		router.WithEventBus(s.bus),
		router.WithLogger(logger),
	)

	s.r = chi.NewRouter()
	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.RealIP)
	s.r.Use(logging.RequestLogger(logger))
	s.r.Use(middleware.Recoverer)
	s.r.Use(cors.Handler(corsOptions(cfg.CORSOrigins)))
	if cfg.OTelEnabled {
		s.r.Use(tracing.Middleware())
	}

	s.stats = stats.NewCollector()
	if cfg.AdminRateLimit > 0 {
		s.limiter = ratelimit.New(cfg.AdminRateLimit, cfg.AdminRateLimit,
			ratelimit.WithCounter(s.metrics.AdminRateLimited))
	}

	httpapi.MountRoutes(s.r, httpapi.Dependencies{
		Engine:       s.engine,
		Registry:     s.registry,
		Affinity:     s.affinity,
		Metrics:      s.metrics,
		Health:       s.health,
		EventBus:     s.bus,
		Stats:        s.stats,
		Store:        s.store,
		Reload:       s.Reload,
		MaxBodyBytes: cfg.MaxBodyBytes,
		AdminToken:   cfg.AdminToken,
		AdminLimiter: s.limiter,
		Logger:       logger,
	})

	// Subscribe before Start so no routing event is missed.
	s.obs = s.bus.Subscribe(observerBuffer,
		events.EventAttemptSuccess,
		events.EventAttemptFailure,
		events.EventRouteSuccess,
		events.EventRouteError,
	)
	return s, nil
}

func corsOptions(origins []string) cors.Options {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Anthropic-Version", "Anthropic-Beta"},
		AllowCredentials: false,
		MaxAge:           300,
	}
}

func (s *Server) Router() http.Handler { return s.r }

// Registry exposes the provider registry, chiefly for status reporting.
func (s *Server) Registry() *providers.Registry { return s.registry }

// ProviderFile is the provider file currently in use.
func (s *Server) ProviderFile() string { return s.loader.File() }

// Start launches background work. It returns an error only for a retention
// schedule that cannot be parsed; a provider directory that cannot be
// watched is logged and skipped.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)

		s.affinity.Start(ctx)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.observe(ctx)
		}()

		if s.retention != nil {
			if err = s.retention.Start(ctx); err != nil {
				return
			}
		}

		if s.cfg.WatchConfig {
			s.startWatcher(ctx)
		}
	})
	return err
}

func (s *Server) startWatcher(ctx context.Context) {
	dir := s.cfg.Home
	names := []string{providers.FileName, providers.LegacyFileName}
	if s.cfg.ProviderFile != "" {
		dir = filepath.Dir(s.cfg.ProviderFile)
		names = []string{filepath.Base(s.cfg.ProviderFile)}
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		s.logger.Warn("cannot create home directory, provider file not watched", slog.String("error", err.Error()))
		return
	}

	fw, err := watcher.New(watcher.Config{Dir: dir, Names: names}, s.logger)
	if err != nil {
		s.logger.Warn("file watcher unavailable", slog.String("error", err.Error()))
		return
	}
	s.watch = fw
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fw.Watch(ctx, s.Reload); err != nil {
			s.logger.Warn("file watcher stopped", slog.String("error", err.Error()))
		}
	}()
}

// Reload re-reads the provider file. On failure the current providers stay
// active.
func (s *Server) Reload() error {
	if err := s.registry.Reload(); err != nil {
		s.logger.Error("provider reload failed, keeping current providers",
			slog.String("file", s.loader.File()),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (s *Server) providersChanged(counts map[providers.Kind]int) {
	byName := make(map[string]int, len(counts))
	for k, n := range counts {
		byName[string(k)] = n
	}
	s.metrics.SetProviders(byName)
	s.bus.Publish(events.Event{Type: events.EventProvidersReloaded, Counts: byName})

	// Nil during the initial load inside NewRegistry.
	if s.registry != nil {
		keep := make(map[string]bool)
		for _, p := range s.registry.All() {
			keep[p.ID()] = true
		}
		s.health.Retain(keep)
	}
}

// observe feeds routing events into metrics, health and the route log.
func (s *Server) observe(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.obs.C:
			s.record(ctx, e)
		}
	}
}

func (s *Server) record(ctx context.Context, e events.Event) {
	switch e.Type {
	case events.EventAttemptSuccess:
		s.metrics.AttemptsTotal.WithLabelValues(e.Kind, e.ProviderID, metrics.OutcomeSuccess).Inc()
		s.metrics.AttemptLatency.WithLabelValues(e.Kind, e.ProviderID).Observe(e.LatencyMs)
		s.health.RecordSuccess(e.ProviderID, e.Provider, e.LatencyMs)

	case events.EventAttemptFailure:
		s.metrics.AttemptsTotal.WithLabelValues(e.Kind, e.ProviderID, metrics.OutcomeFailure).Inc()
		s.health.RecordError(e.ProviderID, e.Provider, e.Reason)

	case events.EventRouteSuccess, events.EventRouteError:
		outcome, logOutcome := metrics.OutcomeSuccess, store.OutcomeSuccess
		if e.Type == events.EventRouteError {
			outcome, logOutcome = metrics.OutcomeFailure, store.OutcomeError
		}
		if e.Sticky && e.Type == events.EventRouteSuccess {
			s.metrics.AffinityHits.WithLabelValues(e.Kind).Inc()
		}
		s.metrics.RequestsTotal.WithLabelValues(e.Kind, outcome).Inc()
		s.metrics.AffinityEntries.Set(float64(s.affinity.Len()))
		s.stats.Record(stats.Sample{
			Timestamp:  e.Timestamp,
			Kind:       e.Kind,
			Model:      e.Model,
			ProviderID: e.ProviderID,
			LatencyMs:  e.LatencyMs,
			Attempts:   e.Attempts,
			Success:    e.Type == events.EventRouteSuccess,
			Sticky:     e.Sticky,
		})

		if s.store == nil {
			return
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err := s.store.LogRoute(wctx, store.RouteLog{
			Timestamp:  e.Timestamp,
			RequestID:  e.RequestID,
			Kind:       e.Kind,
			Model:      e.Model,
			Caller:     e.Caller,
			ProviderID: e.ProviderID,
			Provider:   e.Provider,
			Sticky:     e.Sticky,
			Attempts:   e.Attempts,
			LatencyMs:  int64(e.LatencyMs),
			Outcome:    logOutcome,
			Error:      e.Reason,
		})
		if err != nil {
			s.logger.Warn("route log write failed", slog.String("error", err.Error()))
		}
	}
}

// Close stops background work and releases resources. It is safe to call
// more than once and without Start.
func (s *Server) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.watch != nil {
			if err := s.watch.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		s.affinity.Stop()
		if s.limiter != nil {
			s.limiter.Stop()
		}
		if s.retention != nil {
			s.retention.Stop()
		}
		s.wg.Wait()
		s.bus.Unsubscribe(s.obs)

		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.vault.Lock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tracingShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}
