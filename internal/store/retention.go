package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Retention prunes route logs older than a fixed age on a cron schedule.
type Retention struct {
	store    Store
	maxAge   time.Duration
	schedule string
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewRetention creates a scheduler. schedule accepts standard five-field cron
// expressions and descriptors such as "@hourly". An empty schedule or a
// non-positive maxAge disables pruning.
func NewRetention(s Store, maxAge time.Duration, schedule string, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		store:    s,
		maxAge:   maxAge,
		schedule: schedule,
		now:      time.Now,
		logger:   logger.With("component", "store.retention"),
		cron:     cron.New(),
	}
}

// Start schedules pruning. It returns an error for an invalid schedule and
// stops the scheduler when ctx is done.
func (r *Retention) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.schedule == "" || r.maxAge <= 0 {
		r.logger.Info("route log retention disabled")
		return nil
	}
	if _, err := cron.ParseStandard(r.schedule); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", r.schedule, err)
	}
	if _, err := r.cron.AddFunc(r.schedule, func() { r.Prune(ctx) }); err != nil {
		return fmt.Errorf("schedule pruning: %w", err)
	}
	r.cron.Start()
	r.running = true

	r.logger.Info("route log retention started",
		"schedule", r.schedule,
		"max_age", r.maxAge.String(),
	)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Prune runs one pruning pass and returns the number of deleted rows.
func (r *Retention) Prune(ctx context.Context) int64 {
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.store.PruneBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error("route log pruning failed", "error", err)
		return 0
	}
	if n > 0 {
		r.logger.Info("route log pruned", "deleted_count", n)
	}
	return n
}

// Stop halts the scheduler and waits for a running prune to finish.
func (r *Retention) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	<-r.cron.Stop().Done()
	r.running = false
}

// NextRun returns the next scheduled prune, or nil when not running.
func (r *Retention) NextRun() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	entries := r.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
