package store

import (
	"context"
	"testing"
	"time"
)

func TestRetentionPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)

	_ = s.LogRoute(ctx, RouteLog{Timestamp: now.Add(-48 * time.Hour), Kind: "claude", Model: "m", Caller: "c", Outcome: OutcomeSuccess})
	_ = s.LogRoute(ctx, RouteLog{Timestamp: now.Add(-time.Hour), Kind: "claude", Model: "m", Caller: "c", Outcome: OutcomeSuccess})

	r := NewRetention(s, 24*time.Hour, "@hourly", nil)
	r.now = func() time.Time { return now }

	if n := r.Prune(ctx); n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	if n := r.Prune(ctx); n != 0 {
		t.Errorf("expected second prune to delete nothing, got %d", n)
	}
}

func TestRetentionStartStop(t *testing.T) {
	s := newTestStore(t)
	r := NewRetention(s, time.Hour, "@hourly", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	next := r.NextRun()
	if next == nil {
		t.Fatal("expected a next run while started")
	}
	if !next.After(time.Now()) {
		t.Errorf("next run %v is not in the future", next)
	}

	r.Stop()
	if r.NextRun() != nil {
		t.Error("expected no next run after stop")
	}
	r.Stop()
}

func TestRetentionInvalidSchedule(t *testing.T) {
	r := NewRetention(newTestStore(t), time.Hour, "not a schedule", nil)
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestRetentionDisabled(t *testing.T) {
	r := NewRetention(newTestStore(t), 0, "@hourly", nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.NextRun() != nil {
		t.Error("disabled retention should not schedule")
	}
}
