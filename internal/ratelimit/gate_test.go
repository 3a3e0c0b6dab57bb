package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestGate_EnforcesMinimumInterval(t *testing.T) {
	g := NewGate()
	g.Configure(20 * time.Millisecond)

	ctx := context.Background()
	var stamps []time.Time
	for i := 0; i < 3; i++ {
		if err := g.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		stamps = append(stamps, time.Now())
	}

	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		// Allow a small scheduling slop below the configured interval.
		if gap < 15*time.Millisecond {
			t.Errorf("calls %d and %d only %v apart, want >= 20ms", i-1, i, gap)
		}
	}
}

func TestGate_ConfigureIsMonotonic(t *testing.T) {
	g := NewGate()
	g.Configure(50 * time.Millisecond)
	g.Configure(10 * time.Millisecond) // must not lower the floor
	if got := g.Interval(); got != 50*time.Millisecond {
		t.Errorf("floor lowered to %v, want 50ms", got)
	}

	g.Configure(100 * time.Millisecond)
	if got := g.Interval(); got != 100*time.Millisecond {
		t.Errorf("floor not raised, got %v", got)
	}
}

func TestGate_UnconfiguredPassesThrough(t *testing.T) {
	g := NewGate()
	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := g.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("unconfigured gate throttled callers: %v", elapsed)
	}
}

func TestGate_WaitHonorsCancellation(t *testing.T) {
	g := NewGate()
	g.Configure(time.Hour)

	// First grant consumes the burst token.
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); err == nil {
		t.Errorf("expected cancellation error from blocked Wait")
	}
}
