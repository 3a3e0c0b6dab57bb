package engine

import (
	"context"
	"log"
	"time"
)

// Runner drives the engine: one tick immediately, then one per interval
// until the context is cancelled.
type Runner struct {
	engine   *Engine
	interval time.Duration
}

func NewRunner(e *Engine, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{engine: e, interval: interval}
}

// Run blocks until ctx is cancelled. Tick errors are logged, not fatal; the
// next interval retries.
func (r *Runner) Run(ctx context.Context) error {
	log.Printf("[Runner] starting, tick interval %s", r.interval)
	if err := r.tickOnce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Runner] shutting down")
			return nil
		case <-ticker.C:
			if err := r.tickOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) tickOnce(ctx context.Context) error {
	if _, err := r.engine.Tick(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("[Runner] tick failed: %v", err)
	}
	return nil
}
