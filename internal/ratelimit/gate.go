// Package ratelimit provides the single process-global minimum-interval
// gate that every upstream call must pass through. The provider enforces
// one budget per API key, so one process gets exactly one gate.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate serializes callers so that no two Wait calls return within the
// configured minimum interval. Callers queue FIFO inside the limiter.
type Gate struct {
	mu          sync.Mutex
	minInterval time.Duration
	limiter     *rate.Limiter
}

var global = &Gate{}

// Configure raises the gate's minimum interval. The floor is monotonic:
// a smaller interval than the current one is ignored, so a conservative
// component can never be undercut by a later, looser configuration.
func Configure(minInterval time.Duration) { global.Configure(minInterval) }

// Wait blocks until the global gate grants a slot or ctx is done.
func Wait(ctx context.Context) error { return global.Wait(ctx) }

func (g *Gate) Configure(minInterval time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if minInterval <= g.minInterval {
		return
	}
	g.minInterval = minInterval
	if g.limiter == nil {
		// Burst of one: each grant must be a full interval apart.
		g.limiter = rate.NewLimiter(rate.Every(minInterval), 1)
		return
	}
	g.limiter.SetLimit(rate.Every(minInterval))
}

func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	limiter := g.limiter
	g.mu.Unlock()

	if limiter == nil {
		// Unconfigured gate passes everything through.
		return ctx.Err()
	}
	return limiter.Wait(ctx)
}

// Interval reports the current floor; used by diagnostics endpoints.
func (g *Gate) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.minInterval
}

// NewGate returns an isolated gate. Production code uses the package-level
// global; isolated gates exist so tests do not fight over shared state.
func NewGate() *Gate { return &Gate{} }
