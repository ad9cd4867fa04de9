// Package ratelimit provides the process-wide rate gate: named leaky-bucket
// budgets guarding outbound osu! API calls and renderer invocation throughput.
// Tokens refill continuously, so bursts are smoothed rather than reset at
// window boundaries. Acquisition consumes tokens; there is nothing to release.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// overridable for tests
var timeNow = time.Now

// Resource names for the two configured buckets.
const (
	ResourceOsuAPI   = "osu_api"
	ResourceRenderer = "renderer"
)

// Budget configures one bucket: a sustained refill rate (tokens/second) and
// a burst capacity.
type Budget struct {
	PerSecond float64
	Burst     int
}

// Gate holds the named buckets. Budgets are registered up front; the token
// state is mutated only through Acquire.
type Gate struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
}

func NewGate() *Gate {
	return &Gate{buckets: make(map[string]*rate.Limiter)}
}

// SetBudget registers or replaces the budget for a named resource.
func (g *Gate) SetBudget(name string, b Budget) {
	if b.Burst < 1 {
		b.Burst = 1
	}
	g.mu.Lock()
	g.buckets[name] = rate.NewLimiter(rate.Limit(b.PerSecond), b.Burst)
	g.mu.Unlock()
	slog.Debug("rate budget set", slog.String("resource", name), slog.Float64("per_second", b.PerSecond), slog.Int("burst", b.Burst))
}

// Acquire blocks until the bucket for name has cost tokens, then consumes
// them. If ctx is cancelled while waiting, the context error is returned and
// no tokens are consumed.
func (g *Gate) Acquire(ctx context.Context, name string, cost int) error {
	g.mu.RLock()
	lim, ok := g.buckets[name]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ratelimit: unknown resource %q", name)
	}
	if err := lim.WaitN(ctx, cost); err != nil {
		// WaitN wraps its own message around the context error; surface the
		// context error so callers can classify cancellation.
		if ctx.Err() != nil {
			return fmt.Errorf("ratelimit: acquire %s: %w", name, ctx.Err())
		}
		return fmt.Errorf("ratelimit: acquire %s: %w", name, err)
	}
	return nil
}

// Allow reports whether cost tokens are available right now, consuming them
// if so. Used where blocking is not acceptable (status probes).
func (g *Gate) Allow(name string, cost int) bool {
	g.mu.RLock()
	lim, ok := g.buckets[name]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	return lim.AllowN(timeNow(), cost)
}
