// Package ratelimit provides the outbound request budget shared by every
// account trader.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Defaults match the exchange request-weight budget.
const (
	DefaultMax    = 1000
	DefaultPeriod = 60 * time.Second
)

// Limiter is what traders depend on.
type Limiter interface {
	Acquire(ctx context.Context, weight int) error
}

// GlobalLimiter admits weighted calls against a max-per-period budget.
// It is safe for concurrent use.
type GlobalLimiter struct {
	lim    *rate.Limiter
	max    int
	period time.Duration
}

// New creates a limiter refilling max units per period, with a burst of max.
func New(max int, period time.Duration) *GlobalLimiter {
	if max <= 0 {
		max = DefaultMax
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	every := period / time.Duration(max)
	return &GlobalLimiter{
		lim:    rate.NewLimiter(rate.Every(every), max),
		max:    max,
		period: period,
	}
}

// Acquire blocks until weight units were taken, one unit at a time. It only
// fails when ctx is done.
func (g *GlobalLimiter) Acquire(ctx context.Context, weight int) error {
	for i := 0; i < weight; i++ {
		if err := g.lim.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}
	return nil
}

// MaxRate returns the configured budget in units per second.
func (g *GlobalLimiter) MaxRate() float64 {
	return float64(g.max) / g.period.Seconds()
}

// Available reports the currently available units (rounded down).
func (g *GlobalLimiter) Available() int {
	return int(g.lim.Tokens())
}
