package common

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// UsageTracker follows the exchange-reported request weight for the current
// window (X-MBX-USED-WEIGHT-1M). It only observes; admission control lives in
// the global limiter.
type UsageTracker struct {
	mu        sync.RWMutex
	used      int
	limit     int
	lastReset time.Time
	window    time.Duration
	logger    *zap.Logger
}

// NewUsageTracker creates a tracker for a limit per window.
func NewUsageTracker(limit int, window time.Duration, logger *zap.Logger) *UsageTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageTracker{
		limit:     limit,
		window:    window,
		lastReset: time.Now(),
		logger:    logger,
	}
}

// Observe records the weight header value of a response.
func (u *UsageTracker) Observe(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if time.Since(u.lastReset) >= u.window {
		u.lastReset = time.Now()
	}
	u.used = weight

	pct := float64(u.used) / float64(u.limit) * 100
	switch {
	case pct >= 95:
		u.logger.Error("exchange weight critical", zap.Int("used", u.used), zap.Int("limit", u.limit), zap.Float64("pct", pct))
	case pct >= 80:
		u.logger.Warn("exchange weight high", zap.Int("used", u.used), zap.Int("limit", u.limit), zap.Float64("pct", pct))
	}
}

// Usage returns the last observed weight; zero once the window has passed.
func (u *UsageTracker) Usage() (used, limit int) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if time.Since(u.lastReset) >= u.window {
		return 0, u.limit
	}
	return u.used, u.limit
}
