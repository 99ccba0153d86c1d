package common

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeSync tracks the offset between the exchange clock and the local clock.
// It re-syncs lazily on use once the last sync is older than the interval.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	offset        int64 // milliseconds offset (server - local)
	lastSync      time.Time
	syncInterval  time.Duration
	mu            sync.RWMutex
	logger        *zap.Logger
}

// NewTimeSync creates a new time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error), logger *zap.Logger) *TimeSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimeSync{
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
		logger:        logger,
	}
}

// Sync synchronizes with server time.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	// Assume network latency is symmetric
	localTime := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	ts.logger.Debug("time sync", zap.Int64("offset_ms", serverTime-localTime))
	return nil
}

// Now returns the server-adjusted time in ms, syncing first when stale.
// A failed sync keeps the previous offset.
func (ts *TimeSync) Now(ctx context.Context) int64 {
	ts.mu.RLock()
	stale := time.Since(ts.lastSync) > ts.syncInterval
	ts.mu.RUnlock()
	if stale {
		if err := ts.Sync(ctx); err != nil {
			ts.logger.Warn("time sync failed", zap.Error(err))
		}
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current time offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
