package price

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"multi-trader/pkg/exchanges/binance/spot"
)

const (
	minReconnectDelay = 10 * time.Second
	maxReconnectDelay = 300 * time.Second
)

// TickerSource opens one ticker subscription.
type TickerSource interface {
	SubscribeMiniTicker(ctx context.Context, symbol string) (<-chan spot.PriceTick, func(), error)
}

type subscription struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// StreamManager keeps one reconnecting ticker stream per symbol, shared by
// every subscriber of that symbol.
type StreamManager struct {
	source TickerSource
	cache  *Cache
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*subscription

	// overridable in tests
	minDelay time.Duration
	maxDelay time.Duration
}

var _ LatestPricer = (*StreamManager)(nil)

// NewStreamManager creates a manager on top of source.
func NewStreamManager(source TickerSource, logger *zap.Logger) *StreamManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamManager{
		source:   source,
		cache:    NewCache(),
		logger:   logger.With(zap.String("component", "price_stream")),
		subs:     make(map[string]*subscription),
		minDelay: minReconnectDelay,
		maxDelay: maxReconnectDelay,
	}
}

// Subscribe adds a reference to symbol's stream, starting it on first use.
func (m *StreamManager) Subscribe(ctx context.Context, symbol string) {
	symbol = normalize(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[symbol]; ok {
		sub.refs++
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{refs: 1, cancel: cancel, done: make(chan struct{})}
	m.subs[symbol] = sub
	go m.run(runCtx, symbol, sub.done)
}

// Release drops a reference; the stream stops when none remain.
func (m *StreamManager) Release(symbol string) {
	symbol = normalize(symbol)
	m.mu.Lock()
	sub, ok := m.subs[symbol]
	if !ok {
		m.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.subs, symbol)
	m.mu.Unlock()
	sub.cancel()
	<-sub.done
}

// Refs reports the current reference count of symbol.
func (m *StreamManager) Refs(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[normalize(symbol)]; ok {
		return sub.refs
	}
	return 0
}

// Close stops every stream.
func (m *StreamManager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
}

// Latest returns the last streamed price of symbol.
func (m *StreamManager) Latest(symbol string) (float64, bool) {
	return m.cache.Get(symbol)
}

func (m *StreamManager) run(ctx context.Context, symbol string, done chan struct{}) {
	defer close(done)
	delay := m.minDelay
	for {
		ticks, stop, err := m.source.SubscribeMiniTicker(ctx, symbol)
		if err != nil {
			m.logger.Warn("ticker subscribe failed", zap.String("symbol", symbol), zap.Error(err), zap.Duration("retry_in", delay))
		} else {
			received := false
			for tick := range ticks {
				received = true
				m.cache.Set(symbol, tick.Price)
			}
			stop()
			if received {
				delay = m.minDelay
			}
			if ctx.Err() == nil {
				m.logger.Info("ticker stream closed, reconnecting", zap.String("symbol", symbol), zap.Duration("retry_in", delay))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > m.maxDelay {
			delay = m.maxDelay
		}
	}
}
