// Package price keeps one last-price view per symbol shared by every account.
package price

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// LatestPricer is a push source of last prices, usually a websocket stream.
type LatestPricer interface {
	Latest(symbol string) (float64, bool)
}

// Quoter is the slice of the exchange client the collector needs.
type Quoter interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// Collector resolves prices stream first, then cache, then REST.
type Collector struct {
	mu      sync.RWMutex
	clients map[string]Quoter
	cache   *Cache
	stream  LatestPricer
	logger  *zap.Logger
}

// NewCollector builds a collector. stream may be nil.
func NewCollector(stream LatestPricer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		clients: make(map[string]Quoter),
		cache:   NewCache(),
		stream:  stream,
		logger:  logger.With(zap.String("component", "price_collector")),
	}
}

// RegisterClient binds a REST source to symbol. The first registration wins.
func (c *Collector) RegisterClient(symbol string, client Quoter) bool {
	symbol = normalize(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[symbol]; ok {
		return false
	}
	c.clients[symbol] = client
	return true
}

// Symbols lists the registered symbols in order.
func (c *Collector) Symbols() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.clients))
	for s := range c.clients {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Cache exposes the underlying cache.
func (c *Collector) Cache() *Cache { return c.cache }

// Price returns the best known price, refreshing over REST when nothing
// fresher is available. Zero means no price could be found.
func (c *Collector) Price(ctx context.Context, symbol string) float64 {
	symbol = normalize(symbol)
	if c.stream != nil {
		if p, ok := c.stream.Latest(symbol); ok && p > 0 {
			c.cache.Set(symbol, p)
			return p
		}
	}
	if p, ok := c.cache.Get(symbol); ok && p > 0 {
		return p
	}
	return c.Refresh(ctx, symbol)
}

// Refresh asks the registered client for symbol and caches the result.
// On failure the cached value (or 0) is returned.
func (c *Collector) Refresh(ctx context.Context, symbol string) float64 {
	symbol = normalize(symbol)
	c.mu.RLock()
	client, ok := c.clients[symbol]
	c.mu.RUnlock()
	cached, _ := c.cache.Get(symbol)
	if !ok {
		return cached
	}
	p, err := client.GetPrice(ctx, symbol)
	if err != nil || p <= 0 {
		c.logger.Warn("price refresh failed", zap.String("symbol", symbol), zap.Float64("price", p), zap.Error(err))
		return cached
	}
	c.cache.Set(symbol, p)
	return p
}

// RefreshAll refreshes every registered symbol concurrently.
func (c *Collector) RefreshAll(ctx context.Context) map[string]float64 {
	symbols := c.Symbols()
	out := make(map[string]float64, len(symbols))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			p := c.Refresh(ctx, symbol)
			mu.Lock()
			out[symbol] = p
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	return out
}
