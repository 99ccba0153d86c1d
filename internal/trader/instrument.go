package trader

import (
	"context"
	"time"

	"multi-trader/internal/monitor"
	"multi-trader/pkg/exchanges/common"
)

// instrumentedClient records placement counts and latency for the wrapped
// client. Every other call passes through.
type instrumentedClient struct {
	common.ExchangeClient
	metrics *monitor.Metrics
}

func instrument(ex common.ExchangeClient, m *monitor.Metrics) common.ExchangeClient {
	if m == nil {
		return ex
	}
	return &instrumentedClient{ExchangeClient: ex, metrics: m}
}

func (c *instrumentedClient) PlaceLimitBuyByQuote(ctx context.Context, symbol string, quote, price float64, clientOrderID string) (common.Order, error) {
	start := time.Now()
	o, err := c.ExchangeClient.PlaceLimitBuyByQuote(ctx, symbol, quote, price, clientOrderID)
	c.metrics.OrderPlaced(string(common.SideBuy), placeStatus(err), time.Since(start))
	return o, err
}

func (c *instrumentedClient) PlaceLimitSell(ctx context.Context, symbol string, qty, price float64, clientOrderID string) (common.Order, error) {
	start := time.Now()
	o, err := c.ExchangeClient.PlaceLimitSell(ctx, symbol, qty, price, clientOrderID)
	c.metrics.OrderPlaced(string(common.SideSell), placeStatus(err), time.Since(start))
	return o, err
}

func placeStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
