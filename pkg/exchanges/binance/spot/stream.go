package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PriceTick is one miniTicker update.
type PriceTick struct {
	Symbol string
	Price  float64
	Time   int64
}

// StreamClient manages lightweight streaming from Binance public websockets.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
	logger    *zap.Logger
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool, logger *zap.Logger) *StreamClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &StreamClient{
		StreamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		dialer:    websocket.DefaultDialer,
		logger:    logger,
	}
}

// SubscribeMiniTicker streams last prices of symbol. The channel closes when
// the connection drops, ctx ends, or stop is called.
func (c *StreamClient) SubscribeMiniTicker(ctx context.Context, symbol string) (<-chan PriceTick, func(), error) {
	// Binance requires lowercase symbols for WebSocket streams
	u := fmt.Sprintf("%s/%s@miniTicker", c.StreamURL, strings.ToLower(symbol))

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws: %w", err)
	}

	out := make(chan PriceTick, 16)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			// Ignore errors; connection may already be closed.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	go func() {
		defer close(out)
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				// If connection already closed by caller/context, just exit quietly.
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") || ctx.Err() != nil {
					return
				}
				c.logger.Warn("binance ws read error", zap.String("symbol", symbol), zap.Error(err))
				return
			}

			tick, err := parseMiniTicker(msg)
			if err != nil {
				c.logger.Debug("binance ws parse error", zap.Error(err))
				continue
			}
			select {
			case out <- tick:
			default:
				// consumer only needs the latest price
			}
		}
	}()

	return out, stop, nil
}

func parseMiniTicker(msg []byte) (PriceTick, error) {
	var raw struct {
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Close     string `json:"c"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return PriceTick{}, err
	}
	p := parseFloat(raw.Close)
	if raw.Symbol == "" || p <= 0 {
		return PriceTick{}, fmt.Errorf("incomplete miniTicker payload")
	}
	return PriceTick{Symbol: raw.Symbol, Price: p, Time: raw.EventTime}, nil
}
