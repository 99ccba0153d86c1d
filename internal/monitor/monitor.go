package monitor

import (
	"context"

	"go.uber.org/zap"

	"multi-trader/internal/events"
)

// Monitor watches the event bus and folds events into metrics.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Logger  *zap.Logger
}

// Start consumes events until ctx is done. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Metrics == nil {
		if m.Logger != nil {
			m.Logger.Info("monitor not fully configured; skipping")
		}
		return
	}
	stream, unsub := m.Bus.Subscribe(256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-stream:
				if !ok {
					return
				}
				m.record(ev)
			}
		}
	}()
}

func (m *Monitor) record(ev events.TradeEvent) {
	m.Metrics.countEvent(string(ev.Type))
	if ev.Type == events.EventLotClosed {
		if net, ok := ev.Fields["net_profit_usdt"].(float64); ok {
			m.Metrics.addRealized(ev.AccountID, net)
		}
	}
}
