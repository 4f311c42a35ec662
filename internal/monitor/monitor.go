package monitor

import (
	"context"

	"papertrade/internal/events"
	"papertrade/pkg/logger"
)

// Monitor counts price ticks flowing over the bus into SystemMetrics.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
	Log     logger.Logger
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Metrics == nil {
		if m.Log != nil {
			m.Log.Warnf("monitor not fully configured; skipping")
		}
		return
	}
	stream, unsub := m.Bus.Subscribe(events.TopicPrices, 256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-stream:
				if !ok {
					return
				}
				m.Metrics.IncrementTicks()
			}
		}
	}()
}
