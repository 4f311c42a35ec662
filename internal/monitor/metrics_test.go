package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"papertrade/internal/events"
)

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(100)
	assert.Equal(t, LatencyStats{}, h.Stats())

	for i := 1; i <= 100; i++ {
		h.Record(float64(i))
	}
	s := h.Stats()
	assert.Equal(t, 100, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 100.0, s.Max)
	assert.Equal(t, 50.5, s.Avg)
	assert.Equal(t, 51.0, s.P50)
	assert.Equal(t, 96.0, s.P95)

	h.Record(1000)
	s = h.Stats()
	assert.Equal(t, 100, s.Count, "window must slide")
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 1000.0, s.Max)
}

func TestSnapshotCountersAndGauges(t *testing.T) {
	m := NewSystemMetrics()
	m.IncrementFilled()
	m.IncrementFilled()
	m.IncrementRejected()
	m.IncrementConflicts()
	m.RegisterGauge("locks", func() int64 { return 3 })

	timer := NewTimer(m.SettlementLatency)
	assert.GreaterOrEqual(t, timer.Stop(), time.Duration(0))

	snap := m.GetSnapshot()
	assert.EqualValues(t, 2, snap.OrdersFilled)
	assert.EqualValues(t, 1, snap.OrdersRejected)
	assert.EqualValues(t, 1, snap.CommitConflicts)
	assert.EqualValues(t, 3, snap.Gauges["locks"])
	assert.Equal(t, 1, snap.SettlementLatency.Count)
}

func TestMonitorCountsTicks(t *testing.T) {
	bus := events.NewBus()
	m := NewSystemMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	(&Monitor{Bus: bus, Metrics: m}).Start(ctx)
	for i := 0; i < 3; i++ {
		bus.Publish(events.TopicPrices, events.Event{Kind: events.KindPriceTick})
	}

	assert.Eventually(t, func() bool {
		return m.GetSnapshot().TicksProcessed == 3
	}, time.Second, 5*time.Millisecond)
}
