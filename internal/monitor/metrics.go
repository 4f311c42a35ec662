package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks settlement throughput and latency.
type SystemMetrics struct {
	// Latency histograms
	SettlementLatency *LatencyHistogram
	PriceLatency      *LatencyHistogram
	MarkLatency       *LatencyHistogram
	APILatency        *LatencyHistogram

	// Counters
	apiRequests     atomic.Uint64
	apiErrors       atomic.Uint64
	ordersFilled    atomic.Uint64
	ordersRejected  atomic.Uint64
	positionsClosed atomic.Uint64
	commitConflicts atomic.Uint64
	ticksProcessed  atomic.Uint64
	errorsCount     atomic.Uint64

	mu     sync.RWMutex
	gauges map[string]func() int64
}

// LatencyHistogram tracks latency samples over a sliding window. Stats are
// computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		SettlementLatency: NewLatencyHistogram(1000),
		PriceLatency:      NewLatencyHistogram(1000),
		MarkLatency:       NewLatencyHistogram(200),
		APILatency:        NewLatencyHistogram(1000),
		gauges:            make(map[string]func() int64),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) IncrementAPI()       { m.apiRequests.Add(1) }
func (m *SystemMetrics) IncrementAPIErrors() { m.apiErrors.Add(1) }
func (m *SystemMetrics) IncrementFilled()    { m.ordersFilled.Add(1) }
func (m *SystemMetrics) IncrementRejected()  { m.ordersRejected.Add(1) }
func (m *SystemMetrics) IncrementClosed()    { m.positionsClosed.Add(1) }
func (m *SystemMetrics) IncrementConflicts() { m.commitConflicts.Add(1) }
func (m *SystemMetrics) IncrementTicks()     { m.ticksProcessed.Add(1) }
func (m *SystemMetrics) IncrementErrors()    { m.errorsCount.Add(1) }

// RegisterGauge adds a value sampled at snapshot time, such as the number of
// held settlement locks or dropped notifier events.
func (m *SystemMetrics) RegisterGauge(name string, fn func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = fn
}

// MetricsSnapshot is a point-in-time view of SystemMetrics.
type MetricsSnapshot struct {
	SettlementLatency LatencyStats     `json:"settlement_latency"`
	PriceLatency      LatencyStats     `json:"price_latency"`
	MarkLatency       LatencyStats     `json:"mark_latency"`
	APILatency        LatencyStats     `json:"api_latency"`
	APIRequests       uint64           `json:"api_requests"`
	APIErrors         uint64           `json:"api_errors"`
	OrdersFilled      uint64           `json:"orders_filled"`
	OrdersRejected    uint64           `json:"orders_rejected"`
	PositionsClosed   uint64           `json:"positions_closed"`
	CommitConflicts   uint64           `json:"commit_conflicts"`
	TicksProcessed    uint64           `json:"ticks_processed"`
	ErrorsCount       uint64           `json:"errors_count"`
	Gauges            map[string]int64 `json:"gauges"`
	GoroutineCount    int              `json:"goroutine_count"`
	HeapAlloc         uint64           `json:"heap_alloc_bytes"`
	HeapSys           uint64           `json:"heap_sys_bytes"`
	Timestamp         time.Time        `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	gauges := make(map[string]int64, len(m.gauges))
	for name, fn := range m.gauges {
		gauges[name] = fn()
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		SettlementLatency: m.SettlementLatency.Stats(),
		PriceLatency:      m.PriceLatency.Stats(),
		MarkLatency:       m.MarkLatency.Stats(),
		APILatency:        m.APILatency.Stats(),
		APIRequests:       m.apiRequests.Load(),
		APIErrors:         m.apiErrors.Load(),
		OrdersFilled:      m.ordersFilled.Load(),
		OrdersRejected:    m.ordersRejected.Load(),
		PositionsClosed:   m.positionsClosed.Load(),
		CommitConflicts:   m.commitConflicts.Load(),
		TicksProcessed:    m.ticksProcessed.Load(),
		ErrorsCount:       m.errorsCount.Load(),
		Gauges:            gauges,
		GoroutineCount:    runtime.NumGoroutine(),
		HeapAlloc:         memStats.HeapAlloc,
		HeapSys:           memStats.HeapSys,
		Timestamp:         time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
