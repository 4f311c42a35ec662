// Package persistence buffers high-frequency writes that do not need the
// settlement path's atomicity.
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"papertrade/internal/ledger"
	"papertrade/pkg/logger"
)

// MarkSink persists a batch of marks. ledger.Store satisfies it.
type MarkSink interface {
	UpdateMarks(ctx context.Context, marks []ledger.Mark) error
}

// BatchWriter coalesces marks per position and writes them in batches.
// Only the newest mark of a position within a batch is written.
type BatchWriter struct {
	sink        MarkSink
	log         logger.Logger
	buffer      map[string]ledger.Mark
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     batchCounters
}

type batchCounters struct {
	totalWrites   atomic.Uint64
	totalBatches  atomic.Uint64
	totalErrors   atomic.Uint64
	coalesced     atomic.Uint64
	lastBatchSize atomic.Int64
	lastFlushNano atomic.Int64
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	Coalesced     uint64    `json:"coalesced"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer with specified parameters.
// maxSize: distinct positions buffered before auto-flush
// interval: time-based flush interval
func NewBatchWriter(sink MarkSink, maxSize int, interval time.Duration, log logger.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 500
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = logger.NewNop()
	}

	bw := &BatchWriter{
		sink:        sink,
		log:         log,
		buffer:      make(map[string]ledger.Mark, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write buffers marks, replacing older marks for the same position.
func (bw *BatchWriter) Write(marks ...ledger.Mark) {
	bw.mu.Lock()
	for _, m := range marks {
		if prev, ok := bw.buffer[m.PositionID]; ok {
			bw.metrics.coalesced.Add(1)
			if prev.At.After(m.At) {
				continue
			}
		}
		bw.buffer[m.PositionID] = m
	}
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		if err := bw.Flush(context.Background()); err != nil {
			bw.log.Warnf("mark batch flush failed: %v", err)
		}
	}
}

// Flush immediately writes all buffered marks.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	batch := make([]ledger.Mark, 0, len(bw.buffer))
	for _, m := range bw.buffer {
		batch = append(batch, m)
	}
	bw.buffer = make(map[string]ledger.Mark, bw.maxSize)
	bw.mu.Unlock()

	bw.metrics.totalWrites.Add(uint64(len(batch)))
	bw.metrics.totalBatches.Add(1)
	bw.metrics.lastBatchSize.Store(int64(len(batch)))
	bw.metrics.lastFlushNano.Store(time.Now().UnixNano())

	if err := bw.sink.UpdateMarks(ctx, batch); err != nil {
		bw.metrics.totalErrors.Add(1)
		return err
	}
	bw.log.Debugf("flushed %d marks", len(batch))
	return nil
}

// backgroundFlush periodically flushes the buffer.
func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				bw.log.Warnf("background mark flush error: %v", err)
			}
		case <-bw.done:
			if err := bw.Flush(context.Background()); err != nil {
				bw.log.Warnf("final mark flush error: %v", err)
			}
			return
		}
	}
}

// Pending returns the number of positions with unwritten marks.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	m := BatchWriterMetrics{
		TotalWrites:   bw.metrics.totalWrites.Load(),
		TotalBatches:  bw.metrics.totalBatches.Load(),
		TotalErrors:   bw.metrics.totalErrors.Load(),
		Coalesced:     bw.metrics.coalesced.Load(),
		LastBatchSize: int(bw.metrics.lastBatchSize.Load()),
	}
	if n := bw.metrics.lastFlushNano.Load(); n > 0 {
		m.LastFlushTime = time.Unix(0, n)
	}
	return m
}

// Close flushes what is left and stops the background loop.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
