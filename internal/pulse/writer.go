package pulse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/storage"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

// BatchWriter buffers pulses and flushes them as one COPY batch, either on
// the flush ticker or as soon as the buffer reaches maxBatch. A failed
// flush puts the batch back at the front of the buffer; the buffer itself
// is bounded and sheds its oldest rows when full.
type BatchWriter struct {
	store   *storage.Store
	metrics *telemetry.Metrics
	logger  *slog.Logger

	flushInterval time.Duration
	maxBatch      int
	maxSize       int

	mu     sync.Mutex
	buf    []storage.Pulse
	notify chan struct{}

	// flushMu makes flushes single-flight.
	flushMu sync.Mutex
}

// NewBatchWriter creates a writer; Run must be started for periodic
// flushing.
func NewBatchWriter(store *storage.Store, metrics *telemetry.Metrics, flushInterval time.Duration, maxBatch, maxSize int, logger *slog.Logger) *BatchWriter {
	return &BatchWriter{
		store:         store,
		metrics:       metrics,
		logger:        logger,
		flushInterval: flushInterval,
		maxBatch:      maxBatch,
		maxSize:       maxSize,
		notify:        make(chan struct{}, 1),
	}
}

// Enqueue appends a pulse to the buffer and signals an early flush when the
// batch threshold is reached. Never blocks.
func (w *BatchWriter) Enqueue(p storage.Pulse) {
	w.mu.Lock()
	w.buf = append(w.buf, p)
	w.trimLocked()
	full := len(w.buf) >= w.maxBatch
	w.mu.Unlock()

	if full {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

// trimLocked enforces the buffer bound by dropping the oldest rows.
func (w *BatchWriter) trimLocked() {
	if len(w.buf) <= w.maxSize {
		return
	}
	dropped := len(w.buf) - w.maxSize
	w.buf = w.buf[dropped:]
	w.metrics.BufferDropped.Add(float64(dropped))
	w.logger.Warn("pulse buffer overflow, dropped oldest rows", "dropped", dropped)
}

// Run flushes on the ticker and on batch-full signals until the context is
// cancelled, then performs one final drain.
func (w *BatchWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.Flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			w.Flush(ctx)
		case <-w.notify:
			w.Flush(ctx)
		}
	}
}

// Flush writes the current buffer in one batch. On failure the rows are
// prepended back so the next flush retries them ahead of newer data.
func (w *BatchWriter) Flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	start := time.Now()
	err := w.store.InsertPulses(ctx, batch)
	w.metrics.FlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		w.logger.Error("pulse flush failed, retaining batch", "rows", len(batch), "error", err)
		w.mu.Lock()
		w.buf = append(batch, w.buf...)
		w.trimLocked()
		w.mu.Unlock()
		return
	}
	w.metrics.FlushBatchSize.Observe(float64(len(batch)))
}

// Pending returns the buffered row count.
func (w *BatchWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}
