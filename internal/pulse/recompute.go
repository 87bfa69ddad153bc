package pulse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Recomputer is the slice of the evaluator the drain loop needs.
type Recomputer interface {
	RecomputeMonitor(ctx context.Context, monitorID string) error
}

// RecomputeQueue is a deduplicated set of monitor IDs awaiting a status
// recompute. A monitor enqueued many times between drains is recomputed
// once.
type RecomputeQueue struct {
	eval        Recomputer
	logger      *slog.Logger
	interval    time.Duration
	concurrency int64

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewRecomputeQueue creates the queue; Run drains it periodically.
func NewRecomputeQueue(eval Recomputer, interval time.Duration, concurrency int, logger *slog.Logger) *RecomputeQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &RecomputeQueue{
		eval:        eval,
		logger:      logger,
		interval:    interval,
		concurrency: int64(concurrency),
		pending:     make(map[string]struct{}),
	}
}

// Enqueue marks a monitor for recompute.
func (q *RecomputeQueue) Enqueue(monitorID string) {
	q.mu.Lock()
	q.pending[monitorID] = struct{}{}
	q.mu.Unlock()
}

// Run drains the set every interval until the context is cancelled.
func (q *RecomputeQueue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.Drain(ctx)
		}
	}
}

// Drain recomputes every pending monitor with bounded parallelism. Errors
// are logged per monitor and never abort the pass.
func (q *RecomputeQueue) Drain(ctx context.Context) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	q.pending = make(map[string]struct{})
	q.mu.Unlock()

	sem := semaphore.NewWeighted(q.concurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)
			if err := q.eval.RecomputeMonitor(ctx, id); err != nil {
				q.logger.Error("status recompute failed", "monitor", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// PendingCount returns the number of monitors awaiting recompute.
func (q *RecomputeQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
