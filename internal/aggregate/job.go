// Package aggregate implements the periodic roll-up job: raw pulses are
// summarized into hourly rows, hourly rows into daily rows. Already
// aggregated buckets are never revisited, so the job stays idempotent and
// indifferent to raw-pulse retention.
package aggregate

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/registry"
	"github.com/pulsewatch/pulsewatch/internal/storage"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

const (
	// maxHourlyBatch bounds the hours rolled up per monitor per run, which
	// bounds the partitions a resume after long downtime touches.
	maxHourlyBatch = 2000
	// maxDailyBatch bounds the days rolled up per monitor per run.
	maxDailyBatch = 365
)

const (
	rawRetention    = 365 * 24 * time.Hour
	hourlyRetention = 90 * 24 * time.Hour
)

// Job is the single-flight aggregation scheduler.
type Job struct {
	store   *storage.Store
	reg     *registry.Registry
	metrics *telemetry.Metrics
	logger  *slog.Logger

	interval   time.Duration
	abortAfter time.Duration
	now        func() time.Time

	mu           sync.Mutex
	runningSince time.Time
	cancelRun    context.CancelFunc
	// runGen identifies the active run; an aborted run's cleanup must not
	// release its replacement's handle.
	runGen uint64
}

// New wires the job. abortAfter is the hard ceiling after which a stuck run
// is cancelled in favour of a fresh one.
func New(store *storage.Store, reg *registry.Registry, metrics *telemetry.Metrics, interval, abortAfter time.Duration, logger *slog.Logger) *Job {
	return &Job{
		store:      store,
		reg:        reg,
		metrics:    metrics,
		logger:     logger,
		interval:   interval,
		abortAfter: abortAfter,
		now:        time.Now,
	}
}

// Run ticks until the context is cancelled.
func (j *Job) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("aggregation job started", "interval", j.interval)
	for {
		select {
		case <-ctx.Done():
			j.mu.Lock()
			if j.cancelRun != nil {
				j.cancelRun()
			}
			j.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			j.Trigger(ctx)
		}
	}
}

// Trigger starts a run unless one is already active and younger than the
// abort ceiling. A run past the ceiling is cancelled and replaced.
func (j *Job) Trigger(ctx context.Context) {
	j.mu.Lock()
	if j.cancelRun != nil {
		if j.now().Sub(j.runningSince) < j.abortAfter {
			j.metrics.AggregationRuns.WithLabelValues("skipped").Inc()
			j.mu.Unlock()
			return
		}
		j.logger.Warn("aborting stuck aggregation run", "age", j.now().Sub(j.runningSince))
		j.cancelRun()
		j.metrics.AggregationRuns.WithLabelValues("aborted").Inc()
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.runningSince = j.now()
	j.cancelRun = cancel
	j.runGen++
	gen := j.runGen
	j.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			j.finishRun(gen)
		}()
		j.runOnce(runCtx)
	}()
}

// finishRun releases the run handle, but only when it still belongs to the
// finishing run: a run that was aborted and replaced finds a newer
// generation and leaves the replacement's handle alone.
func (j *Job) finishRun(gen uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.runGen == gen {
		j.cancelRun = nil
	}
}

// runOnce iterates monitors serially; per-monitor errors are logged and do
// not abort the sweep.
func (j *Job) runOnce(ctx context.Context) {
	snap := j.reg.Current()
	now := j.now().UTC()

	for _, m := range snap.Monitors() {
		if ctx.Err() != nil {
			return
		}
		if err := j.aggregateHourly(ctx, m, now); err != nil {
			j.logger.Error("hourly aggregation failed", "monitor", m.ID, "error", err)
		}
		if err := j.aggregateDaily(ctx, m, now); err != nil {
			j.logger.Error("daily aggregation failed", "monitor", m.ID, "error", err)
		}
	}

	if err := j.store.ApplyRetention(ctx, now.Add(-rawRetention), now.Add(-hourlyRetention)); err != nil {
		j.logger.Error("retention sweep failed", "error", err)
	}
	j.metrics.AggregationRuns.WithLabelValues("completed").Inc()
}

func (j *Job) aggregateHourly(ctx context.Context, m *config.MonitorConfig, now time.Time) error {
	firstPulse, hasPulse, err := j.store.FirstPulseTime(ctx, m.ID)
	if err != nil {
		return err
	}
	if !hasPulse {
		return nil
	}
	firstPulse = firstPulse.UTC()
	firstHour := firstPulse.Truncate(time.Hour)

	start := firstHour
	if last, ok, err := j.store.LastAggregatedHour(ctx, m.ID); err != nil {
		return err
	} else if ok {
		start = last.UTC().Add(time.Hour)
	}

	currentHour := now.Truncate(time.Hour)
	written := 0
	for hour := start; hour.Before(currentHour) && written < maxHourlyBatch; hour = hour.Add(time.Hour) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats, err := j.store.HourStats(ctx, m.ID, int64(m.IntervalSeconds), hour)
		if err != nil {
			return err
		}

		expected := expectedForHour(hour, firstHour, firstPulse, int64(m.IntervalSeconds))

		uptime := math.Min(100, float64(stats.DistinctBuckets)*100/float64(expected))
		row := storage.HourlyRow{
			MonitorID: m.ID,
			Hour:      hour,
			Uptime:    uptime,
			Latency:   stats.Latency,
			Custom1:   stats.Custom1,
			Custom2:   stats.Custom2,
			Custom3:   stats.Custom3,
		}
		if err := j.store.InsertHourly(ctx, row); err != nil {
			return err
		}
		j.metrics.AggregatedHours.Inc()
		written++
	}
	return nil
}

func (j *Job) aggregateDaily(ctx context.Context, m *config.MonitorConfig, now time.Time) error {
	firstHourly, hasHourly, err := j.store.FirstHourlyTime(ctx, m.ID)
	if err != nil {
		return err
	}
	if !hasHourly {
		return nil
	}

	start := dayOf(firstHourly.UTC())
	if last, ok, err := j.store.LastAggregatedDay(ctx, m.ID); err != nil {
		return err
	} else if ok {
		start = dayOf(last.UTC()).AddDate(0, 0, 1)
	}

	today := dayOf(now)
	written := 0
	for day := start; day.Before(today) && written < maxDailyBatch; day = day.AddDate(0, 0, 1) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		row, found, err := j.store.DayStats(ctx, m.ID, day)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := j.store.InsertDaily(ctx, row); err != nil {
			return err
		}
		j.metrics.AggregatedDays.Inc()
		written++
	}
	return nil
}

// expectedForHour is the bucket count a fully healthy monitor would fill in
// the given hour. The monitor's first hour is scaled to the part of it the
// monitor actually existed for.
func expectedForHour(hour, firstHour, firstPulse time.Time, intervalSeconds int64) int64 {
	expected := 3600 / intervalSeconds
	if hour.Equal(firstHour) {
		secondsInto := int64(firstPulse.Sub(firstHour) / time.Second)
		expected = (3600 - secondsInto) / intervalSeconds
	}
	if expected < 1 {
		expected = 1
	}
	return expected
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
