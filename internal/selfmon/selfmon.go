// Package selfmon watches the storage backend with a trivial probe and
// repairs the blind spot a storage outage leaves behind: on recovery it
// synthesizes pulses for monitors that were known healthy going into the
// outage, so their uptime is not penalized for the server's own downtime.
package selfmon

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/apperr"
	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/events"
	"github.com/pulsewatch/pulsewatch/internal/registry"
	"github.com/pulsewatch/pulsewatch/internal/storage"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

// SelfMonitorID is the reserved monitor ID the probe writes pulses under.
const SelfMonitorID = "__self__"

// maxSynthesized caps backfill output per monitor per outage.
const maxSynthesized = 10000

// Writer is the slice of the batch writer the probe needs.
type Writer interface {
	Enqueue(p storage.Pulse)
}

// Monitor probes storage on a drift-corrected schedule and runs backfill
// after an outage.
type Monitor struct {
	store   *storage.Store
	reg     *registry.Registry
	writer  Writer
	bus     *events.Bus
	metrics *telemetry.Metrics
	logger  *slog.Logger

	interval        time.Duration
	latencyStrategy string
	now             func() time.Time

	down        bool
	outageStart time.Time
	lastLatency *float64

	backfilling atomic.Bool
}

// New wires the self-monitor.
func New(store *storage.Store, reg *registry.Registry, writer Writer, bus *events.Bus, metrics *telemetry.Metrics, cfg *config.SelfMonitorConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:           store,
		reg:             reg,
		writer:          writer,
		bus:             bus,
		metrics:         metrics,
		logger:          logger,
		interval:        cfg.Interval(),
		latencyStrategy: cfg.LatencyStrategy,
		now:             time.Now,
	}
}

// Run probes on a self-correcting schedule: the next probe is scheduled
// relative to the previous target, not to when the previous probe finished,
// so slow probes do not accumulate drift.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("self-monitor started", "interval", m.interval)

	next := m.now().Add(m.interval)
	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			m.Probe(ctx)
			next = next.Add(m.interval)
			wait := time.Until(next)
			if wait < 0 {
				// Fell behind by more than a full interval; resynchronize.
				next = m.now().Add(m.interval)
				wait = m.interval
			}
			timer.Reset(wait)
		}
	}
}

// Probe runs one storage liveness check and the down/recovered bookkeeping
// around it.
func (m *Monitor) Probe(ctx context.Context) {
	start := m.now()
	err := m.store.Ping(ctx)
	latency := float64(m.now().Sub(start)) / float64(time.Millisecond)

	if err != nil {
		if !m.down {
			m.down = true
			m.outageStart = start
			m.logger.Error("storage probe failed, entering outage", "error", err)
			m.bus.Publish(ctx, events.TopicStorageState, events.StorageStateEvent{Down: true, At: start})
		}
		return
	}

	m.writer.Enqueue(storage.Pulse{
		MonitorID: SelfMonitorID,
		Timestamp: start,
		Latency:   &latency,
	})
	m.lastLatency = &latency

	if m.down {
		m.down = false
		outageStart := m.outageStart
		m.logger.Info("storage recovered", "outage", m.now().Sub(outageStart))
		m.bus.Publish(ctx, events.TopicStorageState, events.StorageStateEvent{
			Down: false, At: m.now(), OutageStart: outageStart,
		})
		if err := m.Backfill(ctx, outageStart, m.now()); err != nil {
			m.logger.Error("backfill failed", "error", err)
		}
	}
}

// Backfill synthesizes pulses covering [outageStart, outageEnd] for every
// monitor that was known healthy right before the outage. Only one backfill
// may run at a time.
func (m *Monitor) Backfill(ctx context.Context, outageStart, outageEnd time.Time) error {
	if !m.backfilling.CompareAndSwap(false, true) {
		return apperr.New(apperr.KindConflict, "backfill already running")
	}
	defer m.backfilling.Store(false)

	snap := m.reg.Current()
	for _, mon := range snap.Monitors() {
		n, err := m.backfillMonitor(ctx, mon, outageStart, outageEnd)
		if err != nil {
			m.logger.Error("backfill failed for monitor", "monitor", mon.ID, "error", err)
			continue
		}
		if n > 0 {
			m.logger.Info("synthesized pulses", "monitor", mon.ID, "count", n)
		}
	}
	return nil
}

func (m *Monitor) backfillMonitor(ctx context.Context, mon *config.MonitorConfig, outageStart, outageEnd time.Time) (int, error) {
	lookback := outageStart.Add(-2 * mon.Interval())
	last, err := m.store.LastRealPulseInWindow(ctx, mon.ID, lookback, outageStart)
	if err != nil {
		return 0, err
	}
	if last == nil {
		// Not known healthy going into the outage; absence stays absence.
		return 0, nil
	}

	var latency, c1, c2, c3 *float64
	if m.latencyStrategy == "last-known" {
		latency, c1, c2, c3 = last.Latency, last.Custom1, last.Custom2, last.Custom3
	}

	count := 0
	for ts := alignUp(outageStart, mon.Interval()); !ts.After(alignDown(outageEnd, mon.Interval())); ts = ts.Add(mon.Interval()) {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		m.writer.Enqueue(storage.Pulse{
			MonitorID: mon.ID,
			Timestamp: ts,
			Latency:   latency,
			Custom1:   c1,
			Custom2:   c2,
			Custom3:   c3,
			Synthetic: true,
		})
		m.metrics.PulsesSynthesized.Inc()
		count++
		if count >= maxSynthesized {
			break
		}
	}
	return count, nil
}

// alignUp returns the first interval boundary at or after t.
func alignUp(t time.Time, interval time.Duration) time.Time {
	aligned := t.Truncate(interval)
	if aligned.Before(t) {
		aligned = aligned.Add(interval)
	}
	return aligned
}

// alignDown returns the last interval boundary at or before t.
func alignDown(t time.Time, interval time.Duration) time.Time {
	return t.Truncate(interval)
}
