// Package detector implements the missing-pulse scan: it watches for
// monitors whose pulses stop arriving, drives the down / still-down /
// recovered transition cycle, and paces the resulting notifications.
package detector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/events"
	"github.com/pulsewatch/pulsewatch/internal/registry"
	"github.com/pulsewatch/pulsewatch/internal/status"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

const scanConcurrency = 8

type monitorEntry struct {
	missedCount           int
	down                  bool
	consecutiveDownCount  int
	downStartTime         time.Time
	lastNotificationCount int
}

// Detector periodically scans every monitor for pulse absence. Received
// pulses reach it through the event bus and clear the counters.
type Detector struct {
	reg     *registry.Registry
	cache   *status.Cache
	bus     *events.Bus
	metrics *telemetry.Metrics
	logger  *slog.Logger

	checkInterval time.Duration
	grace         time.Duration
	startup       time.Time
	now           func() time.Time

	mu       sync.Mutex
	monitors map[string]*monitorEntry
	lastScan time.Time
}

// New wires a detector. The grace duration mirrors the evaluator's startup
// window: within it, monitors without any cached status are not flagged.
func New(reg *registry.Registry, cache *status.Cache, bus *events.Bus, metrics *telemetry.Metrics, checkInterval, grace time.Duration, logger *slog.Logger) *Detector {
	return &Detector{
		reg:           reg,
		cache:         cache,
		bus:           bus,
		metrics:       metrics,
		logger:        logger,
		checkInterval: checkInterval,
		grace:         grace,
		startup:       time.Now(),
		now:           time.Now,
		monitors:      make(map[string]*monitorEntry),
	}
}

// Run scans on every tick and consumes pulse events until the context is
// cancelled.
func (d *Detector) Run(ctx context.Context) error {
	pulses := d.bus.Subscribe(events.TopicPulse)
	ticker := time.NewTicker(d.checkInterval)
	defer ticker.Stop()

	d.logger.Info("missing-pulse detector started", "interval", d.checkInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Scan(ctx)
		case ev, ok := <-pulses:
			if !ok {
				return nil
			}
			if p, ok := ev.Payload.(events.PulseEvent); ok {
				d.HandlePulse(ctx, p.MonitorID, p.Timestamp)
			}
		}
	}
}

// Scan checks every monitor once. Checks run concurrently but the pass
// always completes; one slow monitor never starves the rest of the fleet.
func (d *Detector) Scan(ctx context.Context) {
	snap := d.reg.Current()
	d.metrics.DetectorScans.Inc()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for _, m := range snap.Monitors() {
		m := m
		g.Go(func() error {
			d.checkMonitor(ctx, snap, m)
			return nil
		})
	}
	_ = g.Wait()

	d.mu.Lock()
	d.lastScan = d.now()
	d.mu.Unlock()
}

// LastScan is exposed by the health endpoint to show detector liveness.
func (d *Detector) LastScan() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastScan
}

func (d *Detector) checkMonitor(ctx context.Context, snap *registry.Snapshot, m *config.MonitorConfig) {
	now := d.now()
	maxAllowed := m.MaxAllowedGap()

	cached, hasStatus := d.cache.Get(m.ID)
	if !hasStatus {
		// Never pulsed. Give it the startup grace plus one tolerance span
		// before treating silence as a problem.
		if now.Sub(d.startup) <= d.grace+maxAllowed {
			return
		}
	} else if now.Sub(cached.LastCheck) <= maxAllowed {
		d.mu.Lock()
		if e, ok := d.monitors[m.ID]; ok {
			e.missedCount = 0
		}
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	e, ok := d.monitors[m.ID]
	if !ok {
		e = &monitorEntry{}
		d.monitors[m.ID] = e
	}
	e.missedCount++
	if e.missedCount < m.MaxRetries {
		d.mu.Unlock()
		return
	}

	var transitionType string
	if !e.down {
		e.down = true
		e.consecutiveDownCount = 1
		e.downStartTime = now
		transitionType = "down"
	} else {
		e.consecutiveDownCount++
		transitionType = "still-down"
	}
	notify := shouldNotify(e, m.ResendNotification)
	downtime := now.Sub(e.downStartTime)
	count := e.consecutiveDownCount
	d.mu.Unlock()

	d.markDown(ctx, m, cached, hasStatus, now)

	if !notify {
		return
	}
	d.emit(ctx, m, transitionType, downtime, now, count)
}

// shouldNotify: the first notification fires at count 1; after that only
// when resend is positive and the counter has advanced by at least resend
// since the last send. Caller holds the lock.
func shouldNotify(e *monitorEntry, resend int) bool {
	if e.consecutiveDownCount == 1 {
		return true
	}
	return resend > 0 && e.consecutiveDownCount-e.lastNotificationCount >= resend
}

// markDown reflects the down state into the status cache so readers and the
// broadcaster see it without waiting for the next recompute.
func (d *Detector) markDown(ctx context.Context, m *config.MonitorConfig, cached status.StatusData, hasStatus bool, now time.Time) {
	prev := status.StatusUnknown
	if hasStatus {
		prev = cached.Status
	}
	if prev == status.StatusDown {
		return
	}

	data := cached
	if !hasStatus {
		data = status.StatusData{
			SourceType: "monitor",
			ID:         m.ID,
			Name:       m.Name,
			Uptime:     map[status.Period]float64{},
		}
	}
	data.Status = status.StatusDown
	data.UpdatedAt = now
	d.cache.Set(data)

	d.bus.Publish(ctx, events.TopicStatusChanged, events.StatusChangedEvent{
		SourceType: "monitor",
		ID:         m.ID,
		Name:       m.Name,
		Previous:   string(prev),
		Current:    string(status.StatusDown),
		Timestamp:  now,
	})
}

// emit publishes a monitor transition unless the startup grace window or a
// down dependency withholds it. State has already advanced either way.
func (d *Detector) emit(ctx context.Context, m *config.MonitorConfig, transitionType string, downtime time.Duration, now time.Time, count int) {
	if d.inGraceWindow(now) {
		return
	}
	if d.dependencyDown(m.Dependencies) {
		d.logger.Debug("notification withheld, dependency down", "monitor", m.ID)
		return
	}

	d.mu.Lock()
	if e, ok := d.monitors[m.ID]; ok {
		e.lastNotificationCount = count
	}
	d.mu.Unlock()

	d.metrics.Transitions.WithLabelValues(transitionType, "monitor").Inc()
	d.bus.Publish(ctx, events.TopicTransition, events.TransitionEvent{
		Type:       transitionType,
		SourceType: "monitor",
		ID:         m.ID,
		Name:       m.Name,
		Timestamp:  now,
		Channels:   m.NotificationChannels,
		Downtime:   downtime,
	})
}

// HandlePulse clears the miss counters for a monitor and, when it had been
// marked down, emits the recovered transition.
func (d *Detector) HandlePulse(ctx context.Context, monitorID string, at time.Time) {
	snap := d.reg.Current()
	m, ok := snap.MonitorByID(monitorID)
	if !ok {
		return
	}

	d.mu.Lock()
	e, ok := d.monitors[monitorID]
	if !ok {
		d.mu.Unlock()
		return
	}
	wasDown := e.down
	var downtime time.Duration
	if wasDown && !e.downStartTime.IsZero() {
		downtime = at.Sub(e.downStartTime)
	}
	e.missedCount = 0
	e.down = false
	e.consecutiveDownCount = 0
	e.downStartTime = time.Time{}
	e.lastNotificationCount = 0
	d.mu.Unlock()

	if !wasDown || d.inGraceWindow(at) || d.dependencyDown(m.Dependencies) {
		return
	}
	d.metrics.Transitions.WithLabelValues("recovered", "monitor").Inc()
	d.bus.Publish(ctx, events.TopicTransition, events.TransitionEvent{
		Type:       "recovered",
		SourceType: "monitor",
		ID:         m.ID,
		Name:       m.Name,
		Timestamp:  at,
		Channels:   m.NotificationChannels,
		Downtime:   downtime,
	})
}

// Forget drops detector state for a monitor removed by a reload.
func (d *Detector) Forget(monitorID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.monitors, monitorID)
}

// Prune drops state for every monitor the keep function rejects, covering
// entries that never reached the status cache.
func (d *Detector) Prune(keep func(id string) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.monitors {
		if !keep(id) {
			delete(d.monitors, id)
		}
	}
}

func (d *Detector) inGraceWindow(now time.Time) bool {
	return now.Before(d.startup.Add(d.grace))
}

func (d *Detector) dependencyDown(deps []string) bool {
	for _, dep := range deps {
		if d.cache.StatusOf(dep) == status.StatusDown {
			return true
		}
	}
	return false
}
