package status

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/events"
	"github.com/pulsewatch/pulsewatch/internal/registry"
	"github.com/pulsewatch/pulsewatch/internal/storage"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

// PulseStats is the slice of the store the evaluator reads.
type PulseStats interface {
	CountIntervalBuckets(ctx context.Context, monitorID string, intervalSeconds int64, from, to time.Time) (int64, error)
	LatestPulse(ctx context.Context, monitorID string) (*storage.Pulse, error)
}

// GroupTracker keeps the down counters that pace group notifications.
type GroupTracker interface {
	RecordDown(id string, at time.Time) int
	RecordRecovery(id string, at time.Time) (downtime time.Duration, notified bool)
	ShouldSendStillDown(id string, resend int) bool
	MarkNotified(id string)
	Downtime(id string, interval time.Duration, at time.Time) time.Duration
	SchedulePending(id string, delay time.Duration, fn func())
	CancelPending(id string)
}

// Pruner drops per-entity runtime state when a reload removes entities.
type Pruner interface {
	Prune(keep func(id string) bool)
}

// Evaluator recomputes monitor and group status and publishes the resulting
// events. All methods are safe for concurrent use; the cache is the only
// shared state.
type Evaluator struct {
	reg     *registry.Registry
	cache   *Cache
	store   PulseStats
	tracker GroupTracker
	bus     *events.Bus
	metrics *telemetry.Metrics
	logger  *slog.Logger

	startup time.Time
	grace   time.Duration
	now     func() time.Time
}

// NewEvaluator wires an evaluator. The grace duration suppresses transition
// notifications right after startup while the cache warms up.
func NewEvaluator(reg *registry.Registry, cache *Cache, store PulseStats, tracker GroupTracker, bus *events.Bus, metrics *telemetry.Metrics, grace time.Duration, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		reg:     reg,
		cache:   cache,
		store:   store,
		tracker: tracker,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
		startup: time.Now(),
		grace:   grace,
		now:     time.Now,
	}
}

// InGraceWindow reports whether transition notifications are still
// suppressed after startup.
func (e *Evaluator) InGraceWindow() bool {
	return e.now().Before(e.startup.Add(e.grace))
}

// RecomputeMonitor refreshes a monitor's StatusData from storage and
// cascades to its parent group. Monitors that have never pulsed stay out of
// the cache so the detector can apply its startup grace rule.
func (e *Evaluator) RecomputeMonitor(ctx context.Context, monitorID string) error {
	snap := e.reg.Current()
	m, ok := snap.MonitorByID(monitorID)
	if !ok {
		return nil
	}
	e.metrics.Recomputes.Inc()

	latest, err := e.store.LatestPulse(ctx, m.ID)
	if err != nil {
		return err
	}
	if latest == nil {
		return nil
	}

	now := e.now()
	uptime := make(map[Period]float64, len(Periods))
	for _, p := range Periods {
		u, err := e.MonitorUptime(ctx, m, p, now)
		if err != nil {
			return err
		}
		uptime[p] = u
	}

	st := StatusDown
	if now.Sub(latest.Timestamp) <= m.MaxAllowedGap() {
		st = StatusUp
	}

	data := StatusData{
		SourceType: "monitor",
		ID:         m.ID,
		Name:       m.Name,
		Status:     st,
		Latency:    latest.Latency,
		LastCheck:  latest.Timestamp,
		Uptime:     uptime,
		UpdatedAt:  now,
	}
	prev, had := e.cache.Set(data)

	if !had || prev.Status != st {
		e.bus.Publish(ctx, events.TopicStatusChanged, events.StatusChangedEvent{
			SourceType: "monitor",
			ID:         m.ID,
			Name:       m.Name,
			Previous:   string(prevStatus(prev, had)),
			Current:    string(st),
			Timestamp:  now,
		})
	}

	if m.GroupID != "" {
		return e.RecomputeGroup(ctx, m.GroupID)
	}
	return nil
}

// MonitorUptime computes the rolling uptime for one reporting period.
// Distinct interval buckets with at least one pulse are counted over
// (now-period, now-tolerance]; the quotient against the expected bucket
// count is capped at 100.
func (e *Evaluator) MonitorUptime(ctx context.Context, m *config.MonitorConfig, p Period, now time.Time) (float64, error) {
	tolerance := m.MaxAllowedGap()
	expected := expectedIntervals(p.Duration(), tolerance, m.Interval())
	if expected == 0 {
		return 100, nil
	}
	count, err := e.store.CountIntervalBuckets(ctx, m.ID, int64(m.IntervalSeconds), now.Add(-p.Duration()), now.Add(-tolerance))
	if err != nil {
		return 0, err
	}
	return math.Min(100, 100*float64(count)/float64(expected)), nil
}

func expectedIntervals(period, tolerance, interval time.Duration) int64 {
	effective := period - tolerance
	if effective <= 0 {
		return 0
	}
	return int64(effective / interval)
}

// RecomputeGroup derives a group's status from its direct children and
// cascades upward. The update is skipped when fewer than half of the
// children have a cached status, so a warming cache never overwrites an
// older, better-informed state.
func (e *Evaluator) RecomputeGroup(ctx context.Context, groupID string) error {
	snap := e.reg.Current()
	g, ok := snap.GroupByID(groupID)
	if !ok {
		return nil
	}

	children := snap.Children(g.ID)
	counters := ChildCounters{Total: len(children)}
	for _, childID := range children {
		switch e.cache.StatusOf(childID) {
		case StatusUp:
			counters.Up++
		case StatusDown, StatusDegraded:
			counters.Down++
		default:
			counters.Unknown++
		}
	}

	known := counters.Up + counters.Down
	if known == 0 || counters.Unknown*2 > counters.Total {
		return nil
	}

	st := groupStatus(g, counters)
	now := e.now()

	uptime, err := e.groupUptime(ctx, snap, g, now)
	if err != nil {
		return err
	}

	data := StatusData{
		SourceType: "group",
		ID:         g.ID,
		Name:       g.Name,
		Status:     st,
		LastCheck:  now,
		Uptime:     uptime,
		Children:   &counters,
		UpdatedAt:  now,
	}
	prev, had := e.cache.Set(data)

	if !had || prev.Status != st {
		e.bus.Publish(ctx, events.TopicStatusChanged, events.StatusChangedEvent{
			SourceType: "group",
			ID:         g.ID,
			Name:       g.Name,
			Previous:   string(prevStatus(prev, had)),
			Current:    string(st),
			Timestamp:  now,
		})
	}

	e.emitGroupTransition(ctx, snap, g, prevStatus(prev, had), st, counters, now)

	if g.ParentID != "" {
		return e.RecomputeGroup(ctx, g.ParentID)
	}
	return nil
}

func prevStatus(prev StatusData, had bool) Status {
	if !had {
		return StatusUnknown
	}
	return prev.Status
}

// groupStatus applies the composition strategy to the child counters.
func groupStatus(g *config.GroupConfig, c ChildCounters) Status {
	upPct := 100 * float64(c.Up) / float64(c.Up+c.Down)
	switch g.Strategy {
	case config.StrategyAnyUp:
		if c.Up > 0 {
			return StatusUp
		}
		return StatusDown
	case config.StrategyAllUp:
		if c.Down == 0 {
			return StatusUp
		}
		return StatusDown
	case config.StrategyPercentage:
		switch {
		case upPct == 100:
			return StatusUp
		case upPct >= g.DegradedThreshold:
			return StatusDegraded
		default:
			return StatusDown
		}
	}
	return StatusUnknown
}

// groupUptime folds direct-child uptimes per period: max for any-up, min for
// all-up, weighted mean for percentage. Monitor children are queried with
// their own interval and tolerance; group children contribute their cached
// figures.
func (e *Evaluator) groupUptime(ctx context.Context, snap *registry.Snapshot, g *config.GroupConfig, now time.Time) (map[Period]float64, error) {
	type contribution struct {
		value  float64
		weight float64
	}
	out := make(map[Period]float64, len(Periods))

	for _, p := range Periods {
		var contribs []contribution

		for _, monitorID := range snap.MonitorsInGroup(g.ID) {
			m, ok := snap.MonitorByID(monitorID)
			if !ok {
				continue
			}
			u, err := e.MonitorUptime(ctx, m, p, now)
			if err != nil {
				return nil, err
			}
			w := float64(expectedIntervals(p.Duration(), m.MaxAllowedGap(), m.Interval()))
			if w < 1 {
				w = 1
			}
			contribs = append(contribs, contribution{value: u, weight: w})
		}
		for _, subID := range snap.SubGroups(g.ID) {
			if d, ok := e.cache.Get(subID); ok {
				if u, ok := d.Uptime[p]; ok {
					contribs = append(contribs, contribution{value: u, weight: 1})
				}
			}
		}
		if len(contribs) == 0 {
			continue
		}

		switch g.Strategy {
		case config.StrategyAnyUp:
			best := contribs[0].value
			for _, c := range contribs[1:] {
				best = math.Max(best, c.value)
			}
			out[p] = best
		case config.StrategyAllUp:
			worst := contribs[0].value
			for _, c := range contribs[1:] {
				worst = math.Min(worst, c.value)
			}
			out[p] = worst
		default:
			var sum, weights float64
			for _, c := range contribs {
				sum += c.value * c.weight
				weights += c.weight
			}
			out[p] = sum / weights
		}
	}
	return out, nil
}

// emitGroupTransition publishes notification-worthy group transitions,
// paced by the group tracker. The startup grace window and a down
// dependency both withhold the publish while the tracker state still
// advances.
func (e *Evaluator) emitGroupTransition(ctx context.Context, snap *registry.Snapshot, g *config.GroupConfig, prev, curr Status, counters ChildCounters, now time.Time) {
	suppressed := e.InGraceWindow() || e.dependencyDown(g.Dependencies)

	publish := func(transitionType string, downtime time.Duration) {
		if suppressed {
			return
		}
		e.metrics.Transitions.WithLabelValues(transitionType, "group").Inc()
		e.bus.Publish(ctx, events.TopicTransition, events.TransitionEvent{
			Type:       transitionType,
			SourceType: "group",
			ID:         g.ID,
			Name:       g.Name,
			Timestamp:  now,
			Channels:   g.NotificationChannels,
			Downtime:   downtime,
			GroupInfo: &events.GroupInfo{
				Up: counters.Up, Down: counters.Down,
				Unknown: counters.Unknown, Total: counters.Total,
			},
		})
		e.tracker.MarkNotified(g.ID)
	}

	switch {
	case curr == StatusDown && prev != StatusDown:
		e.tracker.RecordDown(g.ID, now)
		if e.InGraceWindow() && !e.dependencyDown(g.Dependencies) {
			// The withheld alert fires once the grace window ends, unless a
			// recovery cancels it first.
			e.tracker.SchedulePending(g.ID, e.startup.Add(e.grace).Sub(now), func() {
				e.sendDeferredDown(g.ID)
			})
		}
		publish("down", 0)

	case curr == StatusDown && prev == StatusDown:
		e.tracker.RecordDown(g.ID, now)
		if e.tracker.ShouldSendStillDown(g.ID, g.ResendNotification) {
			publish("still-down", e.tracker.Downtime(g.ID, g.Interval(), now))
		}

	case curr == StatusDegraded && prev != StatusDegraded:
		e.tracker.CancelPending(g.ID)
		publish("degraded", 0)

	case curr == StatusUp && (prev == StatusDown || prev == StatusDegraded):
		e.tracker.CancelPending(g.ID)
		downtime, notified := e.tracker.RecordRecovery(g.ID, now)
		if notified || prev == StatusDegraded {
			publish("recovered", downtime)
		}
	}
}

// sendDeferredDown fires when the startup grace window expires while a
// group is still down: the down notification that the window withheld goes
// out after all.
func (e *Evaluator) sendDeferredDown(groupID string) {
	snap := e.reg.Current()
	g, ok := snap.GroupByID(groupID)
	if !ok {
		return
	}
	d, ok := e.cache.Get(groupID)
	if !ok || d.Status != StatusDown || e.dependencyDown(g.Dependencies) {
		return
	}

	now := e.now()
	ev := events.TransitionEvent{
		Type:       "down",
		SourceType: "group",
		ID:         g.ID,
		Name:       g.Name,
		Timestamp:  now,
		Channels:   g.NotificationChannels,
		Downtime:   e.tracker.Downtime(g.ID, g.Interval(), now),
	}
	if d.Children != nil {
		ev.GroupInfo = &events.GroupInfo{
			Up: d.Children.Up, Down: d.Children.Down,
			Unknown: d.Children.Unknown, Total: d.Children.Total,
		}
	}
	e.metrics.Transitions.WithLabelValues("down", "group").Inc()
	e.bus.Publish(context.Background(), events.TopicTransition, ev)
	e.tracker.MarkNotified(g.ID)
}

// dependencyDown reports whether any listed dependency is currently down.
func (e *Evaluator) dependencyDown(deps []string) bool {
	for _, dep := range deps {
		if e.cache.StatusOf(dep) == StatusDown {
			return true
		}
	}
	return false
}

// Run applies configuration reloads to runtime state until the context is
// cancelled: each snapshot swap prunes state for removed entities and
// recomputes the whole fleet against the new snapshot.
func (e *Evaluator) Run(ctx context.Context, pruners ...Pruner) error {
	reloads := e.bus.Subscribe(events.TopicConfigReloaded)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-reloads:
			if !ok {
				return nil
			}
			e.HandleReload(ctx, pruners...)
		}
	}
}

// HandleReload drops cached and tracked state for entities the current
// snapshot no longer knows, then recomputes everything that remains.
func (e *Evaluator) HandleReload(ctx context.Context, pruners ...Pruner) {
	snap := e.reg.Current()
	keep := func(id string) bool {
		if _, ok := snap.MonitorByID(id); ok {
			return true
		}
		_, ok := snap.GroupByID(id)
		return ok
	}

	e.cache.Retain(keep)
	for _, p := range pruners {
		p.Prune(keep)
	}
	e.logger.Info("recomputing after configuration reload")
	e.RecomputeAll(ctx)
}

// RecomputeAll walks every monitor in dependency order, then every group
// without monitor members (which a monitor cascade would never touch).
func (e *Evaluator) RecomputeAll(ctx context.Context) {
	snap := e.reg.Current()
	for _, m := range snap.Monitors() {
		if err := e.RecomputeMonitor(ctx, m.ID); err != nil {
			e.logger.Error("recompute failed", "monitor", m.ID, "error", err)
		}
	}
	for _, g := range snap.Groups() {
		if len(snap.MonitorsInGroup(g.ID)) > 0 {
			continue
		}
		if err := e.RecomputeGroup(ctx, g.ID); err != nil {
			e.logger.Error("group recompute failed", "group", g.ID, "error", err)
		}
	}
}
