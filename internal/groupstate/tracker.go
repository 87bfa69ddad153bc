// Package groupstate keeps the per-group down counters that pace group
// notifications. Group status itself is derived synchronously from children
// by the evaluator; this package only persists counters, the down start
// time, and the last-notified count, plus one cancellable deferred
// notification per group.
package groupstate

import (
	"sync"
	"time"
)

type groupEntry struct {
	consecutiveDownCount  int
	downStartTime         time.Time
	lastNotificationCount int
	pending               *time.Timer
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	groups map[string]*groupEntry
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{groups: make(map[string]*groupEntry)}
}

func (t *Tracker) entry(id string) *groupEntry {
	e, ok := t.groups[id]
	if !ok {
		e = &groupEntry{}
		t.groups[id] = e
	}
	return e
}

// RecordDown increments the consecutive down count, setting the down start
// time on the first observation. Returns the new count.
func (t *Tracker) RecordDown(id string, at time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(id)
	if e.consecutiveDownCount == 0 {
		e.downStartTime = at
	}
	e.consecutiveDownCount++
	return e.consecutiveDownCount
}

// RecordRecovery clears the down state and reports how long the group was
// down and whether a down notification had actually been sent.
func (t *Tracker) RecordRecovery(id string, at time.Time) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.groups[id]
	if !ok || e.consecutiveDownCount == 0 {
		return 0, false
	}
	var downtime time.Duration
	if !e.downStartTime.IsZero() {
		downtime = at.Sub(e.downStartTime)
	}
	notified := e.lastNotificationCount > 0
	e.consecutiveDownCount = 0
	e.downStartTime = time.Time{}
	e.lastNotificationCount = 0
	t.cancelPendingLocked(e)
	return downtime, notified
}

// ShouldSendStillDown applies the resend pacing rule: never when resend is
// zero, otherwise once every resend observations since the last
// notification.
func (t *Tracker) ShouldSendStillDown(id string, resend int) bool {
	if resend <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.groups[id]
	if !ok || e.consecutiveDownCount == 0 {
		return false
	}
	return e.consecutiveDownCount-e.lastNotificationCount >= resend
}

// MarkNotified records that a notification went out at the current count.
func (t *Tracker) MarkNotified(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(id)
	e.lastNotificationCount = e.consecutiveDownCount
}

// Downtime reports elapsed time since the down start, falling back to
// count x interval when no start time was recorded.
func (t *Tracker) Downtime(id string, interval time.Duration, at time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.groups[id]
	if !ok || e.consecutiveDownCount == 0 {
		return 0
	}
	if !e.downStartTime.IsZero() {
		return at.Sub(e.downStartTime)
	}
	return time.Duration(e.consecutiveDownCount) * interval
}

// SchedulePending arms a deferred notification, replacing any outstanding
// one. At most one timer per group is live at a time.
func (t *Tracker) SchedulePending(id string, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(id)
	t.cancelPendingLocked(e)
	e.pending = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if cur := t.groups[id]; cur != nil {
			cur.pending = nil
		}
		t.mu.Unlock()
		fn()
	})
}

// CancelPending aborts the group's deferred notification, if any.
func (t *Tracker) CancelPending(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.groups[id]; ok {
		t.cancelPendingLocked(e)
	}
}

func (t *Tracker) cancelPendingLocked(e *groupEntry) {
	if e.pending != nil {
		e.pending.Stop()
		e.pending = nil
	}
}

// DownCount returns the current consecutive down count.
func (t *Tracker) DownCount(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.groups[id]; ok {
		return e.consecutiveDownCount
	}
	return 0
}

// Forget drops all state for a group, used when a reload removes it.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.groups[id]; ok {
		t.cancelPendingLocked(e)
		delete(t.groups, id)
	}
}

// Prune forgets every group the keep function rejects.
func (t *Tracker) Prune(keep func(id string) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.groups {
		if !keep(id) {
			t.cancelPendingLocked(e)
			delete(t.groups, id)
		}
	}
}
