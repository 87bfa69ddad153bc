package groupstate

import (
	"sync"
	"testing"
	"time"
)

func TestDownCounterLifecycle(t *testing.T) {
	tr := NewTracker()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if got := tr.RecordDown("g", start); got != 1 {
		t.Errorf("first observation should count 1, got %d", got)
	}
	if got := tr.RecordDown("g", start.Add(time.Minute)); got != 2 {
		t.Errorf("second observation should count 2, got %d", got)
	}
	if got := tr.DownCount("g"); got != 2 {
		t.Errorf("DownCount = %d, want 2", got)
	}

	downtime, notified := tr.RecordRecovery("g", start.Add(5*time.Minute))
	if downtime != 5*time.Minute {
		t.Errorf("downtime = %v, want 5m", downtime)
	}
	if notified {
		t.Error("no notification was ever marked, notified must be false")
	}
	if tr.DownCount("g") != 0 {
		t.Error("recovery must clear the counter")
	}
}

func TestRecoveryWithoutDownIsNoop(t *testing.T) {
	tr := NewTracker()
	downtime, notified := tr.RecordRecovery("never-seen", time.Now())
	if downtime != 0 || notified {
		t.Errorf("got (%v, %v), want (0, false)", downtime, notified)
	}
}

func TestStillDownPacing(t *testing.T) {
	tr := NewTracker()
	at := time.Now()

	// resend = 0 disables repeats entirely.
	tr.RecordDown("g", at)
	if tr.ShouldSendStillDown("g", 0) {
		t.Error("resend 0 must never repeat")
	}

	// With resend = 3: counts advance, notification went out at count 1.
	tr.MarkNotified("g")
	tr.RecordDown("g", at) // 2
	tr.RecordDown("g", at) // 3
	if tr.ShouldSendStillDown("g", 3) {
		t.Error("only 2 observations since last send, too early")
	}
	tr.RecordDown("g", at) // 4
	if !tr.ShouldSendStillDown("g", 3) {
		t.Error("3 observations since last send, expected repeat")
	}

	// Sending resets the pacing base.
	tr.MarkNotified("g")
	if tr.ShouldSendStillDown("g", 3) {
		t.Error("pacing must restart after MarkNotified")
	}
}

func TestDowntimeFallsBackToCountTimesInterval(t *testing.T) {
	tr := NewTracker()
	at := time.Now()

	tr.RecordDown("g", at)
	tr.RecordDown("g", at)

	// Start time recorded: elapsed wins.
	if got := tr.Downtime("g", time.Minute, at.Add(90*time.Second)); got != 90*time.Second {
		t.Errorf("Downtime = %v, want 90s", got)
	}

	// Without a start time the counter approximates.
	tr.groups["g"].downStartTime = time.Time{}
	if got := tr.Downtime("g", time.Minute, at); got != 2*time.Minute {
		t.Errorf("fallback Downtime = %v, want 2m", got)
	}

	if got := tr.Downtime("unseen", time.Minute, at); got != 0 {
		t.Errorf("unseen group Downtime = %v, want 0", got)
	}
}

func TestSchedulePendingReplacesAndCancels(t *testing.T) {
	tr := NewTracker()
	var mu sync.Mutex
	fired := []string{}
	record := func(tag string) func() {
		return func() {
			mu.Lock()
			fired = append(fired, tag)
			mu.Unlock()
		}
	}

	// The second schedule replaces the first; only "second" may fire.
	tr.SchedulePending("g", 10*time.Millisecond, record("first"))
	tr.SchedulePending("g", 10*time.Millisecond, record("second"))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	if len(fired) != 1 || fired[0] != "second" {
		t.Errorf("fired = %v, want [second]", fired)
	}
	mu.Unlock()

	// Cancel prevents the callback.
	tr.SchedulePending("g", 10*time.Millisecond, record("cancelled"))
	tr.CancelPending("g")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	if len(fired) != 1 {
		t.Errorf("cancelled timer still fired: %v", fired)
	}
	mu.Unlock()
}

func TestForgetDropsState(t *testing.T) {
	tr := NewTracker()
	tr.RecordDown("g", time.Now())
	tr.Forget("g")
	if tr.DownCount("g") != 0 {
		t.Error("Forget must drop the counter")
	}
}

func TestPruneKeepsOnlyAcceptedGroups(t *testing.T) {
	tr := NewTracker()
	at := time.Now()
	tr.RecordDown("kept", at)
	tr.RecordDown("removed", at)
	tr.SchedulePending("removed", time.Hour, func() {
		t.Error("pruned group's deferred notification must not fire")
	})

	tr.Prune(func(id string) bool { return id == "kept" })

	if tr.DownCount("kept") != 1 {
		t.Error("accepted group must survive the prune")
	}
	if tr.DownCount("removed") != 0 {
		t.Error("rejected group must be dropped")
	}
}
