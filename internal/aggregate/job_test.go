package aggregate

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

func TestExpectedForHour(t *testing.T) {
	firstHour := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		hour       time.Time
		firstPulse time.Time
		interval   int64
		want       int64
	}{
		{
			name:       "full hour",
			hour:       firstHour.Add(2 * time.Hour),
			firstPulse: firstHour,
			interval:   60,
			want:       60,
		},
		{
			name:       "first hour scaled to remainder",
			hour:       firstHour,
			firstPulse: firstHour.Add(45 * time.Minute),
			interval:   60,
			want:       15,
		},
		{
			name:       "first pulse on the boundary",
			hour:       firstHour,
			firstPulse: firstHour,
			interval:   300,
			want:       12,
		},
		{
			name:       "sliver of the first hour still expects one",
			hour:       firstHour,
			firstPulse: firstHour.Add(59*time.Minute + 30*time.Second),
			interval:   60,
			want:       1,
		},
		{
			name:       "interval longer than the hour",
			hour:       firstHour.Add(time.Hour),
			firstPulse: firstHour,
			interval:   7200,
			want:       1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expectedForHour(tt.hour, firstHour, tt.firstPulse, tt.interval); got != tt.want {
				t.Errorf("expectedForHour = %d, want %d", got, tt.want)
			}
		})
	}
}

func newIdleJob() *Job {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return New(nil, nil, telemetry.New(), 10*time.Minute, 5*time.Minute, logger)
}

func TestTriggerSkipsYoungRun(t *testing.T) {
	j := newIdleJob()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return base }

	var cancelled bool
	j.runningSince = base.Add(-time.Minute)
	j.cancelRun = func() { cancelled = true }
	j.runGen = 1

	j.Trigger(context.Background())

	if cancelled {
		t.Error("a run younger than the abort ceiling must not be cancelled")
	}
	if j.runGen != 1 {
		t.Errorf("runGen = %d, want 1: skip must not start a new run", j.runGen)
	}
}

func TestStaleRunCleanupKeepsReplacementHandle(t *testing.T) {
	j := newIdleJob()

	// First run (gen 1) was aborted past the ceiling and replaced by gen 2.
	var replacementCancelled bool
	j.runGen = 2
	j.cancelRun = func() { replacementCancelled = true }

	// The aborted run's goroutine finishes late.
	j.finishRun(1)
	if j.cancelRun == nil {
		t.Fatal("stale cleanup must not release the active run's handle")
	}
	if replacementCancelled {
		t.Fatal("stale cleanup must not touch the active run")
	}

	// The owning run's cleanup releases it.
	j.finishRun(2)
	if j.cancelRun != nil {
		t.Fatal("owning run's cleanup must release the handle")
	}
}

func TestDayOf(t *testing.T) {
	in := time.Date(2026, 3, 1, 23, 59, 59, 0, time.UTC)
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := dayOf(in); !got.Equal(want) {
		t.Errorf("dayOf = %v, want %v", got, want)
	}
}
