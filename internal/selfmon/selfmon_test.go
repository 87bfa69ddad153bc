package selfmon

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/apperr"
	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/events"
	"github.com/pulsewatch/pulsewatch/internal/registry"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

func TestAlignUp(t *testing.T) {
	interval := time.Minute
	boundary := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if got := alignUp(boundary, interval); !got.Equal(boundary) {
		t.Errorf("alignUp on a boundary = %v, want unchanged", got)
	}
	if got := alignUp(boundary.Add(time.Second), interval); !got.Equal(boundary.Add(interval)) {
		t.Errorf("alignUp past a boundary = %v, want next boundary", got)
	}
}

func TestAlignDown(t *testing.T) {
	interval := 5 * time.Minute
	boundary := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if got := alignDown(boundary, interval); !got.Equal(boundary) {
		t.Errorf("alignDown on a boundary = %v, want unchanged", got)
	}
	if got := alignDown(boundary.Add(4*time.Minute), interval); !got.Equal(boundary) {
		t.Errorf("alignDown inside an interval = %v, want previous boundary", got)
	}
}

func TestBackfillRejectsConcurrentRun(t *testing.T) {
	cfg := &config.Config{
		Storage:  config.StorageConfig{Host: "localhost", DBName: "pulsewatch"},
		AdminAPI: config.AdminAPIConfig{Token: "0123456789abcdef0123"},
	}
	cfg.ApplyDefaults()

	bus := events.NewBus(16)
	defer bus.Close()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	reg, err := registry.New("unused.toml", cfg, bus, logger)
	if err != nil {
		t.Fatalf("registry rejected config: %v", err)
	}

	m := New(nil, reg, nil, bus, telemetry.New(), &cfg.SelfMonitor, logger)

	m.backfilling.Store(true)
	err = m.Backfill(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected Conflict while a backfill is running, got %v", err)
	}

	// Once the running flag clears the call goes through (no monitors, so
	// the sweep is empty).
	m.backfilling.Store(false)
	if err := m.Backfill(context.Background(), time.Now().Add(-time.Hour), time.Now()); err != nil {
		t.Errorf("Backfill failed: %v", err)
	}
	if m.backfilling.Load() {
		t.Error("running flag must be released after the sweep")
	}
}
