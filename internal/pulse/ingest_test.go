package pulse

import (
	"context"
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/apperr"
	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/events"
	"github.com/pulsewatch/pulsewatch/internal/registry"
	"github.com/pulsewatch/pulsewatch/internal/storage"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

func f(v float64) *float64 { return &v }

func epochMS(t time.Time) *float64 {
	v := float64(t.UnixMilli())
	return &v
}

func TestDeriveTiming(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-2 * time.Second)

	tests := []struct {
		name        string
		req         SubmitRequest
		wantLatency *float64
		wantEnd     time.Time
		wantErr     bool
	}{
		{
			name:        "both endpoints derive latency",
			req:         SubmitRequest{StartTime: epochMS(start), EndTime: epochMS(now)},
			wantLatency: f(2000),
			wantEnd:     now,
		},
		{
			name:    "end before start rejected",
			req:     SubmitRequest{StartTime: epochMS(now), EndTime: epochMS(start)},
			wantErr: true,
		},
		{
			name:        "endpoints override explicit latency",
			req:         SubmitRequest{StartTime: epochMS(start), EndTime: epochMS(now), Latency: f(999)},
			wantLatency: f(2000),
			wantEnd:     now,
		},
		{
			name:        "end plus latency",
			req:         SubmitRequest{EndTime: epochMS(now), Latency: f(500)},
			wantLatency: f(500),
			wantEnd:     now,
		},
		{
			name:        "latency alone pins end to now",
			req:         SubmitRequest{Latency: f(120)},
			wantLatency: f(120),
			wantEnd:     now,
		},
		{
			name:        "empty request is a bare heartbeat",
			req:         SubmitRequest{},
			wantLatency: nil,
			wantEnd:     now,
		},
		{
			name:        "latency clamped to ceiling",
			req:         SubmitRequest{Latency: f(9e6)},
			wantLatency: f(MaxLatencyMS),
			wantEnd:     now,
		},
		{
			name:    "zero latency rejected",
			req:     SubmitRequest{Latency: f(0)},
			wantErr: true,
		},
		{
			name:    "negative latency rejected",
			req:     SubmitRequest{Latency: f(-5)},
			wantErr: true,
		},
		{
			name:    "NaN latency rejected",
			req:     SubmitRequest{Latency: f(math.NaN())},
			wantErr: true,
		},
		{
			name:    "infinite latency rejected",
			req:     SubmitRequest{Latency: f(math.Inf(1))},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			latency, _, end, err := deriveTiming(tt.req, now)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !apperr.Is(err, apperr.KindBadRequest) {
					t.Errorf("expected BadRequest, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch {
			case tt.wantLatency == nil && latency != nil:
				t.Errorf("latency = %v, want nil", *latency)
			case tt.wantLatency != nil && latency == nil:
				t.Errorf("latency = nil, want %v", *tt.wantLatency)
			case tt.wantLatency != nil && *latency != *tt.wantLatency:
				t.Errorf("latency = %v, want %v", *latency, *tt.wantLatency)
			}
			if !end.Equal(tt.wantEnd) {
				t.Errorf("end = %v, want %v", end, tt.wantEnd)
			}
		})
	}
}

func ingestConfig() *config.Config {
	cfg := &config.Config{
		Storage:  config.StorageConfig{Host: "localhost", DBName: "pulsewatch"},
		AdminAPI: config.AdminAPIConfig{Token: "0123456789abcdef0123"},
		Monitors: []config.MonitorConfig{
			{
				ID: "api", Token: "api-token-1", Name: "API", IntervalSeconds: 60,
				CustomMetrics: []config.CustomMetric{{ID: "qps", Name: "Queries per second"}},
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestIngestor(t *testing.T) (*Ingestor, *BatchWriter, <-chan events.Event, time.Time) {
	t.Helper()
	bus := events.NewBus(16)
	t.Cleanup(func() { bus.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	reg, err := registry.New("unused.toml", ingestConfig(), bus, logger)
	if err != nil {
		t.Fatalf("registry rejected config: %v", err)
	}

	metrics := telemetry.New()
	writer := NewBatchWriter(nil, metrics, time.Second, 100, 1000, logger)
	queue := NewRecomputeQueue(nil, time.Second, 4, logger)
	in := NewIngestor(reg, writer, queue, bus, metrics, logger)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return now }
	return in, writer, bus.Subscribe(events.TopicPulse), now
}

func TestSubmitUnknownToken(t *testing.T) {
	in, _, _, _ := newTestIngestor(t)

	_, err := in.Submit(context.Background(), "bogus", SubmitRequest{})
	if !apperr.Is(err, apperr.KindUnauthorized) {
		t.Errorf("expected Unauthorized, got %v", err)
	}
}

func TestSubmitWindowRejections(t *testing.T) {
	in, _, _, now := newTestIngestor(t)
	ctx := context.Background()

	_, err := in.Submit(ctx, "api-token-1", SubmitRequest{EndTime: epochMS(now.Add(5 * time.Minute))})
	if !apperr.Is(err, apperr.KindBadRequest) {
		t.Errorf("future end time: expected BadRequest, got %v", err)
	}

	_, err = in.Submit(ctx, "api-token-1", SubmitRequest{StartTime: epochMS(now.Add(-time.Hour))})
	if !apperr.Is(err, apperr.KindBadRequest) {
		t.Errorf("stale start time: expected BadRequest, got %v", err)
	}
}

func TestSubmitBuffersAndPublishes(t *testing.T) {
	in, writer, pulses, _ := newTestIngestor(t)

	id, err := in.Submit(context.Background(), "api-token-1", SubmitRequest{Latency: f(88)})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id != "api" {
		t.Errorf("monitor id = %q, want api", id)
	}
	if writer.Pending() != 1 {
		t.Errorf("pending = %d, want 1", writer.Pending())
	}

	select {
	case ev := <-pulses:
		p := ev.Payload.(events.PulseEvent)
		if p.MonitorID != "api" || p.Latency == nil || *p.Latency != 88 {
			t.Errorf("unexpected pulse event %+v", p)
		}
	default:
		t.Error("no pulse event published")
	}
}

func TestSubmitDropsUndeclaredCustomSlots(t *testing.T) {
	in, writer, _, _ := newTestIngestor(t)

	_, err := in.Submit(context.Background(), "api-token-1", SubmitRequest{
		Custom1: f(1500), Custom2: f(7), Custom3: f(9),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	writer.mu.Lock()
	p := writer.buf[0]
	writer.mu.Unlock()

	if p.Custom1 == nil || *p.Custom1 != 1500 {
		t.Error("declared slot 1 must be kept")
	}
	if p.Custom2 != nil || p.Custom3 != nil {
		t.Error("undeclared slots must be dropped")
	}
}

func TestBatchWriterShedsOldestOnOverflow(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	w := NewBatchWriter(nil, telemetry.New(), time.Second, 100, 3, logger)

	for i := 0; i < 5; i++ {
		lat := float64(i)
		w.Enqueue(storage.Pulse{MonitorID: "m", Latency: &lat})
	}

	if w.Pending() != 3 {
		t.Fatalf("pending = %d, want bound 3", w.Pending())
	}
	w.mu.Lock()
	first := *w.buf[0].Latency
	w.mu.Unlock()
	if first != 2 {
		t.Errorf("oldest surviving row = %v, want 2 (rows 0 and 1 shed)", first)
	}
}

type countingRecomputer struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingRecomputer) RecomputeMonitor(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[id]++
	return nil
}

func TestRecomputeQueueDeduplicates(t *testing.T) {
	rec := &countingRecomputer{calls: map[string]int{}}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	q := NewRecomputeQueue(rec, time.Second, 2, logger)

	q.Enqueue("a")
	q.Enqueue("a")
	q.Enqueue("a")
	q.Enqueue("b")
	if q.PendingCount() != 2 {
		t.Fatalf("pending = %d, want 2 after dedup", q.PendingCount())
	}

	q.Drain(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.calls["a"] != 1 || rec.calls["b"] != 1 {
		t.Errorf("calls = %v, want exactly one per monitor", rec.calls)
	}
	if q.PendingCount() != 0 {
		t.Error("drain must clear the pending set")
	}
}
