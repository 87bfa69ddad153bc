// Package pulse implements the ingest path: pulse validation and timing
// derivation, the batched write buffer, and the deduplicated recompute
// queue.
package pulse

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/apperr"
	"github.com/pulsewatch/pulsewatch/internal/events"
	"github.com/pulsewatch/pulsewatch/internal/registry"
	"github.com/pulsewatch/pulsewatch/internal/storage"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

// MaxLatencyMS caps reported latency. Anything above is clamped, not
// rejected; probes occasionally report absurd values after a stall.
const MaxLatencyMS = 600000

const (
	futureSlack = 60 * time.Second
	pushWindow  = 10 * time.Minute
)

// SubmitRequest carries the optional fields of one push. Start and end
// times are epoch milliseconds.
type SubmitRequest struct {
	Latency   *float64
	StartTime *float64
	EndTime   *float64
	Custom1   *float64
	Custom2   *float64
	Custom3   *float64
}

// Ingestor validates pushes and feeds the write buffer.
type Ingestor struct {
	reg     *registry.Registry
	writer  *BatchWriter
	queue   *RecomputeQueue
	bus     *events.Bus
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewIngestor wires the ingest path.
func NewIngestor(reg *registry.Registry, writer *BatchWriter, queue *RecomputeQueue, bus *events.Bus, metrics *telemetry.Metrics, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		reg:     reg,
		writer:  writer,
		queue:   queue,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Submit resolves the token, validates and derives timing, buffers the
// pulse, and schedules the monitor for recompute. It returns the monitor ID
// on success.
func (in *Ingestor) Submit(ctx context.Context, token string, req SubmitRequest) (string, error) {
	snap := in.reg.Current()
	m, ok := snap.MonitorByToken(token)
	if !ok {
		in.metrics.PulsesRejected.WithLabelValues("unauthorized").Inc()
		return "", apperr.New(apperr.KindUnauthorized, "invalid push token")
	}

	now := in.now()
	latency, start, end, err := deriveTiming(req, now)
	if err != nil {
		in.metrics.PulsesRejected.WithLabelValues("validation").Inc()
		return "", err
	}

	if end.After(now.Add(futureSlack)) {
		in.metrics.PulsesRejected.WithLabelValues("window").Inc()
		return "", apperr.New(apperr.KindBadRequest, "endTime is too far in the future")
	}
	if start.Before(now.Add(-pushWindow)) {
		in.metrics.PulsesRejected.WithLabelValues("window").Inc()
		return "", apperr.New(apperr.KindBadRequest, "startTime is outside the push window")
	}

	p := storage.Pulse{
		MonitorID: m.ID,
		Timestamp: end,
		Latency:   latency,
	}
	// Custom metrics only land in declared slots; undeclared values are
	// silently dropped.
	if m.HasCustomSlot(1) {
		p.Custom1 = req.Custom1
	}
	if m.HasCustomSlot(2) {
		p.Custom2 = req.Custom2
	}
	if m.HasCustomSlot(3) {
		p.Custom3 = req.Custom3
	}

	in.writer.Enqueue(p)
	in.queue.Enqueue(m.ID)
	in.metrics.PulsesIngested.Inc()

	in.bus.Publish(ctx, events.TopicPulse, events.PulseEvent{
		MonitorID: m.ID,
		Timestamp: end,
		Latency:   latency,
	})
	return m.ID, nil
}

// deriveTiming resolves the latency/start/end triangle:
//   - start and end given: latency = end - start, which must not be negative;
//   - one endpoint plus latency: the other endpoint is derived;
//   - latency alone: end = now;
//   - nothing: both endpoints are now and latency stays null.
func deriveTiming(req SubmitRequest, now time.Time) (*float64, time.Time, time.Time, error) {
	latency := req.Latency
	if latency != nil {
		v := *latency
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return nil, time.Time{}, time.Time{}, apperr.New(apperr.KindBadRequest, "latency must be a positive finite number")
		}
		if v > MaxLatencyMS {
			v = MaxLatencyMS
		}
		latency = &v
	}

	var start, end time.Time
	switch {
	case req.StartTime != nil && req.EndTime != nil:
		start = fromEpochMS(*req.StartTime)
		end = fromEpochMS(*req.EndTime)
		derived := float64(end.Sub(start)) / float64(time.Millisecond)
		if derived < 0 {
			return nil, time.Time{}, time.Time{}, apperr.New(apperr.KindBadRequest, "endTime precedes startTime")
		}
		if derived > MaxLatencyMS {
			derived = MaxLatencyMS
		}
		latency = &derived

	case req.EndTime != nil && latency != nil:
		end = fromEpochMS(*req.EndTime)
		start = end.Add(-msDuration(*latency))

	case req.StartTime != nil && latency != nil:
		start = fromEpochMS(*req.StartTime)
		end = start.Add(msDuration(*latency))

	case req.EndTime != nil:
		end = fromEpochMS(*req.EndTime)
		start = end

	case req.StartTime != nil:
		start = fromEpochMS(*req.StartTime)
		end = now

	case latency != nil:
		end = now
		start = end.Add(-msDuration(*latency))

	default:
		start, end = now, now
	}
	return latency, start, end, nil
}

func fromEpochMS(ms float64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
