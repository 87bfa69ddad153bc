// Package telemetry exposes the Prometheus instrumentation shared by the
// engine components.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the engine records into.
type Metrics struct {
	registry *prometheus.Registry

	PulsesIngested     prometheus.Counter
	PulsesRejected     *prometheus.CounterVec
	PulsesSynthesized  prometheus.Counter
	BufferDropped      prometheus.Counter
	FlushDuration      prometheus.Histogram
	FlushBatchSize     prometheus.Histogram
	Recomputes         prometheus.Counter
	DetectorScans      prometheus.Counter
	Transitions        *prometheus.CounterVec
	NotificationsSent  *prometheus.CounterVec
	NotificationErrors *prometheus.CounterVec
	AggregationRuns    *prometheus.CounterVec
	AggregatedHours    prometheus.Counter
	AggregatedDays     prometheus.Counter
	RealtimeClients    prometheus.Gauge
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		PulsesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_pulses_ingested_total",
			Help: "Pulses accepted into the write buffer.",
		}),
		PulsesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_pulses_rejected_total",
			Help: "Pulses rejected at ingest, by reason.",
		}, []string{"reason"}),
		PulsesSynthesized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_pulses_synthesized_total",
			Help: "Synthetic pulses written by backfill.",
		}),
		BufferDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_buffer_dropped_total",
			Help: "Pulses dropped because the write buffer overflowed.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulsewatch_flush_duration_seconds",
			Help:    "Duration of batched pulse inserts.",
			Buckets: prometheus.DefBuckets,
		}),
		FlushBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulsewatch_flush_batch_size",
			Help:    "Rows per batched pulse insert.",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		}),
		Recomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_status_recomputes_total",
			Help: "Monitor status recomputations.",
		}),
		DetectorScans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_detector_scans_total",
			Help: "Missing-pulse detector scan passes.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_transitions_total",
			Help: "Status transitions, by type and source.",
		}, []string{"type", "source"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_notifications_sent_total",
			Help: "Notification provider sends that succeeded.",
		}, []string{"provider"}),
		NotificationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_notification_errors_total",
			Help: "Notification provider sends that failed.",
		}, []string{"provider"}),
		AggregationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_aggregation_runs_total",
			Help: "Aggregation job runs, by outcome.",
		}, []string{"outcome"}),
		AggregatedHours: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_aggregated_hours_total",
			Help: "Hourly roll-up rows written.",
		}),
		AggregatedDays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_aggregated_days_total",
			Help: "Daily roll-up rows written.",
		}),
		RealtimeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulsewatch_realtime_clients",
			Help: "Connected websocket clients.",
		}),
	}

	reg.MustRegister(
		m.PulsesIngested, m.PulsesRejected, m.PulsesSynthesized,
		m.BufferDropped, m.FlushDuration, m.FlushBatchSize,
		m.Recomputes, m.DetectorScans, m.Transitions,
		m.NotificationsSent, m.NotificationErrors,
		m.AggregationRuns, m.AggregatedHours, m.AggregatedDays,
		m.RealtimeClients,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
