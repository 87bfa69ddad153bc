package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/pulsewatch/pulsewatch/internal/events"
	"github.com/pulsewatch/pulsewatch/internal/registry"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

// Dispatcher consumes transition events and fans them out to the resolved
// channels. Provider sends run concurrently under individual timeouts;
// failures are logged and dropped, never retried. A stale alert is noise.
type Dispatcher struct {
	reg     *registry.Registry
	bus     *events.Bus
	metrics *telemetry.Metrics
	logger  *slog.Logger
	timeout time.Duration
	client  *http.Client
}

// NewDispatcher wires a dispatcher with the per-provider send timeout.
func NewDispatcher(reg *registry.Registry, bus *events.Bus, metrics *telemetry.Metrics, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		reg:     reg,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Run consumes transition events until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	transitions := d.bus.Subscribe(events.TopicTransition)
	d.logger.Info("notification dispatcher started", "timeout", d.timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-transitions:
			if !ok {
				return nil
			}
			if t, ok := ev.Payload.(events.TransitionEvent); ok {
				d.Dispatch(ctx, t.Channels, t)
			}
		}
	}
}

// Dispatch sends the event through every enabled sub-provider of every
// listed channel. Each provider settles independently; the call returns
// once all sends have finished.
func (d *Dispatcher) Dispatch(ctx context.Context, channelIDs []string, ev events.TransitionEvent) {
	snap := d.reg.Current()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs *multierror.Error

	for _, chID := range channelIDs {
		ch, ok := snap.ChannelByID(chID)
		if !ok || !ch.Enabled {
			continue
		}
		for _, p := range providersFor(ch, d.client) {
			wg.Add(1)
			go func(channelID string, p Provider) {
				defer wg.Done()

				sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
				defer cancel()

				if err := p.Send(sendCtx, ev); err != nil {
					d.metrics.NotificationErrors.WithLabelValues(p.Name()).Inc()
					mu.Lock()
					errs = multierror.Append(errs, err)
					mu.Unlock()
					d.logger.Error("notification send failed",
						"channel", channelID, "provider", p.Name(),
						"entity", ev.ID, "type", ev.Type, "error", err)
					return
				}
				d.metrics.NotificationsSent.WithLabelValues(p.Name()).Inc()
				d.logger.Info("notification sent",
					"channel", channelID, "provider", p.Name(),
					"entity", ev.ID, "type", ev.Type)
			}(chID, p)
		}
	}
	wg.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		d.logger.Warn("dispatch completed with failures", "entity", ev.ID, "errors", len(errs.Errors))
	}
}
