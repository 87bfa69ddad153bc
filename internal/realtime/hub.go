// Package realtime pushes live updates over websockets: status-page viewers
// subscribe by slug and receive pulse and status events for the monitors
// their page shows; probe workers subscribe by push token and receive
// configuration updates.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/events"
	"github.com/pulsewatch/pulsewatch/internal/registry"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

// Ingestor is the push entry point the websocket action delegates to.
type Ingestor interface {
	Submit(ctx context.Context, token string, req PushRequest) (string, error)
}

// Hub maintains the active clients and their subscriptions and routes bus
// events to them.
type Hub struct {
	reg     *registry.Registry
	bus     *events.Bus
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
	// slug -> clients watching that status page
	bySlug map[string]map[*Client]bool
	// push token -> probe-worker clients
	byToken map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
}

// NewHub wires the hub; Run must be started before serving connections.
func NewHub(reg *registry.Registry, bus *events.Bus, metrics *telemetry.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		reg:        reg,
		bus:        bus,
		metrics:    metrics,
		logger:     logger,
		clients:    make(map[*Client]bool),
		bySlug:     make(map[string]map[*Client]bool),
		byToken:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run processes registrations and bus events until the context is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	feed := h.bus.SubscribeMultiple(events.TopicPulse, events.TopicStatusChanged, events.TopicConfigReloaded, events.TopicStorageState)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.metrics.RealtimeClients.Inc()

		case c := <-h.unregister:
			h.drop(c)

		case ev, ok := <-feed:
			if !ok {
				return nil
			}
			h.route(ev)
		}
	}
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for slug := range c.slugs {
		h.removeIndexLocked(h.bySlug, slug, c)
	}
	if c.workerToken != "" {
		h.removeIndexLocked(h.byToken, c.workerToken, c)
	}
	close(c.send)
	h.mu.Unlock()
	h.metrics.RealtimeClients.Dec()
}

func (h *Hub) removeIndexLocked(index map[string]map[*Client]bool, key string, c *Client) {
	if set, ok := index[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*Client]bool)
	h.bySlug = make(map[string]map[*Client]bool)
	h.byToken = make(map[string]map[*Client]bool)
}

// route fans one bus event out to the interested subscribers.
func (h *Hub) route(ev events.Event) {
	snap := h.reg.Current()

	switch p := ev.Payload.(type) {
	case events.PulseEvent:
		h.publishToPages(snap.PagesForEntity(p.MonitorID), envelope{
			Action:    "pulse",
			ID:        p.MonitorID,
			Latency:   p.Latency,
			Timestamp: p.Timestamp,
		})

	case events.StatusChangedEvent:
		h.publishToPages(snap.PagesForEntity(p.ID), envelope{
			Action:     "status",
			SourceType: p.SourceType,
			ID:         p.ID,
			Name:       p.Name,
			Previous:   p.Previous,
			Status:     p.Current,
			Timestamp:  p.Timestamp,
		})

	case events.ConfigReloadedEvent:
		// Workers get told their assignment may have changed.
		h.publishToWorkers(envelope{Action: "config", Timestamp: p.At})

	case events.StorageStateEvent:
		// Workers can buffer pushes during a storage outage instead of
		// losing them.
		st := "recovered"
		if p.Down {
			st = "down"
		}
		h.publishToWorkers(envelope{Action: "storage", Status: st, Timestamp: p.At})
	}
}

// envelope is the JSON wire shape for server-initiated pushes.
type envelope struct {
	Action     string    `json:"action"`
	SourceType string    `json:"sourceType,omitempty"`
	ID         string    `json:"id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Previous   string    `json:"previous,omitempty"`
	Status     string    `json:"status,omitempty"`
	Latency    *float64  `json:"latency,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (h *Hub) publishToPages(slugs []string, env envelope) {
	if len(slugs) == 0 {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to encode realtime envelope", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, slug := range slugs {
		for c := range h.bySlug[slug] {
			c.trySend(data)
		}
	}
}

func (h *Hub) publishToWorkers(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to encode realtime envelope", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.byToken {
		for c := range set {
			c.trySend(data)
		}
	}
}

// subscribeSlug indexes a client under a page slug.
func (h *Hub) subscribeSlug(c *Client, slug string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bySlug[slug] == nil {
		h.bySlug[slug] = make(map[*Client]bool)
	}
	h.bySlug[slug][c] = true
	c.slugs[slug] = true
}

// unsubscribeSlug removes one slug subscription.
func (h *Hub) unsubscribeSlug(c *Client, slug string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeIndexLocked(h.bySlug, slug, c)
	delete(c.slugs, slug)
}

// subscribeWorker indexes a probe-worker client under its push token.
func (h *Hub) subscribeWorker(c *Client, token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.workerToken != "" {
		h.removeIndexLocked(h.byToken, c.workerToken, c)
	}
	c.workerToken = token
	if h.byToken[token] == nil {
		h.byToken[token] = make(map[*Client]bool)
	}
	h.byToken[token][c] = true
}
