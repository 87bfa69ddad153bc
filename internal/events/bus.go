// Package events provides the thread-safe, non-blocking event bus that wires
// the engine together: pulse ingest, status transitions, reloads and storage
// state all flow through it. Subscribers receive events through bounded
// channels; a full subscriber drops events rather than blocking the
// publisher.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Topic represents the name of an event topic.
type Topic string

const (
	// TopicPulse fires for every accepted pulse (real or synthetic).
	TopicPulse Topic = "pulse.received"

	// TopicStatusChanged fires whenever StatusCache observes prev != new.
	// It always fires, including inside the startup grace window.
	TopicStatusChanged Topic = "status.changed"

	// TopicTransition carries notification-worthy transitions only: grace
	// window and dependency suppression are applied before publish.
	TopicTransition Topic = "status.transition"

	// TopicConfigReloaded fires after a successful snapshot swap.
	TopicConfigReloaded Topic = "config.reloaded"

	// TopicStorageState fires when the self-monitor observes the storage
	// backend going down or recovering.
	TopicStorageState Topic = "storage.state"
)

func (t Topic) String() string { return string(t) }

// Event represents a generic event in the system.
type Event struct {
	Topic     Topic
	Timestamp time.Time
	Payload   any
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Topic: %s, Timestamp: %s, Payload: %+v}",
		e.Topic, e.Timestamp.Format(time.RFC3339Nano), e.Payload)
}

// PulseEvent is published after a pulse has been accepted into the write
// buffer.
type PulseEvent struct {
	MonitorID string
	Timestamp time.Time
	Latency   *float64
	Synthetic bool
}

// StatusChangedEvent is published when an entity's cached status changes.
type StatusChangedEvent struct {
	SourceType string // "monitor" or "group"
	ID         string
	Name       string
	Previous   string
	Current    string
	Timestamp  time.Time
}

// GroupInfo carries child counters for group transitions.
type GroupInfo struct {
	Up      int `json:"up"`
	Down    int `json:"down"`
	Unknown int `json:"unknown"`
	Total   int `json:"total"`
}

// TransitionEvent is a notification-worthy state transition. Channels is the
// resolved list of notification channel IDs for the affected entity.
type TransitionEvent struct {
	Type       string // "down", "still-down", "degraded", "recovered"
	SourceType string // "monitor" or "group"
	ID         string
	Name       string
	Timestamp  time.Time
	Channels   []string
	Downtime   time.Duration
	GroupInfo  *GroupInfo
}

// ConfigReloadedEvent is published after the active snapshot was swapped.
type ConfigReloadedEvent struct {
	At time.Time
}

// StorageStateEvent reports the storage backend's liveness as seen by the
// self-monitor.
type StorageStateEvent struct {
	Down        bool
	At          time.Time
	OutageStart time.Time // set on recovery
}

// Bus is a non-blocking publish-subscribe event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]chan Event
	bufferSize  int
	done        chan struct{}
	closed      bool
	wg          sync.WaitGroup
}

// NewBus creates a bus whose subscriber channels hold bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 16
	}
	return &Bus{
		subscribers: make(map[Topic][]chan Event),
		bufferSize:  bufferSize,
		done:        make(chan struct{}),
	}
}

// Subscribe registers a new subscriber for the given topic. The returned
// channel is closed when the bus shuts down.
func (b *Bus) Subscribe(topic Topic) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	return ch
}

// SubscribeMultiple returns a single channel fed by all of the given topics.
func (b *Bus) SubscribeMultiple(topics ...Topic) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	muxCh := make(chan Event, b.bufferSize)
	for _, topic := range topics {
		ch := make(chan Event, b.bufferSize)
		b.subscribers[topic] = append(b.subscribers[topic], ch)

		b.wg.Add(1)
		go func(relay <-chan Event) {
			defer b.wg.Done()
			for {
				select {
				case event, ok := <-relay:
					if !ok {
						return
					}
					select {
					case muxCh <- event:
					default:
						// buffer full, drop
					}
				case <-b.done:
					return
				}
			}
		}(ch)
	}
	return muxCh
}

// Publish delivers the payload to every subscriber of the topic. Subscribers
// with a full buffer miss the event; the publisher never blocks.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) {
	b.mu.RLock()
	subs := make([]chan Event, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	closed := b.closed
	b.mu.RUnlock()

	if closed || len(subs) == 0 {
		return
	}

	event := Event{Topic: topic, Timestamp: time.Now(), Payload: payload}
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// slow subscriber, drop
		}
	}
}

// Close shuts the bus down, closing all subscriber channels.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subscribers = make(map[Topic][]chan Event)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
