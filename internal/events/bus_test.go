package events

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	a := bus.Subscribe(TopicPulse)
	b := bus.Subscribe(TopicPulse)
	other := bus.Subscribe(TopicTransition)

	bus.Publish(context.Background(), TopicPulse, PulseEvent{MonitorID: "m1"})

	for i, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			p, ok := ev.Payload.(PulseEvent)
			if !ok || p.MonitorID != "m1" {
				t.Errorf("subscriber %d: unexpected payload %+v", i, ev.Payload)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}

	select {
	case ev := <-other:
		t.Errorf("transition subscriber received a pulse: %+v", ev)
	default:
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	ch := bus.Subscribe(TopicPulse)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(context.Background(), TopicPulse, PulseEvent{MonitorID: "m"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// The buffer holds the first two; the rest were dropped.
	var received int
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	if received != 2 {
		t.Errorf("received %d events, want buffer size 2", received)
	}
}

func TestSubscribeMultipleMuxesTopics(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	ch := bus.SubscribeMultiple(TopicPulse, TopicStatusChanged)

	bus.Publish(context.Background(), TopicPulse, PulseEvent{MonitorID: "m"})
	bus.Publish(context.Background(), TopicStatusChanged, StatusChangedEvent{ID: "m"})

	topics := map[Topic]bool{}
	timeout := time.After(time.Second)
	for len(topics) < 2 {
		select {
		case ev := <-ch:
			topics[ev.Topic] = true
		case <-timeout:
			t.Fatalf("muxed channel delivered %v, want both topics", topics)
		}
	}
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	bus := NewBus(4)
	ch := bus.Subscribe(TopicPulse)

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, ok := <-ch; ok {
		t.Error("subscriber channel must be closed after shutdown")
	}

	// Publishing after close is a no-op, not a panic.
	bus.Publish(context.Background(), TopicPulse, PulseEvent{MonitorID: "m"})
}
