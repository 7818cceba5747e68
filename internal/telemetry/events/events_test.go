package events

import (
	"testing"
	"time"

	metrics "kairos/internal/telemetry/metrics"
)

func TestBusBasicPublishSubscribe(t *testing.T) {
	bus := NewBus(metrics.NewNoopProvider())
	sub, err := bus.Subscribe(10)
	if err != nil {
		t.Fatalf("subscribe err: %v", err)
	}
	defer func() { _ = sub.Close() }()

	ev := Event{Category: CategoryScheduler, Type: "dropped_send"}
	if err := bus.Publish(ev); err != nil {
		t.Fatalf("publish err: %v", err)
	}

	select {
	case got := <-sub.C():
		if got.Type != ev.Type || got.Category != ev.Category {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestBusRejectsMissingCategory(t *testing.T) {
	bus := NewBus(nil)
	if err := bus.Publish(Event{Type: "orphan"}); err == nil {
		t.Fatal("expected error for missing category")
	}
}

func TestBusDropBehavior(t *testing.T) {
	bus := NewBus(metrics.NewNoopProvider())
	sub, err := bus.Subscribe(1)
	if err != nil {
		t.Fatalf("subscribe err: %v", err)
	}
	// Don't consume from sub to force drops
	defer func() { _ = sub.Close() }()

	for i := 0; i < 5; i++ {
		_ = bus.Publish(Event{Category: CategoryEstimator, Type: "tick"})
	}
	stats := bus.Stats()
	if stats.Published == 0 {
		t.Fatalf("expected published >0")
	}
	if stats.Dropped == 0 {
		t.Fatalf("expected drops >0, got %#v", stats)
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(metrics.NewNoopProvider())
	sub1, _ := bus.Subscribe(2)
	sub2, _ := bus.Subscribe(2)
	defer func() { _ = sub1.Close() }()
	defer func() { _ = sub2.Close() }()

	_ = bus.Publish(Event{Category: CategoryLifecycle, Type: "started"})
	for _, sub := range []Subscription{sub1, sub2} {
		select {
		case ev := <-sub.C():
			if ev.Type != "started" {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	sub, _ := bus.Subscribe(1)
	if err := bus.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe err: %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel")
	}
	if stats := bus.Stats(); stats.Subscribers != 0 {
		t.Fatalf("expected 0 subscribers, got %d", stats.Subscribers)
	}
}
