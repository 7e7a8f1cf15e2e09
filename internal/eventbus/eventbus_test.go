package eventbus_test

import (
	"testing"
	"time"

	"github.com/claude-slack/broker/internal/eventbus"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := eventbus.New(4)
	sub, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(eventbus.Event{Kind: "message.created", EntityID: "msg_1"})

	select {
	case ev := <-sub.Events():
		if ev.Kind != "message.created" || ev.EntityID != "msg_1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Seq != 1 {
			t.Fatalf("expected first delivery to have seq 1, got %d", ev.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := eventbus.New(4)
	sub, unsubscribe := bus.Subscribe()
	unsubscribe()

	bus.Publish(eventbus.Event{Kind: "message.created"})

	_, ok := <-sub.Events()
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestFullQueueDropsAndRecordsGap(t *testing.T) {
	bus := eventbus.New(2)
	sub, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	// Fill the queue past capacity without draining.
	for i := 0; i < 5; i++ {
		bus.Publish(eventbus.Event{Kind: "message.created", EntityID: "overflow"})
	}

	first := <-sub.Events()
	second := <-sub.Events()

	// Exactly queueSize events should have been queued; everything past
	// that was dropped, and the next delivery should carry a gap marker
	// once the queue is drained and a later event successfully enqueues.
	if first.Seq == 0 || second.Seq == 0 {
		t.Fatalf("expected sequential delivered seqs, got %d %d", first.Seq, second.Seq)
	}

	bus.Publish(eventbus.Event{Kind: "message.created", EntityID: "after-drain"})
	select {
	case ev := <-sub.Events():
		if ev.GapSince == 0 {
			t.Fatal("expected a gap marker after queue overflow and drain")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for post-overflow event")
	}
}

func TestPublishNeverBlocksWithNoSubscribers(t *testing.T) {
	bus := eventbus.New(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(eventbus.Event{Kind: "message.created"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}

func TestSubscriberCount(t *testing.T) {
	bus := eventbus.New(4)
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
	_, unsubscribe := bus.Subscribe()
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}
	unsubscribe()
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", bus.SubscriberCount())
	}
}
