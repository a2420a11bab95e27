package revocation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testBroker() *Broker {
	return NewBroker(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestBroker_FanoutToAllSubscribers(t *testing.T) {
	b := testBroker()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	ev := Event{Kind: KindSessionRevoked, SessionID: "sess-1"}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got1 := recvEvent(t, ch1)
	got2 := recvEvent(t, ch2)
	if got1.SessionID != "sess-1" || got2.SessionID != "sess-1" {
		t.Fatalf("expected both subscribers to observe sess-1")
	}
	if got1.At.IsZero() {
		t.Fatalf("expected Publish to stamp At")
	}
}

func TestBroker_CancelStopsDelivery(t *testing.T) {
	b := testBroker()

	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", n)
	}

	_ = b.Publish(context.Background(), Event{Kind: KindEpochBumped, Epoch: time.Now()})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("cancelled subscriber must not receive events")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_SlowSubscriberStillDelivered(t *testing.T) {
	b := testBroker()

	ch, cancel := b.Subscribe()
	defer cancel()

	// Overfill the queue; the overflow must arrive once we start draining.
	total := subscriberQueueSize + 5
	for i := 0; i < total; i++ {
		_ = b.Publish(context.Background(), Event{Kind: KindSessionRevoked, SessionID: "sess-slow"})
	}

	for i := 0; i < total; i++ {
		recvEvent(t, ch)
	}
}

func TestBroker_DuplicateEventsAreAllowed(t *testing.T) {
	b := testBroker()

	ch, cancel := b.Subscribe()
	defer cancel()

	ev := Event{Kind: KindSessionRevoked, SessionID: "sess-dup"}
	_ = b.Publish(context.Background(), ev)
	_ = b.Publish(context.Background(), ev)

	first := recvEvent(t, ch)
	second := recvEvent(t, ch)
	if first.SessionID != second.SessionID {
		t.Fatalf("expected identical duplicate events")
	}
}
