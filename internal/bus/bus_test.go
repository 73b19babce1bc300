package bus

import (
	"testing"
	"time"

	gateway "github.com/hanzoai/bot/internal"
)

func TestPublishFIFOPerRun(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")
	defer sub.Unsubscribe()

	want := []string{"a", "b", "c"}
	for _, text := range want {
		b.Publish(gateway.AgentEvent{RunID: "run-1", Stream: gateway.StreamAssistant, Text: text})
	}
	b.Publish(gateway.AgentEvent{RunID: "run-1", Stream: gateway.StreamLifecycle, Phase: gateway.PhaseEnd})

	for i, text := range want {
		evt := recv(t, sub)
		if evt.Text != text {
			t.Fatalf("event %d: got %q, want %q", i, evt.Text, text)
		}
	}
	if evt := recv(t, sub); !evt.Terminal() {
		t.Fatalf("final event not terminal: %+v", evt)
	}
}

func TestPublishDropsWithoutSubscribers(t *testing.T) {
	b := New()
	// Must not block or panic.
	b.Publish(gateway.AgentEvent{RunID: "ghost", Stream: gateway.StreamAssistant, Text: "x"})
	if n := b.Subscribers("ghost"); n != 0 {
		t.Errorf("Subscribers(ghost) = %d, want 0", n)
	}
}

func TestRunIsolation(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("run-1")
	defer sub1.Unsubscribe()
	sub2 := b.Subscribe("run-2")
	defer sub2.Unsubscribe()

	b.Publish(gateway.AgentEvent{RunID: "run-1", Stream: gateway.StreamAssistant, Text: "only-1"})

	if evt := recv(t, sub1); evt.Text != "only-1" {
		t.Fatalf("sub1 got %+v", evt)
	}
	select {
	case evt := <-sub2.Ch():
		t.Fatalf("sub2 received foreign event: %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")
	if n := b.Subscribers("run-1"); n != 1 {
		t.Fatalf("Subscribers = %d, want 1", n)
	}

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	if n := b.Subscribers("run-1"); n != 0 {
		t.Fatalf("Subscribers after unsubscribe = %d, want 0", n)
	}
	select {
	case <-sub.Done():
	default:
		t.Error("Done() not closed after Unsubscribe")
	}
	// Publishing after unsubscribe must not block even with a full buffer.
	for range subscriptionBuffer + 1 {
		b.Publish(gateway.AgentEvent{RunID: "run-1", Stream: gateway.StreamAssistant, Text: "x"})
	}
}

func TestPublishSkipsDetachedSubscriberWhenFull(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")

	for range subscriptionBuffer {
		b.Publish(gateway.AgentEvent{RunID: "run-1", Stream: gateway.StreamAssistant, Text: "fill"})
	}

	// Unsubscribe concurrently; the blocked publish must observe done.
	go func() {
		time.Sleep(10 * time.Millisecond)
		sub.Unsubscribe()
	}()

	doneCh := make(chan struct{})
	go func() {
		b.Publish(gateway.AgentEvent{RunID: "run-1", Stream: gateway.StreamAssistant, Text: "overflow"})
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked past Unsubscribe")
	}
}

func recv(t *testing.T, sub *Subscription) gateway.AgentEvent {
	t.Helper()
	select {
	case evt := <-sub.Ch():
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return gateway.AgentEvent{}
	}
}
