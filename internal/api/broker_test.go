package api

import (
	"io"
	"testing"
	"time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	agent := "A001"
	ch := b.Subscribe(agent)
	defer func() { recover() }() // ignore close panic if already closed

	evt := SSEEvent{Type: "visit.completed", Data: map[string]any{"shop_id": "S001"}}
	b.Publish(agent, evt)

	select {
	case got := <-ch:
		if got.Type != evt.Type {
			t.Fatalf("got type %s, want %s", got.Type, evt.Type)
		}
		if got.Data["shop_id"].(string) != "S001" {
			t.Fatalf("bad payload: %+v", got.Data)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	// Other agents' subscribers stay silent.
	other := b.Subscribe("A002")
	b.Publish(agent, evt)
	select {
	case e := <-other:
		t.Fatalf("unexpected event for other agent: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
	b.Unsubscribe("A002", other)

	// drain the copy delivered to the remaining subscriber
	select {
	case <-ch:
	case <-time.After(50 * time.Millisecond):
	}

	b.Unsubscribe(agent, ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should be closed after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
		// acceptable if already drained and closed
	}
}

type fakePubSub struct{ closed int }

func (f *fakePubSub) Close() error { f.closed++; return nil }

// Unsubscribe must tear down the pubsub and leave the event channel to
// its pumping goroutine; closing it here would make the goroutine's
// next send panic.
func TestRedisBrokerUnsubscribeClosesPubSubOnly(t *testing.T) {
	ps := &fakePubSub{}
	ch := make(chan SSEEvent, 1)
	b := &RedisBroker{subs: map[chan SSEEvent]io.Closer{ch: ps}}

	b.Unsubscribe("A001", ch)
	if ps.closed != 1 {
		t.Fatalf("pubsub closed %d times, want 1", ps.closed)
	}

	// The channel stays open for the goroutine that owns it.
	ch <- SSEEvent{Type: "agent.location"}
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel must not be closed by Unsubscribe")
		}
		if evt.Type != "agent.location" {
			t.Fatalf("got %q", evt.Type)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("timeout reading back event")
	}

	// Unsubscribing twice is a no-op, not a second Close.
	b.Unsubscribe("A001", ch)
	if ps.closed != 1 {
		t.Fatalf("pubsub closed %d times after repeat, want 1", ps.closed)
	}
}
